package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avencel/parley/internal/config"
	"github.com/avencel/parley/internal/eventlog"
	"github.com/avencel/parley/internal/gateway"
	"github.com/avencel/parley/internal/observability"
	"github.com/avencel/parley/internal/perf"
	"github.com/avencel/parley/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	archive, err := eventlog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("event archive init failed: %v", err)
	}
	defer archive.Close()
	log.Printf("event archive: %s", archive.Mode())

	sessions := session.NewRegistry(cfg.SessionTTL)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	minter := gateway.NewMinter(cfg.UpstreamURL, cfg.APIKey, nil)
	if !minter.Configured() {
		log.Printf("warning: OPENAI_API_KEY not set, /token will return 503")
	}

	api := gateway.New(cfg, sessions, minter, metrics, perf.NewMonitor(256), archive)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("gateway listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
