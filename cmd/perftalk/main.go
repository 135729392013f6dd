// perftalk replays synthetic text turns against the realtime endpoint over
// the WebSocket transport and reports turn latency percentiles. It needs a
// running parley-gateway for credentials.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/avencel/parley/internal/gateway"
	"github.com/avencel/parley/internal/perf"
	"github.com/avencel/parley/internal/protocol"
	"github.com/avencel/parley/internal/transport"
)

const turnWindow = "turn_latency"

type options struct {
	tokenURL    string
	realtimeURL string
	model       string
	turns       int
	turnTimeout time.Duration
	texts       []string
	verbose     bool
}

var defaultUtterances = []string{
	"Reply in three words: latency bottleneck?",
	"Reply in three words: next optimization?",
	"Reply in three words: architecture summary?",
	"Reply in three words: top risk?",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perftalk: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perftalk: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var turnTimeoutMS int

	flag.StringVar(&cfg.tokenURL, "token-url", "http://127.0.0.1:8088/token", "parley-gateway token URL")
	flag.StringVar(&cfg.realtimeURL, "realtime-url", "https://api.openai.com/v1/realtime", "realtime endpoint")
	flag.StringVar(&cfg.model, "model", "", "model override (defaults to whatever the gateway mints)")
	flag.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for response.done per turn in milliseconds")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.tokenURL = strings.TrimSpace(cfg.tokenURL)
	if cfg.tokenURL == "" {
		return options{}, fmt.Errorf("token-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if turnTimeoutMS < 1000 {
		return options{}, fmt.Errorf("turn-timeout-ms must be >= 1000")
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	cfg.texts = utterances(textsRaw)
	return cfg, nil
}

// utterances splits a '|' separated list, falling back to the defaults.
func utterances(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultUtterances
	}
	parts := strings.Split(raw, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultUtterances
	}
	return out
}

func run(cfg options) error {
	ctx := context.Background()

	token, err := gateway.FetchToken(ctx, nil, cfg.tokenURL, cfg.model)
	if err != nil {
		return err
	}
	if cfg.verbose {
		fmt.Printf("minted session %s (model %s)\n", token.SessionID, token.Model)
	}

	done := make(chan struct{}, 4)
	conn, err := transport.DialWebSocket(ctx, transport.WSConfig{
		RealtimeURL: cfg.realtimeURL,
		Model:       token.Model,
	}, token.ClientSecret, transport.Events{
		OnMessage: func(raw []byte) {
			ev, err := protocol.ParseServerEvent(raw)
			if err != nil {
				return
			}
			switch e := ev.(type) {
			case protocol.ResponseDone:
				select {
				case done <- struct{}{}:
				default:
				}
			case protocol.ErrorEvent:
				fmt.Fprintf(os.Stderr, "perftalk: server error %s: %s\n", e.Error.Code, e.Error.Message)
			}
		},
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	monitor := perf.NewMonitor(cfg.turns)
	timedOut := 0

	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		monitor.Start(turnWindow)
		if err := conn.Send(protocol.NewTextItem(text)); err != nil {
			return fmt.Errorf("turn %d: send item: %w", i+1, err)
		}
		if err := conn.Send(protocol.NewResponseCreate()); err != nil {
			return fmt.Errorf("turn %d: send response.create: %w", i+1, err)
		}

		select {
		case <-done:
			ms := monitor.End(turnWindow)
			if cfg.verbose {
				fmt.Printf("turn %d/%d: %.0fms\n", i+1, cfg.turns, ms)
			}
		case <-time.After(cfg.turnTimeout):
			// A timeout is not a latency sample; keep it out of the stats.
			monitor.Discard(turnWindow)
			timedOut++
			if cfg.verbose {
				fmt.Printf("turn %d/%d: timed out after %s\n", i+1, cfg.turns, cfg.turnTimeout)
			}
		}
	}

	summary := monitor.Summary()
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if timedOut > 0 {
		fmt.Printf("%d/%d turns timed out\n", timedOut, cfg.turns)
	}
	return nil
}
