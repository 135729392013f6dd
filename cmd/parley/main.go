package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"

	"github.com/avencel/parley/internal/audio"
	"github.com/avencel/parley/internal/config"
	"github.com/avencel/parley/internal/console"
	"github.com/avencel/parley/internal/eventlog"
	"github.com/avencel/parley/internal/gateway"
	"github.com/avencel/parley/internal/perf"
	"github.com/avencel/parley/internal/transport"
	"github.com/avencel/parley/internal/vad"
)

func main() {
	envFile := cli.StringP("env", "e", ".env", "env file path")
	transportFlag := cli.StringP("transport", "t", "", "transport override: webrtc|websocket")
	tokenURL := cli.String("token-url", "", "token gateway URL override")
	cli.Parse()

	_ = godotenv.Load(*envFile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if *transportFlag != "" {
		cfg.Transport = strings.ToLower(strings.TrimSpace(*transportFlag))
	}
	if *tokenURL != "" {
		cfg.TokenURL = *tokenURL
	}

	a := &app{
		cfg:     cfg,
		elog:    eventlog.New(),
		monitor: perf.NewMonitor(256),
	}
	a.ctrl = console.New(console.Config{
		PTTTimeout:       cfg.PTTTimeout,
		Bounds:           vad.Bounds{Min: cfg.VADMin, Max: cfg.VADMax, Step: cfg.VADStep},
		InitialThreshold: cfg.VADDefault,
	}, a.dial, a.elog, a.monitor)

	rttCtx, rttCancel := context.WithCancel(context.Background())
	defer rttCancel()
	go a.sampleRTT(rttCtx)

	log.Printf("parley console, transport=%s, model=%s", cfg.Transport, cfg.Model)
	fmt.Println(`commands: start, stop, <enter> talk, m mode, +/- threshold, t <v>, say <text>, log, perf, status, quit`)

	a.repl(os.Stdin, os.Stdout)
	a.shutdown()
}

type app struct {
	cfg     config.Config
	ctrl    *console.Controller
	elog    *eventlog.Log
	monitor *perf.Monitor

	mu      sync.Mutex
	rtt     perf.RTTSource
	capture *audio.Capture
}

// dial fetches an ephemeral credential from the gateway and opens the
// configured transport. A missing capture device degrades to a silent track.
func (a *app) dial(ctx context.Context, ev transport.Events) (transport.Channel, transport.Track, error) {
	token, err := fetchToken(ctx, a.cfg.TokenURL, a.cfg.Model, a.monitor)
	if err != nil {
		return nil, nil, err
	}

	switch a.cfg.Transport {
	case "websocket":
		conn, err := transport.DialWebSocket(ctx, transport.WSConfig{
			RealtimeURL: a.cfg.RealtimeURL,
			Model:       token.Model,
		}, token.ClientSecret, ev)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("warning: websocket transport carries no microphone audio")
		return conn, transport.NewNullTrack(false), nil
	default:
		conn, err := transport.DialWebRTC(ctx, transport.WebRTCConfig{
			RealtimeURL:  a.cfg.RealtimeURL,
			Model:        token.Model,
			ChannelLabel: a.cfg.ChannelLabel,
		}, token.ClientSecret, ev)
		if err != nil {
			return nil, nil, err
		}

		gate := audio.NewGate(false)
		capture, err := audio.NewCapture(conn.MicTrack(), gate)
		if err != nil {
			log.Printf("warning: microphone unavailable, continuing without audio: %v", err)
			a.setConn(conn, nil)
			return conn, transport.NewNullTrack(false), nil
		}
		if err := capture.Start(); err != nil {
			log.Printf("warning: capture start failed, continuing without audio: %v", err)
			_ = capture.Close()
			a.setConn(conn, nil)
			return conn, transport.NewNullTrack(false), nil
		}
		a.setConn(conn, capture)
		return conn, gate, nil
	}
}

func (a *app) setConn(rtt perf.RTTSource, capture *audio.Capture) {
	a.mu.Lock()
	a.rtt = rtt
	a.capture = capture
	a.mu.Unlock()
}

func (a *app) sampleRTT(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			src := a.rtt
			a.mu.Unlock()
			if src != nil && a.ctrl.Status().Active {
				a.monitor.SampleRTT(src)
			}
		}
	}
}

func (a *app) repl(in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		cmd, arg, _ := strings.Cut(line, " ")

		switch cmd {
		case "":
			a.toggleTalk(out)
		case "start":
			if err := a.ctrl.StartSession(context.Background()); err != nil {
				fmt.Fprintf(out, "start: %v\n", err)
				continue
			}
			fmt.Fprintln(out, "session started")
		case "stop":
			a.stopSession()
			fmt.Fprintln(out, "session stopped")
		case "m":
			st := a.ctrl.Status()
			if err := a.ctrl.SetPushToTalk(!st.PushToTalk); err != nil {
				fmt.Fprintf(out, "mode: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "push-to-talk: %v\n", !st.PushToTalk)
		case "+":
			fmt.Fprintf(out, "threshold: %.2f\n", a.ctrl.AdjustThreshold(1))
		case "-":
			fmt.Fprintf(out, "threshold: %.2f\n", a.ctrl.AdjustThreshold(-1))
		case "t":
			v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
			if err != nil {
				fmt.Fprintf(out, "t: invalid threshold %q\n", arg)
				continue
			}
			fmt.Fprintf(out, "threshold: %.2f\n", a.ctrl.SetVADThreshold(v))
		case "say":
			if err := a.ctrl.SendText(arg); err != nil {
				fmt.Fprintf(out, "say: %v\n", err)
			}
		case "log":
			printLog(out, a.elog, 20)
		case "perf":
			printJSON(out, a.monitor.Summary())
		case "status":
			printJSON(out, a.ctrl.Status())
		case "q", "quit", "exit":
			return
		default:
			fmt.Fprintf(out, "unknown command %q\n", cmd)
		}
	}
}

// toggleTalk maps a bare Enter to the push-to-talk key: first press opens
// the window, the next one closes it.
func (a *app) toggleTalk(out io.Writer) {
	st := a.ctrl.Status()
	if !st.PushToTalk {
		fmt.Fprintln(out, "continuous mode is on, the server detects turns (use 'm' for push-to-talk)")
		return
	}
	if st.State == console.StateRecording {
		a.ctrl.HandleKeyUp(console.KeySpace)
		fmt.Fprintln(out, "recording stopped")
		return
	}
	a.ctrl.HandleKeyDown(console.KeySpace, false)
	if a.ctrl.Status().State == console.StateRecording {
		fmt.Fprintln(out, "recording... press enter to stop")
	}
}

func (a *app) stopSession() {
	st := a.ctrl.Status()
	a.ctrl.StopSession()
	a.mu.Lock()
	capture := a.capture
	a.capture = nil
	a.rtt = nil
	a.mu.Unlock()
	if capture != nil {
		if err := capture.Close(); err != nil {
			log.Printf("close capture: %v", err)
		}
	}
	if st.Active {
		a.archiveLog(st.SessionID)
	}
}

// archiveLog ships the finished session's event log to the gateway.
// Best-effort: a failure warns and the console keeps its local copy.
func (a *app) archiveLog(sessionID string) {
	records := a.elog.Snapshot()
	if len(records) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gateway.ArchiveEvents(ctx, nil, a.cfg.TokenURL, sessionID, records); err != nil {
		log.Printf("warning: archive event log: %v", err)
	}
}

func (a *app) shutdown() {
	a.stopSession()
}

func fetchToken(ctx context.Context, tokenURL, model string, monitor *perf.Monitor) (*gateway.MintedToken, error) {
	monitor.Start(perf.WindowTokenFetch)
	token, err := gateway.FetchToken(ctx, nil, tokenURL, model)
	if err != nil {
		return nil, err
	}
	monitor.End(perf.WindowTokenFetch)
	return token, nil
}

func printLog(out io.Writer, elog *eventlog.Log, limit int) {
	records := elog.Snapshot()
	if len(records) == 0 {
		fmt.Fprintln(out, "event log is empty")
		return
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	for _, rec := range records {
		fmt.Fprintf(out, "%s  %-8s  %s\n", rec.At.Format(time.TimeOnly), rec.Direction, rec.EventType)
	}
}

func printJSON(out io.Writer, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(out, "encode: %v\n", err)
		return
	}
	fmt.Fprintln(out, string(data))
}
