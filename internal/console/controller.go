// Package console holds the client-side session controller: the
// push-to-talk recording state machine, the VAD settings dispatcher and the
// glue between the transport, the event log and the perf monitor.
package console

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avencel/parley/internal/eventlog"
	"github.com/avencel/parley/internal/perf"
	"github.com/avencel/parley/internal/protocol"
	"github.com/avencel/parley/internal/transport"
	"github.com/avencel/parley/internal/vad"
)

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
)

// Key identifies the console keys the state machine reacts to.
type Key string

const KeySpace Key = "space"

var (
	ErrSessionActive    = errors.New("session already active")
	ErrSessionInactive  = errors.New("session not active")
	ErrChannelNotOpen   = errors.New("data channel not open")
	ErrNotPushToTalk    = errors.New("push-to-talk mode disabled")
	ErrAlreadyRecording = errors.New("already recording")
)

// Dialer opens the realtime connection and returns the control channel plus
// the microphone track gate. Injected so tests run against fakes.
type Dialer func(ctx context.Context, ev transport.Events) (transport.Channel, transport.Track, error)

// Config carries the controller's tunables.
type Config struct {
	// PTTTimeout is the auto-stop limit for a push-to-talk window.
	PTTTimeout time.Duration
	// Bounds clamp every threshold write.
	Bounds vad.Bounds
	// InitialThreshold seeds the VAD threshold, clamped like any write.
	InitialThreshold float64
}

// Status is a point-in-time snapshot for display.
type Status struct {
	SessionID   string
	State       State
	Active      bool
	ChannelOpen bool
	PushToTalk  bool
	Threshold   float64
	SilenceMS   int
}

// Controller is the session controller. All state is guarded by one mutex;
// transport callbacks and key handlers may arrive on any goroutine.
type Controller struct {
	mu sync.Mutex

	cfg  Config
	dial Dialer
	elog *eventlog.Log
	perf *perf.Monitor

	sessionID   string
	active      bool
	channelOpen bool
	pushToTalk  bool
	recording   bool
	threshold   float64

	channel transport.Channel
	track   transport.Track

	stopTimer *time.Timer
	timerGen  int

	// awaiting names the perf window closed by the next response.done.
	awaiting string
}

func New(cfg Config, dial Dialer, elog *eventlog.Log, monitor *perf.Monitor) *Controller {
	if cfg.PTTTimeout <= 0 {
		cfg.PTTTimeout = 5 * time.Second
	}
	threshold, clamped := cfg.Bounds.Clamp(cfg.InitialThreshold)
	if clamped {
		log.Printf("console: initial threshold %v outside [%v, %v], clamped to %v",
			cfg.InitialThreshold, cfg.Bounds.Min, cfg.Bounds.Max, threshold)
	}
	return &Controller{
		cfg:       cfg,
		dial:      dial,
		elog:      elog,
		perf:      monitor,
		threshold: threshold,
	}
}

// StartSession opens the realtime connection. The event log is cleared so
// each session starts with a fresh record.
func (c *Controller) StartSession(ctx context.Context) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return ErrSessionActive
	}
	ptt := c.pushToTalk
	c.mu.Unlock()

	if c.elog != nil {
		c.elog.Clear()
	}

	channel, track, err := c.dial(ctx, transport.Events{
		OnOpen:    c.handleChannelOpen,
		OnMessage: c.handleMessage,
		OnClose:   c.handleChannelClose,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = uuid.NewString()
	c.active = true
	c.recording = false
	c.channel = channel
	c.track = track
	// PTT starts muted; continuous mode hands the mic to server VAD.
	c.setTrackEnabledLocked(!ptt)
	// Transports that open synchronously fire OnOpen before the dial
	// returns, so the on-open dispatch ran without an active session.
	if c.channelOpen {
		c.dispatchVADLocked()
	}
	c.mu.Unlock()
	return nil
}

// StopSession tears the session down. Safe to call when inactive.
func (c *Controller) StopSession() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.cancelTimerLocked()
	c.recording = false
	c.setTrackEnabledLocked(false)
	channel := c.channel
	c.channel = nil
	c.track = nil
	c.active = false
	c.channelOpen = false
	c.awaiting = ""
	c.mu.Unlock()

	if channel != nil {
		if err := channel.Close(); err != nil {
			log.Printf("console: close channel: %v", err)
		}
	}
}

// SetPushToTalk switches between push-to-talk and continuous mode. Only
// allowed while the session is inactive; the recording state is reset and
// the next session starts with the complementary microphone flag.
func (c *Controller) SetPushToTalk(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return ErrSessionActive
	}
	c.pushToTalk = on
	c.recording = false
	c.cancelTimerLocked()
	return nil
}

// HandleKeyDown feeds a key-down event into the state machine. Repeats are
// ignored, matching hold-to-talk semantics.
func (c *Controller) HandleKeyDown(key Key, repeat bool) {
	if key != KeySpace || repeat {
		return
	}
	if err := c.StartRecording(); err != nil {
		log.Printf("console: start recording: %v", err)
	}
}

// HandleKeyUp feeds a key-up event into the state machine.
func (c *Controller) HandleKeyUp(key Key) {
	if key != KeySpace {
		return
	}
	c.StopRecording()
}

// StartRecording opens a push-to-talk window: enable the microphone and arm
// the auto-stop timer.
func (c *Controller) StartRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return ErrSessionInactive
	}
	if c.channel == nil || !c.channelOpen {
		return ErrChannelNotOpen
	}
	if !c.pushToTalk {
		return ErrNotPushToTalk
	}
	if c.recording {
		return ErrAlreadyRecording
	}

	c.recording = true
	c.setTrackEnabledLocked(true)
	c.sendLocked(protocol.NewInputBufferClear())

	c.timerGen++
	gen := c.timerGen
	c.stopTimer = time.AfterFunc(c.cfg.PTTTimeout, func() {
		c.autoStop(gen)
	})
	return nil
}

// StopRecording closes the push-to-talk window: disable the microphone,
// cancel the timer and ask the remote peer for a response. Calling it while
// not recording is a no-op.
func (c *Controller) StopRecording() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRecordingLocked()
}

func (c *Controller) autoStop(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.timerGen {
		// A newer window superseded this timer.
		return
	}
	c.stopRecordingLocked()
}

func (c *Controller) stopRecordingLocked() {
	if !c.recording {
		return
	}
	c.recording = false
	c.cancelTimerLocked()
	c.setTrackEnabledLocked(false)

	if c.perf != nil {
		c.perf.Start(perf.WindowAudioLatency)
		c.awaiting = perf.WindowAudioLatency
	}
	c.sendLocked(protocol.NewResponseCreate())
}

// SetVADThreshold clamps and stores the threshold, then dispatches the
// updated settings when the session is active, the channel is open and
// push-to-talk is disabled. Otherwise the dispatch is silently skipped.
func (c *Controller) SetVADThreshold(v float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	clamped, adjusted := c.cfg.Bounds.Clamp(v)
	if adjusted {
		log.Printf("console: threshold %v outside [%v, %v], clamped to %v",
			v, c.cfg.Bounds.Min, c.cfg.Bounds.Max, clamped)
	}
	c.threshold = clamped
	c.dispatchVADLocked()
	return clamped
}

// AdjustThreshold nudges the threshold by n steps.
func (c *Controller) AdjustThreshold(steps int) float64 {
	c.mu.Lock()
	current := c.threshold
	step := c.cfg.Bounds.Step
	c.mu.Unlock()
	return c.SetVADThreshold(current + float64(steps)*step)
}

// SendText injects a typed user message and requests a response.
func (c *Controller) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active || c.channel == nil || !c.channelOpen {
		return ErrChannelNotOpen
	}
	c.sendLocked(protocol.NewTextItem(text))
	c.sendLocked(protocol.NewResponseCreate())
	return nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := StateIdle
	if c.recording {
		state = StateRecording
	}
	return Status{
		SessionID:   c.sessionID,
		State:       state,
		Active:      c.active,
		ChannelOpen: c.channelOpen,
		PushToTalk:  c.pushToTalk,
		Threshold:   c.threshold,
		SilenceMS:   vad.SilenceDurationMS(c.threshold),
	}
}

func (c *Controller) handleChannelOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelOpen = true
	c.dispatchVADLocked()
}

func (c *Controller) handleChannelClose(err error) {
	if err != nil {
		log.Printf("console: channel closed: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelOpen = false
	if c.recording {
		c.recording = false
		c.cancelTimerLocked()
		c.setTrackEnabledLocked(false)
	}
}

func (c *Controller) handleMessage(raw []byte) {
	ev, err := protocol.ParseServerEvent(raw)
	if err != nil {
		log.Printf("console: drop malformed server event: %v", err)
		return
	}

	eventType, _ := protocol.TypeOf(ev)

	c.mu.Lock()
	if c.elog != nil {
		c.elog.Append(c.sessionID, eventlog.DirectionInbound, string(eventType), raw)
	}
	switch e := ev.(type) {
	case protocol.SpeechStarted:
		if c.perf != nil && !c.pushToTalk {
			c.perf.Start(perf.WindowVADResponse)
			c.awaiting = perf.WindowVADResponse
		}
	case protocol.ResponseDone:
		if c.perf != nil && c.awaiting != "" {
			c.perf.End(c.awaiting)
			c.awaiting = ""
		}
	case protocol.ErrorEvent:
		log.Printf("console: server error %s: %s", e.Error.Code, e.Error.Message)
	}
	c.mu.Unlock()
}

// dispatchVADLocked sends the current turn-detection settings. Skips are
// silent: not an error when the channel is closed or PTT is on.
func (c *Controller) dispatchVADLocked() {
	if !c.active || c.channel == nil || !c.channelOpen || c.pushToTalk {
		return
	}
	c.sendLocked(protocol.NewSessionUpdate(vad.Settings(c.threshold)))
}

// sendLocked writes a control event and logs it. Send failures degrade to a
// warning; the session carries on.
func (c *Controller) sendLocked(v any) {
	if c.channel == nil {
		log.Printf("console: no channel, dropping outbound event")
		return
	}
	eventType, _ := protocol.TypeOf(v)
	if err := c.channel.Send(v); err != nil {
		log.Printf("console: send %s: %v", eventType, err)
		return
	}
	if c.elog != nil {
		c.elog.Append(c.sessionID, eventlog.DirectionOutbound, string(eventType), nil)
	}
}

func (c *Controller) setTrackEnabledLocked(enabled bool) {
	if c.track == nil {
		log.Printf("console: no microphone track, skipping enable=%v", enabled)
		return
	}
	c.track.SetEnabled(enabled)
}

func (c *Controller) cancelTimerLocked() {
	c.timerGen++
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
}
