package console

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/avencel/parley/internal/eventlog"
	"github.com/avencel/parley/internal/perf"
	"github.com/avencel/parley/internal/protocol"
	"github.com/avencel/parley/internal/transport"
	"github.com/avencel/parley/internal/vad"
)

type fakeChannel struct {
	mu      sync.Mutex
	sent    []any
	sendErr error
	closed  bool
}

func (f *fakeChannel) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) countType(t protocol.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.sent {
		if got, ok := protocol.TypeOf(v); ok && got == t {
			n++
		}
	}
	return n
}

func (f *fakeChannel) lastSessionUpdate() (protocol.SessionUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if su, ok := f.sent[i].(protocol.SessionUpdate); ok {
			return su, true
		}
	}
	return protocol.SessionUpdate{}, false
}

type fakeTrack struct {
	mu      sync.Mutex
	enabled bool
}

func (f *fakeTrack) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeTrack) SetEnabled(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = v
}

type harness struct {
	ctrl    *Controller
	channel *fakeChannel
	track   *fakeTrack
	elog    *eventlog.Log
	monitor *perf.Monitor
	events  transport.Events
}

func defaultBounds() vad.Bounds {
	return vad.Bounds{Min: 0, Max: 1, Step: 0.05}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		channel: &fakeChannel{},
		track:   &fakeTrack{},
		elog:    eventlog.New(),
		monitor: perf.NewMonitor(16),
	}
	dial := func(ctx context.Context, ev transport.Events) (transport.Channel, transport.Track, error) {
		h.events = ev
		return h.channel, h.track, nil
	}
	h.ctrl = New(cfg, dial, h.elog, h.monitor)
	return h
}

// start opens a session and fires the channel-open callback.
func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.ctrl.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	h.events.OnOpen()
}

func (h *harness) serverEvent(t *testing.T, payload string) {
	t.Helper()
	if !json.Valid([]byte(payload)) {
		t.Fatalf("test payload is not valid JSON: %s", payload)
	}
	h.events.OnMessage([]byte(payload))
}

func TestStartSessionContinuousMode(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds(), InitialThreshold: 0.5})
	h.elog.Append("stale", eventlog.DirectionInbound, "error", nil)

	h.start(t)

	st := h.ctrl.Status()
	if !st.Active || !st.ChannelOpen {
		t.Fatalf("status = %+v, want active with open channel", st)
	}
	if st.State != StateIdle {
		t.Fatalf("state = %q, want %q", st.State, StateIdle)
	}
	if st.SessionID == "" {
		t.Fatalf("session id should be assigned")
	}
	if !h.track.Enabled() {
		t.Fatalf("continuous mode should start with the microphone enabled")
	}

	// The stale record is gone; only the dispatched session.update remains.
	for _, rec := range h.elog.Snapshot() {
		if rec.SessionID == "stale" {
			t.Fatalf("event log should be cleared on session start")
		}
	}
	if got := h.channel.countType(protocol.TypeSessionUpdate); got != 1 {
		t.Fatalf("session.update count = %d, want 1 (dispatched on channel open)", got)
	}
}

func TestStartSessionPushToTalkStartsMuted(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds(), InitialThreshold: 0.5})
	if err := h.ctrl.SetPushToTalk(true); err != nil {
		t.Fatalf("SetPushToTalk() error = %v", err)
	}
	h.start(t)

	if h.track.Enabled() {
		t.Fatalf("push-to-talk mode should start with the microphone muted")
	}
	if got := h.channel.countType(protocol.TypeSessionUpdate); got != 0 {
		t.Fatalf("session.update count = %d, want 0 while PTT enabled", got)
	}
}

func TestStartSessionChannelOpensDuringDial(t *testing.T) {
	// WebSocket-style dial: the channel is open, and OnOpen has already
	// fired, by the time the dialer returns.
	h := &harness{
		channel: &fakeChannel{},
		track:   &fakeTrack{},
		elog:    eventlog.New(),
		monitor: perf.NewMonitor(16),
	}
	dial := func(ctx context.Context, ev transport.Events) (transport.Channel, transport.Track, error) {
		h.events = ev
		ev.OnOpen()
		return h.channel, h.track, nil
	}
	h.ctrl = New(Config{Bounds: defaultBounds(), InitialThreshold: 0.6}, dial, h.elog, h.monitor)

	if err := h.ctrl.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	st := h.ctrl.Status()
	if !st.Active || !st.ChannelOpen {
		t.Fatalf("status = %+v, want active with open channel", st)
	}
	if got := h.channel.countType(protocol.TypeSessionUpdate); got != 1 {
		t.Fatalf("session.update count = %d, want 1 when the channel opened during dial", got)
	}
	su, ok := h.channel.lastSessionUpdate()
	if !ok || su.Session.TurnDetection == nil || su.Session.TurnDetection.Threshold != 0.6 {
		t.Fatalf("dispatched settings = %+v, want threshold 0.6", su)
	}

	// A later threshold change must not double up the on-open dispatch.
	h.ctrl.SetVADThreshold(0.4)
	if got := h.channel.countType(protocol.TypeSessionUpdate); got != 2 {
		t.Fatalf("session.update count = %d, want 2 after one threshold change", got)
	}
}

func TestStartSessionTwice(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds()})
	h.start(t)
	if err := h.ctrl.StartSession(context.Background()); err != ErrSessionActive {
		t.Fatalf("second StartSession() = %v, want ErrSessionActive", err)
	}
}

func TestStartSessionDialFailure(t *testing.T) {
	wantErr := errors.New("no token")
	dial := func(ctx context.Context, ev transport.Events) (transport.Channel, transport.Track, error) {
		return nil, nil, wantErr
	}
	c := New(Config{Bounds: defaultBounds()}, dial, nil, nil)
	if err := c.StartSession(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("StartSession() error = %v, want %v", err, wantErr)
	}
	if st := c.Status(); st.Active {
		t.Fatalf("session should stay inactive after a failed dial")
	}
}

func TestModeToggleOnlyWhileInactive(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds()})
	h.start(t)
	if err := h.ctrl.SetPushToTalk(true); err != ErrSessionActive {
		t.Fatalf("SetPushToTalk() while active = %v, want ErrSessionActive", err)
	}

	h.ctrl.StopSession()
	if err := h.ctrl.SetPushToTalk(true); err != nil {
		t.Fatalf("SetPushToTalk() after stop error = %v", err)
	}
	if st := h.ctrl.Status(); !st.PushToTalk {
		t.Fatalf("push-to-talk should be enabled")
	}
}

func TestRecordingLifecycle(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds(), PTTTimeout: time.Minute})
	if err := h.ctrl.SetPushToTalk(true); err != nil {
		t.Fatalf("SetPushToTalk() error = %v", err)
	}
	h.start(t)

	h.ctrl.HandleKeyDown(KeySpace, false)
	if st := h.ctrl.Status(); st.State != StateRecording {
		t.Fatalf("state = %q, want %q after key down", st.State, StateRecording)
	}
	if !h.track.Enabled() {
		t.Fatalf("microphone should be enabled while recording")
	}
	if got := h.channel.countType(protocol.TypeInputBufferClear); got != 1 {
		t.Fatalf("input_audio_buffer.clear count = %d, want 1", got)
	}

	// Held keys repeat; repeats must not restart the window.
	h.ctrl.HandleKeyDown(KeySpace, true)
	h.ctrl.HandleKeyDown(KeySpace, false)
	if got := h.channel.countType(protocol.TypeInputBufferClear); got != 1 {
		t.Fatalf("repeat key down restarted recording, clear count = %d", got)
	}

	h.ctrl.HandleKeyUp(KeySpace)
	if st := h.ctrl.Status(); st.State != StateIdle {
		t.Fatalf("state = %q, want %q after key up", st.State, StateIdle)
	}
	if h.track.Enabled() {
		t.Fatalf("microphone should be muted after recording stops")
	}
	if got := h.channel.countType(protocol.TypeResponseCreate); got != 1 {
		t.Fatalf("response.create count = %d, want exactly 1", got)
	}

	// A second key up is a no-op.
	h.ctrl.HandleKeyUp(KeySpace)
	if got := h.channel.countType(protocol.TypeResponseCreate); got != 1 {
		t.Fatalf("redundant key up emitted response.create, count = %d", got)
	}
}

func TestRecordingPreconditions(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds()})

	if err := h.ctrl.StartRecording(); err != ErrSessionInactive {
		t.Fatalf("StartRecording() inactive = %v, want ErrSessionInactive", err)
	}

	// Continuous mode rejects manual recording.
	h.start(t)
	if err := h.ctrl.StartRecording(); err != ErrNotPushToTalk {
		t.Fatalf("StartRecording() continuous = %v, want ErrNotPushToTalk", err)
	}
	h.ctrl.StopSession()

	if err := h.ctrl.SetPushToTalk(true); err != nil {
		t.Fatalf("SetPushToTalk() error = %v", err)
	}
	if err := h.ctrl.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	// Channel exists but has not opened yet.
	if err := h.ctrl.StartRecording(); err != ErrChannelNotOpen {
		t.Fatalf("StartRecording() before open = %v, want ErrChannelNotOpen", err)
	}

	h.events.OnOpen()
	if err := h.ctrl.StartRecording(); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if err := h.ctrl.StartRecording(); err != ErrAlreadyRecording {
		t.Fatalf("second StartRecording() = %v, want ErrAlreadyRecording", err)
	}
}

func TestAutoStopTimer(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds(), PTTTimeout: 25 * time.Millisecond})
	if err := h.ctrl.SetPushToTalk(true); err != nil {
		t.Fatalf("SetPushToTalk() error = %v", err)
	}
	h.start(t)

	h.ctrl.HandleKeyDown(KeySpace, false)

	deadline := time.Now().Add(2 * time.Second)
	for h.ctrl.Status().State != StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("auto-stop timer never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if h.track.Enabled() {
		t.Fatalf("microphone should be muted after auto-stop")
	}
	if got := h.channel.countType(protocol.TypeResponseCreate); got != 1 {
		t.Fatalf("response.create count = %d, want 1", got)
	}

	// Key up after the timer fired must not emit a second response.create.
	h.ctrl.HandleKeyUp(KeySpace)
	if got := h.channel.countType(protocol.TypeResponseCreate); got != 1 {
		t.Fatalf("key up after auto-stop emitted response.create, count = %d", got)
	}
}

func TestManualStopCancelsTimer(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds(), PTTTimeout: 25 * time.Millisecond})
	if err := h.ctrl.SetPushToTalk(true); err != nil {
		t.Fatalf("SetPushToTalk() error = %v", err)
	}
	h.start(t)

	h.ctrl.HandleKeyDown(KeySpace, false)
	h.ctrl.HandleKeyUp(KeySpace)

	time.Sleep(80 * time.Millisecond)
	if got := h.channel.countType(protocol.TypeResponseCreate); got != 1 {
		t.Fatalf("stale timer fired, response.create count = %d, want 1", got)
	}
}

func TestThresholdDispatch(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds(), InitialThreshold: 0.5})
	h.start(t)

	if got := h.ctrl.SetVADThreshold(0.8); got != 0.8 {
		t.Fatalf("SetVADThreshold(0.8) = %v", got)
	}
	su, ok := h.channel.lastSessionUpdate()
	if !ok {
		t.Fatalf("no session.update dispatched")
	}
	td := su.Session.TurnDetection
	if td == nil {
		t.Fatalf("session.update carries no turn_detection")
	}
	if td.Threshold != 0.8 {
		t.Fatalf("dispatched threshold = %v, want 0.8", td.Threshold)
	}
	if td.SilenceDurationMS != 1000 {
		t.Fatalf("silence_duration_ms = %d, want 1000 for threshold > 0.7", td.SilenceDurationMS)
	}

	if got := h.ctrl.SetVADThreshold(0.3); got != 0.3 {
		t.Fatalf("SetVADThreshold(0.3) = %v", got)
	}
	su, _ = h.channel.lastSessionUpdate()
	if su.Session.TurnDetection.SilenceDurationMS != 500 {
		t.Fatalf("silence_duration_ms = %d, want 500 for threshold <= 0.7",
			su.Session.TurnDetection.SilenceDurationMS)
	}
}

func TestThresholdClamped(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds()})
	if got := h.ctrl.SetVADThreshold(1.7); got != 1 {
		t.Fatalf("SetVADThreshold(1.7) = %v, want clamped to 1", got)
	}
	if got := h.ctrl.SetVADThreshold(-0.2); got != 0 {
		t.Fatalf("SetVADThreshold(-0.2) = %v, want clamped to 0", got)
	}
}

func TestThresholdDispatchSkipped(t *testing.T) {
	// Inactive session: the write lands but nothing is dispatched.
	h := newHarness(t, Config{Bounds: defaultBounds()})
	h.ctrl.SetVADThreshold(0.6)
	if got := h.channel.countType(protocol.TypeSessionUpdate); got != 0 {
		t.Fatalf("session.update count = %d, want 0 while inactive", got)
	}

	// PTT mode: active session, open channel, still no dispatch.
	if err := h.ctrl.SetPushToTalk(true); err != nil {
		t.Fatalf("SetPushToTalk() error = %v", err)
	}
	h.start(t)
	h.ctrl.SetVADThreshold(0.9)
	if got := h.channel.countType(protocol.TypeSessionUpdate); got != 0 {
		t.Fatalf("session.update count = %d, want 0 while PTT enabled", got)
	}
	if st := h.ctrl.Status(); st.Threshold != 0.9 {
		t.Fatalf("threshold = %v, want 0.9 retained despite skipped dispatch", st.Threshold)
	}
}

func TestAdjustThreshold(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds(), InitialThreshold: 0.5})
	if got := h.ctrl.AdjustThreshold(2); got != 0.6 {
		t.Fatalf("AdjustThreshold(2) = %v, want 0.6", got)
	}
	if got := h.ctrl.AdjustThreshold(-20); got != 0 {
		t.Fatalf("AdjustThreshold(-20) = %v, want clamped to 0", got)
	}
}

func TestInboundEventsLogged(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds()})
	h.start(t)

	h.serverEvent(t, `{"type":"session.created","event_id":"ev_1"}`)
	h.serverEvent(t, `{"type":"response.done","event_id":"ev_2"}`)

	recs := h.elog.Snapshot()
	if len(recs) < 2 {
		t.Fatalf("log has %d records, want at least 2", len(recs))
	}
	// Most recent first.
	if recs[0].EventType != "response.done" {
		t.Fatalf("recs[0].EventType = %q, want response.done", recs[0].EventType)
	}
	if recs[0].Direction != eventlog.DirectionInbound {
		t.Fatalf("recs[0].Direction = %q, want inbound", recs[0].Direction)
	}
	if recs[1].EventType != "session.created" {
		t.Fatalf("recs[1].EventType = %q, want session.created", recs[1].EventType)
	}
}

func TestMalformedServerEventDropped(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds()})
	h.start(t)
	before := h.elog.Len()
	h.events.OnMessage([]byte(`{not json`))
	h.events.OnMessage([]byte(`{"event_id":"no-type"}`))
	if h.elog.Len() != before {
		t.Fatalf("malformed events must not be logged")
	}
}

func TestPerfWindowsAroundResponses(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds(), PTTTimeout: time.Minute})
	if err := h.ctrl.SetPushToTalk(true); err != nil {
		t.Fatalf("SetPushToTalk() error = %v", err)
	}
	h.start(t)

	h.ctrl.HandleKeyDown(KeySpace, false)
	h.ctrl.HandleKeyUp(KeySpace)
	h.serverEvent(t, `{"type":"response.done","event_id":"ev_1"}`)

	snap := h.monitor.Summary()
	found := false
	for _, w := range snap.Windows {
		if w.Name == perf.WindowAudioLatency && w.Samples == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("audio latency window missing from summary: %+v", snap.Windows)
	}
}

func TestChannelCloseStopsRecording(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds(), PTTTimeout: time.Minute})
	if err := h.ctrl.SetPushToTalk(true); err != nil {
		t.Fatalf("SetPushToTalk() error = %v", err)
	}
	h.start(t)
	h.ctrl.HandleKeyDown(KeySpace, false)

	h.events.OnClose(errors.New("transport gone"))

	st := h.ctrl.Status()
	if h.track.Enabled() {
		t.Fatalf("microphone should be muted after channel close")
	}
	if st.ChannelOpen {
		t.Fatalf("channel should be flagged closed")
	}
	if st.State != StateIdle {
		t.Fatalf("state = %q, want %q after channel close", st.State, StateIdle)
	}
	// No response.create: there is no channel to carry it.
	if got := h.channel.countType(protocol.TypeResponseCreate); got != 0 {
		t.Fatalf("response.create count = %d, want 0 after channel close", got)
	}
}

func TestStopSessionClosesChannel(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds()})
	h.start(t)
	h.ctrl.StopSession()

	if !h.channel.closed {
		t.Fatalf("channel should be closed")
	}
	if st := h.ctrl.Status(); st.Active {
		t.Fatalf("session should be inactive")
	}
	// Idempotent.
	h.ctrl.StopSession()
}

func TestSendFailureDegrades(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds(), PTTTimeout: time.Minute})
	if err := h.ctrl.SetPushToTalk(true); err != nil {
		t.Fatalf("SetPushToTalk() error = %v", err)
	}
	h.start(t)
	h.channel.sendErr = errors.New("pipe broken")

	h.ctrl.HandleKeyDown(KeySpace, false)
	if st := h.ctrl.Status(); st.State != StateRecording {
		t.Fatalf("send failure should not block the state machine, state = %q", st.State)
	}
	h.ctrl.HandleKeyUp(KeySpace)
	if st := h.ctrl.Status(); st.State != StateIdle {
		t.Fatalf("state = %q, want %q", st.State, StateIdle)
	}
}

func TestSendText(t *testing.T) {
	h := newHarness(t, Config{Bounds: defaultBounds()})
	if err := h.ctrl.SendText("hi"); err != ErrChannelNotOpen {
		t.Fatalf("SendText() inactive = %v, want ErrChannelNotOpen", err)
	}

	h.start(t)
	if err := h.ctrl.SendText("hello there"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if got := h.channel.countType(protocol.TypeItemCreate); got != 1 {
		t.Fatalf("conversation.item.create count = %d, want 1", got)
	}
	if got := h.channel.countType(protocol.TypeResponseCreate); got != 1 {
		t.Fatalf("response.create count = %d, want 1", got)
	}
}
