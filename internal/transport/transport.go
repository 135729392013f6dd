// Package transport provides the realtime control-plane connection: a
// WebRTC data channel (pion) or a WebSocket fallback (gorilla). Both expose
// the same narrow Channel contract so the console never sees the difference.
package transport

import "errors"

var (
	ErrChannelClosed  = errors.New("data channel closed")
	ErrChannelNotOpen = errors.New("data channel not open")
)

// Channel is the bidirectional control-event transport. Send marshals v to
// JSON and writes it to the remote peer.
type Channel interface {
	Send(v any) error
	Close() error
}

// Track is the microphone enablement contract: a boolean gate on the
// captured audio path.
type Track interface {
	Enabled() bool
	SetEnabled(bool)
}

// Events carries the lifecycle callbacks a connection dispatches. All
// callbacks may be nil. They are invoked from transport goroutines.
type Events struct {
	OnOpen    func()
	OnMessage func(raw []byte)
	OnClose   func(err error)
}

// NullTrack satisfies Track when no capture device is wired, e.g. for the
// WebSocket transport or when portaudio is unavailable.
type NullTrack struct {
	enabled bool
}

func NewNullTrack(enabled bool) *NullTrack {
	return &NullTrack{enabled: enabled}
}

func (t *NullTrack) Enabled() bool     { return t.enabled }
func (t *NullTrack) SetEnabled(v bool) { t.enabled = v }
