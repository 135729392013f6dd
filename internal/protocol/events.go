package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies data-channel payload variants.
type EventType string

const (
	// Client -> server.
	TypeSessionUpdate    EventType = "session.update"
	TypeInputBufferClear EventType = "input_audio_buffer.clear"
	TypeItemCreate       EventType = "conversation.item.create"
	TypeResponseCreate   EventType = "response.create"

	// Server -> client.
	TypeSessionCreated EventType = "session.created"
	TypeSessionUpdated EventType = "session.updated"
	TypeSpeechStarted  EventType = "input_audio_buffer.speech_started"
	TypeSpeechStopped  EventType = "input_audio_buffer.speech_stopped"
	TypeResponseDone   EventType = "response.done"
	TypeErrorEvent     EventType = "error"
)

var ErrUnsupportedType = errors.New("unsupported event type")

type Envelope struct {
	Type EventType `json:"type"`
}

// TurnDetection carries server-side VAD configuration.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
}

// SessionConfig is the mutable slice of the remote session state.
type SessionConfig struct {
	TurnDetection *TurnDetection `json:"turn_detection"`
}

type SessionUpdate struct {
	Type      EventType     `json:"type"`
	EventID   string        `json:"event_id"`
	Timestamp int64         `json:"timestamp"`
	Session   SessionConfig `json:"session"`
}

type InputBufferClear struct {
	Type      EventType `json:"type"`
	EventID   string    `json:"event_id"`
	Timestamp int64     `json:"timestamp"`
}

// Item is a conversation item sent alongside conversation.item.create.
type Item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ItemContent `json:"content,omitempty"`
}

type ItemContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type ItemCreate struct {
	Type      EventType `json:"type"`
	EventID   string    `json:"event_id"`
	Timestamp int64     `json:"timestamp"`
	Item      Item      `json:"item"`
}

type ResponseCreate struct {
	Type      EventType `json:"type"`
	EventID   string    `json:"event_id"`
	Timestamp int64     `json:"timestamp"`
}

type SessionCreated struct {
	Type    EventType       `json:"type"`
	EventID string          `json:"event_id"`
	Session json.RawMessage `json:"session"`
}

type SessionUpdated struct {
	Type    EventType       `json:"type"`
	EventID string          `json:"event_id"`
	Session json.RawMessage `json:"session"`
}

type SpeechStarted struct {
	Type         EventType `json:"type"`
	EventID      string    `json:"event_id"`
	AudioStartMS int64     `json:"audio_start_ms"`
}

type SpeechStopped struct {
	Type       EventType `json:"type"`
	EventID    string    `json:"event_id"`
	AudioEndMS int64     `json:"audio_end_ms"`
}

type ResponseDone struct {
	Type     EventType       `json:"type"`
	EventID  string          `json:"event_id"`
	Response json.RawMessage `json:"response"`
}

type ErrorEvent struct {
	Type    EventType   `json:"type"`
	EventID string      `json:"event_id"`
	Error   ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// GenericEvent covers server events the console has no dedicated handling
// for; they are logged and otherwise ignored.
type GenericEvent struct {
	Type    EventType       `json:"type"`
	EventID string          `json:"event_id"`
	Raw     json.RawMessage `json:"-"`
}

// NewSessionUpdate builds a session.update carrying server-VAD settings.
func NewSessionUpdate(td TurnDetection) SessionUpdate {
	return SessionUpdate{
		Type:      TypeSessionUpdate,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Session:   SessionConfig{TurnDetection: &td},
	}
}

// NewResponseCreate builds the control event that asks the remote peer to
// start generating a response for the committed audio.
func NewResponseCreate() ResponseCreate {
	return ResponseCreate{
		Type:      TypeResponseCreate,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
	}
}

func NewInputBufferClear() InputBufferClear {
	return InputBufferClear{
		Type:      TypeInputBufferClear,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
	}
}

func NewTextItem(text string) ItemCreate {
	return ItemCreate{
		Type:      TypeItemCreate,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Item: Item{
			Type: "message",
			Role: "user",
			Content: []ItemContent{
				{Type: "input_text", Text: text},
			},
		},
	}
}

// ParseServerEvent decodes a raw data-channel payload into its typed form.
// Unknown types are returned as GenericEvent rather than an error so a
// newer server never breaks the console.
func ParseServerEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("missing event type")
	}

	switch env.Type {
	case TypeSessionCreated:
		var ev SessionCreated
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeSessionUpdated:
		var ev SessionUpdated
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeSpeechStarted:
		var ev SpeechStarted
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeSpeechStopped:
		var ev SpeechStopped
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeResponseDone:
		var ev ResponseDone
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeErrorEvent:
		var ev ErrorEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		var ev GenericEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		ev.Raw = append([]byte(nil), raw...)
		return ev, nil
	}
}

// TypeOf reports the event type of any protocol value.
func TypeOf(v any) (EventType, bool) {
	switch m := v.(type) {
	case SessionUpdate:
		return m.Type, true
	case InputBufferClear:
		return m.Type, true
	case ItemCreate:
		return m.Type, true
	case ResponseCreate:
		return m.Type, true
	case SessionCreated:
		return m.Type, true
	case SessionUpdated:
		return m.Type, true
	case SpeechStarted:
		return m.Type, true
	case SpeechStopped:
		return m.Type, true
	case ResponseDone:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	case GenericEvent:
		return m.Type, true
	default:
		return "", false
	}
}
