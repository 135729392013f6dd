// Package eventlog keeps the per-session record of control events exchanged
// over the data channel, most recent first.
package eventlog

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Record is one logged control event.
type Record struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Direction Direction       `json:"direction"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	At        time.Time       `json:"at"`
}

// Log is an unbounded, most-recent-first event list. Safe for use from
// transport callbacks and the console loop concurrently.
type Log struct {
	mu      sync.RWMutex
	records []Record
}

func New() *Log {
	return &Log{}
}

// Append prepends a record so Snapshot returns newest entries first.
func (l *Log) Append(sessionID string, dir Direction, eventType string, payload []byte) Record {
	rec := Record{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Direction: dir,
		EventType: eventType,
		Payload:   append(json.RawMessage(nil), payload...),
		At:        time.Now().UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append([]Record{rec}, l.records...)
	return rec
}

// Clear drops all records; called on session start.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Snapshot returns a copy of the records, newest first.
func (l *Log) Snapshot() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}
