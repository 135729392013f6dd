package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusEnded   Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Session is one minted realtime credential tracked by the gateway.
type Session struct {
	ID        string    `json:"session_id"`
	Model     string    `json:"model"`
	Status    Status    `json:"status"`
	MintedAt  time.Time `json:"minted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Registry tracks minted sessions until their credentials expire.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	onExpire func(*Session)
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Registry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
	}
}

func (r *Registry) SetExpireHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Track records a freshly minted session. An empty id gets a local one so
// the registry still ages the entry out.
func (r *Registry) Track(id, model string) *Session {
	now := time.Now().UTC()
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		ID:        id,
		Model:     model,
		Status:    StatusActive,
		MintedAt:  now,
		ExpiresAt: now.Add(r.ttl),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return clone(s)
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (r *Registry) End(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	return clone(s), nil
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

// StartJanitor expires sessions whose credentials have aged out.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireStale()
			}
		}
	}()
}

func (r *Registry) expireStale() {
	now := time.Now().UTC()
	var expired []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if s.Status != StatusActive {
			delete(r.sessions, id)
			continue
		}
		if now.Before(s.ExpiresAt) {
			continue
		}
		s.Status = StatusExpired
		expired = append(expired, clone(s))
		delete(r.sessions, id)
	}
	hook := r.onExpire
	r.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
