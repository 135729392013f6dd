package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// UpstreamError is a non-2xx reply from the realtime sessions endpoint.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream HTTP %d: %s", e.Status, e.Body)
}

// MintedToken is the gateway's reply for a /token request: everything the
// console needs to dial the realtime endpoint itself.
type MintedToken struct {
	SessionID    string    `json:"session_id"`
	Model        string    `json:"model"`
	ClientSecret string    `json:"client_secret"`
	ExpiresAt    time.Time `json:"expires_at"`

	Elapsed time.Duration `json:"-"`
}

// Minter exchanges the long-lived API key for short-lived client secrets.
type Minter struct {
	upstreamURL string
	apiKey      string
	client      *http.Client
}

func NewMinter(upstreamURL, apiKey string, client *http.Client) *Minter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Minter{
		upstreamURL: strings.TrimSpace(upstreamURL),
		apiKey:      strings.TrimSpace(apiKey),
		client:      client,
	}
}

// Configured reports whether the minter can reach upstream at all.
func (m *Minter) Configured() bool {
	return m.apiKey != "" && m.upstreamURL != ""
}

type upstreamSessionRequest struct {
	Model      string   `json:"model"`
	Modalities []string `json:"modalities"`
}

type upstreamSessionResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Mint asks upstream for an ephemeral realtime session credential.
func (m *Minter) Mint(ctx context.Context, model string) (*MintedToken, error) {
	body, err := json.Marshal(upstreamSessionRequest{
		Model:      model,
		Modalities: []string{"audio", "text"},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "realtime=v1")

	started := time.Now()
	res, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mint credential: %w", err)
	}
	defer res.Body.Close()
	elapsed := time.Since(started)

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read mint response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &UpstreamError{Status: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var parsed upstreamSessionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode mint response: %w", err)
	}
	if parsed.ClientSecret.Value == "" {
		return nil, &UpstreamError{Status: res.StatusCode, Body: "response carries no client secret"}
	}

	minted := &MintedToken{
		SessionID:    parsed.ID,
		Model:        parsed.Model,
		ClientSecret: parsed.ClientSecret.Value,
		Elapsed:      elapsed,
	}
	if parsed.Model == "" {
		minted.Model = model
	}
	if parsed.ClientSecret.ExpiresAt > 0 {
		minted.ExpiresAt = time.Unix(parsed.ClientSecret.ExpiresAt, 0).UTC()
	}
	return minted, nil
}
