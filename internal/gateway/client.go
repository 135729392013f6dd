package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avencel/parley/internal/eventlog"
)

// FetchToken asks a running gateway for an ephemeral realtime credential.
// This is the client half of the /token endpoint.
func FetchToken(ctx context.Context, client *http.Client, tokenURL, model string) (*MintedToken, error) {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	u, err := url.Parse(strings.TrimSpace(tokenURL))
	if err != nil {
		return nil, fmt.Errorf("parse token URL: %w", err)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token gateway HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var token MintedToken
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if token.ClientSecret == "" {
		return nil, fmt.Errorf("token gateway returned no client secret")
	}
	if token.Model == "" {
		token.Model = model
	}
	return &token, nil
}

// ArchiveEvents uploads a finished session's event log to the gateway. The
// endpoint is resolved against the token URL's host.
func ArchiveEvents(ctx context.Context, client *http.Client, tokenURL, sessionID string, records []eventlog.Record) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if len(records) == 0 {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	u, err := url.Parse(strings.TrimSpace(tokenURL))
	if err != nil {
		return fmt.Errorf("parse token URL: %w", err)
	}
	u.Path = "/v1/sessions/" + url.PathEscape(sessionID) + "/events"
	u.RawQuery = ""

	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode event log: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("archive event log: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		return fmt.Errorf("archive gateway HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}
