package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// WebRTCConfig controls the peer connection dial.
type WebRTCConfig struct {
	// RealtimeURL is the HTTPS endpoint accepting an SDP offer.
	RealtimeURL string
	Model       string
	// ChannelLabel is the data channel label, normally "oai-events".
	ChannelLabel string
	// HTTPClient used for the offer/answer exchange; defaults to a client
	// with a 15s timeout.
	HTTPClient *http.Client
}

// WebRTCConn owns a pion peer connection, its control data channel and the
// local microphone track.
type WebRTCConn struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	mu     sync.Mutex
	open   bool
	closed bool

	micTrack *webrtc.TrackLocalStaticSample
}

// DialWebRTC negotiates a peer connection against the realtime endpoint:
// create offer with a local Opus track and a data channel, wait for ICE
// gathering, POST the offer SDP with the ephemeral credential, apply the
// SDP answer. Trickle ICE is not used; the exchange is a single round trip.
func DialWebRTC(ctx context.Context, cfg WebRTCConfig, clientSecret string, ev Events) (*WebRTCConn, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	conn := &WebRTCConn{pc: pc}

	micTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  1,
		},
		"audio",
		"parley-mic",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create mic track: %w", err)
	}
	if _, err := pc.AddTrack(micTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add mic track: %w", err)
	}
	conn.micTrack = micTrack

	label := cfg.ChannelLabel
	if label == "" {
		label = "oai-events"
	}
	dc, err := pc.CreateDataChannel(label, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	conn.dc = dc

	dc.OnOpen(func() {
		conn.mu.Lock()
		conn.open = true
		conn.mu.Unlock()
		if ev.OnOpen != nil {
			ev.OnOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if ev.OnMessage != nil {
			ev.OnMessage(msg.Data)
		}
	})
	dc.OnClose(func() {
		conn.mu.Lock()
		wasClosed := conn.closed
		conn.open = false
		conn.mu.Unlock()
		if !wasClosed && ev.OnClose != nil {
			ev.OnClose(nil)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed && ev.OnClose != nil {
			ev.OnClose(errors.New("peer connection failed"))
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gatherDone := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	answerSDP, err := exchangeSDP(ctx, cfg, clientSecret, pc.LocalDescription().SDP)
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	return conn, nil
}

func exchangeSDP(ctx context.Context, cfg WebRTCConfig, clientSecret, offerSDP string) (string, error) {
	endpoint, err := url.Parse(strings.TrimSpace(cfg.RealtimeURL))
	if err != nil {
		return "", fmt.Errorf("parse realtime URL: %w", err)
	}
	q := endpoint.Query()
	if cfg.Model != "" {
		q.Set("model", cfg.Model)
	}
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(offerSDP))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+clientSecret)
	req.Header.Set("Content-Type", "application/sdp")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post offer: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("offer rejected: HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

// Send marshals v and writes it over the data channel.
func (c *WebRTCConn) Send(v any) error {
	c.mu.Lock()
	open, closed := c.open, c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if !open {
		return ErrChannelNotOpen
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.dc.SendText(string(raw))
}

// MicTrack returns the local Opus track the capture pipeline writes into.
func (c *WebRTCConn) MicTrack() *webrtc.TrackLocalStaticSample {
	return c.micTrack
}

// RoundTripTime reads the current ICE candidate-pair RTT from the peer
// connection stats.
func (c *WebRTCConn) RoundTripTime() (time.Duration, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrChannelClosed
	}

	report := c.pc.GetStats()
	for _, stats := range report {
		pair, ok := stats.(webrtc.ICECandidatePairStats)
		if !ok {
			continue
		}
		if pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		if pair.CurrentRoundTripTime <= 0 {
			continue
		}
		return time.Duration(pair.CurrentRoundTripTime * float64(time.Second)), nil
	}
	return 0, errors.New("no succeeded candidate pair in stats")
}

func (c *WebRTCConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	c.mu.Unlock()

	if c.dc != nil {
		_ = c.dc.Close()
	}
	return c.pc.Close()
}
