// Package vad derives server-side voice-activity-detection settings from a
// user-tunable threshold.
package vad

import "github.com/avencel/parley/internal/protocol"

// Silence durations paired with the threshold: a stricter threshold gets a
// longer silence window before the server commits a turn.
const (
	silenceLongMS      = 1000
	silenceShortMS     = 500
	silenceThresholdHi = 0.7

	prefixPaddingMS = 300
)

// Bounds are the configured limits for the VAD threshold.
type Bounds struct {
	Min  float64
	Max  float64
	Step float64
}

// Clamp forces v into [Min, Max] and reports whether it was adjusted.
func (b Bounds) Clamp(v float64) (float64, bool) {
	if v < b.Min {
		return b.Min, true
	}
	if v > b.Max {
		return b.Max, true
	}
	return v, false
}

// SilenceDurationMS returns the derived silence window for a threshold.
func SilenceDurationMS(threshold float64) int {
	if threshold > silenceThresholdHi {
		return silenceLongMS
	}
	return silenceShortMS
}

// Settings builds the turn-detection payload for a session.update.
func Settings(threshold float64) protocol.TurnDetection {
	return protocol.TurnDetection{
		Type:              "server_vad",
		Threshold:         threshold,
		PrefixPaddingMS:   prefixPaddingMS,
		SilenceDurationMS: SilenceDurationMS(threshold),
		CreateResponse:    true,
	}
}
