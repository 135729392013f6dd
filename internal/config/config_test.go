package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Transport != "webrtc" {
		t.Fatalf("Transport = %q, want %q", cfg.Transport, "webrtc")
	}
	if cfg.PTTTimeout != 5*time.Second {
		t.Fatalf("PTTTimeout = %v, want 5s", cfg.PTTTimeout)
	}
	if cfg.VADMin != 0 || cfg.VADMax != 1 || cfg.VADDefault != 0.5 || cfg.VADStep != 0.05 {
		t.Fatalf("unexpected VAD defaults: %+v", cfg)
	}
	if cfg.ChannelLabel != "oai-events" {
		t.Fatalf("ChannelLabel = %q, want %q", cfg.ChannelLabel, "oai-events")
	}
}

func TestLoadRejectsInvalidTransport(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("PARLEY_TRANSPORT", "carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject unknown transport")
	}
}

func TestLoadRejectsInvertedVADBounds(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("PARLEY_VAD_MIN", "0.9")
	t.Setenv("PARLEY_VAD_MAX", "0.1")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject min >= max")
	}
}

func TestLoadRejectsDefaultOutsideBounds(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("PARLEY_VAD_DEFAULT", "1.5")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject default outside [min,max]")
	}
}

func TestLoadRejectsTinyPTTTimeout(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("PARLEY_PTT_TIMEOUT", "50ms")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject timeouts under 250ms")
	}
}

func TestLoadParsesExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("PARLEY_TRANSPORT", "websocket")
	t.Setenv("PARLEY_PTT_TIMEOUT", "2s")
	t.Setenv("PARLEY_VAD_DEFAULT", "0.8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Transport != "websocket" {
		t.Fatalf("Transport = %q, want websocket", cfg.Transport)
	}
	if cfg.PTTTimeout != 2*time.Second {
		t.Fatalf("PTTTimeout = %v, want 2s", cfg.PTTTimeout)
	}
	if cfg.VADDefault != 0.8 {
		t.Fatalf("VADDefault = %v, want 0.8", cfg.VADDefault)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"PARLEY_MODEL",
		"PARLEY_REALTIME_URL",
		"PARLEY_TOKEN_URL",
		"PARLEY_TRANSPORT",
		"PARLEY_CHANNEL_LABEL",
		"PARLEY_PTT_TIMEOUT",
		"PARLEY_VAD_MIN",
		"PARLEY_VAD_MAX",
		"PARLEY_VAD_DEFAULT",
		"PARLEY_VAD_STEP",
		"PARLEY_BIND_ADDR",
		"PARLEY_SHUTDOWN_TIMEOUT",
		"PARLEY_METRICS_NAMESPACE",
		"PARLEY_UPSTREAM_URL",
		"PARLEY_SESSION_TTL",
		"OPENAI_API_KEY",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
