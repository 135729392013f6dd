package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the console and the token gateway.
type Config struct {
	// Realtime endpoint settings.
	Model       string
	RealtimeURL string
	TokenURL    string
	Transport   string

	// Push-to-talk / VAD settings.
	PTTTimeout   time.Duration
	VADMin       float64
	VADMax       float64
	VADDefault   float64
	VADStep      float64
	ChannelLabel string

	// Gateway settings.
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	APIKey           string
	UpstreamURL      string
	SessionTTL       time.Duration

	// Optional event-log archive.
	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		Model:            envOrDefault("PARLEY_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		RealtimeURL:      envOrDefault("PARLEY_REALTIME_URL", "https://api.openai.com/v1/realtime"),
		TokenURL:         envOrDefault("PARLEY_TOKEN_URL", "http://127.0.0.1:8088/token"),
		Transport:        strings.ToLower(envOrDefault("PARLEY_TRANSPORT", "webrtc")),
		ChannelLabel:     envOrDefault("PARLEY_CHANNEL_LABEL", "oai-events"),
		BindAddr:         envOrDefault("PARLEY_BIND_ADDR", ":8088"),
		MetricsNamespace: envOrDefault("PARLEY_METRICS_NAMESPACE", "parley"),
		APIKey:           trimmedEnv("OPENAI_API_KEY"),
		UpstreamURL:      envOrDefault("PARLEY_UPSTREAM_URL", "https://api.openai.com/v1/realtime/sessions"),
		DatabaseURL:      trimmedEnv("DATABASE_URL"),
		PTTTimeout:       5 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		SessionTTL:       time.Minute,
		VADMin:           0.0,
		VADMax:           1.0,
		VADDefault:       0.5,
		VADStep:          0.05,
	}

	var err error
	cfg.PTTTimeout, err = durationFromEnv("PARLEY_PTT_TIMEOUT", cfg.PTTTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("PARLEY_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("PARLEY_SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMin, err = floatFromEnv("PARLEY_VAD_MIN", cfg.VADMin)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMax, err = floatFromEnv("PARLEY_VAD_MAX", cfg.VADMax)
	if err != nil {
		return Config{}, err
	}
	cfg.VADDefault, err = floatFromEnv("PARLEY_VAD_DEFAULT", cfg.VADDefault)
	if err != nil {
		return Config{}, err
	}
	cfg.VADStep, err = floatFromEnv("PARLEY_VAD_STEP", cfg.VADStep)
	if err != nil {
		return Config{}, err
	}

	switch cfg.Transport {
	case "webrtc", "websocket":
	default:
		return Config{}, fmt.Errorf("PARLEY_TRANSPORT must be webrtc or websocket, got %q", cfg.Transport)
	}
	if cfg.PTTTimeout < 250*time.Millisecond {
		return Config{}, fmt.Errorf("PARLEY_PTT_TIMEOUT must be at least 250ms")
	}
	if cfg.SessionTTL < 5*time.Second {
		return Config{}, fmt.Errorf("PARLEY_SESSION_TTL must be at least 5s")
	}
	if cfg.VADMin >= cfg.VADMax {
		return Config{}, fmt.Errorf("PARLEY_VAD_MIN must be below PARLEY_VAD_MAX")
	}
	if cfg.VADDefault < cfg.VADMin || cfg.VADDefault > cfg.VADMax {
		return Config{}, fmt.Errorf("PARLEY_VAD_DEFAULT must be within [%v, %v]", cfg.VADMin, cfg.VADMax)
	}
	if cfg.VADStep <= 0 {
		return Config{}, fmt.Errorf("PARLEY_VAD_STEP must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
