package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the realtime engine.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	CallAnswerTimeout time.Duration
	CallMaxDuration   time.Duration

	TypingTTL time.Duration

	PresenceSweepInterval  time.Duration
	PresenceStaleThreshold time.Duration

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// StaticTokens maps bearer tokens to user ids for the dev verifier.
	// Format: "token1:user1,token2:user2".
	StaticTokens string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "quickchat_realtime"),
		AllowAnyOrigin:         false,
		ShutdownTimeout:        15 * time.Second,
		CallAnswerTimeout:      60 * time.Second,
		CallMaxDuration:        time.Hour,
		TypingTTL:              5 * time.Second,
		PresenceSweepInterval:  30 * time.Second,
		PresenceStaleThreshold: 120 * time.Second,
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		RedisAddr:              stringsTrimSpace("REDIS_ADDR"),
		RedisPassword:          stringsTrimSpace("REDIS_PASSWORD"),
		StaticTokens:           stringsTrimSpace("AUTH_STATIC_TOKENS"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.CallAnswerTimeout, err = durationFromEnv("CALL_ANSWER_TIMEOUT", cfg.CallAnswerTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallMaxDuration, err = durationFromEnv("CALL_MAX_DURATION", cfg.CallMaxDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.TypingTTL, err = durationFromEnv("TYPING_TTL", cfg.TypingTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.PresenceSweepInterval, err = durationFromEnv("PRESENCE_SWEEP_INTERVAL", cfg.PresenceSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.PresenceStaleThreshold, err = durationFromEnv("PRESENCE_STALE_THRESHOLD", cfg.PresenceStaleThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisDB, err = intFromEnv("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return Config{}, err
	}

	if cfg.CallAnswerTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("CALL_ANSWER_TIMEOUT must be at least 5s")
	}
	if cfg.CallMaxDuration <= cfg.CallAnswerTimeout {
		return Config{}, fmt.Errorf("CALL_MAX_DURATION must exceed CALL_ANSWER_TIMEOUT")
	}
	if cfg.TypingTTL < time.Second {
		return Config{}, fmt.Errorf("TYPING_TTL must be at least 1s")
	}
	if cfg.PresenceSweepInterval <= 0 {
		return Config{}, fmt.Errorf("PRESENCE_SWEEP_INTERVAL must be positive")
	}
	if cfg.PresenceStaleThreshold <= cfg.PresenceSweepInterval {
		return Config{}, fmt.Errorf("PRESENCE_STALE_THRESHOLD must exceed PRESENCE_SWEEP_INTERVAL")
	}
	if cfg.RedisDB < 0 {
		return Config{}, fmt.Errorf("REDIS_DB must be >= 0")
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

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
