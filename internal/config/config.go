package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the session proxy.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool
	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	DefaultLanguage  string
	DefaultAvatarID  string
	DefaultVoiceID   string
	DefaultContextID string
	// DirectionsJSON maps direction keys to {avatar_id, voice_id, context_id}.
	DirectionsJSON string

	SessionBudget   time.Duration
	SessionGrace    time.Duration
	IssueTTL        time.Duration
	JanitorInterval time.Duration

	TokenRateLimit float64
	TokenRateBurst int

	ChatBaseURL      string
	ChatAPIKey       string
	ChatModel        string
	ChatSystemPrompt string
	ChatTimeout      time.Duration

	DatabaseURL string
}

// MaxSessionDuration is how long a started session may live before the
// janitor stops it on the provider.
func (c Config) MaxSessionDuration() time.Duration {
	return c.SessionBudget + c.SessionGrace
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "avatarlive"),
		AllowAnyOrigin:   false,
		AllowedOrigins:   listFromEnv("APP_ALLOWED_ORIGINS"),
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("APP_LOG_FORMAT", "text"),
		ProviderBaseURL:  strings.TrimRight(envOrDefault("LIVEAVATAR_BASE_URL", "https://api.liveavatar.com"), "/"),
		ProviderAPIKey:   stringsTrimSpace("LIVEAVATAR_API_KEY"),
		DefaultLanguage:  envOrDefault("LIVEAVATAR_DEFAULT_LANGUAGE", "en"),
		DefaultAvatarID:  stringsTrimSpace("LIVEAVATAR_AVATAR_ID"),
		DefaultVoiceID:   stringsTrimSpace("LIVEAVATAR_VOICE_ID"),
		DefaultContextID: stringsTrimSpace("LIVEAVATAR_CONTEXT_ID"),
		DirectionsJSON:   stringsTrimSpace("AVATAR_DIRECTIONS"),
		ChatBaseURL:      strings.TrimRight(stringsTrimSpace("CHAT_BASE_URL"), "/"),
		ChatAPIKey:       stringsTrimSpace("CHAT_API_KEY"),
		ChatModel:        envOrDefault("CHAT_MODEL", "gpt-4o-mini"),
		ChatSystemPrompt: stringsTrimSpace("CHAT_SYSTEM_PROMPT"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:  15 * time.Second,
		ProviderTimeout:  15 * time.Second,
		ChatTimeout:      30 * time.Second,
		// Matches the client countdown; the grace covers clock skew and a
		// slow client stop.
		SessionBudget:   60 * time.Second,
		SessionGrace:    30 * time.Second,
		IssueTTL:        2 * time.Minute,
		JanitorInterval: 5 * time.Second,
		TokenRateLimit:  0.5,
		TokenRateBurst:  5,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderTimeout, err = durationFromEnv("LIVEAVATAR_TIMEOUT", cfg.ProviderTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatTimeout, err = durationFromEnv("CHAT_TIMEOUT", cfg.ChatTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionBudget, err = durationFromEnv("APP_SESSION_BUDGET", cfg.SessionBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionGrace, err = durationFromEnv("APP_SESSION_GRACE", cfg.SessionGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.IssueTTL, err = durationFromEnv("APP_SESSION_ISSUE_TTL", cfg.IssueTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenRateLimit, err = floatFromEnv("APP_TOKEN_RATE_LIMIT", cfg.TokenRateLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenRateBurst, err = intFromEnv("APP_TOKEN_RATE_BURST", cfg.TokenRateBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionBudget < time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_BUDGET must be at least 1s")
	}
	if cfg.SessionGrace < 0 {
		return Config{}, fmt.Errorf("APP_SESSION_GRACE must be >= 0")
	}
	if cfg.JanitorInterval <= 0 {
		return Config{}, fmt.Errorf("APP_JANITOR_INTERVAL must be positive")
	}
	if cfg.TokenRateLimit < 0 {
		return Config{}, fmt.Errorf("APP_TOKEN_RATE_LIMIT must be >= 0")
	}
	if cfg.TokenRateBurst <= 0 {
		return Config{}, fmt.Errorf("APP_TOKEN_RATE_BURST must be positive")
	}
	if err := validateLog(cfg.LogLevel, cfg.LogFormat); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ClientConfig holds settings for the headless avatar client.
type ClientConfig struct {
	ProxyURL    string
	Language    string
	Direction   string
	Sandbox     bool
	OutputDir   string
	Budget      time.Duration
	StopTimeout time.Duration
	// AutoplayConsent grants audio playback up front; without it the client
	// asks for /unlock before writing audio.
	AutoplayConsent bool

	LogLevel  string
	LogFormat string
}

// LoadClient reads the avatarctl environment. Flags override these values.
func LoadClient() (ClientConfig, error) {
	cfg := ClientConfig{
		ProxyURL:    strings.TrimRight(envOrDefault("AVATARCTL_PROXY_URL", "http://localhost:8080"), "/"),
		Language:    envOrDefault("AVATARCTL_LANGUAGE", "en"),
		Direction:   stringsTrimSpace("AVATARCTL_DIRECTION"),
		OutputDir:   envOrDefault("AVATARCTL_OUTPUT_DIR", "avatar-media"),
		Budget:      60 * time.Second,
		StopTimeout: 5 * time.Second,
		LogLevel:    envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:   envOrDefault("APP_LOG_FORMAT", "text"),
	}
	var err error
	cfg.Sandbox, err = boolFromEnv("AVATARCTL_SANDBOX", cfg.Sandbox)
	if err != nil {
		return ClientConfig{}, err
	}
	cfg.AutoplayConsent, err = boolFromEnv("AVATARCTL_AUTOPLAY", cfg.AutoplayConsent)
	if err != nil {
		return ClientConfig{}, err
	}
	cfg.Budget, err = durationFromEnv("AVATARCTL_BUDGET", cfg.Budget)
	if err != nil {
		return ClientConfig{}, err
	}
	cfg.StopTimeout, err = durationFromEnv("AVATARCTL_STOP_TIMEOUT", cfg.StopTimeout)
	if err != nil {
		return ClientConfig{}, err
	}

	if cfg.Budget < time.Second {
		return ClientConfig{}, fmt.Errorf("AVATARCTL_BUDGET must be at least 1s")
	}
	if cfg.StopTimeout <= 0 {
		return ClientConfig{}, fmt.Errorf("AVATARCTL_STOP_TIMEOUT must be positive")
	}
	if err := validateLog(cfg.LogLevel, cfg.LogFormat); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func validateLog(level, format string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("APP_LOG_LEVEL must be one of debug, info, warn, error")
	}
	switch strings.ToLower(format) {
	case "text", "json":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be text or json")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(stringsTrimSpace(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
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
