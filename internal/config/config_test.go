package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ProviderBaseURL != "https://api.liveavatar.com" {
		t.Fatalf("ProviderBaseURL = %q, want default", cfg.ProviderBaseURL)
	}
	if cfg.ProviderAPIKey != "" {
		t.Fatalf("ProviderAPIKey = %q, want empty default", cfg.ProviderAPIKey)
	}
	if cfg.SessionBudget != 60*time.Second {
		t.Fatalf("SessionBudget = %v, want 60s", cfg.SessionBudget)
	}
	if got := cfg.MaxSessionDuration(); got != 90*time.Second {
		t.Fatalf("MaxSessionDuration() = %v, want 90s", got)
	}
	if cfg.DefaultLanguage != "en" {
		t.Fatalf("DefaultLanguage = %q, want en", cfg.DefaultLanguage)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("LIVEAVATAR_BASE_URL", "http://localhost:7777/")
	t.Setenv("LIVEAVATAR_API_KEY", "  secret \n")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("APP_TOKEN_RATE_LIMIT", "2.5")
	t.Setenv("APP_SESSION_BUDGET", "2m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want :9191", cfg.BindAddr)
	}
	if cfg.ProviderBaseURL != "http://localhost:7777" {
		t.Fatalf("ProviderBaseURL = %q, want trailing slash trimmed", cfg.ProviderBaseURL)
	}
	if cfg.ProviderAPIKey != "secret" {
		t.Fatalf("ProviderAPIKey = %q, want trimmed", cfg.ProviderAPIKey)
	}
	if strings.Join(cfg.AllowedOrigins, "|") != "https://a.example|https://b.example" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.TokenRateLimit != 2.5 {
		t.Fatalf("TokenRateLimit = %v, want 2.5", cfg.TokenRateLimit)
	}
	if cfg.SessionBudget != 2*time.Minute {
		t.Fatalf("SessionBudget = %v, want 2m", cfg.SessionBudget)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"APP_SESSION_BUDGET":   "500ms",
		"APP_TOKEN_RATE_BURST": "0",
		"APP_ALLOW_ANY_ORIGIN": "maybe",
		"APP_LOG_FORMAT":       "xml",
		"LIVEAVATAR_TIMEOUT":   "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want error for %s=%q", key, value)
			}
		})
	}
}

func TestLoadClient(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AVATARCTL_PROXY_URL", "http://proxy:8080/")
	t.Setenv("AVATARCTL_SANDBOX", "yes")

	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.ProxyURL != "http://proxy:8080" {
		t.Fatalf("ProxyURL = %q", cfg.ProxyURL)
	}
	if !cfg.Sandbox {
		t.Fatalf("Sandbox = false, want true")
	}
	if cfg.Budget != 60*time.Second || cfg.StopTimeout != 5*time.Second {
		t.Fatalf("Budget/StopTimeout = %v/%v, want 60s/5s", cfg.Budget, cfg.StopTimeout)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_ALLOWED_ORIGINS",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_SESSION_BUDGET",
		"APP_SESSION_GRACE",
		"APP_SESSION_ISSUE_TTL",
		"APP_JANITOR_INTERVAL",
		"APP_TOKEN_RATE_LIMIT",
		"APP_TOKEN_RATE_BURST",
		"LIVEAVATAR_BASE_URL",
		"LIVEAVATAR_API_KEY",
		"LIVEAVATAR_TIMEOUT",
		"LIVEAVATAR_DEFAULT_LANGUAGE",
		"LIVEAVATAR_AVATAR_ID",
		"LIVEAVATAR_VOICE_ID",
		"LIVEAVATAR_CONTEXT_ID",
		"AVATAR_DIRECTIONS",
		"CHAT_BASE_URL",
		"CHAT_API_KEY",
		"CHAT_MODEL",
		"CHAT_SYSTEM_PROMPT",
		"CHAT_TIMEOUT",
		"DATABASE_URL",
		"AVATARCTL_PROXY_URL",
		"AVATARCTL_LANGUAGE",
		"AVATARCTL_DIRECTION",
		"AVATARCTL_SANDBOX",
		"AVATARCTL_AUTOPLAY",
		"AVATARCTL_OUTPUT_DIR",
		"AVATARCTL_BUDGET",
		"AVATARCTL_STOP_TIMEOUT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
