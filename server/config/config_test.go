package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "REDIS_URL", "BLOB_URL",
		"PUBLIC_BASE_URL", "MAX_UPLOAD_BYTES", "EDIT_WINDOW", "RATE_LIMIT_EVENTS",
		"RATE_LIMIT_WINDOW", "ALLOWED_ORIGINS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.StoreDriver != StoreMemory {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.EditWindow != 10*time.Minute {
		t.Errorf("expected 10m edit window, got %v", cfg.EditWindow)
	}
	if !cfg.IsDevelopment() {
		t.Error("default env should be development")
	}
	if cfg.SQLiteDSN() != "talkspace.db" {
		t.Errorf("unexpected sqlite dsn %q", cfg.SQLiteDSN())
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("EDIT_WINDOW", "90s")
	t.Setenv("RATE_LIMIT_EVENTS", "5")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("PUBLIC_BASE_URL", "https://chat.example/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EditWindow != 90*time.Second {
		t.Errorf("expected 90s, got %v", cfg.EditWindow)
	}
	if cfg.RateLimitEvents != 5 {
		t.Errorf("expected 5, got %d", cfg.RateLimitEvents)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.PublicBaseURL != "https://chat.example" {
		t.Errorf("trailing slash should be trimmed, got %q", cfg.PublicBaseURL)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"EDIT_WINDOW": "soon"}},
		{"negative window", map[string]string{"EDIT_WINDOW": "-1m"}},
		{"bad int", map[string]string{"MAX_UPLOAD_BYTES": "lots"}},
		{"sub-millisecond rate window", map[string]string{"RATE_LIMIT_WINDOW": "500us"}},
		{"zero rate limit", map[string]string{"RATE_LIMIT_EVENTS": "0"}},
		{"negative rate limit", map[string]string{"RATE_LIMIT_EVENTS": "-3"}},
		{"unknown driver", map[string]string{"STORE_DRIVER": "mongo"}},
		{"postgres without url", map[string]string{"STORE_DRIVER": "postgres"}},
		{"production sqlite without url", map[string]string{"STORE_DRIVER": "sqlite", "ENV": "production"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
