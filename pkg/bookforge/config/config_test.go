package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/bookforge/pkg/bookforge/orchestrator"
	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bookforge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("BF_TEST_SET", "value")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"set var", "key: ${BF_TEST_SET}", "key: value", false},
		{"default unused", "key: ${BF_TEST_SET:-other}", "key: value", false},
		{"default used", "key: ${BF_TEST_UNSET:-fallback}", "key: fallback", false},
		{"unset kept", "key: ${BF_TEST_UNSET}", "key: ${BF_TEST_UNSET}", false},
		{"required set", "key: ${BF_TEST_SET:?needed}", "key: value", false},
		{"required unset", "key: ${BF_TEST_UNSET:?set BF_TEST_UNSET}", "", true},
		{"no refs", "plain: text", "plain: text", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandEnv(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ExpandEnv(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
generation:
  max_attempts: 5
cache:
  backend: sqlite
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Generation.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d", cfg.Generation.MaxAttempts)
	}
	if cfg.Generation.CallTimeoutSeconds != 30 || cfg.Generation.DefaultTemperature != 0.7 {
		t.Errorf("defaults lost: %+v", cfg.Generation)
	}
	if cfg.Cache.Backend != BackendSQLite || cfg.Cache.Path == "" {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Gateway.Address != ":8085" {
		t.Errorf("gateway address = %q", cfg.Gateway.Address)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("BF_TEST_TOKEN", "secret-token")
	path := writeConfig(t, `
providers:
  openai:
    base_url: http://localhost:9999/v1/
gateway:
  auth_token: ${BF_TEST_TOKEN}
cache:
  backend: sqlite
  path: cache/bf.db
credentials:
  sources: [env]
  vault_path: /abs/vault
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.AuthToken != "secret-token" {
		t.Errorf("auth token = %q", cfg.Gateway.AuthToken)
	}
	if want := filepath.Join(filepath.Dir(path), "cache", "bf.db"); cfg.Cache.Path != want {
		t.Errorf("cache path = %q, want %q", cfg.Cache.Path, want)
	}
	if cfg.Credentials.VaultPath != "/abs/vault" {
		t.Errorf("vault path = %q", cfg.Credentials.VaultPath)
	}
	urls := cfg.BaseURLs()
	if urls[providers.OpenAI] != "http://localhost:9999/v1" {
		t.Errorf("base urls = %v", urls)
	}
	if len(cfg.Credentials.Sources) != 1 || cfg.Credentials.Sources[0] != SourceEnv {
		t.Errorf("sources = %v", cfg.Credentials.Sources)
	}
}

func TestLoadRequiredVariable(t *testing.T) {
	path := writeConfig(t, "gateway:\n  auth_token: ${BF_TEST_MISSING:?gateway token required}\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "gateway token required") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad backend", func(c *Config) { c.Cache.Backend = "redis" }, false},
		{"postgres without dsn", func(c *Config) { c.Cache.Backend = BackendPostgres }, false},
		{"postgres with dsn", func(c *Config) {
			c.Cache.Backend = BackendPostgres
			c.Cache.DSN = "postgres://localhost/bf"
		}, true},
		{"unknown provider", func(c *Config) { c.Providers["mistral"] = ProviderConfig{BaseURL: "x"} }, false},
		{"unknown source", func(c *Config) { c.Credentials.Sources = []string{"ldap"} }, false},
		{"postgres source incomplete", func(c *Config) { c.Credentials.Sources = []string{SourcePostgres} }, false},
		{"temperature", func(c *Config) { c.Generation.DefaultTemperature = 1.2 }, false},
		{"negative attempts", func(c *Config) { c.Generation.MaxAttempts = -1 }, false},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestGenerationOrchestratorConfig(t *testing.T) {
	got := GenerationConfig{MaxAttempts: 4, BaseDelayMs: 250}.Orchestrator()
	if got.MaxAttempts != 4 || got.BaseDelay != 250*time.Millisecond {
		t.Errorf("converted = %+v", got)
	}
	if got.CallTimeout != orchestrator.DefaultCallTimeout || got.CacheTTL != orchestrator.DefaultCacheTTL {
		t.Errorf("zero fields not defaulted: %+v", got)
	}
}

func TestSaveKeepsBackup(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: debug\n")
	cfg := DefaultConfig()
	cfg.Logging.Level = "warn"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	bak, err := os.ReadFile(path + ".bak")
	if err != nil || !strings.Contains(string(bak), "debug") {
		t.Errorf("backup = %q, %v", bak, err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if reloaded.Logging.Level != "warn" {
		t.Errorf("level = %q", reloaded.Logging.Level)
	}
}

func TestLooksLikeRealKey(t *testing.T) {
	for s, want := range map[string]bool{
		"":                          false,
		"${BOOKFORGE_AUTH_TOKEN}":   false,
		"sk-abc":                    true,
		"short":                     false,
		"abcdefghijklmnopqrstuvwxyz": true,
	} {
		if got := looksLikeRealKey(s); got != want {
			t.Errorf("looksLikeRealKey(%q) = %v, want %v", s, got, want)
		}
	}
}
