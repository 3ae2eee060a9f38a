// Package config defines the bookforge configuration: generation policy,
// provider endpoints, cache backend, credential sources, the HTTP gateway
// and logging.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/bookforge/pkg/bookforge/cache"
	"github.com/jholhewres/bookforge/pkg/bookforge/orchestrator"
	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

// Cache backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNone     = "none"
)

// Credential sources, tried in the configured order.
const (
	SourceEnv      = "env"
	SourceKeyring  = "keyring"
	SourceVault    = "vault"
	SourcePostgres = "postgres"
)

// Config holds the whole application configuration.
type Config struct {
	Generation GenerationConfig `yaml:"generation"`

	// Providers overrides per-provider settings, keyed by provider id.
	Providers map[string]ProviderConfig `yaml:"providers"`

	Cache       CacheConfig       `yaml:"cache"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// GenerationConfig is the retry and caching policy of the orchestrator.
type GenerationConfig struct {
	// MaxAttempts is the number of calls per provider (default: 3).
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelayMs is the first backoff delay; it doubles per retry (default: 1000).
	BaseDelayMs int `yaml:"base_delay_ms"`

	// CallTimeoutSeconds bounds one provider call (default: 30).
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`

	DefaultMaxTokens int `yaml:"default_max_tokens"`

	// DefaultTemperature applies when a request does not set one (default: 0.7).
	DefaultTemperature float64 `yaml:"default_temperature"`

	// CacheTTLMinutes is the base TTL for cached generations (default: 60).
	CacheTTLMinutes int `yaml:"cache_ttl_minutes"`
}

// ProviderConfig overrides one provider's endpoint.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
}

// CacheConfig selects the response cache backend.
type CacheConfig struct {
	// Backend is "memory", "sqlite", "postgres" or "none" (default: memory).
	Backend string `yaml:"backend"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`

	// Table overrides the Postgres table name.
	Table string `yaml:"table"`

	// SweepSchedule is the cron expression for purging expired entries.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// CredentialsConfig configures where provider API keys come from.
type CredentialsConfig struct {
	// Sources lists resolvers in priority order (default: vault, keyring, env).
	Sources []string `yaml:"sources"`

	// VaultPath is the encrypted vault file.
	VaultPath string `yaml:"vault_path"`

	Postgres PostgresCredentialsConfig `yaml:"postgres"`

	// CacheTTLSeconds caches resolved keys in memory (0 disables).
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// PostgresCredentialsConfig points at the remote encrypted key store.
type PostgresCredentialsConfig struct {
	DSN    string `yaml:"dsn"`
	UserID string `yaml:"user_id"`

	// MasterSecret decrypts stored keys. Use ${BOOKFORGE_MASTER_SECRET}.
	MasterSecret string `yaml:"master_secret"`
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	// Address is the listen address (default: ":8085").
	Address string `yaml:"address"`

	// AuthToken is the Bearer token for /api/* (empty = no auth).
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins (empty = no CORS).
	CORSOrigins []string `yaml:"cors_origins"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "json", "text" or "auto" (text on a terminal).
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Generation: GenerationConfig{
			MaxAttempts:        orchestrator.DefaultMaxAttempts,
			BaseDelayMs:        int(orchestrator.DefaultBaseDelay / time.Millisecond),
			CallTimeoutSeconds: int(orchestrator.DefaultCallTimeout / time.Second),
			DefaultMaxTokens:   orchestrator.DefaultMaxTokens,
			DefaultTemperature: 0.7,
			CacheTTLMinutes:    int(orchestrator.DefaultCacheTTL / time.Minute),
		},
		Providers: map[string]ProviderConfig{},
		Cache: CacheConfig{
			Backend:       BackendMemory,
			Path:          "./data/bookforge.db",
			SweepSchedule: cache.DefaultSweepSchedule,
		},
		Credentials: CredentialsConfig{
			Sources:         []string{SourceVault, SourceKeyring, SourceEnv},
			VaultPath:       ".bookforge.vault",
			CacheTTLSeconds: 300,
		},
		Gateway: GatewayConfig{
			Address: ":8085",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Orchestrator converts the generation section to an orchestrator policy.
// Zero fields fall back to the orchestrator defaults.
func (g GenerationConfig) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		MaxAttempts:      g.MaxAttempts,
		BaseDelay:        time.Duration(g.BaseDelayMs) * time.Millisecond,
		CallTimeout:      time.Duration(g.CallTimeoutSeconds) * time.Second,
		DefaultMaxTokens: g.DefaultMaxTokens,
		CacheTTL:         time.Duration(g.CacheTTLMinutes) * time.Minute,
	}.Effective()
}

// BaseURLs returns the configured endpoint overrides.
func (c *Config) BaseURLs() map[providers.ID]string {
	out := make(map[providers.ID]string, len(c.Providers))
	for name, p := range c.Providers {
		if p.BaseURL == "" {
			continue
		}
		out[providers.ID(strings.ToLower(name))] = strings.TrimRight(p.BaseURL, "/")
	}
	return out
}

// CredentialCacheTTL is the in-memory key cache lifetime.
func (c CredentialsConfig) CredentialCacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	g := c.Generation
	if g.MaxAttempts < 0 || g.BaseDelayMs < 0 || g.CallTimeoutSeconds < 0 || g.CacheTTLMinutes < 0 {
		return fmt.Errorf("generation: negative values are not allowed")
	}
	if g.DefaultTemperature < 0 || g.DefaultTemperature > 1 {
		return fmt.Errorf("generation.default_temperature %v outside [0, 1]", g.DefaultTemperature)
	}

	for name := range c.Providers {
		id, err := providers.ParseID(name)
		if err != nil || id == providers.Auto {
			return fmt.Errorf("providers: unknown provider %q", name)
		}
	}

	switch c.Cache.Backend {
	case BackendMemory, BackendNone, "":
	case BackendSQLite:
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Cache.DSN == "" {
			return fmt.Errorf("cache.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("cache.backend %q is not one of memory, sqlite, postgres, none", c.Cache.Backend)
	}

	for _, src := range c.Credentials.Sources {
		switch src {
		case SourceEnv, SourceKeyring, SourceVault:
		case SourcePostgres:
			pg := c.Credentials.Postgres
			if pg.DSN == "" || pg.UserID == "" || pg.MasterSecret == "" {
				return fmt.Errorf("credentials.postgres needs dsn, user_id and master_secret")
			}
		default:
			return fmt.Errorf("credentials.sources: unknown source %q", src)
		}
	}

	switch c.Logging.Format {
	case "", "auto", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not one of json, text, auto", c.Logging.Format)
	}
	return nil
}
