package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
// Groups: 1=name, 2=modifier ("-" or "?"), 3=default or message.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// EnvFiles are loaded before expansion. Existing variables are not
// overwritten, so the process environment wins.
var EnvFiles = []string{".env.local", ".env"}

// Load reads a YAML config file, loads .env files and expands environment
// references. A ${VAR:?message} with VAR unset fails the load.
func Load(path string) (*Config, error) {
	LoadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := ExpandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}
	resolveRelativePaths(cfg, filepath.Dir(path))
	checkFilePermissions(path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or the first file FindConfigFile finds, or the
// defaults when there is none.
func LoadOrDefault(path string) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		LoadEnvFiles()
		return DefaultConfig(), "", nil
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// Parse overlays YAML onto DefaultConfig.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	return cfg, nil
}

// Save writes cfg as YAML with owner-only permissions, keeping a .bak of
// the previous file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches the standard locations.
func FindConfigFile() string {
	candidates := []string{
		"bookforge.yaml",
		"bookforge.yml",
		"config.yaml",
		"config.yml",
		"configs/bookforge.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadEnvFiles loads EnvFiles, ignoring missing ones.
func LoadEnvFiles() {
	for _, f := range EnvFiles {
		_ = godotenv.Load(f)
	}
}

// ExpandEnv replaces environment references in input. An unset ${VAR} with
// no modifier is left in place so callers can detect it.
func ExpandEnv(input string) (string, error) {
	var firstErr error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		name, modifier, value := m[1], m[2], m[3]

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %s", name, value)
			}
		}
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// AuditSecrets warns about secrets written literally into the config file.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	secrets := map[string]string{
		"gateway.auth_token":               cfg.Gateway.AuthToken,
		"credentials.postgres.master_secret": cfg.Credentials.Postgres.MasterSecret,
	}
	for field, value := range secrets {
		if looksLikeRealKey(value) {
			logger.Warn("secret appears to be hardcoded in config",
				"field", field,
				"hint", "reference an environment variable, e.g. ${BOOKFORGE_AUTH_TOKEN}")
		}
	}
}

func resolveRelativePaths(cfg *Config, configDir string) {
	if cfg.Cache.Path != "" {
		cfg.Cache.Path = resolvePath(cfg.Cache.Path, configDir)
	}
	if cfg.Credentials.VaultPath != "" {
		cfg.Credentials.VaultPath = resolvePath(cfg.Credentials.VaultPath, configDir)
	}
}

// resolvePath expands ~ and makes relative paths relative to configDir.
func resolvePath(path, configDir string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// looksLikeRealKey is a heuristic: references and short placeholders are
// not secrets.
func looksLikeRealKey(s string) bool {
	if s == "" || strings.HasPrefix(s, "${") {
		return false
	}
	return strings.HasPrefix(s, "sk-") || len(s) > 20
}

func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
