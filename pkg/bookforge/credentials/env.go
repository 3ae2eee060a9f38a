package credentials

import (
	"context"
	"os"
	"strings"

	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

// EnvResolver reads keys from the provider's conventional environment
// variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...). Values loaded from .env
// files by the config loader are visible here.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// NewEnvResolver reads from the process environment.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

// Resolve implements Resolver.
func (e *EnvResolver) Resolve(_ context.Context, id providers.ID) (string, error) {
	name, ok := keyName(id)
	if !ok {
		return "", nil
	}
	val, _ := e.lookup(name)
	val = strings.TrimSpace(val)
	if IsEnvReference(val) {
		return "", nil
	}
	return val, nil
}

// IsEnvReference reports whether s is an unexpanded ${VAR} placeholder.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}
