package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jholhewres/bookforge/pkg/bookforge/classifier"
	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

var (
	// ErrAllProvidersFailed matches every *GenerationError.
	ErrAllProvidersFailed = errors.New("provider selection failed")

	// ErrNoCredentials is reported when auto mode found no key for any
	// provider. It is permanent.
	ErrNoCredentials = errors.New("no API key configured for any provider")

	// ErrCancelled is returned when ctx is cancelled during a call or a
	// backoff sleep.
	ErrCancelled = errors.New("generation cancelled")

	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid generation request")

	// ErrUnusableOutput is returned when a provider answered but the reply
	// could not be parsed into the requested shape.
	ErrUnusableOutput = errors.New("unusable model output")
)

// ProviderError is the final failure of one provider after retries.
type ProviderError struct {
	Provider providers.ID
	Model    string
	Kind     classifier.Kind
	// Attempts is how many calls were made; 0 when the provider was never
	// called (missing key, no transport).
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	prefix := providers.DisplayName(e.Provider)
	if e.Model != "" {
		prefix += " (" + e.Model + ")"
	}
	if e.Kind == classifier.Transient && e.Attempts > 1 {
		return fmt.Sprintf("%s: gave up after %d attempts: %v", prefix, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Permanent reports whether retrying the same request cannot help.
func (e *ProviderError) Permanent() bool {
	return e.Kind != classifier.Transient
}

// GenerationError aggregates every provider failure of an auto-mode call.
type GenerationError struct {
	Failures []*ProviderError
	// Skipped lists providers that had no credential.
	Skipped []providers.ID
}

func (e *GenerationError) Error() string {
	var b strings.Builder
	b.WriteString(ErrAllProvidersFailed.Error())
	if len(e.Failures) == 0 {
		b.WriteString(": ")
		b.WriteString(ErrNoCredentials.Error())
		return b.String()
	}
	for i, f := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(f.Error())
	}
	if len(e.Skipped) > 0 {
		names := make([]string, len(e.Skipped))
		for i, id := range e.Skipped {
			names[i] = string(id)
		}
		fmt.Fprintf(&b, "; skipped (no API key): %s", strings.Join(names, ", "))
	}
	return b.String()
}

// Is matches ErrAllProvidersFailed, and ErrNoCredentials when no provider
// was ever called.
func (e *GenerationError) Is(target error) bool {
	switch target {
	case ErrAllProvidersFailed:
		return true
	case ErrNoCredentials:
		return len(e.Failures) == 0
	}
	return false
}

// Unwrap exposes the per-provider failures to errors.As.
func (e *GenerationError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f
	}
	return out
}

// Permanent reports whether every provider failed permanently (or none had a
// key). A caller may retry later when any failure was transient.
func (e *GenerationError) Permanent() bool {
	for _, f := range e.Failures {
		if !f.Permanent() {
			return false
		}
	}
	return true
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
