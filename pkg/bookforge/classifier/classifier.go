// Package classifier decides whether a failed provider call is worth
// retrying. Classification is plain case-insensitive substring matching
// against two fixed keyword lists, so the policy can be read (and tested)
// as data.
package classifier

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Kind classifies a provider failure for retry/fallback decisions.
type Kind int

const (
	// Unknown matched neither list. Treated as non-transient.
	Unknown Kind = iota
	// Transient failures are expected to succeed on retry.
	Transient
	// Permanent failures recur until the caller changes its input.
	Permanent
)

// String returns a human-readable label for the kind.
func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Retryable reports whether the kind warrants another attempt.
func (k Kind) Retryable() bool {
	return k == Transient
}

// transientIndicators mark rate limiting, timeouts, dropped connections and
// server-side unavailability.
var transientIndicators = []string{
	"rate limit",
	"429",
	"too many requests",
	"timeout",
	"etimedout",
	"deadline exceeded",
	"service unavailable",
	"503",
	"502",
	"bad gateway",
	"504",
	"internal server error",
	"overloaded",
	"fetch failed",
	"econnreset",
	"connection reset",
	"connection refused",
	"socket hang up",
}

// permanentIndicators mark credential and authorization failures.
var permanentIndicators = []string{
	"invalid api key",
	"unauthorized",
	"401",
	"api key is required",
	"forbidden",
	"invalid credentials",
}

// TransientIndicators returns a copy of the transient keyword list.
func TransientIndicators() []string {
	return append([]string(nil), transientIndicators...)
}

// PermanentIndicators returns a copy of the permanent keyword list.
func PermanentIndicators() []string {
	return append([]string(nil), permanentIndicators...)
}

// Classify returns the kind of an error message. A message carrying both a
// permanent and a transient indicator is permanent: retrying a rejected key
// only burns quota.
func Classify(message string) Kind {
	lower := strings.ToLower(message)
	if containsAny(lower, permanentIndicators) {
		return Permanent
	}
	if containsAny(lower, transientIndicators) {
		return Transient
	}
	return Unknown
}

// IsTransient reports whether message describes a retryable failure.
func IsTransient(message string) bool {
	return Classify(message) == Transient
}

// IsPermanent reports whether message matches a permanent indicator.
func IsPermanent(message string) bool {
	return Classify(message) == Permanent
}

// ClassifyError classifies err. Deadline and network timeouts are transient
// even when their text carries no indicator; a cancelled context is Unknown
// so the caller stops immediately.
func ClassifyError(err error) Kind {
	if err == nil {
		return Unknown
	}
	if errors.Is(err, context.Canceled) {
		return Unknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	return Classify(err.Error())
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
