// Package llm implements one HTTP transport per provider. A transport makes
// exactly one request and reports failures with the provider's own error text;
// retry and fallback decisions belong to the orchestrator.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

var (
	// ErrMissingAPIKey is returned before any network I/O when no key was
	// supplied. Its text matches the permanent "api key is required" indicator.
	ErrMissingAPIKey = errors.New("API key is required")

	// ErrEmptyPrompt rejects calls with nothing to generate from.
	ErrEmptyPrompt = errors.New("prompt is empty")
)

// Call is a single provider request.
type Call struct {
	Model       string
	Prompt      string
	APIKey      string
	MaxTokens   int
	Temperature float64
}

// Completion is a provider's normalized answer.
type Completion struct {
	Content    string
	Model      string
	TokensUsed int
}

// Transport issues one call against one provider.
type Transport interface {
	Call(ctx context.Context, call Call) (Completion, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, call Call) (Completion, error)

// Call implements Transport.
func (f TransportFunc) Call(ctx context.Context, call Call) (Completion, error) {
	return f(ctx, call)
}

// APIError captures a non-2xx provider response.
type APIError struct {
	Provider   providers.ID
	Model      string
	StatusCode int
	Body       string
	// RetryAfter is the server-suggested delay from a Retry-After header.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	prefix := providers.DisplayName(e.Provider)
	if e.Model != "" {
		prefix += " (" + e.Model + ")"
	}
	status := strconv.Itoa(e.StatusCode)
	if text := http.StatusText(e.StatusCode); text != "" {
		status += " " + text
	}
	return fmt.Sprintf("%s: API returned %s: %s", prefix, status, truncate(e.Body, 300))
}

func validate(call Call) error {
	if strings.TrimSpace(call.APIKey) == "" {
		return ErrMissingAPIKey
	}
	if strings.TrimSpace(call.Prompt) == "" {
		return ErrEmptyPrompt
	}
	return nil
}

// postJSON sends payload and returns the raw 200 body, or an *APIError.
func postJSON(ctx context.Context, client *http.Client, logger *slog.Logger, provider providers.ID, model, endpoint string, headers map[string]string, payload any) ([]byte, error) {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	logger.Debug("sending completion", "model", model, "prompt_bytes", len(bodyBytes))

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s API request failed: %w", providers.DisplayName(provider), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apierr := &APIError{
			Provider:   provider,
			Model:      model,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
				apierr.RetryAfter = time.Duration(sec) * time.Second
			}
		}
		logger.Warn("API error",
			"model", model,
			"status", resp.StatusCode,
			"body", truncate(apierr.Body, 500),
		)
		return nil, apierr
	}

	logger.Debug("completion received",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"bytes", len(respBody),
	)
	return respBody, nil
}

// newHTTPClient mirrors the connection settings used for every provider.
// There is no client-wide timeout: the orchestrator bounds each call through
// its context.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          20,
			MaxIdleConnsPerHost:   5,
			IdleConnTimeout:       120 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 180 * time.Second,
		},
	}
}

// truncate shortens s to at most n bytes without splitting a UTF-8
// sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
