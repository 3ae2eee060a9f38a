package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/bookforge/pkg/bookforge/cache"
	"github.com/jholhewres/bookforge/pkg/bookforge/config"
	"github.com/jholhewres/bookforge/pkg/bookforge/credentials"
	"github.com/jholhewres/bookforge/pkg/bookforge/llm"
	"github.com/jholhewres/bookforge/pkg/bookforge/orchestrator"
	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(context.Context, time.Duration) error { return nil }

// newTestServer wires a gateway over fake transports: openai answers with
// an echo, anthropic rejects every key.
func newTestServer(t *testing.T, cfg config.GatewayConfig) *httptest.Server {
	t.Helper()
	d := llm.Dispatch{
		providers.OpenAI: llm.TransportFunc(func(_ context.Context, call llm.Call) (llm.Completion, error) {
			if strings.Contains(call.Prompt, "outage") {
				return llm.Completion{}, errors.New("503 service unavailable")
			}
			if strings.Contains(call.Prompt, "Topic: mumbling") {
				return llm.Completion{Content: "Sorry."}, nil
			}
			if strings.Contains(call.Prompt, "Topic:") {
				return llm.Completion{Content: `{"titles":["Deep Roots"],"outline":"Chapter 1: Soil"}`}, nil
			}
			return llm.Completion{Content: "echo: " + call.Prompt, Model: call.Model, TokensUsed: 3}, nil
		}),
		providers.Anthropic: llm.TransportFunc(func(context.Context, llm.Call) (llm.Completion, error) {
			return llm.Completion{}, &llm.APIError{Provider: providers.Anthropic, StatusCode: 401, Body: "invalid x-api-key"}
		}),
	}
	orch := orchestrator.New(d,
		orchestrator.WithResolver(credentials.Static{providers.OpenAI: "sk-test"}),
		orchestrator.WithCache(cache.New(cache.NewMemoryStore())),
		orchestrator.WithSleeper(noSleep),
	)
	srv := httptest.NewServer(New(orch, cfg, testLogger(), WithVersion("test")).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decoding %q: %v", data, err)
		}
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, config.GatewayConfig{AuthToken: "tok"})

	resp, body := do(t, http.MethodGet, srv.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Error("request id missing")
	}
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t, config.GatewayConfig{AuthToken: "tok"})

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong scheme", map[string]string{"Authorization": "Basic tok"}, http.StatusUnauthorized},
		{"wrong token", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"valid", map[string]string{"Authorization": "Bearer tok"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, http.MethodGet, srv.URL+"/api/providers", "", tt.header)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestRequestIDPropagation(t *testing.T) {
	srv := newTestServer(t, config.GatewayConfig{})
	const id = "7f8d1c5e-2b0a-4d8e-9c51-3f1d2b6a9e10"

	resp, _ := do(t, http.MethodGet, srv.URL+"/health", "", map[string]string{RequestIDHeader: id})
	if got := resp.Header.Get(RequestIDHeader); got != id {
		t.Errorf("request id = %q, want %q", got, id)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/health", "", map[string]string{RequestIDHeader: "not-a-uuid"})
	if got := resp.Header.Get(RequestIDHeader); got == "not-a-uuid" || got == "" {
		t.Errorf("invalid client id accepted: %q", got)
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, config.GatewayConfig{CORSOrigins: []string{"https://app.example"}, AuthToken: "tok"})

	resp, _ := do(t, http.MethodOptions, srv.URL+"/api/generate", "", map[string]string{"Origin": "https://app.example"})
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Errorf("allow origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}

	resp, _ = do(t, http.MethodOptions, srv.URL+"/api/generate", "", map[string]string{"Origin": "https://evil.example"})
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin allowed")
	}
}

func TestProviders(t *testing.T) {
	srv := newTestServer(t, config.GatewayConfig{})

	_, body := do(t, http.MethodGet, srv.URL+"/api/providers", "", nil)
	list, ok := body["providers"].([]any)
	if !ok || len(list) != len(providers.Order) {
		t.Fatalf("providers = %v", body["providers"])
	}
	first := list[0].(map[string]any)
	if first["id"] != "openai" || first["configured"] != true {
		t.Errorf("first provider = %v", first)
	}
	if second := list[1].(map[string]any); second["configured"] != false {
		t.Errorf("anthropic should not be configured: %v", second)
	}
}

func TestGenerate(t *testing.T) {
	srv := newTestServer(t, config.GatewayConfig{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/generate", `{"prompt":"chapter one"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["content"] != "echo: chapter one" || body["provider"] != "openai" || body["model"] != "gpt-4o" {
		t.Errorf("body = %v", body)
	}
	if body["cached"] != false {
		t.Errorf("first response marked cached")
	}

	_, body = do(t, http.MethodPost, srv.URL+"/api/generate", `{"prompt":"chapter one"}`, nil)
	if body["cached"] != true {
		t.Errorf("second response not served from cache: %v", body)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/api/cache/stats", "", nil)
	stats, _ := body["stats"].(map[string]any)
	if body["enabled"] != true || stats["hits"] != float64(1) {
		t.Errorf("cache stats = %v", body)
	}
}

func TestGenerateErrors(t *testing.T) {
	srv := newTestServer(t, config.GatewayConfig{})

	tests := []struct {
		name     string
		method   string
		body     string
		want     int
		wantKind string
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed, ""},
		{"bad json", http.MethodPost, "{", http.StatusBadRequest, ""},
		{"empty prompt", http.MethodPost, `{"prompt":""}`, http.StatusBadRequest, "invalid_request"},
		{"temperature", http.MethodPost, `{"prompt":"p","temperature":3}`, http.StatusBadRequest, "invalid_request"},
		{"rejected key", http.MethodPost, `{"provider":"anthropic","prompt":"p","api_key":"bad"}`, http.StatusBadGateway, "provider_rejected"},
		{"missing key", http.MethodPost, `{"provider":"xai","prompt":"p"}`, http.StatusUnprocessableEntity, "no_credentials"},
		{"outage", http.MethodPost, `{"provider":"openai","prompt":"outage"}`, http.StatusServiceUnavailable, "provider_unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, srv.URL+"/api/generate", tt.body, nil)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.want, body)
			}
			errBody, _ := body["error"].(map[string]any)
			if errBody["message"] == "" || errBody["request_id"] == "" {
				t.Errorf("error body = %v", body)
			}
			if tt.wantKind != "" && errBody["kind"] != tt.wantKind {
				t.Errorf("kind = %v, want %s", errBody["kind"], tt.wantKind)
			}
			if tt.want == http.StatusServiceUnavailable && resp.Header.Get("Retry-After") == "" {
				t.Error("Retry-After missing")
			}
		})
	}
}

func TestBrainstormAndKeyTest(t *testing.T) {
	srv := newTestServer(t, config.GatewayConfig{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/brainstorm", `{"topic":"gardening"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("brainstorm status = %d (%v)", resp.StatusCode, body)
	}
	titles, _ := body["titles"].([]any)
	if len(titles) != 1 || titles[0] != "Deep Roots" || body["outline"] != "Chapter 1: Soil" {
		t.Errorf("brainstorm body = %v", body)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/api/brainstorm", `{"topic":"mumbling"}`, nil)
	errBody, _ := body["error"].(map[string]any)
	if resp.StatusCode != http.StatusBadGateway || errBody["kind"] != "unusable_output" {
		t.Errorf("unusable brainstorm = %d %v", resp.StatusCode, body)
	}

	_, body = do(t, http.MethodPost, srv.URL+"/api/keys/test", `{"provider":"openai","api_key":"sk-x"}`, nil)
	if body["valid"] != true {
		t.Errorf("openai key test = %v", body)
	}
	_, body = do(t, http.MethodPost, srv.URL+"/api/keys/test", `{"provider":"anthropic","api_key":"bad"}`, nil)
	if body["valid"] != false || body["error"] == "" {
		t.Errorf("anthropic key test = %v", body)
	}
}

func TestCacheStatsDisabled(t *testing.T) {
	orch := orchestrator.New(llm.Dispatch{})
	srv := httptest.NewServer(New(orch, config.GatewayConfig{}, testLogger()).Handler())
	defer srv.Close()

	_, body := do(t, http.MethodGet, srv.URL+"/api/cache/stats", "", nil)
	if body["enabled"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestStartStop(t *testing.T) {
	g := New(orchestrator.New(llm.Dispatch{}), config.GatewayConfig{Address: "127.0.0.1:0"}, testLogger())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, _ := do(t, http.MethodGet, "http://"+g.Addr()+"/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if err := g.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestIsLoopback(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:8085": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":8085":          false,
		"0.0.0.0:8085":   false,
		"garbage":        false,
	} {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}
