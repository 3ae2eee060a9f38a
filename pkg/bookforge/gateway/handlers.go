package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/jholhewres/bookforge/pkg/bookforge/credentials"
	"github.com/jholhewres/bookforge/pkg/bookforge/llm"
	"github.com/jholhewres/bookforge/pkg/bookforge/orchestrator"
	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

// errorResponse is the error body of every endpoint.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message   string `json:"message"`
	Code      int    `json:"code"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type generateRequest struct {
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	APIKey      string   `json:"api_key"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
	NoCache     bool     `json:"no_cache"`
}

type brainstormRequest struct {
	Topic    string `json:"topic"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
}

type keyTestRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

type providerView struct {
	ID           providers.ID `json:"id"`
	Name         string       `json:"name"`
	KeyEnv       string       `json:"key_env"`
	DefaultModel string       `json:"default_model"`
	Models       []modelView  `json:"models"`
	Configured   bool         `json:"configured"`
}

type modelView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, msg string, code int) {
	g.writeJSON(w, code, errorResponse{Error: errorBody{
		Message:   msg,
		Code:      code,
		RequestID: RequestID(r.Context()),
	}})
}

// writeGenerationError maps orchestrator errors to HTTP statuses. Transient
// provider failures are 503 so clients know a retry may succeed.
func (g *Gateway) writeGenerationError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Message: err.Error(), RequestID: RequestID(r.Context())}

	var (
		genErr  *orchestrator.GenerationError
		provErr *orchestrator.ProviderError
	)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		body.Code, body.Kind = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, orchestrator.ErrCancelled):
		body.Code, body.Kind = http.StatusRequestTimeout, "cancelled"
	case errors.Is(err, orchestrator.ErrNoCredentials), errors.Is(err, llm.ErrMissingAPIKey):
		body.Code, body.Kind = http.StatusUnprocessableEntity, "no_credentials"
	case errors.Is(err, orchestrator.ErrUnusableOutput):
		body.Code, body.Kind = http.StatusBadGateway, "unusable_output"
	case errors.As(err, &genErr):
		body.Code, body.Kind = statusForPermanence(genErr.Permanent())
	case errors.As(err, &provErr):
		body.Code, body.Kind = statusForPermanence(provErr.Permanent())
	default:
		body.Code, body.Kind = http.StatusInternalServerError, "internal"
	}

	if body.Code >= http.StatusInternalServerError {
		g.logger.Warn("generation failed",
			"request_id", body.RequestID,
			"status", body.Code,
			"error", err,
		)
	}
	if body.Code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	g.writeJSON(w, body.Code, errorResponse{Error: body})
}

func statusForPermanence(permanent bool) (int, string) {
	if permanent {
		return http.StatusBadGateway, "provider_rejected"
	}
	return http.StatusServiceUnavailable, "provider_unavailable"
}

// decodeBody reads a bounded JSON body into dst.
func decodeBody(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return errors.New("failed to read body")
	}
	if len(data) > maxBodyBytes {
		return errors.New("request body too large")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func (g *Gateway) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		g.writeError(w, r, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": g.version,
		"uptime":  time.Since(g.startedAt).Round(time.Second).String(),
	})
}

// handleProviders implements GET /api/providers.
func (g *Gateway) handleProviders(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}

	configured, err := credentials.Available(r.Context(), g.orch.Resolver())
	if err != nil {
		g.logger.Warn("checking configured providers", "error", err)
		configured = map[providers.ID]bool{}
	}

	out := make([]providerView, 0, len(providers.Order))
	for _, info := range providers.All() {
		view := providerView{
			ID:           info.ID,
			Name:         info.Name,
			KeyEnv:       info.KeyEnv,
			DefaultModel: info.DefaultModel,
			Configured:   configured[info.ID],
		}
		for _, m := range info.Models {
			view.Models = append(view.Models, modelView{ID: m.ID, Name: m.Name})
		}
		out = append(out, view)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// handleGenerate implements POST /api/generate.
func (g *Gateway) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodPost) {
		return
	}
	var body generateRequest
	if err := decodeBody(r, &body); err != nil {
		g.writeError(w, r, err.Error(), http.StatusBadRequest)
		return
	}

	temperature := g.defaultTemperature
	if body.Temperature != nil {
		temperature = *body.Temperature
	}
	res, err := g.orch.Generate(r.Context(), orchestrator.Request{
		Provider:    providers.ID(body.Provider),
		Model:       body.Model,
		Prompt:      body.Prompt,
		APIKey:      body.APIKey,
		MaxTokens:   body.MaxTokens,
		Temperature: temperature,
		NoCache:     body.NoCache,
	})
	if err != nil {
		g.writeGenerationError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

// handleBrainstorm implements POST /api/brainstorm.
func (g *Gateway) handleBrainstorm(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodPost) {
		return
	}
	var body brainstormRequest
	if err := decodeBody(r, &body); err != nil {
		g.writeError(w, r, err.Error(), http.StatusBadRequest)
		return
	}

	b, err := g.orch.Brainstorm(r.Context(), body.Topic, providers.ID(body.Provider), body.Model, body.APIKey)
	if err != nil {
		g.writeGenerationError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, b)
}

// handleKeyTest implements POST /api/keys/test.
func (g *Gateway) handleKeyTest(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodPost) {
		return
	}
	var body keyTestRequest
	if err := decodeBody(r, &body); err != nil {
		g.writeError(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	g.writeJSON(w, http.StatusOK, g.orch.TestAPIKey(r.Context(), providers.ID(body.Provider), body.APIKey))
}

// handleCacheStats implements GET /api/cache/stats.
func (g *Gateway) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	c := g.orch.Cache()
	if c == nil {
		g.writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}

	resp := map[string]any{
		"enabled": true,
		"stats":   c.Stats(),
	}
	if g.sweeper != nil {
		sweep := map[string]any{"purged": g.sweeper.Purged()}
		if last := g.sweeper.LastRun(); !last.IsZero() {
			sweep["last_run"] = last.UTC().Format(time.RFC3339)
		}
		resp["sweeper"] = sweep
	}
	g.writeJSON(w, http.StatusOK, resp)
}
