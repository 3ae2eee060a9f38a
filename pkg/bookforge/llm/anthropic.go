package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

const (
	anthropicVersion = "2023-06-01"

	// The Messages API requires max_tokens.
	anthropicDefaultMaxTokens = 4096
)

// Messages speaks the Anthropic Messages API.
type Messages struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewMessages creates an Anthropic transport.
func NewMessages(baseURL string, httpClient *http.Client, logger *slog.Logger) *Messages {
	return &Messages{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With("component", "llm", "provider", string(providers.Anthropic)),
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Call implements Transport.
func (m *Messages) Call(ctx context.Context, call Call) (Completion, error) {
	if err := validate(call); err != nil {
		return Completion{}, err
	}

	maxTokens := call.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	temp := call.Temperature
	reqBody := anthropicRequest{
		Model:       call.Model,
		Messages:    []anthropicMessage{{Role: "user", Content: call.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: &temp,
	}

	raw, err := postJSON(ctx, m.httpClient, m.logger, providers.Anthropic, call.Model,
		m.baseURL+"/v1/messages",
		map[string]string{
			"x-api-key":         call.APIKey,
			"anthropic-version": anthropicVersion,
		},
		reqBody,
	)
	if err != nil {
		return Completion{}, err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Completion{}, fmt.Errorf("parsing anthropic response: %w", err)
	}
	if resp.Error != nil {
		return Completion{}, fmt.Errorf("Anthropic API error (%s): %s", resp.Error.Type, resp.Error.Message)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	model := resp.Model
	if model == "" {
		model = call.Model
	}
	return Completion{
		Content:    strings.TrimSpace(sb.String()),
		Model:      model,
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}
