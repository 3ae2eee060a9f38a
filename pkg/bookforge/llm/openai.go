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

// ChatCompletions speaks the OpenAI-compatible chat completions API. OpenAI,
// xAI and DeepSeek all use it.
type ChatCompletions struct {
	provider   providers.ID
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewChatCompletions creates a chat completions transport for provider.
func NewChatCompletions(provider providers.ID, baseURL string, httpClient *http.Client, logger *slog.Logger) *ChatCompletions {
	return &ChatCompletions{
		provider:   provider,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With("component", "llm", "provider", string(provider)),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Call implements Transport.
func (c *ChatCompletions) Call(ctx context.Context, call Call) (Completion, error) {
	if err := validate(call); err != nil {
		return Completion{}, err
	}

	temp := call.Temperature
	reqBody := chatRequest{
		Model:       call.Model,
		Messages:    []chatMessage{{Role: "user", Content: call.Prompt}},
		MaxTokens:   call.MaxTokens,
		Temperature: &temp,
	}

	raw, err := postJSON(ctx, c.httpClient, c.logger, c.provider, call.Model,
		c.baseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + call.APIKey},
		reqBody,
	)
	if err != nil {
		return Completion{}, err
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Completion{}, fmt.Errorf("parsing %s response: %w", c.provider, err)
	}
	if resp.Error != nil {
		return Completion{}, fmt.Errorf("%s API error: %s", providers.DisplayName(c.provider), resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("%s returned no choices", providers.DisplayName(c.provider))
	}

	model := resp.Model
	if model == "" {
		model = call.Model
	}
	return Completion{
		Content:    strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:      model,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}
