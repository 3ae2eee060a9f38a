package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

// GenerateContent speaks the Gemini generateContent API.
type GenerateContent struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGenerateContent creates a Google Gemini transport.
func NewGenerateContent(baseURL string, httpClient *http.Client, logger *slog.Logger) *GenerateContent {
	return &GenerateContent{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With("component", "llm", "provider", string(providers.Google)),
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Call implements Transport.
func (g *GenerateContent) Call(ctx context.Context, call Call) (Completion, error) {
	if err := validate(call); err != nil {
		return Completion{}, err
	}

	temp := call.Temperature
	reqBody := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: call.Prompt}}}},
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: call.MaxTokens,
			Temperature:     &temp,
		},
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, url.PathEscape(call.Model))
	raw, err := postJSON(ctx, g.httpClient, g.logger, providers.Google, call.Model,
		endpoint,
		map[string]string{"x-goog-api-key": call.APIKey},
		reqBody,
	)
	if err != nil {
		return Completion{}, err
	}

	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Completion{}, fmt.Errorf("parsing gemini response: %w", err)
	}
	if resp.Error != nil {
		return Completion{}, fmt.Errorf("Google API error %d (%s): %s", resp.Error.Code, resp.Error.Status, resp.Error.Message)
	}
	if len(resp.Candidates) == 0 {
		return Completion{}, fmt.Errorf("Google returned no candidates")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}

	return Completion{
		Content:    strings.TrimSpace(sb.String()),
		Model:      call.Model,
		TokensUsed: resp.UsageMetadata.TotalTokenCount,
	}, nil
}
