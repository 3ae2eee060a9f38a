package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/jholhewres/bookforge/pkg/bookforge/cache"
	"github.com/jholhewres/bookforge/pkg/bookforge/classifier"
	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

const (
	brainstormMaxTokens   = 1500
	brainstormTemperature = 0.8
	keyCheckMaxTokens     = 5
	keyCheckPrompt        = "Reply with the single word: ok"
)

// Brainstorm is a set of candidate titles and a draft outline for a topic.
type Brainstorm struct {
	Titles  []string `json:"titles"`
	Outline string   `json:"outline"`
	// Provider and Model name the backend that produced the ideas.
	Provider providers.ID `json:"provider"`
	Model    string       `json:"model"`
}

const brainstormTemplate = `You are helping an author plan a new book.

Topic: %s

Suggest 5 compelling book titles and a chapter-by-chapter outline.
Respond with JSON only, in exactly this shape:
{"titles": ["Title one", "Title two"], "outline": "Chapter 1: ...\nChapter 2: ..."}`

// BrainstormPrompt renders the brainstorm instruction for topic.
func BrainstormPrompt(topic string) string {
	return fmt.Sprintf(brainstormTemplate, strings.TrimSpace(topic))
}

type brainstormParams struct {
	Provider providers.ID `json:"provider"`
	Model    string       `json:"model"`
	Topic    string       `json:"topic"`
}

// Brainstorm asks for titles and an outline through the normal generation
// path, so it gets the same retry and fallback behaviour. Only parsed
// results are cached; a reply with neither titles nor an outline fails
// with ErrUnusableOutput and the next call asks a provider again.
func (o *Orchestrator) Brainstorm(ctx context.Context, topic string, provider providers.ID, model, apiKey string) (*Brainstorm, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, invalid("topic is empty")
	}

	params := brainstormParams{
		Provider: providers.ID(strings.ToLower(strings.TrimSpace(string(provider)))),
		Model:    strings.TrimSpace(model),
		Topic:    topic,
	}
	if o.cache != nil {
		var hit Brainstorm
		ok, err := o.cache.Get(ctx, BrainstormNamespace, params, &hit)
		if err != nil {
			o.logger.Warn("cache lookup failed", "error", err)
		} else if ok {
			return &hit, nil
		}
	}

	res, err := o.Generate(ctx, Request{
		Provider:    provider,
		Model:       model,
		Prompt:      BrainstormPrompt(topic),
		APIKey:      apiKey,
		MaxTokens:   brainstormMaxTokens,
		Temperature: brainstormTemperature,
		NoCache:     true,
	})
	if err != nil {
		return nil, err
	}

	b := ParseBrainstorm(res.Content)
	b.Provider = res.Provider
	b.Model = res.Model
	if len(b.Titles) == 0 && b.Outline == "" {
		return nil, fmt.Errorf("%w: %s returned no titles or outline", ErrUnusableOutput, providers.DisplayName(res.Provider))
	}

	if o.cache != nil {
		ttl := cache.ContentTTL(o.cfg.CacheTTL, res.Content)
		if err := o.cache.Set(ctx, BrainstormNamespace, params, b, ttl); err != nil {
			o.logger.Warn("cache store failed", "error", err)
		}
	}
	return b, nil
}

var (
	jsonObject   = regexp.MustCompile(`(?s)\{.*\}`)
	listMarker   = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)
	outlineLabel = regexp.MustCompile(`(?i)^\s*#*\s*outline\s*:?\s*$`)
	titlesLabel  = regexp.MustCompile(`(?i)^\s*#*\s*titles?\s*:?\s*$`)
)

// ParseBrainstorm extracts titles and an outline from model output. It
// prefers the requested JSON object, repairing it when the model emitted
// slightly broken JSON, and falls back to reading a plain list.
func ParseBrainstorm(content string) *Brainstorm {
	if b, ok := parseBrainstormJSON(content); ok {
		return b
	}
	return parseBrainstormLines(content)
}

func parseBrainstormJSON(content string) (*Brainstorm, bool) {
	candidate := jsonObject.FindString(content)
	if candidate == "" {
		return nil, false
	}

	var out struct {
		Titles  []string        `json:"titles"`
		Outline json.RawMessage `json:"outline"`
	}
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(candidate)
		if repairErr != nil {
			return nil, false
		}
		if err := json.Unmarshal([]byte(repaired), &out); err != nil {
			return nil, false
		}
	}

	b := &Brainstorm{Outline: outlineText(out.Outline)}
	for _, t := range out.Titles {
		if t = strings.TrimSpace(t); t != "" {
			b.Titles = append(b.Titles, t)
		}
	}
	if len(b.Titles) == 0 && b.Outline == "" {
		return nil, false
	}
	return b, true
}

// outlineText accepts the outline as a string or as a list of chapter lines.
func outlineText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return strings.TrimSpace(strings.Join(lines, "\n"))
	}
	return ""
}

func parseBrainstormLines(content string) *Brainstorm {
	b := &Brainstorm{}
	var outline []string
	inOutline := false

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			if inOutline {
				outline = append(outline, "")
			}
		case outlineLabel.MatchString(trimmed):
			inOutline = true
		case titlesLabel.MatchString(trimmed):
			inOutline = false
		case inOutline:
			outline = append(outline, trimmed)
		case listMarker.MatchString(trimmed):
			title := strings.Trim(listMarker.ReplaceAllString(trimmed, ""), `"*_ `)
			if title != "" {
				b.Titles = append(b.Titles, title)
			}
		}
	}
	b.Outline = strings.TrimSpace(strings.Join(outline, "\n"))
	return b
}

// KeyCheck reports whether a provider accepted an API key.
type KeyCheck struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// TestAPIKey issues a tiny generation with apiKey against the provider's
// default model. Rejections (bad key, forbidden) come back as Valid=false;
// a transient failure is reported with its message so the caller can try
// again later.
func (o *Orchestrator) TestAPIKey(ctx context.Context, provider providers.ID, apiKey string) KeyCheck {
	if provider == "" || provider == providers.Auto {
		return KeyCheck{Error: "a concrete provider is required"}
	}
	if _, ok := providers.Lookup(provider); !ok {
		return KeyCheck{Error: fmt.Sprintf("unknown provider %q", provider)}
	}
	if strings.TrimSpace(apiKey) == "" {
		return KeyCheck{Error: "API key is required"}
	}

	_, err := o.Generate(ctx, Request{
		Provider:  provider,
		Model:     providers.AutoModel,
		Prompt:    keyCheckPrompt,
		APIKey:    apiKey,
		MaxTokens: keyCheckMaxTokens,
		NoCache:   true,
	})
	if err == nil {
		return KeyCheck{Valid: true}
	}

	var perr *ProviderError
	if errors.As(err, &perr) && perr.Kind == classifier.Transient {
		o.logger.Info("key check inconclusive", "provider", provider, "error", err)
	}
	return KeyCheck{Error: err.Error()}
}
