// Package providers is the static catalog of text-generation vendors that
// bookforge can talk to. The catalog is fixed at build time: there are no
// mutation operations, and the preference order used by auto mode lives in
// Order.
package providers

import (
	"fmt"
	"strings"
)

// ID identifies a provider.
type ID string

const (
	OpenAI    ID = "openai"
	Anthropic ID = "anthropic"
	XAI       ID = "xai"
	Google    ID = "google"
	DeepSeek  ID = "deepseek"

	// Auto asks the orchestrator to pick the provider.
	Auto ID = "auto"
)

// AutoModel asks for the provider's recommended model.
const AutoModel = "auto"

// Order is the fallback preference used in auto mode.
var Order = []ID{OpenAI, Anthropic, XAI, Google, DeepSeek}

// API identifies the wire format a provider speaks.
type API int

const (
	// APIChatCompletions is the OpenAI-compatible /chat/completions format.
	APIChatCompletions API = iota
	// APIMessages is the Anthropic Messages format.
	APIMessages
	// APIGenerateContent is the Gemini generateContent format.
	APIGenerateContent
)

// Model describes one selectable model.
type Model struct {
	ID   string
	Name string
}

// Info is the catalog entry for a provider.
type Info struct {
	ID           ID
	Name         string
	KeyEnv       string
	BaseURL      string
	API          API
	DefaultModel string
	// Models always starts with the auto pseudo-model.
	Models []Model
}

var catalog = map[ID]Info{
	OpenAI: {
		ID:           OpenAI,
		Name:         "OpenAI",
		KeyEnv:       "OPENAI_API_KEY",
		BaseURL:      "https://api.openai.com/v1",
		API:          APIChatCompletions,
		DefaultModel: "gpt-4o",
		Models: []Model{
			{ID: AutoModel, Name: "Auto (GPT-4o)"},
			{ID: "gpt-4o", Name: "GPT-4o"},
			{ID: "gpt-4o-mini", Name: "GPT-4o mini"},
			{ID: "gpt-4-turbo", Name: "GPT-4 Turbo"},
			{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo"},
		},
	},
	Anthropic: {
		ID:           Anthropic,
		Name:         "Anthropic",
		KeyEnv:       "ANTHROPIC_API_KEY",
		BaseURL:      "https://api.anthropic.com",
		API:          APIMessages,
		DefaultModel: "claude-3-5-sonnet-20241022",
		Models: []Model{
			{ID: AutoModel, Name: "Auto (Claude 3.5 Sonnet)"},
			{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet"},
			{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku"},
			{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus"},
		},
	},
	XAI: {
		ID:           XAI,
		Name:         "xAI",
		KeyEnv:       "XAI_API_KEY",
		BaseURL:      "https://api.x.ai/v1",
		API:          APIChatCompletions,
		DefaultModel: "grok-beta",
		Models: []Model{
			{ID: AutoModel, Name: "Auto (Grok)"},
			{ID: "grok-beta", Name: "Grok Beta"},
			{ID: "grok-2-1212", Name: "Grok 2"},
		},
	},
	Google: {
		ID:           Google,
		Name:         "Google",
		KeyEnv:       "GOOGLE_API_KEY",
		BaseURL:      "https://generativelanguage.googleapis.com/v1beta",
		API:          APIGenerateContent,
		DefaultModel: "gemini-1.5-pro",
		Models: []Model{
			{ID: AutoModel, Name: "Auto (Gemini 1.5 Pro)"},
			{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro"},
			{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash"},
			{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash"},
		},
	},
	DeepSeek: {
		ID:           DeepSeek,
		Name:         "DeepSeek",
		KeyEnv:       "DEEPSEEK_API_KEY",
		BaseURL:      "https://api.deepseek.com/v1",
		API:          APIChatCompletions,
		DefaultModel: "deepseek-chat",
		Models: []Model{
			{ID: AutoModel, Name: "Auto (DeepSeek Chat)"},
			{ID: "deepseek-chat", Name: "DeepSeek Chat"},
			{ID: "deepseek-reasoner", Name: "DeepSeek Reasoner"},
		},
	},
}

// Lookup returns the catalog entry for id.
func Lookup(id ID) (Info, bool) {
	info, ok := catalog[id]
	if !ok {
		return Info{}, false
	}
	info.Models = append([]Model(nil), info.Models...)
	return info, true
}

// All returns every provider in preference order.
func All() []Info {
	out := make([]Info, 0, len(Order))
	for _, id := range Order {
		info, _ := Lookup(id)
		out = append(out, info)
	}
	return out
}

// ParseID normalizes a user-supplied provider name. "auto" and the empty
// string both map to Auto.
func ParseID(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	if id == "" || id == Auto {
		return Auto, nil
	}
	if _, ok := catalog[id]; !ok {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return id, nil
}

// ResolveModel maps the auto pseudo-model (or an empty model) to the
// provider's default. Concrete model ids are passed through so callers can
// use models newer than this catalog.
func ResolveModel(id ID, model string) (string, error) {
	info, ok := catalog[id]
	if !ok {
		return "", fmt.Errorf("unknown provider %q", id)
	}
	model = strings.TrimSpace(model)
	if model == "" || strings.EqualFold(model, AutoModel) {
		return info.DefaultModel, nil
	}
	return model, nil
}

// KeyEnv returns the environment variable holding id's API key.
func KeyEnv(id ID) string {
	if info, ok := catalog[id]; ok {
		return info.KeyEnv
	}
	return "API_KEY"
}

// DisplayName returns the human-readable provider name, or the raw id for
// unknown providers.
func DisplayName(id ID) string {
	if info, ok := catalog[id]; ok {
		return info.Name
	}
	return string(id)
}

// HasModel reports whether model is listed in id's catalog entry.
func HasModel(id ID, model string) bool {
	info, ok := catalog[id]
	if !ok {
		return false
	}
	for _, m := range info.Models {
		if m.ID != AutoModel && strings.EqualFold(m.ID, model) {
			return true
		}
	}
	return false
}
