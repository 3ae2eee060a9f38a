package llm

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

// Dispatch maps each provider to its transport.
type Dispatch map[providers.ID]Transport

// NewDispatch builds a transport for every catalogued provider. baseURLs
// overrides the catalog endpoint per provider (proxies, test servers).
func NewDispatch(baseURLs map[providers.ID]string, logger *slog.Logger) Dispatch {
	if logger == nil {
		logger = slog.Default()
	}
	client := newHTTPClient()

	d := make(Dispatch, len(providers.Order))
	for _, info := range providers.All() {
		base := info.BaseURL
		if override := baseURLs[info.ID]; override != "" {
			base = override
		}
		d[info.ID] = newTransport(info, base, client, logger)
	}
	return d
}

func newTransport(info providers.Info, baseURL string, client *http.Client, logger *slog.Logger) Transport {
	switch info.API {
	case providers.APIMessages:
		return NewMessages(baseURL, client, logger)
	case providers.APIGenerateContent:
		return NewGenerateContent(baseURL, client, logger)
	default:
		return NewChatCompletions(info.ID, baseURL, client, logger)
	}
}

// For returns the transport registered for id.
func (d Dispatch) For(id providers.ID) (Transport, error) {
	t, ok := d[id]
	if !ok || t == nil {
		return nil, fmt.Errorf("no transport registered for provider %q", id)
	}
	return t, nil
}
