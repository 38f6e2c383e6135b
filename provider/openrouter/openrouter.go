// Package openrouter implements the provider adapter for the OpenRouter
// aggregation proxy. OpenRouter speaks the OpenAI wire protocol, so the
// adapter delegates to the OpenAI adapter with the OpenRouter base URL
// and the attribution headers the service expects.
package openrouter

import (
	"net/http"
	"strings"

	"github.com/autopicker/gateway/provider/openai"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Options configures the adapter.
type Options struct {
	ID         string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// Referer and Title feed the OpenRouter attribution headers.
	Referer string
	Title   string
}

// New builds an OpenRouter-backed adapter.
func New(opts Options) *openai.Adapter {
	base := strings.TrimSuffix(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	headers := map[string]string{}
	if opts.Referer != "" {
		headers["HTTP-Referer"] = opts.Referer
	}
	if opts.Title != "" {
		headers["X-Title"] = opts.Title
	}
	id := opts.ID
	if id == "" {
		id = "openrouter"
	}
	return openai.New(openai.Options{
		ID:           id,
		BaseURL:      base,
		APIKey:       opts.APIKey,
		HTTPClient:   opts.HTTPClient,
		ExtraHeaders: headers,
	})
}
