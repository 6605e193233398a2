// Package xai implements the OMEN provider contract for xAI's Grok
// models, which speak the OpenAI wire format under their own base URL
// and API key namespace (spec §4.1: "xAI Grok (OpenAI-shaped)"). The
// adapter itself is a thin re-export of providers/openai.Adapter with a
// distinct provider id, so error classification and transcoding logic
// are not duplicated.
package xai

import (
	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/providers"
	"github.com/omen-gateway/omen/internal/providers/openai"
)

const defaultBaseURL = "https://api.x.ai"

// New constructs a Grok adapter. If baseURL is empty, xAI's public
// endpoint is used.
func New(id, apiKey, baseURL string, models []omentypes.ModelDescriptor) providers.Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return openai.New(id, apiKey, baseURL, models)
}
