package providers

import "github.com/kexinoh/free-OKC/internal/config"

// FromEndpoint builds the provider for a configured chat endpoint.
func FromEndpoint(ep config.Endpoint) Provider {
	return NewOpenAIProvider("openai", ep.APIKey, ep.BaseURL, ep.Model)
}
