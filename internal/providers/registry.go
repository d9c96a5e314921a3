// Package providers catalogs the upstream provider types the gateway can
// dispatch to: the wire format each speaks, its default base URL, its auth
// header shape, and how request URLs are laid out.
package providers

import (
	"fmt"
	"net/url"
	"strings"
)

// Provider describes one upstream provider type. Instances are stateless;
// per-endpoint values (base URL, API key) come from configuration.
type Provider interface {
	Name() string
	// Format is the wire format the provider speaks, e.g. "claude:chat".
	Format() string
	// Variant selects a conversion target variant, empty for none.
	Variant() string
	DefaultBaseURL() string
	// RequestURL builds the upstream request URL. Only Gemini varies by
	// model and stream mode.
	RequestURL(baseURL, model string, stream bool) string
	// AuthHeaders renders the provider's authentication headers.
	AuthHeaders(apiKey string) map[string]string
}

// Registry manages provider catalog entries by name.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

func (r *Registry) Register(provider Provider) {
	r.providers[provider.Name()] = provider
}

func (r *Registry) Get(name string) (Provider, bool) {
	provider, exists := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return provider, exists
}

// GetByDomain resolves a provider from an API base URL's hostname, for
// endpoints that configure a URL but no provider type.
func (r *Registry) GetByDomain(apiBase string) (Provider, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}

	domain := strings.ToLower(u.Hostname())

	domainProviderMap := map[string]string{
		"api.anthropic.com":                 "anthropic",
		"anthropic.com":                     "anthropic",
		"api.openai.com":                    "openai",
		"openai.com":                        "openai",
		"chatgpt.com":                       "codex",
		"generativelanguage.googleapis.com": "gemini",
		"googleapis.com":                    "gemini",
		"openrouter.ai":                     "openrouter",
		"api.openrouter.ai":                 "openrouter",
		"integrate.api.nvidia.com":          "nvidia",
		"api.nvidia.com":                    "nvidia",
	}

	if providerName, exists := domainProviderMap[domain]; exists {
		if provider, found := r.Get(providerName); found {
			return provider, nil
		}
	}

	return nil, fmt.Errorf("no provider found for domain: %s", domain)
}

func (r *Registry) List() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Initialize registers all built-in provider types.
func (r *Registry) Initialize() {
	r.Register(NewAnthropicProvider())
	r.Register(NewOpenAIProvider())
	r.Register(NewCodexProvider())
	r.Register(NewGeminiProvider())
	r.Register(NewOpenRouterProvider())
	r.Register(NewNvidiaProvider())
}

func bearerAuth(apiKey string) map[string]string {
	if apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + apiKey}
}

func trimSlash(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/")
}

func joinURL(baseURL, path string) string {
	return trimSlash(baseURL) + path
}
