package providers

const anthropicVersion = "2023-06-01"

type AnthropicProvider struct{}

func NewAnthropicProvider() *AnthropicProvider {
	return &AnthropicProvider{}
}

func (p *AnthropicProvider) Name() string           { return "anthropic" }
func (p *AnthropicProvider) Format() string         { return "claude:chat" }
func (p *AnthropicProvider) Variant() string        { return "" }
func (p *AnthropicProvider) DefaultBaseURL() string { return "https://api.anthropic.com" }

func (p *AnthropicProvider) RequestURL(baseURL, _ string, _ bool) string {
	return joinURL(baseURL, "/v1/messages")
}

func (p *AnthropicProvider) AuthHeaders(apiKey string) map[string]string {
	headers := map[string]string{"anthropic-version": anthropicVersion}
	if apiKey != "" {
		headers["x-api-key"] = apiKey
	}
	return headers
}
