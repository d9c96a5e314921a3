package providers

// OpenRouterProvider is OpenAI Chat compatible with its own URL layout.
type OpenRouterProvider struct{}

func NewOpenRouterProvider() *OpenRouterProvider {
	return &OpenRouterProvider{}
}

func (p *OpenRouterProvider) Name() string           { return "openrouter" }
func (p *OpenRouterProvider) Format() string         { return "openai:chat" }
func (p *OpenRouterProvider) Variant() string        { return "" }
func (p *OpenRouterProvider) DefaultBaseURL() string { return "https://openrouter.ai/api" }

func (p *OpenRouterProvider) RequestURL(baseURL, _ string, _ bool) string {
	return joinURL(baseURL, "/v1/chat/completions")
}

func (p *OpenRouterProvider) AuthHeaders(apiKey string) map[string]string {
	return bearerAuth(apiKey)
}
