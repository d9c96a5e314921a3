package providers

// OpenAIProvider targets the Chat Completions API.
type OpenAIProvider struct{}

func NewOpenAIProvider() *OpenAIProvider {
	return &OpenAIProvider{}
}

func (p *OpenAIProvider) Name() string           { return "openai" }
func (p *OpenAIProvider) Format() string         { return "openai:chat" }
func (p *OpenAIProvider) Variant() string        { return "" }
func (p *OpenAIProvider) DefaultBaseURL() string { return "https://api.openai.com" }

func (p *OpenAIProvider) RequestURL(baseURL, _ string, _ bool) string {
	return joinURL(baseURL, "/v1/chat/completions")
}

func (p *OpenAIProvider) AuthHeaders(apiKey string) map[string]string {
	return bearerAuth(apiKey)
}

// CodexProvider targets the Responses API with the codex variant; codex
// upstreams always stream, which the dispatcher's policy layer enforces.
type CodexProvider struct{}

func NewCodexProvider() *CodexProvider {
	return &CodexProvider{}
}

func (p *CodexProvider) Name() string           { return "codex" }
func (p *CodexProvider) Format() string         { return "openai:cli" }
func (p *CodexProvider) Variant() string        { return "codex" }
func (p *CodexProvider) DefaultBaseURL() string { return "https://chatgpt.com/backend-api/codex" }

func (p *CodexProvider) RequestURL(baseURL, _ string, _ bool) string {
	return joinURL(baseURL, "/responses")
}

func (p *CodexProvider) AuthHeaders(apiKey string) map[string]string {
	return bearerAuth(apiKey)
}
