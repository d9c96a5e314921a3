package providers

// NvidiaProvider is OpenAI Chat compatible (NIM endpoints).
type NvidiaProvider struct{}

func NewNvidiaProvider() *NvidiaProvider {
	return &NvidiaProvider{}
}

func (p *NvidiaProvider) Name() string           { return "nvidia" }
func (p *NvidiaProvider) Format() string         { return "openai:chat" }
func (p *NvidiaProvider) Variant() string        { return "" }
func (p *NvidiaProvider) DefaultBaseURL() string { return "https://integrate.api.nvidia.com" }

func (p *NvidiaProvider) RequestURL(baseURL, _ string, _ bool) string {
	return joinURL(baseURL, "/v1/chat/completions")
}

func (p *NvidiaProvider) AuthHeaders(apiKey string) map[string]string {
	return bearerAuth(apiKey)
}
