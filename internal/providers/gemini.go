package providers

import "fmt"

type GeminiProvider struct{}

func NewGeminiProvider() *GeminiProvider {
	return &GeminiProvider{}
}

func (p *GeminiProvider) Name() string    { return "gemini" }
func (p *GeminiProvider) Format() string  { return "gemini:chat" }
func (p *GeminiProvider) Variant() string { return "" }

func (p *GeminiProvider) DefaultBaseURL() string {
	return "https://generativelanguage.googleapis.com"
}

// RequestURL embeds the model and action in the path; streaming adds the
// SSE query flag.
func (p *GeminiProvider) RequestURL(baseURL, model string, stream bool) string {
	action := "generateContent"
	suffix := ""
	if stream {
		action = "streamGenerateContent"
		suffix = "?alt=sse"
	}
	return fmt.Sprintf("%s/v1beta/models/%s:%s%s", trimSlash(baseURL), model, action, suffix)
}

func (p *GeminiProvider) AuthHeaders(apiKey string) map[string]string {
	if apiKey == "" {
		return nil
	}
	return map[string]string{"x-goog-api-key": apiKey}
}
