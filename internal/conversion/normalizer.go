// Package conversion implements the hub-and-spoke format engine: per-format
// normalizers that map wire bodies to the canonical IR and back, the registry
// that routes source→IR→target conversions, the compatibility gate, and the
// sync↔stream bridge.
package conversion

import (
	"strings"

	"github.com/aetherhq/aether-gateway/internal/ir"
)

// Normalized format identifiers. Comparison is case-insensitive; NormalizeID
// is applied at every registry boundary.
const (
	FormatOpenAIChat = "openai:chat"
	FormatOpenAICLI  = "openai:cli"
	FormatClaudeChat = "claude:chat"
	FormatClaudeCLI  = "claude:cli"
	FormatGeminiChat = "gemini:chat"
	FormatGeminiCLI  = "gemini:cli"
)

// NormalizeID lowercases and trims a format identifier.
func NormalizeID(formatID string) string {
	return strings.ToLower(strings.TrimSpace(formatID))
}

// DataFormatFamily returns the wire-shape family of a format. Chat and CLI
// variants of Claude and of Gemini share identical body shapes, so
// conversions inside one family are passthrough.
func DataFormatFamily(formatID string) string {
	switch NormalizeID(formatID) {
	case FormatClaudeChat, FormatClaudeCLI:
		return "claude"
	case FormatGeminiChat, FormatGeminiCLI:
		return "gemini"
	case FormatOpenAIChat:
		return "openai_chat"
	case FormatOpenAICLI:
		return "openai_cli"
	}
	return NormalizeID(formatID)
}

// ModelField returns the JSON field that names the model in a response body
// of the given format.
func ModelField(formatID string) string {
	if DataFormatFamily(formatID) == "gemini" {
		return "modelVersion"
	}
	return "model"
}

// Normalizer adapts one wire format to the IR. Wire bodies are generic JSON
// maps; unknown fields ride along in IR extra maps and are dropped on
// render unless a target handles them.
type Normalizer interface {
	FormatID() string
	Capabilities() ir.Capabilities

	RequestToInternal(request map[string]any) (*ir.Request, error)
	// RequestFromInternal renders a request; targetVariant selects a
	// provider dialect (e.g. "codex") and may be empty.
	RequestFromInternal(internal *ir.Request, targetVariant string) (map[string]any, error)

	ResponseToInternal(response map[string]any) (*ir.Response, error)
	// ResponseFromInternal renders a response; when requestedModel is
	// non-empty the rendered model field echoes it instead of the upstream
	// mapped name.
	ResponseFromInternal(internal *ir.Response, requestedModel string) (map[string]any, error)

	StreamChunkToInternal(chunk map[string]any, state *ir.StreamState) ([]ir.StreamEvent, error)
	StreamEventFromInternal(event ir.StreamEvent, state *ir.StreamState) ([]map[string]any, error)

	// IsErrorResponse is a best-effort body sniffer for errors embedded in
	// 200 responses.
	IsErrorResponse(response map[string]any) bool
	ErrorToInternal(errorResponse map[string]any) *ir.Error
	ErrorFromInternal(internal *ir.Error) map[string]any
}
