// Package upstream implements the per-attempt dispatch pipeline: stream
// policy resolution, SSE parsing, and the conversion-aware streaming and
// sync paths against provider endpoints.
package upstream

import (
	"strings"

	"github.com/aetherhq/aether-gateway/internal/conversion"
)

// StreamPolicy decides whether the upstream hop streams, independent of the
// client's own stream intent.
type StreamPolicy string

const (
	PolicyAuto           StreamPolicy = "auto"
	PolicyForceStream    StreamPolicy = "force_stream"
	PolicyForceNonStream StreamPolicy = "force_non_stream"
)

// ParseStreamPolicy accepts the raw endpoint config value. Booleans map to
// the force policies, a handful of string aliases are tolerated, and anything
// unrecognized falls back to auto.
func ParseStreamPolicy(value any) StreamPolicy {
	switch v := value.(type) {
	case nil:
		return PolicyAuto
	case bool:
		if v {
			return PolicyForceStream
		}
		return PolicyForceNonStream
	case StreamPolicy:
		return ParseStreamPolicy(string(v))
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "", "auto", "follow", "client", "default":
			return PolicyAuto
		case "force_stream", "stream", "sse", "true", "1", "yes":
			return PolicyForceStream
		case "force_non_stream", "force_sync", "non_stream", "sync", "false", "0", "no":
			return PolicyForceNonStream
		}
	}
	return PolicyAuto
}

// ResolvePolicy folds provider-level constraints into the endpoint's
// configured policy. The codex provider only serves the Responses API over
// SSE, so that combination streams no matter what the config says.
func ResolvePolicy(configured StreamPolicy, providerType, providerFormat string) StreamPolicy {
	if providerType == "codex" && conversion.NormalizeID(providerFormat) == conversion.FormatOpenAICLI {
		return PolicyForceStream
	}
	if configured == "" {
		return PolicyAuto
	}
	return configured
}

// ResolveUpstreamIsStream computes the stream mode of the upstream hop.
func ResolveUpstreamIsStream(clientIsStream bool, policy StreamPolicy) bool {
	switch policy {
	case PolicyForceStream:
		return true
	case PolicyForceNonStream:
		return false
	default:
		return clientIsStream
	}
}

// streamFieldInBody reports whether the format carries its stream switch in
// the request body. The Gemini APIs pick stream vs non-stream by URL path.
func streamFieldInBody(format string) bool {
	return conversion.DataFormatFamily(format) != "gemini"
}

// EnforceStreamMode rewrites body so its stream mode matches the resolved
// upstream mode. Gemini-family bodies must not carry a stream key at all.
// OpenAI Chat streaming requests additionally ask for the usage frame.
func EnforceStreamMode(body map[string]any, providerFormat string, upstreamIsStream bool) {
	if body == nil {
		return
	}
	format := conversion.NormalizeID(providerFormat)
	if !streamFieldInBody(format) {
		delete(body, "stream")
		return
	}
	body["stream"] = upstreamIsStream
	if upstreamIsStream && format == conversion.FormatOpenAIChat {
		opts, _ := body["stream_options"].(map[string]any)
		if opts == nil {
			opts = map[string]any{}
		}
		opts["include_usage"] = true
		body["stream_options"] = opts
	}
}
