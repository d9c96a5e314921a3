package upstream

import (
	"bytes"
	"encoding/json"
	"strings"
)

// SSEEvent is one server-sent event assembled from its field lines.
type SSEEvent struct {
	Event string
	Data  string
}

// SSEParser assembles events from single lines. Callers feed lines with the
// trailing CR/LF already stripped; a blank line closes the pending event.
type SSEParser struct {
	event   string
	data    []string
	pending bool
}

// FeedLine consumes one line and returns any completed events.
func (p *SSEParser) FeedLine(line string) []SSEEvent {
	if line == "" {
		return p.Flush()
	}
	// Comment line per the SSE spec.
	if strings.HasPrefix(line, ":") {
		return nil
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		p.event = value
		p.pending = true
	case "data":
		p.data = append(p.data, value)
		p.pending = true
	case "id", "retry":
		// Tracked by neither side of the proxy.
	default:
		// A line without a colon is a field with an empty value.
	}
	return nil
}

// Flush closes the pending event, if any. Called at stream end to salvage
// a trailing event from upstreams that do not terminate with a blank line.
func (p *SSEParser) Flush() []SSEEvent {
	if !p.pending {
		return nil
	}
	ev := SSEEvent{Event: p.event, Data: strings.Join(p.data, "\n")}
	p.event = ""
	p.data = nil
	p.pending = false
	return []SSEEvent{ev}
}

// lineScanner splits an incoming byte stream into lines. UTF-8 is safe to
// split on raw 0x0A since no multi-byte sequence contains it.
type lineScanner struct {
	buf []byte
}

// Feed appends a chunk and returns the complete lines it closed, with
// trailing CR/LF stripped.
func (s *lineScanner) Feed(chunk []byte) []string {
	s.buf = append(s.buf, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			return lines
		}
		line := s.buf[:i]
		s.buf = s.buf[i+1:]
		lines = append(lines, strings.TrimRight(string(line), "\r"))
	}
}

// Tail drains any unterminated final line.
func (s *lineScanner) Tail() string {
	if len(s.buf) == 0 {
		return ""
	}
	line := strings.TrimRight(string(s.buf), "\r\n")
	s.buf = nil
	return line
}

// ParseStatus classifies what a stream line held.
type ParseStatus int

const (
	// ParsedOK means the line decoded to a JSON object.
	ParsedOK ParseStatus = iota
	// ParsedSkip means the line carries no payload (control lines, [DONE]).
	ParsedSkip
	// ParsedInvalid means the line looked like data but did not decode;
	// passthrough paths forward it untouched.
	ParsedInvalid
)

// ParseStreamLine decodes one upstream stream line into a JSON object.
// Standard SSE data lines are handled for every format; Gemini endpoints may
// instead stream a JSON array split across lines, which is unwrapped
// best-effort.
func ParseStreamLine(line, providerFormat string) (map[string]any, ParseStatus) {
	normalized := strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(normalized) == "" {
		return nil, ParsedSkip
	}

	if payload, ok := strings.CutPrefix(normalized, "data:"); ok {
		payload = strings.TrimSpace(payload)
		if payload == "" || payload == "[DONE]" {
			return nil, ParsedSkip
		}
		return decodeObject(payload)
	}

	// event + data on one line.
	if strings.HasPrefix(normalized, "event:") {
		if _, data, ok := strings.Cut(normalized, " data:"); ok {
			payload := strings.TrimSpace(data)
			if payload == "" {
				return nil, ParsedSkip
			}
			return decodeObject(payload)
		}
		return nil, ParsedSkip
	}

	if strings.HasPrefix(normalized, "id:") || strings.HasPrefix(normalized, "retry:") || strings.HasPrefix(normalized, ":") {
		return nil, ParsedSkip
	}

	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(providerFormat)), "gemini") {
		return parseGeminiArrayLine(normalized)
	}
	return nil, ParsedSkip
}

// parseGeminiArrayLine unwraps one element of a JSON-array stream, such as
// "[{...}," or " {...}]".
func parseGeminiArrayLine(line string) (map[string]any, ParseStatus) {
	candidate := strings.TrimSpace(line)
	if !strings.Contains(candidate, "{") {
		return nil, ParsedSkip
	}
	candidate = strings.Trim(candidate, ",")
	candidate = strings.TrimSpace(candidate)
	candidate = strings.TrimPrefix(candidate, "[")
	candidate = strings.TrimSuffix(candidate, "]")
	candidate = strings.Trim(strings.TrimSpace(candidate), ",")
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return nil, ParsedSkip
	}
	return decodeObject(candidate)
}

func decodeObject(payload string) (map[string]any, ParseStatus) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err != nil || obj == nil {
		return nil, ParsedInvalid
	}
	return obj, ParsedOK
}

// IsDoneMarker reports whether the line is the OpenAI [DONE] sentinel.
func IsDoneMarker(line string) bool {
	normalized := strings.TrimRight(line, "\r\n")
	payload, ok := strings.CutPrefix(normalized, "data:")
	return ok && strings.TrimSpace(payload) == "[DONE]"
}
