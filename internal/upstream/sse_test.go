package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEParser_EventBoundaries(t *testing.T) {
	var p SSEParser

	assert.Empty(t, p.FeedLine("event: content_block_delta"))
	assert.Empty(t, p.FeedLine(`data: {"type":"content_block_delta"}`))

	events := p.FeedLine("")
	require.Len(t, events, 1)
	assert.Equal(t, "content_block_delta", events[0].Event)
	assert.Equal(t, `{"type":"content_block_delta"}`, events[0].Data)

	// A second blank line with nothing pending produces no event.
	assert.Empty(t, p.FeedLine(""))
}

func TestSSEParser_MultilineDataJoined(t *testing.T) {
	var p SSEParser
	p.FeedLine("data: line one")
	p.FeedLine("data: line two")
	events := p.FeedLine("")
	require.Len(t, events, 1)
	assert.Equal(t, "line one\nline two", events[0].Data)
}

func TestSSEParser_FlushSalvagesTrailingEvent(t *testing.T) {
	var p SSEParser
	p.FeedLine(`data: {"usage":{"input_tokens":5}}`)
	events := p.Flush()
	require.Len(t, events, 1)
	assert.Equal(t, `{"usage":{"input_tokens":5}}`, events[0].Data)

	// Flush is idempotent.
	assert.Empty(t, p.Flush())
}

func TestSSEParser_IgnoresCommentsAndControlFields(t *testing.T) {
	var p SSEParser
	assert.Empty(t, p.FeedLine(": keep-alive"))
	assert.Empty(t, p.FeedLine("id: 42"))
	assert.Empty(t, p.FeedLine("retry: 1000"))
	assert.Empty(t, p.FeedLine(""))
}

func TestLineScanner_SplitsAcrossChunks(t *testing.T) {
	var s lineScanner

	lines := s.Feed([]byte("data: par"))
	assert.Empty(t, lines)

	lines = s.Feed([]byte("tial\r\ndata: whole\n"))
	assert.Equal(t, []string{"data: partial", "data: whole"}, lines)

	lines = s.Feed([]byte("data: tail"))
	assert.Empty(t, lines)
	assert.Equal(t, "data: tail", s.Tail())
	assert.Equal(t, "", s.Tail())
}

func TestParseStreamLine(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		format string
		status ParseStatus
	}{
		{"data object", `data: {"id":"1"}`, "openai:chat", ParsedOK},
		{"done marker", "data: [DONE]", "openai:chat", ParsedSkip},
		{"empty data", "data:", "openai:chat", ParsedSkip},
		{"blank line", "   ", "openai:chat", ParsedSkip},
		{"event only", "event: ping", "claude:chat", ParsedSkip},
		{"event and data same line", `event: delta data: {"x":1}`, "claude:chat", ParsedOK},
		{"id control", "id: 9", "openai:chat", ParsedSkip},
		{"invalid json", "data: {broken", "openai:chat", ParsedInvalid},
		{"non-sse for non-gemini", `{"candidates":[]}`, "openai:chat", ParsedSkip},
		{"gemini bare object", `{"candidates":[]}`, "gemini:chat", ParsedOK},
		{"gemini array open", `[{"candidates":[]},`, "gemini:cli", ParsedOK},
		{"gemini array close", ` {"candidates":[]}]`, "gemini:cli", ParsedOK},
		{"gemini bracket only", "[", "gemini:chat", ParsedSkip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, status := ParseStreamLine(tt.line, tt.format)
			assert.Equal(t, tt.status, status)
			if tt.status == ParsedOK {
				assert.NotNil(t, obj)
			} else {
				assert.Nil(t, obj)
			}
		})
	}
}

func TestIsDoneMarker(t *testing.T) {
	assert.True(t, IsDoneMarker("data: [DONE]"))
	assert.True(t, IsDoneMarker("data:[DONE]\r"))
	assert.False(t, IsDoneMarker(`data: {"done":true}`))
	assert.False(t, IsDoneMarker("[DONE]"))
}
