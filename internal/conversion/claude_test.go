package conversion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherhq/aether-gateway/internal/ir"
)

func TestClaudeNormalizer_RequestToInternal(t *testing.T) {
	n := NewClaudeNormalizer()

	req := map[string]any{
		"model":      "claude-3-5-sonnet",
		"system":     "You are terse.",
		"max_tokens": float64(512),
		"messages": []any{
			map[string]any{"role": "user", "content": "Hello"},
			map[string]any{"role": "assistant", "content": []any{
				map[string]any{"type": "text", "text": "Hi"},
				map[string]any{"type": "tool_use", "id": "toolu_1", "name": "f", "input": map[string]any{"a": float64(1)}},
			}},
		},
		"thinking": map[string]any{"type": "enabled", "budget_tokens": float64(2048)},
	}

	internal, err := n.RequestToInternal(req)
	require.NoError(t, err)

	assert.Equal(t, "claude-3-5-sonnet", internal.Model)
	assert.Equal(t, "You are terse.", internal.System)
	require.NotNil(t, internal.MaxTokens)
	assert.Equal(t, 512, *internal.MaxTokens)

	require.Len(t, internal.Messages, 2)
	assistant := internal.Messages[1]
	require.Len(t, assistant.Content, 2)
	tool := assistant.Content[1].(ir.ToolUseBlock)
	assert.Equal(t, "toolu_1", tool.ToolID)

	require.NotNil(t, internal.Thinking)
	assert.True(t, internal.Thinking.Enabled)
	assert.Equal(t, 2048, *internal.Thinking.BudgetTokens)
}

func TestClaudeNormalizer_SystemPartsWithCacheControl(t *testing.T) {
	n := NewClaudeNormalizer()

	parts := []any{
		map[string]any{"type": "text", "text": "part one", "cache_control": map[string]any{"type": "ephemeral"}},
		map[string]any{"type": "text", "text": "part two"},
	}
	internal, err := n.RequestToInternal(map[string]any{
		"model":    "claude-3-5-sonnet",
		"system":   parts,
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})
	require.NoError(t, err)

	// The array form survives the round trip so cache_control is not lost.
	out, err := n.RequestFromInternal(internal, "")
	require.NoError(t, err)
	assert.Equal(t, parts, out["system"])
}

func TestClaudeNormalizer_MessageSequenceCoercion(t *testing.T) {
	n := NewClaudeNormalizer()

	out, err := n.RequestFromInternal(&ir.Request{
		Model: "claude-3-5-sonnet",
		Messages: []ir.Message{
			{Role: ir.RoleAssistant, Content: []ir.ContentBlock{ir.TextBlock{Text: "first"}}},
			{Role: ir.RoleUser, Content: []ir.ContentBlock{ir.TextBlock{Text: "a"}}},
			{Role: ir.RoleUser, Content: []ir.ContentBlock{ir.TextBlock{Text: "b"}}},
		},
	}, "")
	require.NoError(t, err)

	messages := out["messages"].([]any)
	require.Len(t, messages, 3)

	// A leading assistant turn gets an empty user message prepended.
	first := messages[0].(map[string]any)
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "", first["content"])

	// Consecutive same-role messages merge.
	merged := messages[2].(map[string]any)
	assert.Equal(t, "user", merged["role"])
	assert.Len(t, merged["content"].([]any), 2)
}

func TestClaudeNormalizer_ThinkingBudgetBelowMaxTokens(t *testing.T) {
	n := NewClaudeNormalizer()

	maxTokens := 1000
	budget := 4096
	out, err := n.RequestFromInternal(&ir.Request{
		Model:     "claude-3-5-sonnet",
		MaxTokens: &maxTokens,
		Thinking:  &ir.ThinkingConfig{Enabled: true, BudgetTokens: &budget},
	}, "")
	require.NoError(t, err)

	thinking := out["thinking"].(map[string]any)
	assert.Equal(t, 4096, thinking["budget_tokens"])
	// max_tokens is raised to keep the budget strictly below it.
	assert.Equal(t, 4097, out["max_tokens"])
}

func TestClaudeNormalizer_ToolResultContentParsing(t *testing.T) {
	n := NewClaudeNormalizer()

	internal, err := n.RequestToInternal(map[string]any{
		"model": "claude-3-5-sonnet",
		"messages": []any{
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "tool_result", "tool_use_id": "toolu_1", "content": `{"ok":true}`},
				map[string]any{"type": "tool_result", "tool_use_id": "toolu_2", "content": "not json"},
			}},
		},
	})
	require.NoError(t, err)

	blocks := internal.Messages[0].Content
	require.Len(t, blocks, 2)

	structured := blocks[0].(ir.ToolResultBlock)
	assert.Equal(t, map[string]any{"ok": true}, structured.Output)
	assert.False(t, structured.HasText)

	plain := blocks[1].(ir.ToolResultBlock)
	assert.Equal(t, "not json", plain.ContentText)
	assert.True(t, plain.HasText)
}

func TestClaudeNormalizer_ResponseRoundTrip(t *testing.T) {
	n := NewClaudeNormalizer()

	internal, err := n.ResponseToInternal(map[string]any{
		"id":    "msg_01",
		"model": "claude-3-5-sonnet-20241022",
		"content": []any{
			map[string]any{"type": "text", "text": "Answer"},
		},
		"stop_reason": "end_turn",
		"usage": map[string]any{
			"input_tokens":  float64(10),
			"output_tokens": float64(5),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ir.StopEndTurn, internal.StopReason)

	out, err := n.ResponseFromInternal(internal, "my-alias")
	require.NoError(t, err)
	assert.Equal(t, "msg_01", out["id"])
	assert.Equal(t, "my-alias", out["model"])
	assert.Equal(t, "end_turn", out["stop_reason"])

	usage := out["usage"].(map[string]any)
	assert.Equal(t, 10, usage["input_tokens"])
}

func TestClaudeNormalizer_ResponseIDGetsMessagePrefix(t *testing.T) {
	n := NewClaudeNormalizer()

	out, err := n.ResponseFromInternal(&ir.Response{ID: "chatcmpl-123"}, "")
	require.NoError(t, err)
	assert.Equal(t, "msg_chatcmpl-123", out["id"])
}

func TestClaudeNormalizer_StreamChunks(t *testing.T) {
	n := NewClaudeNormalizer()
	state := ir.NewStreamState("", "alias-model")

	events, err := n.StreamChunkToInternal(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":    "msg_01",
			"model": "claude-3-5-sonnet-20241022",
			"usage": map[string]any{"input_tokens": float64(8), "output_tokens": float64(0)},
		},
	}, state)
	require.NoError(t, err)
	require.Len(t, events, 1)
	start := events[0].(ir.MessageStart)
	assert.Equal(t, "msg_01", start.MessageID)
	assert.Equal(t, "alias-model", start.Model)

	// ping produces nothing.
	events, err = n.StreamChunkToInternal(map[string]any{"type": "ping"}, state)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = n.StreamChunkToInternal(map[string]any{
		"type":          "content_block_start",
		"index":         float64(0),
		"content_block": map[string]any{"type": "text", "text": ""},
	}, state)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ir.ContentBlockStart{BlockIndex: 0, Type: ir.ContentText}, events[0])

	events, err = n.StreamChunkToInternal(map[string]any{
		"type":  "content_block_delta",
		"index": float64(0),
		"delta": map[string]any{"type": "text_delta", "text": "Hello"},
	}, state)
	require.NoError(t, err)
	assert.Equal(t, ir.ContentDelta{BlockIndex: 0, TextDelta: "Hello"}, events[0])

	// stop_reason and usage stage on message_delta, emit on message_stop.
	events, err = n.StreamChunkToInternal(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn"},
		"usage": map[string]any{"input_tokens": float64(8), "output_tokens": float64(3)},
	}, state)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = n.StreamChunkToInternal(map[string]any{"type": "message_stop"}, state)
	require.NoError(t, err)
	require.Len(t, events, 1)
	stop := events[0].(ir.MessageStop)
	assert.Equal(t, ir.StopEndTurn, stop.StopReason)
	require.NotNil(t, stop.Usage)
	assert.Equal(t, 3, stop.Usage.OutputTokens)
}

func TestClaudeNormalizer_StreamEventFromInternal(t *testing.T) {
	n := NewClaudeNormalizer()
	state := ir.NewStreamState("msg_1", "my-model")

	chunks, err := n.StreamEventFromInternal(ir.MessageStart{MessageID: "msg_1", Model: "upstream"}, state)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "message_start", chunks[0]["type"])
	message := chunks[0]["message"].(map[string]any)
	assert.Equal(t, "my-model", message["model"])

	chunks, err = n.StreamEventFromInternal(ir.ContentBlockStart{BlockIndex: 0, Type: ir.ContentText}, state)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	chunks, err = n.StreamEventFromInternal(ir.ContentDelta{BlockIndex: 0, TextDelta: "hi"}, state)
	require.NoError(t, err)
	delta := chunks[0]["delta"].(map[string]any)
	assert.Equal(t, "text_delta", delta["type"])

	chunks, err = n.StreamEventFromInternal(ir.MessageStop{
		StopReason: ir.StopEndTurn,
		Usage:      &ir.Usage{InputTokens: 5, OutputTokens: 2},
	}, state)
	require.NoError(t, err)
	// message_delta with the stop reason, then message_stop.
	require.Len(t, chunks, 2)
	assert.Equal(t, "message_delta", chunks[0]["type"])
	assert.Equal(t, "message_stop", chunks[1]["type"])
}

func TestClaudeNormalizer_Errors(t *testing.T) {
	n := NewClaudeNormalizer()

	assert.True(t, n.IsErrorResponse(map[string]any{"type": "error"}))
	assert.True(t, n.IsErrorResponse(map[string]any{"error": map[string]any{}}))
	assert.False(t, n.IsErrorResponse(map[string]any{"type": "message"}))

	internal := n.ErrorToInternal(map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "overloaded_error", "message": "busy"},
	})
	assert.Equal(t, ir.ErrOverloaded, internal.Type)
	assert.True(t, internal.Retryable)

	out := n.ErrorFromInternal(internal)
	assert.Equal(t, "error", out["type"])
	errBody := out["error"].(map[string]any)
	assert.Equal(t, "overloaded_error", errBody["type"])
	assert.Equal(t, "busy", errBody["message"])
}
