package conversion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherhq/aether-gateway/internal/ir"
)

func TestStreamAggregator_TextAndTool(t *testing.T) {
	agg := NewStreamAggregator("", "")

	agg.Feed([]ir.StreamEvent{
		ir.MessageStart{MessageID: "msg_1", Model: "claude-3-5-sonnet"},
		ir.ContentBlockStart{BlockIndex: 0, Type: ir.ContentText},
		ir.ContentDelta{BlockIndex: 0, TextDelta: "Hello"},
		ir.ContentDelta{BlockIndex: 0, TextDelta: " world"},
		ir.ContentBlockStop{BlockIndex: 0},
		ir.ContentBlockStart{BlockIndex: 1, Type: ir.ContentToolUse, ToolID: "call_1", ToolName: "get_weather"},
		ir.ToolCallDelta{BlockIndex: 1, ToolID: "call_1", InputDelta: `{"city":`},
		ir.ToolCallDelta{BlockIndex: 1, ToolID: "call_1", InputDelta: `"Oslo"}`},
		ir.ContentBlockStop{BlockIndex: 1},
		ir.MessageStop{StopReason: ir.StopToolUse, Usage: &ir.Usage{InputTokens: 10, OutputTokens: 5}},
	})

	assert.Equal(t, 0, agg.OpenCount())
	assert.Equal(t, 2, agg.FinalCount())
	assert.Equal(t, ir.StopToolUse, agg.StopReason())
	require.NotNil(t, agg.Usage())
	assert.Equal(t, 10, agg.Usage().InputTokens)

	resp := agg.Build()
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "claude-3-5-sonnet", resp.Model)
	require.Len(t, resp.Content, 2)

	text := resp.Content[0].(ir.TextBlock)
	assert.Equal(t, "Hello world", text.Text)

	tool := resp.Content[1].(ir.ToolUseBlock)
	assert.Equal(t, "call_1", tool.ToolID)
	assert.Equal(t, "get_weather", tool.ToolName)
	assert.Equal(t, map[string]any{"city": "Oslo"}, tool.ToolInput)
}

func TestStreamAggregator_FlushesUnclosedBlocks(t *testing.T) {
	agg := NewStreamAggregator("fallback_id", "fallback-model")

	agg.Feed([]ir.StreamEvent{
		ir.ContentDelta{BlockIndex: 0, TextDelta: "partial"},
	})

	assert.Equal(t, 1, agg.OpenCount())
	assert.Equal(t, 0, agg.FinalCount())

	resp := agg.Build()
	assert.Equal(t, "fallback_id", resp.ID)
	assert.Equal(t, "fallback-model", resp.Model)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "partial", resp.Content[0].(ir.TextBlock).Text)
}

func TestStreamAggregator_ToolDeltaWithoutStart(t *testing.T) {
	agg := NewStreamAggregator("", "")

	agg.Feed([]ir.StreamEvent{
		ir.ToolCallDelta{BlockIndex: 3, ToolID: "call_9", InputDelta: `{"a":1}`},
		ir.MessageStop{StopReason: ir.StopEndTurn},
	})

	resp := agg.Build()
	require.Len(t, resp.Content, 1)
	tool := resp.Content[0].(ir.ToolUseBlock)
	assert.Equal(t, "call_9", tool.ToolID)
	assert.Equal(t, map[string]any{"a": float64(1)}, tool.ToolInput)
}

func TestStreamAggregator_MalformedToolJSON(t *testing.T) {
	agg := NewStreamAggregator("", "")

	agg.Feed([]ir.StreamEvent{
		ir.ContentBlockStart{BlockIndex: 0, Type: ir.ContentToolUse, ToolID: "call_1", ToolName: "f"},
		ir.ToolCallDelta{BlockIndex: 0, ToolID: "call_1", InputDelta: `{"broken`},
		ir.ContentBlockStop{BlockIndex: 0},
	})

	resp := agg.Build()
	require.Len(t, resp.Content, 1)
	assert.Equal(t, map[string]any{}, resp.Content[0].(ir.ToolUseBlock).ToolInput)
}

func TestStreamAggregator_UsageLastWins(t *testing.T) {
	agg := NewStreamAggregator("", "")

	agg.Feed([]ir.StreamEvent{
		ir.MessageStart{MessageID: "m", Usage: &ir.Usage{InputTokens: 3}},
		ir.UsageEvent{Usage: &ir.Usage{InputTokens: 7, OutputTokens: 1}},
		ir.MessageStop{StopReason: ir.StopEndTurn, Usage: &ir.Usage{InputTokens: 7, OutputTokens: 9}},
	})

	require.NotNil(t, agg.Usage())
	assert.Equal(t, 9, agg.Usage().OutputTokens)
}

func TestStreamAggregator_ImageBlock(t *testing.T) {
	agg := NewStreamAggregator("", "")

	agg.Feed([]ir.StreamEvent{
		ir.ContentBlockStart{
			BlockIndex: 0,
			Type:       ir.ContentImage,
			Extra:      map[string]any{"image_data": "aGVsbG8=", "image_media_type": "image/png"},
		},
		ir.ContentBlockStop{BlockIndex: 0},
	})

	resp := agg.Build()
	require.Len(t, resp.Content, 1)
	img := resp.Content[0].(ir.ImageBlock)
	assert.Equal(t, "aGVsbG8=", img.Data)
	assert.Equal(t, "image/png", img.MediaType)
}

func TestExpandResponse_FullSequence(t *testing.T) {
	resp := &ir.Response{
		ID:    "resp_1",
		Model: "gpt-4o",
		Content: []ir.ContentBlock{
			ir.TextBlock{Text: "Hello"},
			ir.ToolUseBlock{ToolName: "f", ToolInput: map[string]any{"x": float64(1)}},
			ir.ImageBlock{Data: "aGVsbG8=", MediaType: "image/png"},
		},
		StopReason: ir.StopToolUse,
		Usage:      &ir.Usage{InputTokens: 1, OutputTokens: 2},
	}

	events := ExpandResponse(resp, ExpandOptions{})

	require.GreaterOrEqual(t, len(events), 9)

	start := events[0].(ir.MessageStart)
	assert.Equal(t, "resp_1", start.MessageID)
	assert.Equal(t, "gpt-4o", start.Model)

	assert.Equal(t, ir.ContentBlockStart{BlockIndex: 0, Type: ir.ContentText}, events[1])
	assert.Equal(t, ir.ContentDelta{BlockIndex: 0, TextDelta: "Hello"}, events[2])
	assert.Equal(t, ir.ContentBlockStop{BlockIndex: 0}, events[3])

	toolStart := events[4].(ir.ContentBlockStart)
	assert.Equal(t, 1, toolStart.BlockIndex)
	assert.Equal(t, ir.ContentToolUse, toolStart.Type)
	// Missing tool id is synthesized from the block index.
	assert.Equal(t, "tool_1", toolStart.ToolID)

	toolDelta := events[5].(ir.ToolCallDelta)
	assert.JSONEq(t, `{"x":1}`, toolDelta.InputDelta)

	imgStart := events[7].(ir.ContentBlockStart)
	assert.Equal(t, ir.ContentImage, imgStart.Type)
	assert.Equal(t, "aGVsbG8=", imgStart.Extra["image_data"])

	stop := events[len(events)-1].(ir.MessageStop)
	assert.Equal(t, ir.StopToolUse, stop.StopReason)
	require.NotNil(t, stop.Usage)
	assert.Equal(t, 2, stop.Usage.OutputTokens)
}

func TestExpandResponse_ChunkedText(t *testing.T) {
	resp := &ir.Response{
		ID:      "r",
		Content: []ir.ContentBlock{ir.TextBlock{Text: "abcdefgh"}},
	}

	events := ExpandResponse(resp, ExpandOptions{ChunkText: true, TextChunkSize: 3})

	var deltas []string
	for _, ev := range events {
		if d, ok := ev.(ir.ContentDelta); ok {
			deltas = append(deltas, d.TextDelta)
		}
	}
	assert.Equal(t, []string{"abc", "def", "gh"}, deltas)
}

func TestExpandResponse_DefaultsStopReason(t *testing.T) {
	events := ExpandResponse(&ir.Response{ID: "r"}, ExpandOptions{})
	stop := events[len(events)-1].(ir.MessageStop)
	assert.Equal(t, ir.StopEndTurn, stop.StopReason)
}

// Expanding a response and re-aggregating the events reproduces the content.
func TestExpandThenAggregateRoundTrip(t *testing.T) {
	original := &ir.Response{
		ID:    "resp_rt",
		Model: "m",
		Content: []ir.ContentBlock{
			ir.TextBlock{Text: "round trip"},
			ir.ToolUseBlock{ToolID: "call_1", ToolName: "f", ToolInput: map[string]any{"k": "v"}},
		},
		StopReason: ir.StopEndTurn,
		Usage:      &ir.Usage{InputTokens: 4, OutputTokens: 6},
	}

	agg := NewStreamAggregator("", "")
	agg.Feed(ExpandResponse(original, ExpandOptions{ChunkText: true, TextChunkSize: 4}))
	rebuilt := agg.Build()

	assert.Equal(t, original.ID, rebuilt.ID)
	assert.Equal(t, original.Model, rebuilt.Model)
	assert.Equal(t, original.StopReason, rebuilt.StopReason)
	require.Len(t, rebuilt.Content, 2)
	assert.Equal(t, "round trip", rebuilt.Content[0].(ir.TextBlock).Text)
	assert.Equal(t, map[string]any{"k": "v"}, rebuilt.Content[1].(ir.ToolUseBlock).ToolInput)
}
