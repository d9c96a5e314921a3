package conversion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherhq/aether-gateway/internal/ir"
)

func TestRepairInternalToolCallIDs_FillsMissingIDs(t *testing.T) {
	req := &ir.Request{
		Messages: []ir.Message{
			{
				Role: ir.RoleAssistant,
				Content: []ir.ContentBlock{
					ir.ToolUseBlock{ToolName: "get_weather", ToolInput: map[string]any{"city": "Oslo"}},
				},
			},
			{
				Role: ir.RoleUser,
				Content: []ir.ContentBlock{
					ir.ToolResultBlock{ContentText: "sunny", HasText: true},
				},
			},
		},
	}

	RepairInternalToolCallIDs(req)

	call := req.Messages[0].Content[0].(ir.ToolUseBlock)
	result := req.Messages[1].Content[0].(ir.ToolResultBlock)
	assert.Equal(t, "call_auto_0", call.ToolID)
	assert.Equal(t, "call_auto_0", result.ToolUseID)
}

func TestRepairInternalToolCallIDs_FIFOPairing(t *testing.T) {
	req := &ir.Request{
		Messages: []ir.Message{
			{
				Role: ir.RoleAssistant,
				Content: []ir.ContentBlock{
					ir.ToolUseBlock{ToolID: "call_a", ToolName: "first"},
					ir.ToolUseBlock{ToolName: "second"},
				},
			},
			{
				Role: ir.RoleUser,
				Content: []ir.ContentBlock{
					ir.ToolResultBlock{},
					ir.ToolResultBlock{},
				},
			},
		},
	}

	RepairInternalToolCallIDs(req)

	secondCall := req.Messages[0].Content[1].(ir.ToolUseBlock)
	assert.Equal(t, "call_auto_0", secondCall.ToolID)

	// Results pair against pending calls oldest-first.
	firstResult := req.Messages[1].Content[0].(ir.ToolResultBlock)
	secondResult := req.Messages[1].Content[1].(ir.ToolResultBlock)
	assert.Equal(t, "call_a", firstResult.ToolUseID)
	assert.Equal(t, "call_auto_0", secondResult.ToolUseID)
}

func TestRepairInternalToolCallIDs_ResultConsumesPendingEvenWhenIDSet(t *testing.T) {
	req := &ir.Request{
		Messages: []ir.Message{
			{
				Role: ir.RoleAssistant,
				Content: []ir.ContentBlock{
					ir.ToolUseBlock{ToolID: "call_a"},
					ir.ToolUseBlock{ToolID: "call_b"},
				},
			},
			{
				Role: ir.RoleUser,
				Content: []ir.ContentBlock{
					ir.ToolResultBlock{ToolUseID: "call_a"},
					ir.ToolResultBlock{},
				},
			},
		},
	}

	RepairInternalToolCallIDs(req)

	// The explicit result consumed call_a's slot, so the empty one pairs
	// with call_b rather than re-using call_a.
	second := req.Messages[1].Content[1].(ir.ToolResultBlock)
	assert.Equal(t, "call_b", second.ToolUseID)
}

func TestRepairInternalToolCallIDs_OrphanResultGetsFreshID(t *testing.T) {
	req := &ir.Request{
		Messages: []ir.Message{
			{
				Role:    ir.RoleUser,
				Content: []ir.ContentBlock{ir.ToolResultBlock{}},
			},
		},
	}

	RepairInternalToolCallIDs(req)

	result := req.Messages[0].Content[0].(ir.ToolResultBlock)
	assert.Equal(t, "call_auto_0", result.ToolUseID)
}

func TestRepairInternalToolCallIDs_Idempotent(t *testing.T) {
	build := func() *ir.Request {
		return &ir.Request{
			Messages: []ir.Message{
				{
					Role: ir.RoleAssistant,
					Content: []ir.ContentBlock{
						ir.ToolUseBlock{ToolName: "a"},
						ir.ToolUseBlock{ToolID: "call_x", ToolName: "b"},
					},
				},
				{
					Role: ir.RoleUser,
					Content: []ir.ContentBlock{
						ir.ToolResultBlock{},
						ir.ToolResultBlock{},
					},
				},
			},
		}
	}

	once := build()
	RepairInternalToolCallIDs(once)

	twice := build()
	RepairInternalToolCallIDs(twice)
	RepairInternalToolCallIDs(twice)

	require.Equal(t, once, twice)
}

func TestRepairInternalToolCallIDs_NilRequest(t *testing.T) {
	assert.NotPanics(t, func() { RepairInternalToolCallIDs(nil) })
}
