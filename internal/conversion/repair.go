package conversion

import (
	"fmt"

	"github.com/aetherhq/aether-gateway/internal/ir"
)

// RepairInternalToolCallIDs fills empty tool-call and tool-result ids so a
// rendered request always carries a well-paired call/result graph. Messages
// are walked in order; unresolved tool-call ids form a FIFO that matching
// tool results consume. Generated ids are deterministic (call_auto_N), and
// applying the repair twice equals applying it once.
func RepairInternalToolCallIDs(internal *ir.Request) {
	if internal == nil {
		return
	}

	nextAuto := 0
	// Pending ids in emission order not yet consumed by a tool result.
	var pending []string

	for mi := range internal.Messages {
		msg := &internal.Messages[mi]
		for bi, block := range msg.Content {
			switch b := block.(type) {
			case ir.ToolUseBlock:
				if b.ToolID == "" {
					b.ToolID = fmt.Sprintf("call_auto_%d", nextAuto)
					nextAuto++
					msg.Content[bi] = b
				}
				pending = append(pending, b.ToolID)
			case ir.ToolResultBlock:
				if b.ToolUseID == "" {
					if len(pending) > 0 {
						b.ToolUseID = pending[0]
					} else {
						b.ToolUseID = fmt.Sprintf("call_auto_%d", nextAuto)
						nextAuto++
					}
					msg.Content[bi] = b
				}
				// A result consumes the oldest pending call, whether or not
				// its id needed filling.
				if len(pending) > 0 {
					pending = pending[1:]
				}
			}
		}
	}
}
