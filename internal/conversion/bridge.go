package conversion

import (
	"fmt"
	"sort"

	"github.com/aetherhq/aether-gateway/internal/ir"
)

// Sync<->stream bridge. Streaming conversion and sync conversion already
// exist; these two transformers fill the gap between them: aggregate a
// stream of IR events into one IR response (stream -> sync), and expand one
// IR response into a synthetic event sequence (sync -> stream). Used by the
// upstream path when an endpoint's stream policy diverges from the client's
// mode.

// blockBuilder accumulates one in-flight content block.
type blockBuilder struct {
	blockType      ir.ContentType
	text           string
	toolID         string
	toolName       string
	toolArgsJSON   string
	imageData      string
	imageMediaType string
	extra          map[string]any
}

func (b *blockBuilder) finalize() ir.ContentBlock {
	switch b.blockType {
	case ir.ContentToolUse:
		toolInput := parseJSONObject(b.toolArgsJSON)
		if toolInput == nil {
			toolInput = map[string]any{}
		}
		return ir.ToolUseBlock{
			ToolID:    b.toolID,
			ToolName:  b.toolName,
			ToolInput: toolInput,
			Extra:     b.extra,
		}
	case ir.ContentImage:
		return ir.ImageBlock{
			Data:      b.imageData,
			MediaType: b.imageMediaType,
			Extra:     b.extra,
		}
	}
	return ir.TextBlock{Text: b.text, Extra: b.extra}
}

// StreamAggregator folds IR stream events into a single response. Usage is
// last-one-wins across MessageStart, UsageEvent and MessageStop.
type StreamAggregator struct {
	fallbackID    string
	fallbackModel string

	id         string
	model      string
	stopReason ir.StopReason
	usage      *ir.Usage

	open  map[int]*blockBuilder
	final map[int]ir.ContentBlock
}

func NewStreamAggregator(fallbackID, fallbackModel string) *StreamAggregator {
	if fallbackID == "" {
		fallbackID = "resp"
	}
	return &StreamAggregator{
		fallbackID:    fallbackID,
		fallbackModel: fallbackModel,
		open:          make(map[int]*blockBuilder),
		final:         make(map[int]ir.ContentBlock),
	}
}

// Feed consumes a batch of events.
func (a *StreamAggregator) Feed(events []ir.StreamEvent) {
	for _, event := range events {
		switch ev := event.(type) {
		case ir.MessageStart:
			if ev.MessageID != "" {
				a.id = ev.MessageID
			}
			if ev.Model != "" {
				a.model = ev.Model
			}
			if ev.Usage != nil {
				a.usage = ev.Usage
			}

		case ir.UsageEvent:
			if ev.Usage != nil {
				a.usage = ev.Usage
			}

		case ir.ContentBlockStart:
			b := &blockBuilder{blockType: ev.Type}
			if len(ev.Extra) > 0 {
				b.extra = ev.Extra
			}
			switch ev.Type {
			case ir.ContentToolUse:
				b.toolID = ev.ToolID
				b.toolName = ev.ToolName
			case ir.ContentImage:
				b.imageData = asString(ev.Extra["image_data"])
				if b.imageData == "" {
					b.imageData = asString(ev.Extra["data"])
				}
				b.imageMediaType = asString(ev.Extra["image_media_type"])
				if b.imageMediaType == "" {
					b.imageMediaType = asString(ev.Extra["mime_type"])
				}
			}
			a.open[ev.BlockIndex] = b

		case ir.ContentDelta:
			b, ok := a.open[ev.BlockIndex]
			if !ok {
				b = &blockBuilder{blockType: ir.ContentText}
				a.open[ev.BlockIndex] = b
			}
			b.text += ev.TextDelta

		case ir.ToolCallDelta:
			b, ok := a.open[ev.BlockIndex]
			if !ok {
				b = &blockBuilder{blockType: ir.ContentToolUse, toolID: ev.ToolID}
				a.open[ev.BlockIndex] = b
			}
			b.toolArgsJSON += ev.InputDelta

		case ir.ContentBlockStop:
			if b, ok := a.open[ev.BlockIndex]; ok {
				delete(a.open, ev.BlockIndex)
				if _, done := a.final[ev.BlockIndex]; !done {
					a.final[ev.BlockIndex] = b.finalize()
				}
			}

		case ir.MessageStop:
			a.stopReason = ev.StopReason
			if ev.Usage != nil {
				a.usage = ev.Usage
			}
			a.flushOpen()
		}
	}
}

func (a *StreamAggregator) flushOpen() {
	for idx, b := range a.open {
		if _, done := a.final[idx]; !done {
			a.final[idx] = b.finalize()
		}
	}
	clear(a.open)
}

// OpenCount reports blocks not yet closed.
func (a *StreamAggregator) OpenCount() int { return len(a.open) }

// FinalCount reports finalized blocks.
func (a *StreamAggregator) FinalCount() int { return len(a.final) }

func (a *StreamAggregator) Usage() *ir.Usage { return a.usage }

func (a *StreamAggregator) StopReason() ir.StopReason { return a.stopReason }

// Build finalizes the response, flushing any block whose stop never arrived.
func (a *StreamAggregator) Build() *ir.Response {
	a.flushOpen()

	id := a.id
	if id == "" {
		id = a.fallbackID
	}
	model := a.model
	if model == "" {
		model = a.fallbackModel
	}

	indices := make([]int, 0, len(a.final))
	for idx := range a.final {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	content := make([]ir.ContentBlock, 0, len(indices))
	for _, idx := range indices {
		content = append(content, a.final[idx])
	}

	return &ir.Response{
		ID:         id,
		Model:      model,
		Content:    content,
		StopReason: a.stopReason,
		Usage:      a.usage,
	}
}

// DefaultTextChunkSize is the expander's text slice length when chunking is
// requested.
const DefaultTextChunkSize = 200

// ExpandOptions controls ExpandResponse.
type ExpandOptions struct {
	// ChunkText slices text blocks into TextChunkSize runs so the synthetic
	// stream resembles real upstream pacing.
	ChunkText     bool
	TextChunkSize int
}

// ExpandResponse turns one IR response into the event sequence a stream of
// it would have produced: MessageStart, then per block start/deltas/stop,
// then MessageStop. Tool calls emit their whole input as one delta.
func ExpandResponse(internal *ir.Response, opts ExpandOptions) []ir.StreamEvent {
	msgID := internal.ID
	if msgID == "" {
		msgID = "resp"
	}
	chunkSize := opts.TextChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultTextChunkSize
	}

	events := []ir.StreamEvent{ir.MessageStart{MessageID: msgID, Model: internal.Model}}

	blockIndex := 0
	for _, block := range internal.Content {
		switch b := block.(type) {
		case ir.TextBlock:
			events = append(events, ir.ContentBlockStart{BlockIndex: blockIndex, Type: ir.ContentText})
			if !opts.ChunkText {
				if b.Text != "" {
					events = append(events, ir.ContentDelta{BlockIndex: blockIndex, TextDelta: b.Text})
				}
			} else {
				for i := 0; i < len(b.Text); i += chunkSize {
					end := i + chunkSize
					if end > len(b.Text) {
						end = len(b.Text)
					}
					events = append(events, ir.ContentDelta{BlockIndex: blockIndex, TextDelta: b.Text[i:end]})
				}
			}
			events = append(events, ir.ContentBlockStop{BlockIndex: blockIndex})
			blockIndex++

		case ir.ToolUseBlock:
			toolID := b.ToolID
			if toolID == "" {
				toolID = fmt.Sprintf("tool_%d", blockIndex)
			}
			events = append(events,
				ir.ContentBlockStart{
					BlockIndex: blockIndex,
					Type:       ir.ContentToolUse,
					ToolID:     toolID,
					ToolName:   b.ToolName,
				},
				ir.ToolCallDelta{
					BlockIndex: blockIndex,
					ToolID:     toolID,
					InputDelta: marshalJSONString(b.ToolInput),
				},
				ir.ContentBlockStop{BlockIndex: blockIndex},
			)
			blockIndex++

		case ir.ImageBlock:
			events = append(events,
				ir.ContentBlockStart{
					BlockIndex: blockIndex,
					Type:       ir.ContentImage,
					Extra: map[string]any{
						"image_data":       b.Data,
						"image_media_type": b.MediaType,
					},
				},
				ir.ContentBlockStop{BlockIndex: blockIndex},
			)
			blockIndex++

		default:
			// Unknown blocks have no stream rendering; the index still
			// advances so positions stay stable.
			blockIndex++
		}
	}

	stopReason := internal.StopReason
	if stopReason == "" {
		stopReason = ir.StopEndTurn
	}
	events = append(events, ir.MessageStop{StopReason: stopReason, Usage: internal.Usage})
	return events
}
