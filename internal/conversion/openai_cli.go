package conversion

import (
	"fmt"
	"time"

	"github.com/aetherhq/aether-gateway/internal/ir"
)

// OpenAICLINormalizer maps the OpenAI Responses API (/v1/responses) to the
// IR. Input is a heterogeneous item list rather than a messages array, and
// streaming is event-typed instead of delta-enveloped.
type OpenAICLINormalizer struct{}

// VariantCodex selects the Codex CLI dialect of the Responses API.
const VariantCodex = "codex"

func NewOpenAICLINormalizer() *OpenAICLINormalizer { return &OpenAICLINormalizer{} }

func (n *OpenAICLINormalizer) FormatID() string { return FormatOpenAICLI }

func (n *OpenAICLINormalizer) Capabilities() ir.Capabilities {
	return ir.Capabilities{Stream: true, Errors: true, Tools: true, Images: true}
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

func (n *OpenAICLINormalizer) RequestToInternal(request map[string]any) (*ir.Request, error) {
	var instructions []ir.InstructionSegment
	system := ""
	if text := asString(request["instructions"]); text != "" {
		system = text
		instructions = append(instructions, ir.InstructionSegment{Role: ir.RoleSystem, Text: text})
	}

	// max_output_tokens is the Responses name; max_tokens survives for
	// compatibility shims.
	maxTokens := optionalInt(request["max_output_tokens"])
	if maxTokens == nil {
		maxTokens = optionalInt(request["max_tokens"])
	}

	internal := &ir.Request{
		Model:         asString(request["model"]),
		Messages:      n.inputToMessages(request["input"]),
		Instructions:  instructions,
		System:        system,
		MaxTokens:     maxTokens,
		Temperature:   optionalFloat(request["temperature"]),
		TopP:          optionalFloat(request["top_p"]),
		StopSequences: coerceStrList(request["stop"]),
		Stream:        asBool(request["stream"]),
		Tools:         n.toolsToInternal(request["tools"]),
		ToolChoice:    n.toolChoiceToInternal(request["tool_choice"]),
	}
	if extra := extractExtra(request, "input"); extra != nil {
		internal.Extra = map[string]any{"openai_cli": extra}
	}
	return internal, nil
}

func (n *OpenAICLINormalizer) RequestFromInternal(internal *ir.Request, targetVariant string) (map[string]any, error) {
	result := map[string]any{
		"model": internal.Model,
		"input": n.messagesToInput(internal.Messages),
	}

	if text := systemOrJoined(internal); text != "" {
		result["instructions"] = text
	}
	if internal.MaxTokens != nil {
		result["max_output_tokens"] = *internal.MaxTokens
	}
	if internal.Temperature != nil {
		result["temperature"] = *internal.Temperature
	}
	if internal.TopP != nil {
		result["top_p"] = *internal.TopP
	}
	if len(internal.StopSequences) > 0 {
		result["stop"] = internal.StopSequences
	}
	if internal.Stream {
		result["stream"] = true
	}

	if len(internal.Tools) > 0 {
		// The Responses API takes the flat tool shape, not the nested Chat
		// Completions one.
		tools := make([]any, 0, len(internal.Tools))
		for _, t := range internal.Tools {
			params := t.Parameters
			if params == nil {
				params = map[string]any{}
			}
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		result["tools"] = tools
	}

	if internal.ToolChoice != nil {
		result["tool_choice"] = n.toolChoiceFromInternal(internal.ToolChoice)
	}

	if targetVariant == VariantCodex {
		n.applyCodexVariant(result)
	}

	return result, nil
}

// applyCodexVariant rewrites a rendered body for the Codex CLI upstream:
// always streamed, never stored, reasoning carried via encrypted content,
// and system instructions demoted to a developer message.
func (n *OpenAICLINormalizer) applyCodexVariant(body map[string]any) {
	body["stream"] = true
	body["store"] = false

	include, _ := asSlice(body["include"])
	hasEncrypted := false
	for _, item := range include {
		if asString(item) == "reasoning.encrypted_content" {
			hasEncrypted = true
			break
		}
	}
	if !hasEncrypted {
		body["include"] = append(include, "reasoning.encrypted_content")
	}

	if text := asString(body["instructions"]); text != "" {
		delete(body, "instructions")
		input, _ := asSlice(body["input"])
		dev := map[string]any{
			"type":    "message",
			"role":    "developer",
			"content": []any{map[string]any{"type": "input_text", "text": text}},
		}
		body["input"] = append([]any{dev}, input...)
	}

	// Codex rejects sampling knobs.
	delete(body, "temperature")
	delete(body, "top_p")
	delete(body, "stop")
	delete(body, "max_output_tokens")
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

func (n *OpenAICLINormalizer) ResponseToInternal(response map[string]any) (*ir.Response, error) {
	payload := n.unwrapResponseObject(response)

	blocks, extra := n.outputToBlocks(payload)

	stopReason := ir.StopUnknown
	if asString(payload["status"]) == "completed" {
		stopReason = ir.StopEndTurn
	}

	return &ir.Response{
		ID:         asString(payload["id"]),
		Model:      asString(payload["model"]),
		Content:    blocks,
		StopReason: stopReason,
		Usage:      n.usageToInternal(payload["usage"]),
		Extra:      extra,
	}, nil
}

func (n *OpenAICLINormalizer) ResponseFromInternal(internal *ir.Response, requestedModel string) (map[string]any, error) {
	text := collapseTextBlocks(internal.Content)

	id := internal.ID
	if id == "" {
		id = "resp"
	}
	model := requestedModel
	if model == "" {
		model = internal.Model
	}

	usage := internal.Usage
	if usage == nil {
		usage = &ir.Usage{}
	}

	outputMessage := map[string]any{
		"type":    "message",
		"id":      "msg_" + id,
		"role":    "assistant",
		"content": []any{map[string]any{"type": "output_text", "text": text}},
	}

	return map[string]any{
		"id":      id,
		"object":  "response",
		"created": time.Now().Unix(),
		"model":   model,
		"status":  "completed",
		"output":  []any{outputMessage},
		"usage": map[string]any{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
			"total_tokens":  usage.Total(),
		},
	}, nil
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// openaiCLIStreamSub tracks event-typed Responses stream state.
type openaiCLIStreamSub struct {
	MessageStarted   bool
	TextBlockStarted bool
	TextBlockStopped bool
	ToolBlockStarted bool
	CurrentToolID    string
	CurrentToolName  string
	BlockIndex       int

	// Render-side state.
	CollectedText string
}

func (n *OpenAICLINormalizer) StreamChunkToInternal(chunk map[string]any, state *ir.StreamState) ([]ir.StreamEvent, error) {
	ss := ir.SubState[openaiCLIStreamSub](state, FormatOpenAICLI)
	var events []ir.StreamEvent

	if _, ok := chunk["error"]; ok {
		return []ir.StreamEvent{ir.ErrorEvent{Err: n.ErrorToInternal(chunk)}}, nil
	}

	etype := asString(chunk["type"])
	respObj, _ := asMap(chunk["response"])

	if !ss.MessageStarted {
		msgID := asString(respObj["id"])
		if msgID == "" {
			msgID = asString(chunk["id"])
		}
		if msgID == "" {
			msgID = state.MessageID
		}
		model := state.Model
		if model == "" {
			model = asString(respObj["model"])
		}
		if model == "" {
			model = asString(chunk["model"])
		}
		if msgID != "" || model != "" || etype != "" {
			state.MessageID = msgID
			if state.Model == "" {
				state.Model = model
			}
			ss.MessageStarted = true
			events = append(events, ir.MessageStart{MessageID: msgID, Model: model})
		}
	}

	switch etype {
	case "response.created":
		return events, nil

	case "response.in_progress":
		if id := asString(respObj["id"]); id != "" {
			state.MessageID = id
		}
		if state.Model == "" {
			if m := asString(respObj["model"]); m != "" {
				state.Model = m
			}
		}
		return events, nil

	case "response.output_text.delta":
		deltaText := asString(chunk["delta"])
		if deltaText == "" {
			if deltaObj, ok := asMap(chunk["delta"]); ok {
				deltaText = asString(deltaObj["text"])
			}
		}
		if deltaText != "" {
			if !ss.TextBlockStarted {
				ss.TextBlockStarted = true
				events = append(events, ir.ContentBlockStart{BlockIndex: 0, Type: ir.ContentText})
			}
			events = append(events, ir.ContentDelta{BlockIndex: 0, TextDelta: deltaText})
		}
		return events, nil

	case "response.output_text.done":
		if ss.TextBlockStarted && !ss.TextBlockStopped {
			ss.TextBlockStopped = true
			events = append(events, ir.ContentBlockStop{BlockIndex: 0})
		}
		return events, nil

	case "response.output_item.added":
		if item, ok := asMap(chunk["item"]); ok && asString(item["type"]) == "function_call" {
			if !ss.ToolBlockStarted {
				ss.ToolBlockStarted = true
				// Index 0 stays reserved for the text block.
				if ss.BlockIndex < 1 {
					ss.BlockIndex = 1
				}
				ss.CurrentToolID = asString(item["call_id"])
				if ss.CurrentToolID == "" {
					ss.CurrentToolID = asString(item["id"])
				}
				ss.CurrentToolName = asString(item["name"])
				events = append(events, ir.ContentBlockStart{
					BlockIndex: ss.BlockIndex,
					Type:       ir.ContentToolUse,
					ToolID:     ss.CurrentToolID,
					ToolName:   ss.CurrentToolName,
				})
				ss.BlockIndex++
			}
		}
		return events, nil

	case "response.output_item.done":
		if item, ok := asMap(chunk["item"]); ok && asString(item["type"]) == "function_call" && ss.ToolBlockStarted {
			ss.ToolBlockStarted = false
			events = append(events, ir.ContentBlockStop{BlockIndex: ss.BlockIndex - 1})
		}
		return events, nil

	case "response.function_call_arguments.delta":
		if delta := asString(chunk["delta"]); delta != "" {
			events = append(events, ir.ToolCallDelta{
				BlockIndex: ss.BlockIndex - 1,
				ToolID:     ss.CurrentToolID,
				InputDelta: delta,
			})
		}
		return events, nil

	case "response.function_call_arguments.done",
		"response.content_part.added",
		"response.content_part.done":
		return events, nil

	case "response.completed":
		usageRaw := respObj["usage"]
		if usageRaw == nil {
			usageRaw = chunk["usage"]
		}
		if ss.TextBlockStarted && !ss.TextBlockStopped {
			ss.TextBlockStopped = true
			events = append(events, ir.ContentBlockStop{BlockIndex: 0})
		}
		events = append(events, ir.MessageStop{StopReason: ir.StopEndTurn, Usage: n.usageToInternal(usageRaw)})
		return events, nil

	case "response.failed":
		events = append(events, ir.ErrorEvent{Err: n.ErrorToInternal(chunk)})
		return events, nil

	case "response.reasoning_summary_text.delta", "response.reasoning_summary_text.done":
		events = append(events, ir.UnknownStreamEvent{RawType: etype, Payload: chunk})
		return events, nil
	}

	if etype == "" {
		etype = "unknown"
	}
	events = append(events, ir.UnknownStreamEvent{RawType: etype, Payload: chunk})
	return events, nil
}

func (n *OpenAICLINormalizer) StreamEventFromInternal(event ir.StreamEvent, state *ir.StreamState) ([]map[string]any, error) {
	ss := ir.SubState[openaiCLIStreamSub](state, FormatOpenAICLI+":render")

	switch ev := event.(type) {
	case ir.MessageStart:
		if ev.MessageID != "" {
			state.MessageID = ev.MessageID
		}
		if state.MessageID == "" {
			state.MessageID = "resp_stream"
		}
		if state.Model == "" {
			state.Model = ev.Model
		}
		return []map[string]any{{
			"type": "response.created",
			"response": map[string]any{
				"id":      state.MessageID,
				"object":  "response",
				"created": time.Now().Unix(),
				"model":   state.Model,
				"status":  "in_progress",
				"output":  []any{},
			},
		}}, nil

	case ir.ContentDelta:
		if ev.TextDelta == "" {
			return nil, nil
		}
		ss.CollectedText += ev.TextDelta
		return []map[string]any{{
			"type":  "response.output_text.delta",
			"delta": ev.TextDelta,
		}}, nil

	case ir.MessageStop:
		var content []ir.ContentBlock
		if ss.CollectedText != "" {
			content = []ir.ContentBlock{ir.TextBlock{Text: ss.CollectedText}}
		}
		stopReason := ev.StopReason
		if stopReason == "" {
			stopReason = ir.StopEndTurn
		}
		usage := ev.Usage
		if usage == nil {
			usage = &ir.Usage{}
		}
		responseObj, err := n.ResponseFromInternal(&ir.Response{
			ID:         state.MessageID,
			Model:      state.Model,
			Content:    content,
			StopReason: stopReason,
			Usage:      usage,
		}, "")
		if err != nil {
			return nil, err
		}
		return []map[string]any{{
			"type":     "response.completed",
			"response": responseObj,
		}}, nil

	case ir.ErrorEvent:
		payload := n.ErrorFromInternal(ev.Err)
		payload["type"] = "response.failed"
		return []map[string]any{payload}, nil
	}

	return nil, nil
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func (n *OpenAICLINormalizer) IsErrorResponse(response map[string]any) bool {
	_, ok := response["error"]
	return ok
}

func (n *OpenAICLINormalizer) ErrorToInternal(errorResponse map[string]any) *ir.Error {
	errBody, _ := asMap(errorResponse["error"])

	rawType := asString(errBody["type"])
	internalType, ok := ir.OpenAIErrorToInternal[rawType]
	if !ok {
		internalType = ir.ErrUnknown
	}

	out := &ir.Error{
		Type:      internalType,
		Message:   asString(errBody["message"]),
		Retryable: ir.IsRetryable(internalType),
		Extra: map[string]any{
			"openai_cli": map[string]any{"error": errBody},
			"raw":        map[string]any{"type": rawType},
		},
	}
	if code := errBody["code"]; code != nil {
		out.Code = fmt.Sprintf("%v", code)
	}
	if param := errBody["param"]; param != nil {
		out.Param = fmt.Sprintf("%v", param)
	}
	return out
}

func (n *OpenAICLINormalizer) ErrorFromInternal(internal *ir.Error) map[string]any {
	typeStr, ok := errorTypeToOpenAI[internal.Type]
	if !ok {
		typeStr = "server_error"
	}
	payload := map[string]any{
		"type":    typeStr,
		"message": internal.Message,
	}
	if internal.Code != "" {
		payload["code"] = internal.Code
	}
	if internal.Param != "" {
		payload["param"] = internal.Param
	}
	return map[string]any{"error": payload}
}

// ---------------------------------------------------------------------------
// Body helpers
// ---------------------------------------------------------------------------

// unwrapResponseObject peels a {"type": "response.completed", "response": {...}}
// envelope down to the response payload.
func (n *OpenAICLINormalizer) unwrapResponseObject(response map[string]any) map[string]any {
	if inner, ok := asMap(response["response"]); ok {
		if _, typed := response["type"].(string); typed {
			return inner
		}
	}
	return response
}

func (n *OpenAICLINormalizer) outputToBlocks(payload map[string]any) ([]ir.ContentBlock, map[string]any) {
	var textParts []string

	output, hasOutput := asSlice(payload["output"])
	for _, rawItem := range output {
		item, ok := asMap(rawItem)
		if !ok {
			continue
		}
		itemType := asString(item["type"])
		if itemType == "message" {
			if content, ok := asSlice(item["content"]); ok {
				for _, rawPart := range content {
					part, ok := asMap(rawPart)
					if !ok {
						continue
					}
					ptype := asString(part["type"])
					if ptype == "output_text" || ptype == "text" {
						if text, ok := part["text"].(string); ok {
							textParts = append(textParts, text)
						}
					}
				}
			}
			continue
		}
		if itemType == "output_text" || itemType == "text" {
			if text, ok := item["text"].(string); ok {
				textParts = append(textParts, text)
			}
		}
	}

	// Some implementations flatten the text into output_text directly.
	if len(textParts) == 0 {
		if text := asString(payload["output_text"]); text != "" {
			textParts = append(textParts, text)
		}
	}

	var blocks []ir.ContentBlock
	text := ""
	for _, p := range textParts {
		text += p
	}
	if text != "" {
		blocks = append(blocks, ir.TextBlock{Text: text})
	}

	var extra map[string]any
	if hasOutput {
		extra = map[string]any{"raw": map[string]any{"openai_cli_output": output}}
	}
	return blocks, extra
}

func (n *OpenAICLINormalizer) usageToInternal(usage any) *ir.Usage {
	u, ok := asMap(usage)
	if !ok {
		return &ir.Usage{}
	}
	inputTokens := intOr(u["input_tokens"], 0)
	outputTokens := intOr(u["output_tokens"], 0)
	return &ir.Usage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  intOr(u["total_tokens"], inputTokens+outputTokens),
		Extra:        map[string]any{"openai_cli": map[string]any{"usage": u}},
	}
}

func collapseTextBlocks(blocks []ir.ContentBlock) string {
	text := ""
	for _, b := range blocks {
		if tb, ok := b.(ir.TextBlock); ok {
			text += tb.Text
		}
	}
	return text
}

func (n *OpenAICLINormalizer) inputToMessages(input any) []ir.Message {
	switch in := input.(type) {
	case nil:
		return nil
	case string:
		return []ir.Message{{Role: ir.RoleUser, Content: []ir.ContentBlock{ir.TextBlock{Text: in}}}}
	case map[string]any:
		if msgs, ok := asSlice(in["messages"]); ok {
			return n.itemsToMessages(msgs)
		}
	case []any:
		return n.itemsToMessages(in)
	}
	return []ir.Message{{
		Role:    ir.RoleUser,
		Content: []ir.ContentBlock{ir.UnknownBlock{RawType: "input", Payload: map[string]any{"input": input}}},
	}}
}

func (n *OpenAICLINormalizer) itemsToMessages(items []any) []ir.Message {
	var messages []ir.Message
	for _, rawItem := range items {
		item, ok := asMap(rawItem)
		if !ok {
			continue
		}
		itemType := asString(item["type"])

		if itemType == "message" || item["role"] != nil {
			messages = append(messages, ir.Message{
				Role:    roleFromValue(asString(item["role"])),
				Content: n.responsesContentToBlocks(item["content"]),
				Extra:   extractExtra(item, "type", "role", "content"),
			})
			continue
		}

		switch itemType {
		case "function_call":
			toolID := asString(item["call_id"])
			if toolID == "" {
				toolID = asString(item["id"])
			}
			var toolInput map[string]any
			switch args := item["arguments"].(type) {
			case string:
				toolInput = parseToolArguments(args)
			case map[string]any:
				toolInput = args
			default:
				toolInput = map[string]any{}
			}
			block := ir.ToolUseBlock{
				ToolID:    toolID,
				ToolName:  asString(item["name"]),
				ToolInput: toolInput,
			}
			if extra := extractExtra(item, "type", "call_id", "id", "name", "arguments"); extra != nil {
				block.Extra = map[string]any{"openai_cli": extra}
			}
			messages = append(messages, ir.Message{Role: ir.RoleAssistant, Content: []ir.ContentBlock{block}})

		case "function_call_output":
			toolUseID := asString(item["call_id"])
			if toolUseID == "" {
				toolUseID = asString(item["id"])
			}
			block := ir.ToolResultBlock{ToolUseID: toolUseID, Output: item["output"]}
			if text, ok := item["output"].(string); ok {
				block.ContentText = text
				block.HasText = true
			}
			if extra := extractExtra(item, "type", "call_id", "id", "output"); extra != nil {
				block.Extra = map[string]any{"openai_cli": extra}
			}
			messages = append(messages, ir.Message{Role: ir.RoleTool, Content: []ir.ContentBlock{block}})

		case "reasoning":
			// Reasoning items round-trip through an unknown block carrying
			// the original item so render can restore it verbatim.
			var summaryParts []string
			switch summary := item["summary"].(type) {
			case []any:
				for _, rawS := range summary {
					if s, ok := asMap(rawS); ok && asString(s["type"]) == "summary_text" {
						if text := asString(s["text"]); text != "" {
							summaryParts = append(summaryParts, text)
						}
					} else if s, ok := rawS.(string); ok && s != "" {
						summaryParts = append(summaryParts, s)
					}
				}
			case string:
				if summary != "" {
					summaryParts = append(summaryParts, summary)
				}
			}
			payload := map[string]any{"original": item}
			if len(summaryParts) > 0 {
				joined := summaryParts[0]
				for _, p := range summaryParts[1:] {
					joined += "\n" + p
				}
				payload["summary_text"] = joined
			}
			messages = append(messages, ir.Message{
				Role:    ir.RoleAssistant,
				Content: []ir.ContentBlock{ir.UnknownBlock{RawType: "reasoning", Payload: payload}},
				Extra:   map[string]any{"openai_cli": map[string]any{"type": "reasoning"}},
			})

		default:
			if itemType == "" {
				itemType = "unknown"
			}
			messages = append(messages, ir.Message{
				Role:    ir.RoleUnknown,
				Content: []ir.ContentBlock{ir.UnknownBlock{RawType: itemType, Payload: item}},
			})
		}
	}
	return messages
}

func (n *OpenAICLINormalizer) responsesContentToBlocks(content any) []ir.ContentBlock {
	switch c := content.(type) {
	case nil:
		return nil
	case string:
		return []ir.ContentBlock{ir.TextBlock{Text: c}}
	case map[string]any:
		if text, ok := c["text"].(string); ok {
			return []ir.ContentBlock{ir.TextBlock{Text: text}}
		}
	case []any:
		var blocks []ir.ContentBlock
		for _, rawPart := range c {
			if s, ok := rawPart.(string); ok {
				if s != "" {
					blocks = append(blocks, ir.TextBlock{Text: s})
				}
				continue
			}
			part, ok := asMap(rawPart)
			if !ok {
				continue
			}
			ptype := asString(part["type"])
			switch ptype {
			case "input_text", "output_text", "text":
				if text := asString(part["text"]); text != "" {
					blocks = append(blocks, ir.TextBlock{Text: text})
				}
			default:
				if ptype == "" {
					ptype = "unknown"
				}
				blocks = append(blocks, ir.UnknownBlock{RawType: ptype, Payload: part})
			}
		}
		return blocks
	}
	return []ir.ContentBlock{ir.UnknownBlock{RawType: "content", Payload: map[string]any{"content": content}}}
}

func (n *OpenAICLINormalizer) messagesToInput(messages []ir.Message) []any {
	out := []any{}
	for i := range messages {
		msg := &messages[i]

		for _, b := range msg.Content {
			switch block := b.(type) {
			case ir.ToolUseBlock:
				args := "{}"
				if len(block.ToolInput) > 0 {
					args = marshalJSONString(block.ToolInput)
				}
				out = append(out, map[string]any{
					"type":      "function_call",
					"call_id":   block.ToolID,
					"name":      block.ToolName,
					"arguments": args,
				})
			case ir.ToolResultBlock:
				var output any = block.Output
				if block.HasText {
					output = block.ContentText
				}
				out = append(out, map[string]any{
					"type":    "function_call_output",
					"call_id": block.ToolUseID,
					"output":  output,
				})
			case ir.UnknownBlock:
				if block.RawType != "reasoning" {
					continue
				}
				if original, ok := asMap(block.Payload["original"]); ok {
					out = append(out, original)
					continue
				}
				summary := []any{}
				if text := asString(block.Payload["summary_text"]); text != "" {
					summary = append(summary, map[string]any{"type": "summary_text", "text": text})
				}
				out = append(out, map[string]any{"type": "reasoning", "summary": summary})
			}
		}

		var contentItems []any
		for _, b := range msg.Content {
			if tb, ok := b.(ir.TextBlock); ok && tb.Text != "" {
				contentItems = append(contentItems, map[string]any{"type": "input_text", "text": tb.Text})
			}
		}
		if len(contentItems) > 0 {
			out = append(out, map[string]any{
				"type":    "message",
				"role":    roleToWire(msg.Role),
				"content": contentItems,
			})
		}
	}
	return out
}

func (n *OpenAICLINormalizer) toolsToInternal(tools any) []ir.ToolDefinition {
	rawTools, ok := asSlice(tools)
	if !ok {
		return nil
	}
	var out []ir.ToolDefinition
	for _, rawTool := range rawTools {
		tool, ok := asMap(rawTool)
		if !ok {
			continue
		}

		// Nested Chat Completions shape.
		if asString(tool["type"]) == "function" {
			if fn, ok := asMap(tool["function"]); ok {
				name := asString(fn["name"])
				if name == "" {
					continue
				}
				params, _ := asMap(fn["parameters"])
				def := ir.ToolDefinition{
					Name:        name,
					Description: asString(fn["description"]),
					Parameters:  params,
				}
				extra := map[string]any{}
				if toolExtra := extractExtra(tool, "type", "function"); toolExtra != nil {
					extra["openai_tool"] = toolExtra
				}
				if fnExtra := extractExtra(fn, "name", "description", "parameters"); fnExtra != nil {
					extra["openai_function"] = fnExtra
				}
				if len(extra) > 0 {
					def.Extra = extra
				}
				out = append(out, def)
				continue
			}
		}

		// Flat Responses shape: {type, name, description, parameters}.
		name := asString(tool["name"])
		if name == "" {
			continue
		}
		params, _ := asMap(tool["parameters"])
		def := ir.ToolDefinition{
			Name:        name,
			Description: asString(tool["description"]),
			Parameters:  params,
		}
		if extra := extractExtra(tool, "type", "name", "description", "parameters"); extra != nil {
			def.Extra = map[string]any{"openai_cli": extra}
		}
		out = append(out, def)
	}
	return out
}

func (n *OpenAICLINormalizer) toolChoiceToInternal(toolChoice any) *ir.ToolChoice {
	switch tc := toolChoice.(type) {
	case nil:
		return nil
	case string:
		switch tc {
		case "none":
			return &ir.ToolChoice{Type: ir.ToolChoiceNone, Extra: map[string]any{"openai_cli": map[string]any{"tool_choice": tc}}}
		case "auto":
			return &ir.ToolChoice{Type: ir.ToolChoiceAuto, Extra: map[string]any{"openai_cli": map[string]any{"tool_choice": tc}}}
		case "required":
			return &ir.ToolChoice{Type: ir.ToolChoiceRequired}
		}
		return &ir.ToolChoice{Type: ir.ToolChoiceAuto, Extra: map[string]any{"raw": tc}}
	case map[string]any:
		if asString(tc["type"]) == "function" {
			if fn, ok := asMap(tc["function"]); ok {
				return &ir.ToolChoice{
					Type:     ir.ToolChoiceTool,
					ToolName: asString(fn["name"]),
					Extra:    map[string]any{"openai_cli": tc},
				}
			}
			// Flat form names the function directly.
			if name := asString(tc["name"]); name != "" {
				return &ir.ToolChoice{Type: ir.ToolChoiceTool, ToolName: name, Extra: map[string]any{"openai_cli": tc}}
			}
		}
		return &ir.ToolChoice{Type: ir.ToolChoiceAuto, Extra: map[string]any{"openai_cli": tc}}
	}
	return &ir.ToolChoice{Type: ir.ToolChoiceAuto}
}

func (n *OpenAICLINormalizer) toolChoiceFromInternal(tc *ir.ToolChoice) any {
	switch tc.Type {
	case ir.ToolChoiceNone:
		return "none"
	case ir.ToolChoiceRequired:
		return "required"
	case ir.ToolChoiceTool:
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.ToolName},
		}
	}
	return "auto"
}

// roleFromValue parses a wire role string.
func roleFromValue(role string) ir.Role {
	switch role {
	case "user":
		return ir.RoleUser
	case "assistant":
		return ir.RoleAssistant
	case "system":
		return ir.RoleSystem
	case "developer":
		return ir.RoleDeveloper
	case "tool":
		return ir.RoleTool
	}
	return ir.RoleUnknown
}

// roleToWire renders an IR role, defaulting to user.
func roleToWire(role ir.Role) string {
	switch role {
	case ir.RoleUser, ir.RoleAssistant, ir.RoleSystem, ir.RoleDeveloper, ir.RoleTool:
		return string(role)
	}
	return "user"
}
