package conversion

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aetherhq/aether-gateway/internal/ir"
)

// OpenAINormalizer maps the OpenAI Chat Completions wire format to the IR.
type OpenAINormalizer struct{}

func NewOpenAINormalizer() *OpenAINormalizer { return &OpenAINormalizer{} }

func (n *OpenAINormalizer) FormatID() string { return FormatOpenAIChat }

func (n *OpenAINormalizer) Capabilities() ir.Capabilities {
	return ir.Capabilities{Stream: true, Errors: true, Tools: true, Images: true}
}

var errorTypeToOpenAI = map[ir.ErrorType]string{
	ir.ErrInvalidRequest:        "invalid_request_error",
	ir.ErrAuthentication:        "invalid_api_key",
	ir.ErrPermissionDenied:      "invalid_request_error",
	ir.ErrNotFound:              "not_found",
	ir.ErrRateLimit:             "rate_limit_exceeded",
	ir.ErrOverloaded:            "server_error",
	ir.ErrServerError:           "server_error",
	ir.ErrContentFiltered:       "content_policy_violation",
	ir.ErrContextLengthExceeded: "context_length_exceeded",
	ir.ErrUnknown:               "server_error",
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

func (n *OpenAINormalizer) RequestToInternal(request map[string]any) (*ir.Request, error) {
	dropped := map[string]int{}

	var instructions []ir.InstructionSegment
	var messages []ir.Message

	if rawMessages, ok := asSlice(request["messages"]); ok {
		for _, rawMsg := range rawMessages {
			msg, ok := asMap(rawMsg)
			if !ok {
				dropped["openai_message_non_object"]++
				continue
			}
			role := asString(msg["role"])
			if role == "system" || role == "developer" {
				text := n.collapseText(msg["content"], dropped)
				segRole := ir.RoleSystem
				if role == "developer" {
					segRole = ir.RoleDeveloper
				}
				instructions = append(instructions, ir.InstructionSegment{
					Role:  segRole,
					Text:  text,
					Extra: extractExtra(msg, "role", "content"),
				})
				continue
			}
			internalMsg := n.messageToInternal(msg, dropped)
			if internalMsg != nil {
				messages = append(messages, *internalMsg)
			}
		}
	}

	// max_completion_tokens takes precedence over the legacy max_tokens.
	maxTokens := optionalInt(request["max_completion_tokens"])
	if maxTokens == nil {
		maxTokens = optionalInt(request["max_tokens"])
	}

	extra := map[string]any{}
	if openaiExtra := extractExtra(request, "messages"); openaiExtra != nil {
		extra["openai"] = openaiExtra
	}
	// extra_body.google carries Gemini passthrough settings (thinkingConfig,
	// responseModalities) for clients speaking OpenAI to a Gemini upstream.
	if extraBody, ok := asMap(request["extra_body"]); ok {
		if googleExtra, ok := asMap(extraBody["google"]); ok && len(googleExtra) > 0 {
			extra["google"] = googleExtra
		}
	}

	var thinking *ir.ThinkingConfig
	if effort := asString(request["reasoning_effort"]); effort != "" {
		if budget, ok := ir.ReasoningEffortToBudget[effort]; ok {
			b := budget
			thinking = &ir.ThinkingConfig{Enabled: true, BudgetTokens: &b}
		}
	}

	var webSearch *ir.WebSearchConfig
	if opts, ok := asMap(request["web_search_options"]); ok {
		size := asString(opts["search_context_size"])
		maxUses, known := ir.SearchContextSizeToMaxUses[size]
		if !known {
			// The API treats a missing size as medium.
			maxUses = ir.SearchContextSizeToMaxUses["medium"]
		}
		webSearch = &ir.WebSearchConfig{
			MaxUses: maxUses,
			Extra:   extractExtra(opts, "search_context_size"),
		}
	}

	internal := &ir.Request{
		Model:         asString(request["model"]),
		Messages:      messages,
		Instructions:  instructions,
		System:        joinInstructions(instructions),
		MaxTokens:     maxTokens,
		Temperature:   optionalFloat(request["temperature"]),
		TopP:          optionalFloat(request["top_p"]),
		StopSequences: coerceStrList(request["stop"]),
		Stream:        asBool(request["stream"]),
		Tools:         n.toolsToInternal(request["tools"]),
		ToolChoice:    n.toolChoiceToInternal(request["tool_choice"]),
		Thinking:      thinking,
		WebSearch:     webSearch,
		Extra:         extra,
	}
	internal.Extra = recordDropped(internal.Extra, dropped)
	return internal, nil
}

func (n *OpenAINormalizer) RequestFromInternal(internal *ir.Request, targetVariant string) (map[string]any, error) {
	var outMessages []map[string]any

	if len(internal.Instructions) > 0 {
		for _, seg := range internal.Instructions {
			role := "system"
			if seg.Role == ir.RoleDeveloper {
				role = "developer"
			}
			outMessages = append(outMessages, map[string]any{"role": role, "content": seg.Text})
		}
	} else if internal.System != "" {
		outMessages = append(outMessages, map[string]any{"role": "system", "content": internal.System})
	}

	for i := range internal.Messages {
		outMessages = append(outMessages, n.messageFromInternal(&internal.Messages[i])...)
	}
	if outMessages == nil {
		outMessages = []map[string]any{}
	}

	result := map[string]any{
		"model":    internal.Model,
		"messages": outMessages,
	}

	if internal.MaxTokens != nil {
		result["max_tokens"] = *internal.MaxTokens
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
		// OpenAI omits streaming usage unless explicitly requested.
		result["stream_options"] = map[string]any{"include_usage": true}
	}

	if len(internal.Tools) > 0 {
		tools := make([]any, 0, len(internal.Tools))
		for _, t := range internal.Tools {
			fn := map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			}
			if fn["parameters"] == nil {
				fn["parameters"] = map[string]any{}
			}
			if fnExtra, ok := asMap(t.Extra["openai_function"]); ok {
				for k, v := range fnExtra {
					fn[k] = v
				}
			}
			tool := map[string]any{"type": "function", "function": fn}
			if toolExtra, ok := asMap(t.Extra["openai_tool"]); ok {
				for k, v := range toolExtra {
					tool[k] = v
				}
			}
			tools = append(tools, tool)
		}
		result["tools"] = tools
	}

	if internal.ToolChoice != nil {
		result["tool_choice"] = n.toolChoiceFromInternal(internal.ToolChoice)
	}

	if internal.Thinking != nil && internal.Thinking.Enabled {
		budget := ir.CrossFormatThinkingBudgetDefault
		if internal.Thinking.BudgetTokens != nil {
			budget = *internal.Thinking.BudgetTokens
		}
		result["reasoning_effort"] = ir.BudgetToReasoningEffort(budget)
	}

	if internal.WebSearch != nil {
		opts := map[string]any{
			"search_context_size": ir.MaxUsesToSearchContextSize(internal.WebSearch.MaxUses),
		}
		for k, v := range internal.WebSearch.Extra {
			opts[k] = v
		}
		result["web_search_options"] = opts
	}

	return result, nil
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

func (n *OpenAINormalizer) ResponseToInternal(response map[string]any) (*ir.Response, error) {
	dropped := map[string]int{}
	extra := map[string]any{}

	choices, _ := asSlice(response["choices"])
	if len(choices) > 1 {
		extra["openai"] = map[string]any{"choices": choices}
	}

	var choice0 map[string]any
	if len(choices) > 0 {
		choice0, _ = asMap(choices[0])
	}
	message, _ := asMap(choice0["message"])

	blocks := n.contentToBlocks(message["content"], dropped)
	if toolCalls, ok := asSlice(message["tool_calls"]); ok {
		for _, tc := range toolCalls {
			if block := n.toolCallToBlock(tc, dropped); block != nil {
				blocks = append(blocks, *block)
			}
		}
	}

	stopReason := ir.StopReason("")
	if finishReason, ok := choice0["finish_reason"].(string); ok {
		mapped, known := ir.OpenAIFinishToInternal[finishReason]
		if !known {
			mapped = ir.StopUnknown
		}
		stopReason = mapped
		raw, ok := extra["raw"].(map[string]any)
		if !ok {
			raw = map[string]any{}
			extra["raw"] = raw
		}
		raw["finish_reason"] = finishReason
	}

	internal := &ir.Response{
		ID:         asString(response["id"]),
		Model:      asString(response["model"]),
		Content:    blocks,
		StopReason: stopReason,
		Usage:      n.usageToInternal(response["usage"]),
		Extra:      extra,
	}
	internal.Extra = recordDropped(internal.Extra, dropped)
	return internal, nil
}

func (n *OpenAINormalizer) ResponseFromInternal(internal *ir.Response, requestedModel string) (map[string]any, error) {
	model := requestedModel
	if model == "" {
		model = internal.Model
	}
	id := internal.ID
	if id == "" {
		id = "chatcmpl-unknown"
	}

	message := map[string]any{"role": "assistant"}
	contentBlocks, toolBlocks := splitResponseBlocks(internal.Content)
	message["content"] = n.blocksToContent(contentBlocks)
	if len(toolBlocks) > 0 {
		calls := make([]any, 0, len(toolBlocks))
		for idx, b := range toolBlocks {
			calls = append(calls, n.toolBlockToCall(b, idx))
		}
		message["tool_calls"] = calls
	}

	var finishReason any
	if internal.StopReason != "" {
		fr, ok := ir.StopReasonToOpenAI[internal.StopReason]
		if !ok {
			fr = "stop"
		}
		finishReason = fr
	}

	out := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": finishReason,
		}},
	}

	if internal.Usage != nil {
		out["usage"] = map[string]any{
			"prompt_tokens":     internal.Usage.InputTokens,
			"completion_tokens": internal.Usage.OutputTokens,
			"total_tokens":      internal.Usage.Total(),
		}
	}

	return out, nil
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// openaiStreamSub tracks incremental chunk state for one stream. Block index
// 0 is reserved for the single text block; tool blocks start at 1.
type openaiStreamSub struct {
	MessageStarted   bool
	TextBlockStarted bool
	TextBlockStopped bool
	ToolBlockIndex   map[string]int
	NextBlockIndex   int
	ToolStarted      map[int]bool

	// Render-side state.
	ToolCallIndex map[string]int
	NextToolIndex int
	ImageBlocks   map[int]string
}

func (ss *openaiStreamSub) ensureToolBlockIndex(toolKey string) int {
	if ss.ToolBlockIndex == nil {
		ss.ToolBlockIndex = map[string]int{}
	}
	if idx, ok := ss.ToolBlockIndex[toolKey]; ok {
		return idx
	}
	next := ss.NextBlockIndex
	if next < 1 {
		next = 1
	}
	ss.ToolBlockIndex[toolKey] = next
	ss.NextBlockIndex = next + 1
	return next
}

func (ss *openaiStreamSub) ensureToolCallIndex(toolID string) int {
	if ss.ToolCallIndex == nil {
		ss.ToolCallIndex = map[string]int{}
	}
	if idx, ok := ss.ToolCallIndex[toolID]; ok {
		return idx
	}
	next := ss.NextToolIndex
	ss.ToolCallIndex[toolID] = next
	ss.NextToolIndex = next + 1
	return next
}

func (n *OpenAINormalizer) StreamChunkToInternal(chunk map[string]any, state *ir.StreamState) ([]ir.StreamEvent, error) {
	ss := ir.SubState[openaiStreamSub](state, FormatOpenAIChat)
	var events []ir.StreamEvent

	// Streaming errors arrive as a bare {"error": {...}} body.
	if _, ok := chunk["error"]; ok {
		return []ir.StreamEvent{ir.ErrorEvent{Err: n.ErrorToInternal(chunk)}}, nil
	}

	if !ss.MessageStarted {
		msgID := asString(chunk["id"])
		if msgID == "" {
			msgID = state.MessageID
		}
		// The client's requested model wins over the upstream's mapped name.
		model := state.Model
		if model == "" {
			model = asString(chunk["model"])
		}
		state.MessageID = msgID
		if state.Model == "" {
			state.Model = model
		}
		ss.MessageStarted = true
		ss.NextBlockIndex = 1
		events = append(events, ir.MessageStart{MessageID: msgID, Model: model})
	}

	choices, _ := asSlice(chunk["choices"])
	if len(choices) == 0 {
		return events, nil
	}
	c0, ok := asMap(choices[0])
	if !ok {
		return events, nil
	}
	delta, _ := asMap(c0["delta"])

	if contentDelta := asString(delta["content"]); contentDelta != "" {
		if !ss.TextBlockStarted {
			ss.TextBlockStarted = true
			events = append(events, ir.ContentBlockStart{BlockIndex: 0, Type: ir.ContentText})
		}
		events = append(events, ir.ContentDelta{BlockIndex: 0, TextDelta: contentDelta})
	}

	if toolCalls, ok := asSlice(delta["tool_calls"]); ok {
		for _, rawTC := range toolCalls {
			tc, ok := asMap(rawTC)
			if !ok {
				continue
			}
			tcID := asString(tc["id"])
			fn, _ := asMap(tc["function"])
			tcName := asString(fn["name"])
			tcArgs := asString(fn["arguments"])

			toolKey := tcID
			if toolKey == "" {
				toolKey = fmt.Sprintf("%d", intOr(tc["index"], 0))
			}
			blockIndex := ss.ensureToolBlockIndex(toolKey)

			if ss.ToolStarted == nil {
				ss.ToolStarted = map[int]bool{}
			}
			if !ss.ToolStarted[blockIndex] {
				ss.ToolStarted[blockIndex] = true
				events = append(events, ir.ContentBlockStart{
					BlockIndex: blockIndex,
					Type:       ir.ContentToolUse,
					ToolID:     tcID,
					ToolName:   tcName,
				})
			}

			if tcArgs != "" {
				events = append(events, ir.ToolCallDelta{
					BlockIndex: blockIndex,
					ToolID:     tcID,
					InputDelta: tcArgs,
				})
			}
		}
	}

	if finishReason, ok := c0["finish_reason"].(string); ok && finishReason != "" {
		stopReason, known := ir.OpenAIFinishToInternal[finishReason]
		if !known {
			stopReason = ir.StopUnknown
		}
		if ss.TextBlockStarted && !ss.TextBlockStopped {
			ss.TextBlockStopped = true
			events = append(events, ir.ContentBlockStop{BlockIndex: 0})
		}
		// Usage arrives on the final chunk when stream_options.include_usage
		// was set on the request.
		events = append(events, ir.MessageStop{StopReason: stopReason, Usage: n.usageToInternal(chunk["usage"])})
	}

	return events, nil
}

func (n *OpenAINormalizer) StreamEventFromInternal(event ir.StreamEvent, state *ir.StreamState) ([]map[string]any, error) {
	ss := ir.SubState[openaiStreamSub](state, FormatOpenAIChat+":render")

	baseChunk := func(delta map[string]any, finishReason any) map[string]any {
		id := state.MessageID
		if id == "" {
			id = "chatcmpl-stream"
		}
		return map[string]any{
			"id":                 id,
			"object":             "chat.completion.chunk",
			"created":            time.Now().Unix(),
			"model":              state.Model,
			"system_fingerprint": nil,
			"choices": []any{map[string]any{
				"index":         0,
				"delta":         delta,
				"finish_reason": finishReason,
			}},
		}
	}

	switch ev := event.(type) {
	case ir.MessageStart:
		if ev.MessageID != "" {
			state.MessageID = ev.MessageID
		}
		if state.Model == "" {
			state.Model = ev.Model
		}
		return []map[string]any{baseChunk(map[string]any{"role": "assistant"}, nil)}, nil

	case ir.ContentDelta:
		if ev.TextDelta == "" {
			return nil, nil
		}
		return []map[string]any{baseChunk(map[string]any{"content": ev.TextDelta}, nil)}, nil

	case ir.ContentBlockStart:
		if ev.Type == ir.ContentToolUse {
			toolIndex := ss.ensureToolCallIndex(ev.ToolID)
			return []map[string]any{baseChunk(map[string]any{
				"tool_calls": []any{map[string]any{
					"index":    toolIndex,
					"id":       ev.ToolID,
					"type":     "function",
					"function": map[string]any{"name": ev.ToolName, "arguments": ""},
				}},
			}, nil)}, nil
		}
		if ev.Type == ir.ContentImage {
			// Image blocks (Gemini image generation and the like) are
			// buffered and emitted as markdown once the block closes.
			data := asString(ev.Extra["image_data"])
			mediaType := asString(ev.Extra["image_media_type"])
			if len(data) > 10 && mediaType != "" {
				if ss.ImageBlocks == nil {
					ss.ImageBlocks = map[int]string{}
				}
				ss.ImageBlocks[ev.BlockIndex] = "data:" + mediaType + ";base64," + data
			}
		}
		return nil, nil

	case ir.ContentBlockStop:
		if url, ok := ss.ImageBlocks[ev.BlockIndex]; ok {
			delete(ss.ImageBlocks, ev.BlockIndex)
			if len(url) > 20 {
				if len(url) > 1_000_000 {
					slog.Warn("large image in stream response", "bytes", len(url))
				}
				// delta.content must be a string, so inline as markdown.
				return []map[string]any{baseChunk(map[string]any{"content": "![image](" + url + ")"}, nil)}, nil
			}
		}
		return nil, nil

	case ir.ToolCallDelta:
		toolIndex := ss.ensureToolCallIndex(ev.ToolID)
		return []map[string]any{baseChunk(map[string]any{
			"tool_calls": []any{map[string]any{
				"index":    toolIndex,
				"id":       ev.ToolID,
				"type":     "function",
				"function": map[string]any{"arguments": ev.InputDelta},
			}},
		}, nil)}, nil

	case ir.MessageStop:
		var finishReason any
		if ev.StopReason != "" {
			fr, ok := ir.StopReasonToOpenAI[ev.StopReason]
			if !ok {
				fr = "stop"
			}
			finishReason = fr
		}
		return []map[string]any{baseChunk(map[string]any{}, finishReason)}, nil

	case ir.ErrorEvent:
		return []map[string]any{n.ErrorFromInternal(ev.Err)}, nil
	}

	// Thinking deltas, usage events and unknown events have no chunk shape.
	return nil, nil
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func (n *OpenAINormalizer) IsErrorResponse(response map[string]any) bool {
	_, ok := response["error"]
	return ok
}

func (n *OpenAINormalizer) ErrorToInternal(errorResponse map[string]any) *ir.Error {
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
			"openai": map[string]any{"error": errBody},
			"raw":    map[string]any{"type": rawType},
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

func (n *OpenAINormalizer) ErrorFromInternal(internal *ir.Error) map[string]any {
	typeStr, ok := errorTypeToOpenAI[internal.Type]
	if !ok {
		typeStr = "server_error"
	}
	payload := map[string]any{
		"message": internal.Message,
		"type":    typeStr,
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

func (n *OpenAINormalizer) messageToInternal(msg map[string]any, dropped map[string]int) *ir.Message {
	role := asString(msg["role"])

	// tool role becomes a user message holding a single tool_result block.
	if role == "tool" {
		block := n.toolResultMessageToBlock(msg)
		if block == nil {
			return nil
		}
		return &ir.Message{
			Role:    ir.RoleUser,
			Content: []ir.ContentBlock{*block},
			Extra:   extractExtra(msg, "role", "content"),
		}
	}

	blocks := n.contentToBlocks(msg["content"], dropped)

	if role == "assistant" {
		if toolCalls, ok := asSlice(msg["tool_calls"]); ok {
			for _, tc := range toolCalls {
				if block := n.toolCallToBlock(tc, dropped); block != nil {
					blocks = append(blocks, *block)
				}
			}
		}
		// Legacy function_call form.
		if fc, ok := asMap(msg["function_call"]); ok {
			if block := n.legacyFunctionCallToBlock(fc, dropped); block != nil {
				blocks = append(blocks, *block)
			}
		}
	}

	irRole := ir.RoleUser
	switch role {
	case "assistant":
		irRole = ir.RoleAssistant
	case "user":
		irRole = ir.RoleUser
	default:
		irRole = ir.RoleUnknown
	}

	return &ir.Message{
		Role:    irRole,
		Content: blocks,
		Extra:   extractExtra(msg, "role", "content", "tool_calls", "function_call"),
	}
}

func (n *OpenAINormalizer) contentToBlocks(content any, dropped map[string]int) []ir.ContentBlock {
	switch c := content.(type) {
	case nil:
		return nil
	case string:
		if c == "" {
			return nil
		}
		return []ir.ContentBlock{ir.TextBlock{Text: c}}
	case []any:
		var blocks []ir.ContentBlock
		for _, rawPart := range c {
			part, ok := asMap(rawPart)
			if !ok {
				dropped["openai_content_part_non_object"]++
				continue
			}
			ptype := asString(part["type"])
			switch ptype {
			case "text":
				if text := asString(part["text"]); text != "" {
					blocks = append(blocks, ir.TextBlock{Text: text, Extra: extractExtra(part, "type", "text")})
				}
			case "image_url":
				imageURL, _ := asMap(part["image_url"])
				url := asString(imageURL["url"])
				if url != "" {
					img := imageURLToBlock(url)
					if extra := extractExtra(part, "type", "image_url"); extra != nil {
						img.Extra = extra
					}
					blocks = append(blocks, img)
				} else {
					dropped["openai_image_url_missing"]++
					blocks = append(blocks, ir.UnknownBlock{RawType: "image_url", Payload: part})
				}
			default:
				dropped["openai_part:"+ptype]++
				blocks = append(blocks, ir.UnknownBlock{RawType: ptype, Payload: part})
			}
		}
		return blocks
	}
	dropped["openai_content_non_list"]++
	return nil
}

func (n *OpenAINormalizer) collapseText(content any, dropped map[string]int) string {
	blocks := n.contentToBlocks(content, dropped)
	var parts []string
	for _, b := range blocks {
		if tb, ok := b.(ir.TextBlock); ok && tb.Text != "" {
			parts = append(parts, tb.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (n *OpenAINormalizer) toolsToInternal(tools any) []ir.ToolDefinition {
	rawTools, ok := asSlice(tools)
	if !ok {
		return nil
	}
	var out []ir.ToolDefinition
	for _, rawTool := range rawTools {
		tool, ok := asMap(rawTool)
		if !ok || asString(tool["type"]) != "function" {
			continue
		}
		fn, _ := asMap(tool["function"])
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
	}
	return out
}

func (n *OpenAINormalizer) toolChoiceToInternal(toolChoice any) *ir.ToolChoice {
	switch tc := toolChoice.(type) {
	case nil:
		return nil
	case string:
		switch tc {
		case "none":
			return &ir.ToolChoice{Type: ir.ToolChoiceNone}
		case "auto":
			return &ir.ToolChoice{Type: ir.ToolChoiceAuto}
		case "required":
			return &ir.ToolChoice{Type: ir.ToolChoiceRequired}
		}
		// Unrecognized strings degrade to auto.
		return &ir.ToolChoice{Type: ir.ToolChoiceAuto, Extra: map[string]any{"raw": tc}}
	case map[string]any:
		if asString(tc["type"]) == "function" {
			fn, _ := asMap(tc["function"])
			return &ir.ToolChoice{
				Type:     ir.ToolChoiceTool,
				ToolName: asString(fn["name"]),
				Extra:    map[string]any{"openai": tc},
			}
		}
		return &ir.ToolChoice{Type: ir.ToolChoiceAuto, Extra: map[string]any{"openai": tc}}
	}
	return &ir.ToolChoice{Type: ir.ToolChoiceAuto}
}

func (n *OpenAINormalizer) toolChoiceFromInternal(tc *ir.ToolChoice) any {
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

func (n *OpenAINormalizer) toolCallToBlock(toolCall any, dropped map[string]int) *ir.ToolUseBlock {
	tc, ok := asMap(toolCall)
	if !ok {
		dropped["openai_tool_call_non_object"]++
		return nil
	}
	if asString(tc["type"]) != "function" {
		dropped["openai_tool_call_type:"+asString(tc["type"])]++
		return nil
	}
	fn, _ := asMap(tc["function"])
	return &ir.ToolUseBlock{
		ToolID:    asString(tc["id"]),
		ToolName:  asString(fn["name"]),
		ToolInput: parseToolArguments(asString(fn["arguments"])),
		Extra:     map[string]any{"openai": tc},
	}
}

func (n *OpenAINormalizer) legacyFunctionCallToBlock(fc map[string]any, dropped map[string]int) *ir.ToolUseBlock {
	name := asString(fc["name"])
	if name == "" {
		dropped["openai_function_call_missing_name"]++
		return nil
	}
	return &ir.ToolUseBlock{
		ToolID:    "call_0",
		ToolName:  name,
		ToolInput: parseToolArguments(asString(fc["arguments"])),
		Extra:     map[string]any{"openai": map[string]any{"function_call": fc}},
	}
}

// parseToolArguments parses a tool call arguments string. Non-object JSON and
// unparsable text survive under a "raw" key.
func parseToolArguments(args string) map[string]any {
	if args == "" {
		return map[string]any{}
	}
	if parsed := parseJSONObject(args); parsed != nil {
		return parsed
	}
	return map[string]any{"raw": args}
}

func (n *OpenAINormalizer) toolResultMessageToBlock(msg map[string]any) *ir.ToolResultBlock {
	toolCallID := asString(msg["tool_call_id"])
	content := msg["content"]

	switch c := content.(type) {
	case nil:
		return &ir.ToolResultBlock{ToolUseID: toolCallID, Extra: map[string]any{"openai": msg}}
	case string:
		// String payloads that parse as JSON become structured output.
		if parsed := parseJSONObject(c); parsed != nil {
			return &ir.ToolResultBlock{
				ToolUseID: toolCallID,
				Output:    parsed,
				Extra:     map[string]any{"raw": map[string]any{"content": c}, "openai": msg},
			}
		}
		return &ir.ToolResultBlock{
			ToolUseID:   toolCallID,
			ContentText: c,
			HasText:     true,
			Extra:       map[string]any{"openai": msg},
		}
	default:
		return &ir.ToolResultBlock{
			ToolUseID: toolCallID,
			Output:    c,
			Extra:     map[string]any{"openai": msg},
		}
	}
}

func (n *OpenAINormalizer) usageToInternal(usage any) *ir.Usage {
	u, ok := asMap(usage)
	if !ok {
		return nil
	}
	inputTokens := intOr(u["prompt_tokens"], 0)
	outputTokens := intOr(u["completion_tokens"], 0)
	totalTokens := intOr(u["total_tokens"], inputTokens+outputTokens)
	// All-zero usage means the upstream did not report usage at all.
	if inputTokens == 0 && outputTokens == 0 && totalTokens == 0 {
		return nil
	}

	out := &ir.Usage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  totalTokens,
	}
	if extra := extractExtra(u, "prompt_tokens", "completion_tokens", "total_tokens"); extra != nil {
		out.Extra = map[string]any{"openai": extra}
	}
	return out
}

// blocksToContent renders blocks as an OpenAI content value. URL-referenced
// images use multipart content; base64 images inline as markdown so they
// survive formats without multipart support.
func (n *OpenAINormalizer) blocksToContent(blocks []ir.ContentBlock) any {
	var parts []any
	var textParts []string

	for _, b := range blocks {
		switch block := b.(type) {
		case ir.TextBlock:
			if block.Text != "" {
				textParts = append(textParts, block.Text)
			}
		case ir.ImageBlock:
			switch {
			case block.URL != "":
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": block.URL},
				})
			case block.Data != "" && block.MediaType != "":
				dataURL := "data:" + block.MediaType + ";base64," + block.Data
				textParts = append(textParts, "![image]("+dataURL+")")
			}
		}
	}

	if len(parts) > 0 {
		if len(textParts) > 0 {
			parts = append([]any{map[string]any{"type": "text", "text": strings.Join(textParts, "\n")}}, parts...)
		}
		return parts
	}
	if len(textParts) > 0 {
		return strings.Join(textParts, "\n")
	}
	return ""
}

// splitResponseBlocks separates renderable content blocks from tool calls.
// Tool results and unknown blocks do not belong in a response body.
func splitResponseBlocks(blocks []ir.ContentBlock) ([]ir.ContentBlock, []ir.ToolUseBlock) {
	var content []ir.ContentBlock
	var tools []ir.ToolUseBlock
	for _, b := range blocks {
		switch block := b.(type) {
		case ir.ToolUseBlock:
			tools = append(tools, block)
		case ir.ToolResultBlock, ir.UnknownBlock:
		default:
			content = append(content, b)
		}
	}
	return content, tools
}

func (n *OpenAINormalizer) messageFromInternal(msg *ir.Message) []map[string]any {
	switch msg.Role {
	case ir.RoleAssistant:
		return []map[string]any{n.assistantMessageFromInternal(msg)}
	case ir.RoleTool:
		return []map[string]any{{"role": "tool", "content": n.blocksToContent(msg.Content)}}
	case ir.RoleUser:
		return n.userMessageFromInternal(msg)
	}
	return []map[string]any{{"role": "user", "content": ""}}
}

// userMessageFromInternal splits a user message around its tool results:
// each tool_result becomes its own tool-role message, content between them
// flushes into user-role messages.
func (n *OpenAINormalizer) userMessageFromInternal(msg *ir.Message) []map[string]any {
	var out []map[string]any
	var pending []ir.ContentBlock

	flush := func() {
		out = append(out, map[string]any{"role": "user", "content": n.blocksToContent(pending)})
		pending = nil
	}

	for _, b := range msg.Content {
		switch block := b.(type) {
		case ir.ToolResultBlock:
			if len(pending) > 0 {
				flush()
			}
			out = append(out, n.toolResultBlockToMessage(block))
		case ir.ToolUseBlock, ir.UnknownBlock:
		default:
			pending = append(pending, b)
		}
	}
	if len(pending) > 0 {
		flush()
	}
	if len(out) == 0 {
		out = append(out, map[string]any{"role": "user", "content": ""})
	}
	return out
}

func (n *OpenAINormalizer) assistantMessageFromInternal(msg *ir.Message) map[string]any {
	contentBlocks, toolBlocks := splitResponseBlocks(msg.Content)
	out := map[string]any{
		"role":    "assistant",
		"content": n.blocksToContent(contentBlocks),
	}
	if len(toolBlocks) > 0 {
		calls := make([]any, 0, len(toolBlocks))
		for idx, b := range toolBlocks {
			calls = append(calls, n.toolBlockToCall(b, idx))
		}
		out["tool_calls"] = calls
	}
	return out
}

func (n *OpenAINormalizer) toolResultBlockToMessage(block ir.ToolResultBlock) map[string]any {
	var content string
	switch {
	case block.HasText:
		content = block.ContentText
	case block.Output == nil:
		content = ""
	default:
		if s, ok := block.Output.(string); ok {
			content = s
		} else if m, ok := block.Output.(map[string]any); ok {
			content = marshalJSONString(m)
		} else {
			content = marshalJSONValue(block.Output)
		}
	}
	return map[string]any{
		"role":         "tool",
		"tool_call_id": block.ToolUseID,
		"content":      content,
	}
}

func (n *OpenAINormalizer) toolBlockToCall(block ir.ToolUseBlock, index int) map[string]any {
	id := block.ToolID
	if id == "" {
		id = fmt.Sprintf("call_%d", index)
	}
	return map[string]any{
		"index": index,
		"id":    id,
		"type":  "function",
		"function": map[string]any{
			"name":      block.ToolName,
			"arguments": marshalJSONString(block.ToolInput),
		},
	}
}

// imageURLToBlock classifies an OpenAI image_url: data URLs become inline
// base64 blocks, everything else stays a URL reference.
func imageURLToBlock(url string) ir.ImageBlock {
	if strings.HasPrefix(url, "data:") && strings.Contains(url, ";base64,") {
		header, data, _ := strings.Cut(url, ",")
		mediaType := strings.TrimPrefix(strings.SplitN(header, ";", 2)[0], "data:")
		return ir.ImageBlock{Data: data, MediaType: mediaType}
	}
	return ir.ImageBlock{URL: url}
}
