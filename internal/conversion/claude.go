package conversion

import (
	"strings"

	"github.com/aetherhq/aether-gateway/internal/ir"
)

// ClaudeNormalizer maps the Anthropic Messages wire format to the IR. The
// CLI variant shares the exact wire shape and differs only in its format id,
// so both are backed by this type.
type ClaudeNormalizer struct {
	formatID string
}

func NewClaudeNormalizer() *ClaudeNormalizer {
	return &ClaudeNormalizer{formatID: FormatClaudeChat}
}

func NewClaudeCLINormalizer() *ClaudeNormalizer {
	return &ClaudeNormalizer{formatID: FormatClaudeCLI}
}

func (n *ClaudeNormalizer) FormatID() string { return n.formatID }

func (n *ClaudeNormalizer) Capabilities() ir.Capabilities {
	return ir.Capabilities{Stream: true, Errors: true, Tools: true, Images: true}
}

var errorTypeToClaude = map[ir.ErrorType]string{
	ir.ErrInvalidRequest:        "invalid_request_error",
	ir.ErrAuthentication:        "authentication_error",
	ir.ErrPermissionDenied:      "permission_error",
	ir.ErrNotFound:              "not_found_error",
	ir.ErrRateLimit:             "rate_limit_error",
	ir.ErrOverloaded:            "overloaded_error",
	ir.ErrServerError:           "api_error",
	ir.ErrContentFiltered:       "invalid_request_error",
	ir.ErrContextLengthExceeded: "invalid_request_error",
	ir.ErrUnknown:               "api_error",
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

func (n *ClaudeNormalizer) RequestToInternal(request map[string]any) (*ir.Request, error) {
	dropped := map[string]int{}

	var instructions []ir.InstructionSegment
	extra := map[string]any{}

	systemText, systemParts := n.collapseSystem(request["system"])
	if systemText != "" {
		instructions = append(instructions, ir.InstructionSegment{Role: ir.RoleSystem, Text: systemText})
	}
	if systemParts != nil {
		// Any cache_control on a system part forces the array form on render.
		extra["claude_system_parts"] = systemParts
	}

	var messages []ir.Message
	if rawMessages, ok := asSlice(request["messages"]); ok {
		for _, rawMsg := range rawMessages {
			msg, ok := asMap(rawMsg)
			if !ok {
				dropped["claude_message_non_object"]++
				continue
			}
			role := asString(msg["role"])
			// Stray system/developer entries are hoisted into instructions.
			if role == "system" || role == "developer" {
				text := n.collapseContentText(msg["content"])
				if text != "" {
					segRole := ir.RoleSystem
					if role == "developer" {
						segRole = ir.RoleDeveloper
					}
					instructions = append(instructions, ir.InstructionSegment{Role: segRole, Text: text})
				}
				continue
			}
			blocks := n.contentToBlocks(msg["content"], dropped)
			irRole := ir.RoleUser
			if role == "assistant" {
				irRole = ir.RoleAssistant
			}
			messages = append(messages, ir.Message{
				Role:    irRole,
				Content: blocks,
				Extra:   extractExtra(msg, "role", "content"),
			})
		}
	}

	if claudeExtra := extractExtra(request,
		"model", "messages", "system", "max_tokens", "temperature", "top_p", "top_k",
		"stop_sequences", "stream", "tools", "tool_choice", "thinking", "metadata"); claudeExtra != nil {
		extra["claude"] = claudeExtra
	}
	if metadata, ok := asMap(request["metadata"]); ok {
		extra["claude_metadata"] = metadata
	}

	internal := &ir.Request{
		Model:         asString(request["model"]),
		Messages:      messages,
		Instructions:  instructions,
		System:        joinInstructions(instructions),
		MaxTokens:     optionalInt(request["max_tokens"]),
		Temperature:   optionalFloat(request["temperature"]),
		TopP:          optionalFloat(request["top_p"]),
		TopK:          optionalInt(request["top_k"]),
		StopSequences: coerceStrList(request["stop_sequences"]),
		Stream:        asBool(request["stream"]),
		Tools:         n.toolsToInternal(request["tools"]),
		ToolChoice:    n.toolChoiceToInternal(request["tool_choice"]),
		Thinking:      n.thinkingToInternal(request["thinking"]),
		WebSearch:     n.webSearchToInternal(request["tools"]),
		Extra:         extra,
	}
	internal.Extra = recordDropped(internal.Extra, dropped)
	return internal, nil
}

func (n *ClaudeNormalizer) RequestFromInternal(internal *ir.Request, targetVariant string) (map[string]any, error) {
	result := map[string]any{
		"model":      internal.Model,
		"max_tokens": n.resolveMaxTokens(internal),
	}

	if parts, ok := asSlice(internal.Extra["claude_system_parts"]); ok {
		result["system"] = parts
	} else if system := systemOrJoined(internal); system != "" {
		result["system"] = system
	}

	result["messages"] = n.coerceMessageSequence(internal.Messages)

	if internal.Temperature != nil {
		result["temperature"] = *internal.Temperature
	}
	if internal.TopP != nil {
		result["top_p"] = *internal.TopP
	}
	if internal.TopK != nil {
		result["top_k"] = *internal.TopK
	}
	if len(internal.StopSequences) > 0 {
		result["stop_sequences"] = internal.StopSequences
	}
	if internal.Stream {
		result["stream"] = true
	}

	tools := make([]any, 0, len(internal.Tools))
	for _, t := range internal.Tools {
		tool := map[string]any{"name": t.Name}
		if t.Description != "" {
			tool["description"] = t.Description
		}
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tool["input_schema"] = params
		tools = append(tools, tool)
	}
	if internal.WebSearch != nil {
		tool := map[string]any{"type": claudeWebSearchToolType, "name": "web_search"}
		if internal.WebSearch.MaxUses > 0 {
			tool["max_uses"] = internal.WebSearch.MaxUses
		}
		for k, v := range internal.WebSearch.Extra {
			tool[k] = v
		}
		tools = append(tools, tool)
	}
	if len(tools) > 0 {
		result["tools"] = tools
	}

	if internal.ToolChoice != nil {
		result["tool_choice"] = n.toolChoiceFromInternal(internal.ToolChoice)
	}

	if internal.Thinking != nil && internal.Thinking.Enabled {
		maxTokens := result["max_tokens"].(int)
		budget := ir.DefaultThinkingBudget(maxTokens)
		if internal.Thinking.BudgetTokens != nil {
			budget = *internal.Thinking.BudgetTokens
		}
		if budget < 1024 {
			budget = 1024
		}
		// The API requires budget_tokens strictly below max_tokens.
		if budget >= maxTokens {
			result["max_tokens"] = budget + 1
		}
		result["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
	}

	if metadata, ok := asMap(internal.Extra["claude_metadata"]); ok {
		result["metadata"] = metadata
	}

	return result, nil
}

// resolveMaxTokens applies the fallback chain: request value, then the model
// catalog's output limit, then the Claude default.
func (n *ClaudeNormalizer) resolveMaxTokens(internal *ir.Request) int {
	if internal.MaxTokens != nil && *internal.MaxTokens > 0 {
		return *internal.MaxTokens
	}
	if internal.OutputLimit != nil && *internal.OutputLimit > 0 {
		return *internal.OutputLimit
	}
	return ir.ClaudeDefaultMaxTokens
}

// coerceMessageSequence renders messages into the shape Claude accepts:
// only user/assistant roles, a user message first, and no two consecutive
// messages with the same role.
func (n *ClaudeNormalizer) coerceMessageSequence(messages []ir.Message) []any {
	type rendered struct {
		role    string
		content []any
	}
	var seq []rendered
	for _, msg := range messages {
		role := "user"
		if msg.Role == ir.RoleAssistant {
			role = "assistant"
		}
		content := n.blocksToContent(msg.Content, role)
		if len(content) == 0 {
			continue
		}
		if len(seq) > 0 && seq[len(seq)-1].role == role {
			last := &seq[len(seq)-1]
			last.content = append(last.content, content...)
			continue
		}
		seq = append(seq, rendered{role: role, content: content})
	}

	out := make([]any, 0, len(seq)+1)
	if len(seq) > 0 && seq[0].role != "user" {
		out = append(out, map[string]any{"role": "user", "content": ""})
	}
	for _, msg := range seq {
		out = append(out, map[string]any{"role": msg.role, "content": msg.content})
	}
	return out
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

func (n *ClaudeNormalizer) ResponseToInternal(response map[string]any) (*ir.Response, error) {
	dropped := map[string]int{}
	blocks := n.contentToBlocks(response["content"], dropped)

	var stopReason ir.StopReason
	if raw := asString(response["stop_reason"]); raw != "" {
		if mapped, ok := ir.ClaudeStopToInternal[raw]; ok {
			stopReason = mapped
		} else {
			stopReason = ir.StopUnknown
		}
	}

	internal := &ir.Response{
		ID:         asString(response["id"]),
		Model:      asString(response["model"]),
		Content:    blocks,
		StopReason: stopReason,
		Usage:      n.usageToInternal(response["usage"]),
		Extra:      nil,
	}
	internal.Extra = recordDropped(internal.Extra, dropped)
	return internal, nil
}

func (n *ClaudeNormalizer) ResponseFromInternal(internal *ir.Response, requestedModel string) (map[string]any, error) {
	id := internal.ID
	if id == "" {
		id = "stream"
	}
	if !strings.HasPrefix(id, "msg_") {
		id = "msg_" + id
	}

	model := internal.Model
	if requestedModel != "" {
		model = requestedModel
	}

	stopReason := "end_turn"
	if internal.StopReason != "" {
		if mapped, ok := ir.StopReasonToClaude[internal.StopReason]; ok {
			stopReason = mapped
		}
	}

	usage := map[string]any{"input_tokens": 0, "output_tokens": 0}
	if internal.Usage != nil {
		usage["input_tokens"] = internal.Usage.InputTokens
		usage["output_tokens"] = internal.Usage.OutputTokens
		if internal.Usage.CacheReadTokens > 0 {
			usage["cache_read_input_tokens"] = internal.Usage.CacheReadTokens
		}
		if internal.Usage.CacheWriteTokens > 0 {
			usage["cache_creation_input_tokens"] = internal.Usage.CacheWriteTokens
		}
	}

	content := n.blocksToContent(internal.Content, "assistant")
	if content == nil {
		content = []any{}
	}

	return map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage":         usage,
	}, nil
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// claudeStreamSub tracks Claude-specific streaming bookkeeping.
type claudeStreamSub struct {
	MessageStarted bool
	BlockTypes     map[int]ir.ContentType
	BlockToolIDs   map[int]string
	StopReason     ir.StopReason
	Usage          *ir.Usage
}

func (s *claudeStreamSub) init() {
	if s.BlockTypes == nil {
		s.BlockTypes = make(map[int]ir.ContentType)
	}
	if s.BlockToolIDs == nil {
		s.BlockToolIDs = make(map[int]string)
	}
}

func (n *ClaudeNormalizer) StreamChunkToInternal(chunk map[string]any, state *ir.StreamState) ([]ir.StreamEvent, error) {
	sub := ir.SubState[claudeStreamSub](state, n.formatID)
	sub.init()

	switch asString(chunk["type"]) {
	case "ping":
		return nil, nil

	case "message_start":
		message, _ := asMap(chunk["message"])
		messageID := asString(message["id"])
		if messageID == "" {
			messageID = state.MessageID
		}
		state.MessageID = messageID
		// The client-requested model wins; only fill from upstream when empty.
		model := state.Model
		if model == "" {
			model = asString(message["model"])
			state.Model = model
		}
		sub.MessageStarted = true
		return []ir.StreamEvent{ir.MessageStart{
			MessageID: messageID,
			Model:     model,
			Usage:     n.usageToInternal(message["usage"]),
		}}, nil

	case "content_block_start":
		index := intOr(chunk["index"], 0)
		block, _ := asMap(chunk["content_block"])
		switch asString(block["type"]) {
		case "text":
			sub.BlockTypes[index] = ir.ContentText
			return []ir.StreamEvent{ir.ContentBlockStart{BlockIndex: index, Type: ir.ContentText}}, nil
		case "thinking":
			sub.BlockTypes[index] = ir.ContentThinking
			return []ir.StreamEvent{ir.ContentBlockStart{BlockIndex: index, Type: ir.ContentThinking}}, nil
		case "tool_use":
			toolID := asString(block["id"])
			sub.BlockTypes[index] = ir.ContentToolUse
			sub.BlockToolIDs[index] = toolID
			return []ir.StreamEvent{ir.ContentBlockStart{
				BlockIndex: index,
				Type:       ir.ContentToolUse,
				ToolID:     toolID,
				ToolName:   asString(block["name"]),
			}}, nil
		default:
			sub.BlockTypes[index] = ir.ContentUnknown
			return []ir.StreamEvent{ir.UnknownStreamEvent{RawType: "content_block_start", Payload: chunk}}, nil
		}

	case "content_block_delta":
		index := intOr(chunk["index"], 0)
		delta, _ := asMap(chunk["delta"])
		switch asString(delta["type"]) {
		case "text_delta":
			return []ir.StreamEvent{ir.ContentDelta{BlockIndex: index, TextDelta: asString(delta["text"])}}, nil
		case "thinking_delta":
			return []ir.StreamEvent{ir.ContentDelta{BlockIndex: index, TextDelta: asString(delta["thinking"])}}, nil
		case "input_json_delta":
			return []ir.StreamEvent{ir.ToolCallDelta{
				BlockIndex: index,
				ToolID:     sub.BlockToolIDs[index],
				InputDelta: asString(delta["partial_json"]),
			}}, nil
		case "signature_delta":
			return []ir.StreamEvent{ir.UnknownStreamEvent{RawType: "signature_delta", Payload: chunk}}, nil
		default:
			return []ir.StreamEvent{ir.UnknownStreamEvent{RawType: "content_block_delta", Payload: chunk}}, nil
		}

	case "content_block_stop":
		index := intOr(chunk["index"], 0)
		return []ir.StreamEvent{ir.ContentBlockStop{BlockIndex: index}}, nil

	case "message_delta":
		// stop_reason and final usage arrive here but the terminal IR event
		// is emitted on message_stop.
		delta, _ := asMap(chunk["delta"])
		if raw := asString(delta["stop_reason"]); raw != "" {
			if mapped, ok := ir.ClaudeStopToInternal[raw]; ok {
				sub.StopReason = mapped
			} else {
				sub.StopReason = ir.StopUnknown
			}
		}
		if usage := n.usageToInternal(chunk["usage"]); usage != nil {
			sub.Usage = usage
		}
		return nil, nil

	case "message_stop":
		return []ir.StreamEvent{ir.MessageStop{StopReason: sub.StopReason, Usage: sub.Usage}}, nil

	case "error":
		return []ir.StreamEvent{ir.ErrorEvent{Err: n.ErrorToInternal(chunk)}}, nil
	}

	return []ir.StreamEvent{ir.UnknownStreamEvent{RawType: asString(chunk["type"]), Payload: chunk}}, nil
}

func (n *ClaudeNormalizer) StreamEventFromInternal(event ir.StreamEvent, state *ir.StreamState) ([]map[string]any, error) {
	sub := ir.SubState[claudeStreamSub](state, n.formatID+":render")
	sub.init()

	switch ev := event.(type) {
	case ir.MessageStart:
		if ev.MessageID != "" {
			state.MessageID = ev.MessageID
		}
		if state.Model == "" {
			state.Model = ev.Model
		}
		messageID := state.MessageID
		if messageID == "" {
			messageID = "msg_stream"
		}
		usage := map[string]any{"input_tokens": 0, "output_tokens": 0}
		if ev.Usage != nil {
			usage["input_tokens"] = ev.Usage.InputTokens
			usage["output_tokens"] = ev.Usage.OutputTokens
		}
		return []map[string]any{{
			"type": "message_start",
			"message": map[string]any{
				"id":            messageID,
				"type":          "message",
				"role":          "assistant",
				"model":         state.Model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         usage,
			},
		}}, nil

	case ir.ContentBlockStart:
		var block map[string]any
		switch ev.Type {
		case ir.ContentText:
			block = map[string]any{"type": "text", "text": ""}
		case ir.ContentThinking:
			block = map[string]any{"type": "thinking", "thinking": ""}
		case ir.ContentToolUse:
			block = map[string]any{
				"type":  "tool_use",
				"id":    ev.ToolID,
				"name":  ev.ToolName,
				"input": map[string]any{},
			}
		default:
			// Image and unknown blocks have no Claude streaming shape.
			return nil, nil
		}
		sub.BlockTypes[ev.BlockIndex] = ev.Type
		return []map[string]any{{
			"type":          "content_block_start",
			"index":         ev.BlockIndex,
			"content_block": block,
		}}, nil

	case ir.ContentDelta:
		if ev.TextDelta == "" {
			return nil, nil
		}
		delta := map[string]any{"type": "text_delta", "text": ev.TextDelta}
		if sub.BlockTypes[ev.BlockIndex] == ir.ContentThinking {
			delta = map[string]any{"type": "thinking_delta", "thinking": ev.TextDelta}
		}
		return []map[string]any{{
			"type":  "content_block_delta",
			"index": ev.BlockIndex,
			"delta": delta,
		}}, nil

	case ir.ToolCallDelta:
		if ev.InputDelta == "" {
			return nil, nil
		}
		return []map[string]any{{
			"type":  "content_block_delta",
			"index": ev.BlockIndex,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.InputDelta},
		}}, nil

	case ir.ContentBlockStop:
		if _, open := sub.BlockTypes[ev.BlockIndex]; !open {
			return nil, nil
		}
		delete(sub.BlockTypes, ev.BlockIndex)
		return []map[string]any{{
			"type":  "content_block_stop",
			"index": ev.BlockIndex,
		}}, nil

	case ir.MessageStop:
		stopReason := "end_turn"
		if ev.StopReason != "" {
			if mapped, ok := ir.StopReasonToClaude[ev.StopReason]; ok {
				stopReason = mapped
			}
		}
		usage := map[string]any{"output_tokens": 0}
		if ev.Usage != nil {
			usage = map[string]any{
				"input_tokens":  ev.Usage.InputTokens,
				"output_tokens": ev.Usage.OutputTokens,
			}
		}
		return []map[string]any{
			{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
				"usage": usage,
			},
			{"type": "message_stop"},
		}, nil

	case ir.ErrorEvent:
		return []map[string]any{n.ErrorFromInternal(ev.Err)}, nil
	}

	return nil, nil
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func (n *ClaudeNormalizer) IsErrorResponse(response map[string]any) bool {
	if asString(response["type"]) == "error" {
		return true
	}
	_, hasError := response["error"]
	return hasError
}

func (n *ClaudeNormalizer) ErrorToInternal(errorResponse map[string]any) *ir.Error {
	errObj, _ := asMap(errorResponse["error"])
	rawType := asString(errObj["type"])

	errType, ok := ir.ClaudeErrorToInternal[rawType]
	if !ok {
		errType = ir.ErrUnknown
	}

	return &ir.Error{
		Type:      errType,
		Message:   asString(errObj["message"]),
		Retryable: ir.IsRetryable(errType),
		Extra:     map[string]any{"claude": errObj, "raw": map[string]any{"type": rawType}},
	}
}

func (n *ClaudeNormalizer) ErrorFromInternal(internal *ir.Error) map[string]any {
	errType, ok := errorTypeToClaude[internal.Type]
	if !ok {
		errType = "api_error"
	}
	payload := map[string]any{"type": errType, "message": internal.Message}
	if internal.Param != "" {
		payload["param"] = internal.Param
	}
	if internal.Code != "" {
		payload["code"] = internal.Code
	}
	return map[string]any{"type": "error", "error": payload}
}

// ---------------------------------------------------------------------------
// Body helpers
// ---------------------------------------------------------------------------

// collapseSystem accepts the string form or the array-of-parts form.
// Returns the joined text and, when any part carries cache_control, the
// original array so the render side can preserve it.
func (n *ClaudeNormalizer) collapseSystem(system any) (string, []any) {
	switch v := system.(type) {
	case string:
		return v, nil
	case []any:
		var texts []string
		hasCacheControl := false
		for _, rawPart := range v {
			part, ok := asMap(rawPart)
			if !ok {
				continue
			}
			if text := asString(part["text"]); text != "" {
				texts = append(texts, text)
			}
			if _, ok := part["cache_control"]; ok {
				hasCacheControl = true
			}
		}
		joined := strings.Join(texts, "\n\n")
		if hasCacheControl {
			return joined, v
		}
		return joined, nil
	}
	return "", nil
}

// collapseContentText flattens a message's content to plain text; used when
// hoisting system/developer messages.
func (n *ClaudeNormalizer) collapseContentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var texts []string
		for _, rawPart := range v {
			if part, ok := asMap(rawPart); ok {
				if text := asString(part["text"]); text != "" {
					texts = append(texts, text)
				}
			}
		}
		return strings.Join(texts, "\n\n")
	}
	return ""
}

func (n *ClaudeNormalizer) contentToBlocks(content any, dropped map[string]int) []ir.ContentBlock {
	switch v := content.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []ir.ContentBlock{ir.TextBlock{Text: v}}
	case []any:
		var blocks []ir.ContentBlock
		for _, rawBlock := range v {
			block, ok := asMap(rawBlock)
			if !ok {
				dropped["claude_block_non_object"]++
				continue
			}
			if parsed := n.blockToInternal(block, dropped); parsed != nil {
				blocks = append(blocks, parsed)
			}
		}
		return blocks
	case nil:
		return nil
	}
	dropped["claude_content_unsupported"]++
	return nil
}

func (n *ClaudeNormalizer) blockToInternal(block map[string]any, dropped map[string]int) ir.ContentBlock {
	blockType := asString(block["type"])
	switch blockType {
	case "text":
		return ir.TextBlock{
			Text:  asString(block["text"]),
			Extra: extractExtra(block, "type", "text"),
		}

	case "thinking":
		return ir.ThinkingBlock{
			Thinking:  asString(block["thinking"]),
			Signature: asString(block["signature"]),
			Extra:     extractExtra(block, "type", "thinking", "signature"),
		}

	case "image":
		source, _ := asMap(block["source"])
		switch asString(source["type"]) {
		case "base64":
			return ir.ImageBlock{
				Data:      asString(source["data"]),
				MediaType: asString(source["media_type"]),
			}
		case "url":
			return ir.ImageBlock{URL: asString(source["url"])}
		}
		dropped["claude_image_source_unsupported"]++
		return ir.UnknownBlock{RawType: "image", Payload: block}

	case "document":
		source, _ := asMap(block["source"])
		return ir.FileBlock{
			Data:      asString(source["data"]),
			MediaType: asString(source["media_type"]),
			Filename:  asString(block["title"]),
			Extra:     extractExtra(block, "type", "source", "title"),
		}

	case "tool_use":
		input, _ := asMap(block["input"])
		return ir.ToolUseBlock{
			ToolID:    asString(block["id"]),
			ToolName:  asString(block["name"]),
			ToolInput: input,
			Extra:     extractExtra(block, "type", "id", "name", "input"),
		}

	case "tool_result":
		return n.toolResultToInternal(block)

	case "redacted_thinking":
		return ir.UnknownBlock{RawType: "redacted_thinking", Payload: block}
	}

	dropped["claude_block:"+blockType]++
	return ir.UnknownBlock{RawType: blockType, Payload: block}
}

// toolResultToInternal normalizes tool_result content: a string that parses
// as a JSON object becomes structured Output, any other string stays as
// text, and a part list is flattened to its joined text.
func (n *ClaudeNormalizer) toolResultToInternal(block map[string]any) ir.ContentBlock {
	result := ir.ToolResultBlock{
		ToolUseID: asString(block["tool_use_id"]),
		IsError:   asBool(block["is_error"]),
		Extra:     extractExtra(block, "type", "tool_use_id", "content", "is_error"),
	}
	switch content := block["content"].(type) {
	case string:
		if parsed := parseJSONObject(content); parsed != nil {
			result.Output = parsed
		} else {
			result.ContentText = content
			result.HasText = true
		}
	case []any:
		var texts []string
		for _, rawPart := range content {
			if part, ok := asMap(rawPart); ok {
				if text := asString(part["text"]); text != "" {
					texts = append(texts, text)
				}
			}
		}
		result.ContentText = strings.Join(texts, "\n\n")
		result.HasText = true
	default:
		result.Output = content
	}
	return result
}

// blocksToContent renders IR blocks into Claude content parts. role decides
// which block kinds are legal ("assistant" carries tool_use and thinking,
// "user" carries tool_result).
func (n *ClaudeNormalizer) blocksToContent(blocks []ir.ContentBlock, role string) []any {
	var parts []any
	for _, block := range blocks {
		switch b := block.(type) {
		case ir.TextBlock:
			if b.Text != "" {
				parts = append(parts, map[string]any{"type": "text", "text": b.Text})
			}

		case ir.ThinkingBlock:
			if role != "assistant" {
				continue
			}
			part := map[string]any{"type": "thinking", "thinking": b.Thinking}
			if b.Signature != "" {
				part["signature"] = b.Signature
			}
			parts = append(parts, part)

		case ir.ImageBlock:
			if b.Data != "" && b.MediaType != "" {
				parts = append(parts, map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": b.MediaType,
						"data":       b.Data,
					},
				})
			} else if b.URL != "" {
				parts = append(parts, map[string]any{
					"type":   "image",
					"source": map[string]any{"type": "url", "url": b.URL},
				})
			}

		case ir.FileBlock:
			if b.Data != "" && b.MediaType != "" {
				part := map[string]any{
					"type": "document",
					"source": map[string]any{
						"type":       "base64",
						"media_type": b.MediaType,
						"data":       b.Data,
					},
				}
				if b.Filename != "" {
					part["title"] = b.Filename
				}
				parts = append(parts, part)
			}

		case ir.ToolUseBlock:
			if role != "assistant" {
				continue
			}
			input := b.ToolInput
			if input == nil {
				input = map[string]any{}
			}
			parts = append(parts, map[string]any{
				"type":  "tool_use",
				"id":    b.ToolID,
				"name":  b.ToolName,
				"input": input,
			})

		case ir.ToolResultBlock:
			if role != "user" {
				continue
			}
			part := map[string]any{"type": "tool_result", "tool_use_id": b.ToolUseID}
			if b.HasText {
				part["content"] = b.ContentText
			} else if b.Output != nil {
				if m, ok := asMap(b.Output); ok {
					part["content"] = marshalJSONString(m)
				} else if s, ok := b.Output.(string); ok {
					part["content"] = s
				} else {
					part["content"] = marshalJSONString(map[string]any{"result": b.Output})
				}
			} else {
				part["content"] = ""
			}
			if b.IsError {
				part["is_error"] = true
			}
			parts = append(parts, part)

		case ir.UnknownBlock:
			if b.RawType == "redacted_thinking" && role == "assistant" {
				if b.Payload != nil {
					parts = append(parts, b.Payload)
				}
			}
			// Other unknown blocks are dropped on render.
		}
	}
	return parts
}

// claudeWebSearchToolType is the versioned server tool type the API expects.
const claudeWebSearchToolType = "web_search_20250305"

func (n *ClaudeNormalizer) toolsToInternal(raw any) []ir.ToolDefinition {
	rawTools, ok := asSlice(raw)
	if !ok {
		return nil
	}
	var tools []ir.ToolDefinition
	for _, rawTool := range rawTools {
		tool, ok := asMap(rawTool)
		if !ok {
			continue
		}
		// Server tools are carried on the request, not the tool list.
		if strings.HasPrefix(asString(tool["type"]), "web_search") {
			continue
		}
		name := asString(tool["name"])
		if name == "" {
			continue
		}
		params, _ := asMap(tool["input_schema"])
		tools = append(tools, ir.ToolDefinition{
			Name:        name,
			Description: asString(tool["description"]),
			Parameters:  params,
			Extra:       extractExtra(tool, "name", "description", "input_schema"),
		})
	}
	return tools
}

// webSearchToInternal lifts the web_search server tool out of the tools
// array; domain filters and user location ride along in Extra.
func (n *ClaudeNormalizer) webSearchToInternal(raw any) *ir.WebSearchConfig {
	rawTools, ok := asSlice(raw)
	if !ok {
		return nil
	}
	for _, rawTool := range rawTools {
		tool, ok := asMap(rawTool)
		if !ok || !strings.HasPrefix(asString(tool["type"]), "web_search") {
			continue
		}
		cfg := &ir.WebSearchConfig{
			Extra: extractExtra(tool, "type", "name", "max_uses"),
		}
		if maxUses := optionalInt(tool["max_uses"]); maxUses != nil {
			cfg.MaxUses = *maxUses
		}
		return cfg
	}
	return nil
}

func (n *ClaudeNormalizer) toolChoiceToInternal(raw any) *ir.ToolChoice {
	choice, ok := asMap(raw)
	if !ok {
		return nil
	}
	switch asString(choice["type"]) {
	case "none":
		return &ir.ToolChoice{Type: ir.ToolChoiceNone}
	case "any":
		return &ir.ToolChoice{Type: ir.ToolChoiceRequired}
	case "tool":
		return &ir.ToolChoice{Type: ir.ToolChoiceTool, ToolName: asString(choice["name"])}
	}
	return &ir.ToolChoice{Type: ir.ToolChoiceAuto}
}

func (n *ClaudeNormalizer) toolChoiceFromInternal(choice *ir.ToolChoice) map[string]any {
	switch choice.Type {
	case ir.ToolChoiceNone:
		return map[string]any{"type": "none"}
	case ir.ToolChoiceRequired:
		return map[string]any{"type": "any"}
	case ir.ToolChoiceTool:
		return map[string]any{"type": "tool", "name": choice.ToolName}
	}
	return map[string]any{"type": "auto"}
}

func (n *ClaudeNormalizer) thinkingToInternal(raw any) *ir.ThinkingConfig {
	thinking, ok := asMap(raw)
	if !ok {
		return nil
	}
	cfg := &ir.ThinkingConfig{
		Enabled:      asString(thinking["type"]) == "enabled",
		BudgetTokens: optionalInt(thinking["budget_tokens"]),
	}
	return cfg
}

func (n *ClaudeNormalizer) usageToInternal(raw any) *ir.Usage {
	usage, ok := asMap(raw)
	if !ok {
		return nil
	}
	u := &ir.Usage{
		InputTokens:      intOr(usage["input_tokens"], 0),
		OutputTokens:     intOr(usage["output_tokens"], 0),
		CacheReadTokens:  intOr(usage["cache_read_input_tokens"], 0),
		CacheWriteTokens: intOr(usage["cache_creation_input_tokens"], 0),
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}
