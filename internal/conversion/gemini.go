package conversion

import (
	"fmt"
	"strings"

	"github.com/aetherhq/aether-gateway/internal/ir"
)

// GeminiNormalizer maps the Gemini generateContent wire format to the IR.
// Request bodies accept both snake_case and camelCase field spellings;
// responses and stream chunks are camelCase. The CLI variant shares the wire
// shape and differs only in its format id.
type GeminiNormalizer struct {
	formatID string
}

func NewGeminiNormalizer() *GeminiNormalizer {
	return &GeminiNormalizer{formatID: FormatGeminiChat}
}

func NewGeminiCLINormalizer() *GeminiNormalizer {
	return &GeminiNormalizer{formatID: FormatGeminiCLI}
}

func (n *GeminiNormalizer) FormatID() string { return n.formatID }

func (n *GeminiNormalizer) Capabilities() ir.Capabilities {
	return ir.Capabilities{Stream: true, Errors: true, Tools: true, Images: true}
}

var errorTypeToGeminiStatus = map[ir.ErrorType]string{
	ir.ErrInvalidRequest:        "INVALID_ARGUMENT",
	ir.ErrAuthentication:        "UNAUTHENTICATED",
	ir.ErrPermissionDenied:      "PERMISSION_DENIED",
	ir.ErrNotFound:              "NOT_FOUND",
	ir.ErrRateLimit:             "RESOURCE_EXHAUSTED",
	ir.ErrOverloaded:            "UNAVAILABLE",
	ir.ErrServerError:           "INTERNAL",
	ir.ErrContentFiltered:       "FAILED_PRECONDITION",
	ir.ErrContextLengthExceeded: "INVALID_ARGUMENT",
	ir.ErrUnknown:               "INTERNAL",
}

// pickField returns the first present key, letting request parsing accept
// snake_case and camelCase interchangeably.
func pickField(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

func (n *GeminiNormalizer) RequestToInternal(request map[string]any) (*ir.Request, error) {
	dropped := map[string]int{}

	var instructions []ir.InstructionSegment
	if text := n.collapseSystemInstruction(pickField(request, "system_instruction", "systemInstruction"), dropped); text != "" {
		instructions = append(instructions, ir.InstructionSegment{Role: ir.RoleSystem, Text: text})
	}

	var messages []ir.Message
	if contents, ok := asSlice(request["contents"]); ok {
		for _, rawContent := range contents {
			content, ok := asMap(rawContent)
			if !ok {
				dropped["gemini_content_non_object"]++
				continue
			}
			messages = append(messages, n.contentToMessage(content, dropped))
		}
	} else if request["contents"] != nil {
		dropped["gemini_contents_non_list"]++
	}

	gc := n.generationConfig(request)

	extra := map[string]any{}
	if geminiExtra := extractExtra(request, "contents"); geminiExtra != nil {
		extra["gemini"] = geminiExtra
	}
	// responseModalities and thinkingConfig must survive the IR hop for
	// image generation and thought control.
	googleExtra := map[string]any{}
	if rm := pickField(gc, "response_modalities"); rm != nil {
		googleExtra["response_modalities"] = rm
	}
	if tc := pickField(gc, "thinking_config"); tc != nil {
		googleExtra["thinking_config"] = tc
	}
	if len(googleExtra) > 0 {
		extra["google"] = googleExtra
	}

	internal := &ir.Request{
		Model:         asString(request["model"]),
		Messages:      messages,
		Instructions:  instructions,
		System:        joinInstructions(instructions),
		MaxTokens:     optionalInt(gc["max_output_tokens"]),
		Temperature:   optionalFloat(gc["temperature"]),
		TopP:          optionalFloat(gc["top_p"]),
		TopK:          optionalInt(gc["top_k"]),
		StopSequences: coerceStrList(gc["stop_sequences"]),
		Stream:        asBool(request["stream"]),
		Tools:         n.toolsToInternal(request["tools"]),
		ToolChoice:    n.toolConfigToToolChoice(pickField(request, "tool_config", "toolConfig")),
		Extra:         extra,
	}
	internal.Extra = recordDropped(internal.Extra, dropped)
	return internal, nil
}

func (n *GeminiNormalizer) RequestFromInternal(internal *ir.Request, targetVariant string) (map[string]any, error) {
	contents := make([]any, 0, len(internal.Messages))
	for i := range internal.Messages {
		contents = append(contents, n.messageToContent(&internal.Messages[i]))
	}

	result := map[string]any{"contents": contents}

	// The model usually rides in the URL path; keep it in the body only when
	// the IR carries one.
	if internal.Model != "" {
		result["model"] = internal.Model
	}

	if text := systemOrJoined(internal); text != "" {
		result["system_instruction"] = map[string]any{
			"parts": []any{map[string]any{"text": text}},
		}
	}

	gc := map[string]any{}
	if internal.MaxTokens != nil {
		gc["max_output_tokens"] = *internal.MaxTokens
	}
	if internal.Temperature != nil {
		gc["temperature"] = *internal.Temperature
	}
	if internal.TopP != nil {
		gc["top_p"] = *internal.TopP
	}
	if internal.TopK != nil {
		gc["top_k"] = *internal.TopK
	}
	if len(internal.StopSequences) > 0 {
		gc["stop_sequences"] = internal.StopSequences
	}

	// Passthrough config from OpenAI extra_body.google or a prior Gemini
	// request survives into generationConfig.
	if googleExtra, ok := asMap(internal.Extra["google"]); ok {
		if tc, ok := asMap(googleExtra["thinking_config"]); ok {
			thinking := map[string]any{}
			for k, v := range tc {
				switch k {
				case "thinking_budget":
					thinking["thinkingBudget"] = v
				case "include_thoughts":
					thinking["includeThoughts"] = v
				default:
					thinking[k] = v
				}
			}
			if len(thinking) > 0 {
				gc["thinkingConfig"] = thinking
			}
		}
		if rm := googleExtra["response_modalities"]; rm != nil {
			gc["responseModalities"] = rm
		}
	}
	if geminiExtra, ok := asMap(internal.Extra["gemini"]); ok {
		if origGC, ok := asMap(pickField(geminiExtra, "generation_config", "generationConfig")); ok {
			if _, have := gc["responseModalities"]; !have {
				if rm := pickField(origGC, "responseModalities", "response_modalities"); rm != nil {
					gc["responseModalities"] = rm
				}
			}
			if _, have := gc["thinkingConfig"]; !have {
				if tc := pickField(origGC, "thinkingConfig", "thinking_config"); tc != nil {
					gc["thinkingConfig"] = tc
				}
			}
		}
	}

	if len(gc) > 0 {
		result["generation_config"] = gc
	}

	if len(internal.Tools) > 0 {
		decls := make([]any, 0, len(internal.Tools))
		for _, t := range internal.Tools {
			params := t.Parameters
			if params == nil {
				params = map[string]any{}
			}
			decl := map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			}
			if declExtra, ok := asMap(t.Extra["gemini_function_declaration"]); ok {
				for k, v := range declExtra {
					decl[k] = v
				}
			}
			decls = append(decls, decl)
		}
		result["tools"] = []any{map[string]any{"function_declarations": decls}}
	}

	if internal.ToolChoice != nil {
		result["tool_config"] = n.toolChoiceToToolConfig(internal.ToolChoice)
	}

	return result, nil
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

func (n *GeminiNormalizer) ResponseToInternal(response map[string]any) (*ir.Response, error) {
	dropped := map[string]int{}

	model := asString(response["modelVersion"])
	if model == "" {
		model = asString(response["model"])
	}

	candidates, _ := asSlice(response["candidates"])
	var candidate0 map[string]any
	if len(candidates) > 0 {
		candidate0, _ = asMap(candidates[0])
	}
	content, _ := asMap(candidate0["content"])

	blocks := n.partsToBlocks(content["parts"], dropped)

	stopReason := ir.StopReason("")
	extra := map[string]any{}
	if finishReason, ok := candidate0["finishReason"].(string); ok {
		mapped, known := ir.GeminiFinishToInternal[finishReason]
		if !known {
			mapped = ir.StopUnknown
		}
		stopReason = mapped
		extra["raw"] = map[string]any{"finishReason": finishReason}
	}

	internal := &ir.Response{
		ID:         asString(response["id"]),
		Model:      model,
		Content:    blocks,
		StopReason: stopReason,
		Usage:      n.usageMetadataToInternal(response["usageMetadata"]),
		Extra:      extra,
	}
	internal.Extra = recordDropped(internal.Extra, dropped)
	return internal, nil
}

func (n *GeminiNormalizer) ResponseFromInternal(internal *ir.Response, requestedModel string) (map[string]any, error) {
	parts := []any{}
	for _, b := range internal.Content {
		switch block := b.(type) {
		case ir.TextBlock:
			if block.Text != "" {
				parts = append(parts, map[string]any{"text": block.Text})
			}
		case ir.ToolUseBlock:
			input := block.ToolInput
			if input == nil {
				input = map[string]any{}
			}
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{"name": block.ToolName, "args": input},
			})
		case ir.ImageBlock:
			if block.Data != "" && block.MediaType != "" {
				parts = append(parts, map[string]any{
					"inlineData": map[string]any{"mimeType": block.MediaType, "data": block.Data},
				})
			} else if block.URL != "" {
				parts = append(parts, map[string]any{"text": "[Image: " + block.URL + "]"})
			}
		}
	}

	candidate := map[string]any{
		"content": map[string]any{"parts": parts, "role": "model"},
		"index":   0,
	}
	if internal.StopReason != "" {
		fr, ok := ir.StopReasonToGemini[internal.StopReason]
		if !ok {
			fr = "OTHER"
		}
		candidate["finishReason"] = fr
	}

	model := requestedModel
	if model == "" {
		model = internal.Model
	}
	if model == "" {
		model = "gemini"
	}

	out := map[string]any{
		"candidates":   []any{candidate},
		"modelVersion": model,
	}
	if internal.Usage != nil {
		out["usageMetadata"] = n.usageMetadataFromInternal(internal.Usage)
	}
	if internal.ID != "" {
		out["id"] = internal.ID
	}
	return out, nil
}

func (n *GeminiNormalizer) usageMetadataFromInternal(usage *ir.Usage) map[string]any {
	meta := map[string]any{
		"promptTokenCount":     usage.InputTokens,
		"candidatesTokenCount": usage.OutputTokens,
		"totalTokenCount":      usage.Total(),
	}
	if usage.CacheReadTokens > 0 {
		meta["cachedContentTokenCount"] = usage.CacheReadTokens
	}
	return meta
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// geminiToolEntry accumulates a rendered functionCall until its block closes.
type geminiToolEntry struct {
	Name string
	JSON string
}

// geminiStreamSub tracks chunk state. Text may arrive cumulative, so the
// running accumulation is kept to derive deltas.
type geminiStreamSub struct {
	MessageStarted   bool
	TextBlockStarted bool
	TextBlockStopped bool
	AccumulatedText  string
	NextBlockIndex   int

	// Render-side state.
	ToolBlocks map[int]*geminiToolEntry
}

func (n *GeminiNormalizer) StreamChunkToInternal(chunk map[string]any, state *ir.StreamState) ([]ir.StreamEvent, error) {
	ss := ir.SubState[geminiStreamSub](state, n.formatID)
	var events []ir.StreamEvent

	if !ss.MessageStarted {
		model := state.Model
		if model == "" {
			model = asString(chunk["modelVersion"])
		}
		if state.Model == "" {
			state.Model = model
		}
		if state.MessageID == "" {
			state.MessageID = "gemini"
		}
		ss.MessageStarted = true
		ss.NextBlockIndex = 1
		events = append(events, ir.MessageStart{MessageID: state.MessageID, Model: model})
	}

	candidates, _ := asSlice(chunk["candidates"])
	if len(candidates) == 0 {
		if _, ok := chunk["error"]; ok {
			events = append(events, ir.ErrorEvent{Err: n.ErrorToInternal(chunk)})
		}
		return events, nil
	}
	candidate0, _ := asMap(candidates[0])
	content, _ := asMap(candidate0["content"])

	if parts, ok := asSlice(content["parts"]); ok {
		for _, rawPart := range parts {
			part, ok := asMap(rawPart)
			if !ok {
				continue
			}

			if text := asString(part["text"]); text != "" {
				// Deltas may arrive cumulative; subtract the accumulated prefix.
				delta := text
				if strings.HasPrefix(text, ss.AccumulatedText) {
					delta = text[len(ss.AccumulatedText):]
					ss.AccumulatedText = text
				} else {
					ss.AccumulatedText += delta
				}
				if delta != "" {
					if !ss.TextBlockStarted {
						ss.TextBlockStarted = true
						events = append(events, ir.ContentBlockStart{BlockIndex: 0, Type: ir.ContentText})
					}
					events = append(events, ir.ContentDelta{BlockIndex: 0, TextDelta: delta})
				}
				continue
			}

			if funcCall, ok := asMap(pickField(part, "functionCall", "function_call")); ok {
				name := asString(funcCall["name"])
				args, _ := asMap(funcCall["args"])

				blockIndex := ss.NextBlockIndex
				if blockIndex < 1 {
					blockIndex = 1
				}
				ss.NextBlockIndex = blockIndex + 1

				// Gemini never assigns call ids; synthesize one unique per
				// block so downstream renderers keyed by tool id cannot
				// collapse distinct calls.
				toolID := fmt.Sprintf("toolu_%s_%d", name, blockIndex)
				if name == "" {
					toolID = fmt.Sprintf("toolu_%d", blockIndex)
				}

				events = append(events, ir.ContentBlockStart{
					BlockIndex: blockIndex,
					Type:       ir.ContentToolUse,
					ToolID:     toolID,
					ToolName:   name,
				})
				if len(args) > 0 {
					events = append(events, ir.ToolCallDelta{
						BlockIndex: blockIndex,
						ToolID:     toolID,
						InputDelta: marshalJSONString(args),
					})
				}
				events = append(events, ir.ContentBlockStop{BlockIndex: blockIndex})
				continue
			}

			if inline, ok := asMap(pickField(part, "inlineData", "inline_data")); ok {
				mimeType := strings.TrimSpace(asString(pickField(inline, "mimeType", "mime_type")))
				data := strings.TrimSpace(asString(inline["data"]))
				if mimeType != "" && len(data) > 10 {
					blockIndex := ss.NextBlockIndex
					if blockIndex < 1 {
						blockIndex = 1
					}
					ss.NextBlockIndex = blockIndex + 1

					events = append(events, ir.ContentBlockStart{
						BlockIndex: blockIndex,
						Type:       ir.ContentImage,
						Extra: map[string]any{
							"image_data":       data,
							"image_media_type": mimeType,
						},
					})
					events = append(events, ir.ContentBlockStop{BlockIndex: blockIndex})
				}
				continue
			}
		}
	}

	if finishReason, ok := candidate0["finishReason"].(string); ok && finishReason != "" {
		stopReason, known := ir.GeminiFinishToInternal[finishReason]
		if !known {
			stopReason = ir.StopUnknown
		}
		if ss.TextBlockStarted && !ss.TextBlockStopped {
			ss.TextBlockStopped = true
			events = append(events, ir.ContentBlockStop{BlockIndex: 0})
		}
		events = append(events, ir.MessageStop{StopReason: stopReason, Usage: n.usageMetadataToInternal(chunk["usageMetadata"])})
	}

	if _, ok := chunk["error"]; ok {
		events = append(events, ir.ErrorEvent{Err: n.ErrorToInternal(chunk)})
	}

	return events, nil
}

func (n *GeminiNormalizer) StreamEventFromInternal(event ir.StreamEvent, state *ir.StreamState) ([]map[string]any, error) {
	ss := ir.SubState[geminiStreamSub](state, n.formatID+":render")

	baseChunk := func(parts []any) map[string]any {
		return map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": parts, "role": "model"},
				"index":   0,
			}},
			"modelVersion": state.Model,
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
		return nil, nil

	case ir.ContentDelta:
		if ev.TextDelta == "" {
			return nil, nil
		}
		return []map[string]any{baseChunk([]any{map[string]any{"text": ev.TextDelta}})}, nil

	case ir.ContentBlockStart:
		switch ev.Type {
		case ir.ContentToolUse:
			if ss.ToolBlocks == nil {
				ss.ToolBlocks = map[int]*geminiToolEntry{}
			}
			ss.ToolBlocks[ev.BlockIndex] = &geminiToolEntry{Name: ev.ToolName}
		case ir.ContentImage:
			data := asString(ev.Extra["image_data"])
			mediaType := asString(ev.Extra["image_media_type"])
			if data != "" && mediaType != "" {
				return []map[string]any{baseChunk([]any{map[string]any{
					"inlineData": map[string]any{"mimeType": mediaType, "data": data},
				}})}, nil
			}
		}
		return nil, nil

	case ir.ToolCallDelta:
		if entry, ok := ss.ToolBlocks[ev.BlockIndex]; ok {
			entry.JSON += ev.InputDelta
		}
		return nil, nil

	case ir.ContentBlockStop:
		entry, ok := ss.ToolBlocks[ev.BlockIndex]
		if !ok {
			return nil, nil
		}
		delete(ss.ToolBlocks, ev.BlockIndex)
		args := parseJSONObject(entry.JSON)
		if args == nil {
			args = map[string]any{}
		}
		return []map[string]any{baseChunk([]any{map[string]any{
			"functionCall": map[string]any{"name": entry.Name, "args": args},
		}})}, nil

	case ir.MessageStop:
		chunk := baseChunk([]any{})
		if ev.StopReason != "" {
			fr, ok := ir.StopReasonToGemini[ev.StopReason]
			if !ok {
				fr = "OTHER"
			}
			candidates := chunk["candidates"].([]any)
			candidates[0].(map[string]any)["finishReason"] = fr
		}
		if ev.Usage != nil {
			chunk["usageMetadata"] = n.usageMetadataFromInternal(ev.Usage)
		}
		return []map[string]any{chunk}, nil

	case ir.ErrorEvent:
		return []map[string]any{n.ErrorFromInternal(ev.Err)}, nil
	}

	return nil, nil
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func (n *GeminiNormalizer) IsErrorResponse(response map[string]any) bool {
	_, ok := response["error"]
	return ok
}

func (n *GeminiNormalizer) ErrorToInternal(errorResponse map[string]any) *ir.Error {
	errBody, _ := asMap(errorResponse["error"])

	rawStatus := asString(errBody["status"])
	internalType, ok := ir.GeminiStatusToInternal[rawStatus]
	if !ok {
		internalType = ir.ErrUnknown
	}

	out := &ir.Error{
		Type:      internalType,
		Message:   asString(errBody["message"]),
		Retryable: ir.IsRetryable(internalType),
		Extra: map[string]any{
			"gemini": map[string]any{"error": errBody},
			"raw":    map[string]any{"status": rawStatus},
		},
	}
	if code := errBody["code"]; code != nil {
		out.Code = fmt.Sprintf("%v", code)
	}
	return out
}

func (n *GeminiNormalizer) ErrorFromInternal(internal *ir.Error) map[string]any {
	status, ok := errorTypeToGeminiStatus[internal.Type]
	if !ok {
		status = "INTERNAL"
	}
	code := 500
	if internal.Type == ir.ErrInvalidRequest {
		code = 400
	}
	return map[string]any{"error": map[string]any{
		"code":    code,
		"message": internal.Message,
		"status":  status,
	}}
}

// ---------------------------------------------------------------------------
// Body helpers
// ---------------------------------------------------------------------------

func (n *GeminiNormalizer) contentToMessage(content map[string]any, dropped map[string]int) ir.Message {
	role := ir.RoleUnknown
	switch asString(content["role"]) {
	case "model":
		role = ir.RoleAssistant
	case "user", "":
		role = ir.RoleUser
	}
	return ir.Message{
		Role:    role,
		Content: n.partsToBlocks(content["parts"], dropped),
		Extra:   extractExtra(content, "role", "parts"),
	}
}

func (n *GeminiNormalizer) partsToBlocks(parts any, dropped map[string]int) []ir.ContentBlock {
	if parts == nil {
		return nil
	}
	rawParts, ok := asSlice(parts)
	if !ok {
		dropped["gemini_parts_non_list"]++
		return nil
	}

	var blocks []ir.ContentBlock
	for _, rawPart := range rawParts {
		part, ok := asMap(rawPart)
		if !ok {
			dropped["gemini_part_non_object"]++
			continue
		}

		if _, has := part["text"]; has {
			if text := asString(part["text"]); text != "" {
				block := ir.TextBlock{Text: text}
				if extra := extractExtra(part, "text"); extra != nil {
					block.Extra = extra
				}
				blocks = append(blocks, block)
			}
			continue
		}

		if inline, ok := asMap(pickField(part, "inline_data", "inlineData")); ok {
			mimeType := asString(pickField(inline, "mime_type", "mimeType"))
			data := asString(inline["data"])
			if mimeType != "" && data != "" {
				blocks = append(blocks, ir.ImageBlock{Data: data, MediaType: mimeType})
			} else {
				dropped["gemini_inline_data_invalid"]++
				blocks = append(blocks, ir.UnknownBlock{RawType: "inline_data", Payload: part})
			}
			continue
		}

		if funcCall, ok := asMap(pickField(part, "function_call", "functionCall")); ok {
			name := asString(funcCall["name"])
			args, _ := asMap(funcCall["args"])
			if args == nil {
				args = map[string]any{}
			}
			toolID := "toolu_0"
			if name != "" {
				toolID = "toolu_" + name
			}
			blocks = append(blocks, ir.ToolUseBlock{
				ToolID:    toolID,
				ToolName:  name,
				ToolInput: args,
				Extra:     map[string]any{"gemini": part},
			})
			continue
		}

		if funcResp, ok := asMap(pickField(part, "function_response", "functionResponse")); ok {
			block := ir.ToolResultBlock{
				ToolUseID: asString(funcResp["name"]),
				Extra:     map[string]any{"gemini": part},
			}
			// The conventional response shape wraps the value as {"result": ...}.
			if response, ok := asMap(funcResp["response"]); ok {
				if result, has := response["result"]; has {
					if text, isStr := result.(string); isStr {
						block.ContentText = text
						block.HasText = true
					} else {
						block.Output = result
					}
				} else {
					block.Output = response
				}
			} else {
				block.Output = funcResp["response"]
			}
			blocks = append(blocks, block)
			continue
		}

		rawType := "unknown"
		for k := range part {
			rawType = k
			break
		}
		dropped["gemini_part:"+rawType]++
		blocks = append(blocks, ir.UnknownBlock{RawType: rawType, Payload: part})
	}
	return blocks
}

func (n *GeminiNormalizer) messageToContent(msg *ir.Message) map[string]any {
	role := "user"
	if msg.Role == ir.RoleAssistant {
		role = "model"
	}

	parts := []any{}
	for _, b := range msg.Content {
		switch block := b.(type) {
		case ir.TextBlock:
			if block.Text != "" {
				parts = append(parts, map[string]any{"text": block.Text})
			}
		case ir.ImageBlock:
			if block.Data != "" && block.MediaType != "" {
				parts = append(parts, map[string]any{
					"inline_data": map[string]any{"mime_type": block.MediaType, "data": block.Data},
				})
			} else if block.URL != "" {
				parts = append(parts, map[string]any{"text": "[Image: " + block.URL + "]"})
			}
		case ir.ToolUseBlock:
			if role != "model" {
				continue
			}
			input := block.ToolInput
			if input == nil {
				input = map[string]any{}
			}
			parts = append(parts, map[string]any{
				"function_call": map[string]any{"name": block.ToolName, "args": input},
			})
		case ir.ToolResultBlock:
			if role != "user" {
				continue
			}
			var value any
			switch {
			case block.HasText:
				value = block.ContentText
			case block.Output == nil:
				value = ""
			default:
				value = block.Output
			}
			parts = append(parts, map[string]any{
				"function_response": map[string]any{
					"name":     block.ToolUseID,
					"response": map[string]any{"result": value},
				},
			})
		}
	}
	return map[string]any{"role": role, "parts": parts}
}

func (n *GeminiNormalizer) collapseSystemInstruction(systemInstruction any, dropped map[string]int) string {
	if systemInstruction == nil {
		return ""
	}
	if si, ok := asMap(systemInstruction); ok {
		if parts, ok := asSlice(si["parts"]); ok {
			var texts []string
			for _, rawPart := range parts {
				if part, ok := asMap(rawPart); ok {
					if text := asString(part["text"]); text != "" {
						texts = append(texts, text)
					}
				}
			}
			return strings.Join(texts, "")
		}
	}
	if text, ok := systemInstruction.(string); ok {
		return text
	}
	dropped["gemini_system_instruction_unsupported"]++
	return ""
}

// generationConfig normalizes generationConfig keys to snake_case.
func (n *GeminiNormalizer) generationConfig(request map[string]any) map[string]any {
	gc, ok := asMap(pickField(request, "generation_config", "generationConfig"))
	if !ok {
		return map[string]any{}
	}
	normalized := map[string]any{}
	set := func(key string, v any) {
		if v != nil {
			normalized[key] = v
		}
	}
	set("max_output_tokens", pickField(gc, "max_output_tokens", "maxOutputTokens"))
	set("temperature", gc["temperature"])
	set("top_p", pickField(gc, "top_p", "topP"))
	set("top_k", pickField(gc, "top_k", "topK"))
	set("stop_sequences", pickField(gc, "stop_sequences", "stopSequences"))
	set("response_modalities", pickField(gc, "response_modalities", "responseModalities"))
	set("thinking_config", pickField(gc, "thinking_config", "thinkingConfig"))
	return normalized
}

func (n *GeminiNormalizer) toolsToInternal(tools any) []ir.ToolDefinition {
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
		decls, ok := asSlice(pickField(tool, "function_declarations", "functionDeclarations"))
		if !ok {
			continue
		}
		for _, rawDecl := range decls {
			decl, ok := asMap(rawDecl)
			if !ok {
				continue
			}
			name := asString(decl["name"])
			if name == "" {
				continue
			}
			params, _ := asMap(decl["parameters"])
			def := ir.ToolDefinition{
				Name:        name,
				Description: asString(decl["description"]),
				Parameters:  params,
			}
			if extra := extractExtra(decl, "name", "description", "parameters"); extra != nil {
				def.Extra = map[string]any{"gemini_function_declaration": extra}
			}
			out = append(out, def)
		}
	}
	return out
}

func (n *GeminiNormalizer) toolConfigToToolChoice(toolConfig any) *ir.ToolChoice {
	if toolConfig == nil {
		return nil
	}
	tc, ok := asMap(toolConfig)
	if !ok {
		return &ir.ToolChoice{Type: ir.ToolChoiceAuto, Extra: map[string]any{"raw": toolConfig}}
	}
	cfg, ok := asMap(pickField(tc, "function_calling_config", "functionCallingConfig"))
	if !ok {
		return &ir.ToolChoice{Type: ir.ToolChoiceAuto, Extra: map[string]any{"gemini": tc}}
	}

	mode := strings.ToUpper(asString(cfg["mode"]))
	if mode == "" {
		mode = "AUTO"
	}
	allowed, _ := asSlice(pickField(cfg, "allowed_function_names", "allowedFunctionNames"))

	switch {
	case mode == "NONE":
		return &ir.ToolChoice{Type: ir.ToolChoiceNone, Extra: map[string]any{"gemini": tc}}
	case mode == "ANY" || mode == "REQUIRED":
		return &ir.ToolChoice{Type: ir.ToolChoiceRequired, Extra: map[string]any{"gemini": tc}}
	case len(allowed) == 1:
		return &ir.ToolChoice{
			Type:     ir.ToolChoiceTool,
			ToolName: asString(allowed[0]),
			Extra:    map[string]any{"gemini": tc},
		}
	}
	return &ir.ToolChoice{Type: ir.ToolChoiceAuto, Extra: map[string]any{"gemini": tc}}
}

func (n *GeminiNormalizer) toolChoiceToToolConfig(tc *ir.ToolChoice) map[string]any {
	cfg := map[string]any{"mode": "AUTO"}
	switch tc.Type {
	case ir.ToolChoiceNone:
		cfg["mode"] = "NONE"
	case ir.ToolChoiceRequired:
		cfg["mode"] = "ANY"
	case ir.ToolChoiceTool:
		cfg["mode"] = "ANY"
		cfg["allowed_function_names"] = []string{tc.ToolName}
	}
	return map[string]any{"function_calling_config": cfg}
}

// usageMetadataToInternal folds thoughtsTokenCount into output tokens, the
// same accounting the non-converted path uses.
func (n *GeminiNormalizer) usageMetadataToInternal(usageMetadata any) *ir.Usage {
	u, ok := asMap(usageMetadata)
	if !ok {
		return nil
	}
	inputTokens := intOr(u["promptTokenCount"], 0)
	outputTokens := intOr(u["candidatesTokenCount"], 0)
	outputTokens += intOr(u["thoughtsTokenCount"], 0)
	totalTokens := intOr(u["totalTokenCount"], inputTokens+outputTokens)

	out := &ir.Usage{
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
		TotalTokens:     totalTokens,
		CacheReadTokens: intOr(u["cachedContentTokenCount"], 0),
	}
	if extra := extractExtra(u,
		"promptTokenCount", "candidatesTokenCount", "totalTokenCount", "cachedContentTokenCount"); extra != nil {
		out.Extra = map[string]any{"gemini": extra}
	}
	return out
}
