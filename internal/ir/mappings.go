package ir

// Shared mapping tables between the IR and the provider wire formats.
// Normalizers consult these instead of keeping private copies so the
// request and response directions stay symmetric.

// StopReasonToClaude maps IR stop reasons to Claude stop_reason values.
var StopReasonToClaude = map[StopReason]string{
	StopEndTurn:      "end_turn",
	StopMaxTokens:    "max_tokens",
	StopStopSequence: "stop_sequence",
	StopToolUse:      "tool_use",
	StopPauseTurn:    "end_turn",
	StopRefusal:      "end_turn",
	// Claude reports filtering as an error or a block, this is only a fallback.
	StopContentFiltered: "end_turn",
	StopUnknown:         "end_turn",
}

// StopReasonToOpenAI maps IR stop reasons to OpenAI finish_reason values.
var StopReasonToOpenAI = map[StopReason]string{
	StopEndTurn:         "stop",
	StopMaxTokens:       "length",
	StopStopSequence:    "stop",
	StopToolUse:         "tool_calls",
	StopContentFiltered: "content_filter",
	StopRefusal:         "content_filter",
	StopPauseTurn:       "stop",
	StopUnknown:         "stop",
}

// StopReasonToGemini maps IR stop reasons to Gemini finishReason values.
// Gemini has no stable enum for tool calls, so tool_use falls back to STOP.
var StopReasonToGemini = map[StopReason]string{
	StopEndTurn:         "STOP",
	StopMaxTokens:       "MAX_TOKENS",
	StopStopSequence:    "STOP",
	StopToolUse:         "STOP",
	StopContentFiltered: "SAFETY",
	StopRefusal:         "SAFETY",
	StopPauseTurn:       "OTHER",
	StopUnknown:         "OTHER",
}

// ClaudeStopToInternal maps Claude stop_reason values to IR stop reasons.
var ClaudeStopToInternal = map[string]StopReason{
	"end_turn":      StopEndTurn,
	"max_tokens":    StopMaxTokens,
	"stop_sequence": StopStopSequence,
	"tool_use":      StopToolUse,
	"pause_turn":    StopPauseTurn,
	"refusal":       StopRefusal,
}

// OpenAIFinishToInternal maps OpenAI finish_reason values to IR stop reasons.
var OpenAIFinishToInternal = map[string]StopReason{
	"stop":           StopEndTurn,
	"length":         StopMaxTokens,
	"tool_calls":     StopToolUse,
	"function_call":  StopToolUse,
	"content_filter": StopContentFiltered,
}

// GeminiFinishToInternal maps Gemini finishReason values to IR stop reasons.
var GeminiFinishToInternal = map[string]StopReason{
	"STOP":                      StopEndTurn,
	"MAX_TOKENS":                StopMaxTokens,
	"SAFETY":                    StopContentFiltered,
	"RECITATION":                StopContentFiltered,
	"MALFORMED_FUNCTION_CALL":   StopToolUse,
	"OTHER":                     StopUnknown,
}

// ClaudeErrorToInternal maps Claude error.type values to IR error types.
var ClaudeErrorToInternal = map[string]ErrorType{
	"invalid_request_error": ErrInvalidRequest,
	"authentication_error":  ErrAuthentication,
	"permission_error":      ErrPermissionDenied,
	"not_found_error":       ErrNotFound,
	"rate_limit_error":      ErrRateLimit,
	"timeout_error":         ErrServerError,
	"overloaded_error":      ErrOverloaded,
	"billing_error":         ErrPermissionDenied,
	"api_error":             ErrServerError,
}

// OpenAIErrorToInternal maps OpenAI error.type values to IR error types.
var OpenAIErrorToInternal = map[string]ErrorType{
	"invalid_request_error":    ErrInvalidRequest,
	"invalid_api_key":          ErrAuthentication,
	"insufficient_quota":       ErrRateLimit,
	"rate_limit_exceeded":      ErrRateLimit,
	"server_error":             ErrServerError,
	"context_length_exceeded":  ErrContextLengthExceeded,
	"content_policy_violation": ErrContentFiltered,
}

// GeminiStatusToInternal maps Gemini error.status values to IR error types.
var GeminiStatusToInternal = map[string]ErrorType{
	"INVALID_ARGUMENT":   ErrInvalidRequest,
	"UNAUTHENTICATED":    ErrAuthentication,
	"PERMISSION_DENIED":  ErrPermissionDenied,
	"NOT_FOUND":          ErrNotFound,
	"RESOURCE_EXHAUSTED": ErrRateLimit,
	"INTERNAL":           ErrServerError,
	"UNAVAILABLE":        ErrOverloaded,
}

// ReasoningEffortToBudget maps OpenAI reasoning_effort levels to thinking
// budget tokens.
var ReasoningEffortToBudget = map[string]int{
	"low":    1280,
	"medium": 2048,
	"high":   4096,
}

// BudgetToReasoningEffort maps a thinking budget back to the nearest effort
// level using interval midpoints.
func BudgetToReasoningEffort(budget int) string {
	switch {
	case budget <= 1664:
		return "low"
	case budget <= 3072:
		return "medium"
	default:
		return "high"
	}
}

// SearchContextSizeToMaxUses maps OpenAI web_search_options.search_context_size
// to the Claude web_search tool's max_uses.
var SearchContextSizeToMaxUses = map[string]int{
	"low":    1,
	"medium": 5,
	"high":   10,
}

// MaxUsesToSearchContextSize maps a max_uses cap back to the nearest
// search_context_size level using interval midpoints.
func MaxUsesToSearchContextSize(maxUses int) string {
	switch {
	case maxUses <= 3:
		return "low"
	case maxUses <= 7:
		return "medium"
	default:
		return "high"
	}
}

const (
	// ClaudeDefaultMaxTokens is the max_tokens fallback when neither the
	// request nor the model catalog supplies one.
	ClaudeDefaultMaxTokens = 8192

	// ThinkingBudgetMin is the smallest budget the Claude API accepts.
	ThinkingBudgetMin = 1280

	// ThinkingBudgetRatio is the share of max_tokens granted to thinking
	// when no explicit budget is given.
	ThinkingBudgetRatio = 0.8

	// CrossFormatThinkingBudgetDefault is the safe budget used when thinking
	// is forwarded to a non-Claude model without an explicit budget.
	CrossFormatThinkingBudgetDefault = 8192
)

// DefaultThinkingBudget returns the thinking budget derived from a
// max_tokens ceiling, floored at ThinkingBudgetMin.
func DefaultThinkingBudget(maxTokens int) int {
	budget := int(float64(maxTokens) * ThinkingBudgetRatio)
	if budget < ThinkingBudgetMin {
		return ThinkingBudgetMin
	}
	return budget
}
