// Package ir defines the canonical internal representation shared by all
// format normalizers. Every cross-format behavior in the gateway is defined
// in terms of these types: a source wire format is parsed into the IR and the
// target wire format is rendered from it.
package ir

// Role identifies the author of a message or instruction segment.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleTool      Role = "tool"
	RoleUnknown   Role = "unknown"
)

// ContentType tags the variant of a content block or stream block.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentThinking   ContentType = "thinking"
	ContentImage      ContentType = "image"
	ContentFile       ContentType = "file"
	ContentAudio      ContentType = "audio"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
	ContentUnknown    ContentType = "unknown"
)

// StopReason is the normalized reason a response finished. The empty string
// means the source did not report one.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopStopSequence    StopReason = "stop_sequence"
	StopToolUse         StopReason = "tool_use"
	StopPauseTurn       StopReason = "pause_turn"
	StopRefusal         StopReason = "refusal"
	StopContentFiltered StopReason = "content_filtered"
	StopUnknown         StopReason = "unknown"
)

// ErrorType is the normalized upstream error classification.
type ErrorType string

const (
	ErrInvalidRequest        ErrorType = "invalid_request"
	ErrAuthentication        ErrorType = "authentication"
	ErrPermissionDenied      ErrorType = "permission_denied"
	ErrNotFound              ErrorType = "not_found"
	ErrRateLimit             ErrorType = "rate_limit"
	ErrOverloaded            ErrorType = "overloaded"
	ErrServerError           ErrorType = "server_error"
	ErrContentFiltered       ErrorType = "content_filtered"
	ErrContextLengthExceeded ErrorType = "context_length_exceeded"
	ErrUnknown               ErrorType = "unknown"
)

// ContentBlock is a closed sum over the block variants below. Consumers
// switch exhaustively on the concrete type; UnknownBlock is the
// forward-compatibility bucket and is dropped when rendering to a target
// format unless that target explicitly handles it.
type ContentBlock interface {
	BlockType() ContentType
}

// TextBlock is plain model or user text.
type TextBlock struct {
	Text  string
	Extra map[string]any
}

// ThinkingBlock carries model chain-of-thought. Signature is an opaque
// provider-supplied anti-tamper token.
type ThinkingBlock struct {
	Thinking  string
	Signature string
	Extra     map[string]any
}

// ImageBlock carries an image. Exactly one of Data (base64) or URL is the
// primary carrier.
type ImageBlock struct {
	Data      string
	URL       string
	MediaType string
	Extra     map[string]any
}

// FileBlock carries an attached file by inline data, provider file id, or URL.
type FileBlock struct {
	Data      string
	FileID    string
	FileURL   string
	MediaType string
	Filename  string
	Extra     map[string]any
}

// AudioBlock carries inline audio data.
type AudioBlock struct {
	Data      string
	MediaType string
	Format    string
	Extra     map[string]any
}

// ToolUseBlock is a model-emitted tool call.
type ToolUseBlock struct {
	ToolID    string
	ToolName  string
	ToolInput map[string]any
	Extra     map[string]any
}

// ToolResultBlock is the client-supplied result for a prior ToolUseBlock,
// paired by ToolUseID. ContentText holds a plain-text result; Output holds a
// structured one.
type ToolResultBlock struct {
	ToolUseID   string
	ToolName    string
	Output      any
	ContentText string
	HasText     bool
	IsError     bool
	Extra       map[string]any
}

// UnknownBlock preserves unparsed source content.
type UnknownBlock struct {
	RawType string
	Payload map[string]any
	Extra   map[string]any
}

func (TextBlock) BlockType() ContentType       { return ContentText }
func (ThinkingBlock) BlockType() ContentType   { return ContentThinking }
func (ImageBlock) BlockType() ContentType      { return ContentImage }
func (FileBlock) BlockType() ContentType       { return ContentFile }
func (AudioBlock) BlockType() ContentType      { return ContentAudio }
func (ToolUseBlock) BlockType() ContentType    { return ContentToolUse }
func (ToolResultBlock) BlockType() ContentType { return ContentToolResult }
func (UnknownBlock) BlockType() ContentType    { return ContentUnknown }

// Message is one conversation turn.
type Message struct {
	Role    Role
	Content []ContentBlock
	Extra   map[string]any
}

// InstructionSegment preserves one ordered system/developer prompt. Formats
// that keep structured instruction arrays use these; formats that accept only
// a single string use the joined Request.System convenience field.
type InstructionSegment struct {
	Role  Role
	Text  string
	Extra map[string]any
}

// ToolDefinition declares a callable tool with a JSON-Schema parameter map.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Extra       map[string]any
}

// ToolChoiceType is the normalized tool selection mode.
type ToolChoiceType string

const (
	ToolChoiceAuto     ToolChoiceType = "auto"
	ToolChoiceNone     ToolChoiceType = "none"
	ToolChoiceRequired ToolChoiceType = "required"
	ToolChoiceTool     ToolChoiceType = "tool"
)

// ToolChoice selects how the model may use tools.
type ToolChoice struct {
	Type     ToolChoiceType
	ToolName string
	Extra    map[string]any
}

// ThinkingConfig is the normalized reasoning configuration.
type ThinkingConfig struct {
	Enabled      bool
	BudgetTokens *int
	Extra        map[string]any
}

// WebSearchConfig is the normalized server-side web search request. MaxUses
// is the canonical knob; formats with a coarse level translate through the
// search-context-size tables.
type WebSearchConfig struct {
	MaxUses int
	Extra   map[string]any
}

// ResponseFormatConfig is the normalized structured-output request.
type ResponseFormatConfig struct {
	Type       string
	JSONSchema map[string]any
	Extra      map[string]any
}

// Request is the canonical request. Messages describe the conversation after
// normalization; format-family merging (consecutive same-role merge and the
// like) happens only at render time. Stream is the client's intent, not the
// upstream's.
type Request struct {
	Model        string
	Messages     []Message
	Instructions []InstructionSegment
	System       string

	MaxTokens     *int
	Temperature   *float64
	TopP          *float64
	TopK          *int
	StopSequences []string
	Stream        bool

	Tools             []ToolDefinition
	ToolChoice        *ToolChoice
	Thinking          *ThinkingConfig
	WebSearch         *WebSearchConfig
	ParallelToolCalls *bool

	N                *int
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Seed             *int
	Logprobs         *bool
	TopLogprobs      *int
	ResponseFormat   *ResponseFormatConfig

	// OutputLimit is the per-model output ceiling resolved by the model
	// catalog; used as the max_tokens fallback for formats that require one.
	OutputLimit *int

	Extra map[string]any
}

// Usage is normalized token accounting.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	TotalTokens      int
	CacheReadTokens  int
	CacheWriteTokens int
	Extra            map[string]any
}

// Total returns TotalTokens, computing input+output when it was not reported.
func (u *Usage) Total() int {
	if u == nil {
		return 0
	}
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}

// Response is the canonical non-streaming response.
type Response struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason StopReason
	Usage      *Usage
	Extra      map[string]any
}

// Error is the canonical upstream error.
type Error struct {
	Type      ErrorType
	Message   string
	Code      string
	Param     string
	Retryable bool
	Extra     map[string]any
}

// Capabilities declares what a normalizer can convert.
type Capabilities struct {
	Stream bool
	Errors bool
	Tools  bool
	Images bool
}

// ErrorTypeFromValue parses a normalized error type value, falling back to
// ErrUnknown.
func ErrorTypeFromValue(value string) ErrorType {
	switch ErrorType(value) {
	case ErrInvalidRequest, ErrAuthentication, ErrPermissionDenied, ErrNotFound,
		ErrRateLimit, ErrOverloaded, ErrServerError, ErrContentFiltered,
		ErrContextLengthExceeded, ErrUnknown:
		return ErrorType(value)
	}
	return ErrUnknown
}

// IsRetryable reports whether an error type warrants a failover retry.
func IsRetryable(t ErrorType) bool {
	switch t {
	case ErrRateLimit, ErrOverloaded, ErrServerError:
		return true
	}
	return false
}
