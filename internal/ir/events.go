package ir

// StreamEvent is a closed sum over the incremental events a normalizer
// produces while parsing an upstream stream. Block indices start at 0; an
// index is opened by exactly one ContentBlockStart, receives zero or more
// deltas, and is closed by exactly one ContentBlockStop or implicitly by
// MessageStop.
type StreamEvent interface {
	streamEvent()
}

// MessageStart opens a streamed message. Appears exactly once, first.
type MessageStart struct {
	MessageID string
	Model     string
	Usage     *Usage
}

// ContentBlockStart opens a block at BlockIndex. For tool blocks ToolID and
// ToolName may already be known; image payloads travel in Extra.
type ContentBlockStart struct {
	BlockIndex int
	Type       ContentType
	ToolID     string
	ToolName   string
	Extra      map[string]any
}

// ContentDelta appends text to an open block.
type ContentDelta struct {
	BlockIndex int
	TextDelta  string
	Extra      map[string]any
}

// ToolCallDelta appends a JSON fragment to a tool call's input. ToolID is
// the stable id so out-of-order reassembly is safe.
type ToolCallDelta struct {
	BlockIndex int
	ToolID     string
	InputDelta string
}

// ContentBlockStop closes the block at BlockIndex.
type ContentBlockStop struct {
	BlockIndex int
}

// UsageEvent reports standalone usage mid-stream.
type UsageEvent struct {
	Usage *Usage
}

// MessageStop terminates the message, flushing any still-open blocks.
type MessageStop struct {
	StopReason StopReason
	Usage      *Usage
}

// ErrorEvent carries an upstream error surfaced inside the stream.
type ErrorEvent struct {
	Err *Error
}

// UnknownStreamEvent preserves a source event with no IR equivalent.
type UnknownStreamEvent struct {
	RawType string
	Payload map[string]any
}

func (MessageStart) streamEvent()       {}
func (ContentBlockStart) streamEvent()  {}
func (ContentDelta) streamEvent()       {}
func (ToolCallDelta) streamEvent()      {}
func (ContentBlockStop) streamEvent()   {}
func (UsageEvent) streamEvent()         {}
func (MessageStop) streamEvent()        {}
func (ErrorEvent) streamEvent()         {}
func (UnknownStreamEvent) streamEvent() {}

// StreamState is the per-request bookkeeping threaded through incremental
// chunk conversion. MessageID and Model are initialized to the client's
// requested values so rendered chunks echo the client's model name, not the
// upstream mapped one. Each normalizer keeps its own substate keyed by
// format id; the state is single-owner by construction and needs no locking.
type StreamState struct {
	MessageID string
	Model     string

	subs map[string]any
}

// NewStreamState builds a state seeded with the client-facing message id and
// model name.
func NewStreamState(messageID, model string) *StreamState {
	return &StreamState{MessageID: messageID, Model: model}
}

// SubState returns the format-scoped substate for formatID, creating it on
// first use.
func SubState[T any](s *StreamState, formatID string) *T {
	if s.subs == nil {
		s.subs = make(map[string]any)
	}
	if sub, ok := s.subs[formatID].(*T); ok {
		return sub
	}
	sub := new(T)
	s.subs[formatID] = sub
	return sub
}
