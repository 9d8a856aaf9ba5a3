// Package chatmodel defines the data model shared by HistoryStore,
// PartialStore, AgentSession and EventExpander: messages, their tagged
// parts, and the internal StreamEvent union that drives them.
package chatmodel

// Role of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates a Part's variant.
type PartType string

const (
	PartText        PartType = "text"
	PartReasoning   PartType = "reasoning"
	PartImage       PartType = "image"
	PartDynamicTool PartType = "dynamic-tool"
)

// ToolState is the lifecycle state of a DynamicTool part. Terminal state
// is ToolOutputAvailable.
type ToolState string

const (
	ToolInputAvailable  ToolState = "input-available"
	ToolOutputAvailable ToolState = "output-available"
)

// Part is a tagged variant: exactly one of Text/Reasoning/Image/Tool
// fields is meaningful, selected by Type.
type Part struct {
	Type PartType `json:"type"`

	// Text / Reasoning
	Text string `json:"text,omitempty"`
	TS   *int64 `json:"ts,omitempty"`

	// Image
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	// DynamicTool
	ToolCallID string    `json:"toolCallId,omitempty"`
	ToolName   string    `json:"toolName,omitempty"`
	State      ToolState `json:"state,omitempty"`
	Input      any       `json:"input,omitempty"`
	Output     any       `json:"output,omitempty"`
}

// Metadata carries per-message bookkeeping.
type Metadata struct {
	HistorySequence int64  `json:"historySequence"`
	Timestamp       int64  `json:"timestamp"`
	Model           string `json:"model,omitempty"`
	Compacted       bool   `json:"compacted,omitempty"`
	Partial         bool   `json:"partial,omitempty"`
	Error           string `json:"error,omitempty"`
	ErrorType       string `json:"errorType,omitempty"`
}

// Message is one history entry (or the single in-flight partial).
type Message struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Parts    []Part   `json:"parts"`
	Metadata Metadata `json:"metadata"`
}

// StreamEventType discriminates StreamEvent.
type StreamEventType string

const (
	EventStreamStart    StreamEventType = "stream-start"
	EventStreamDelta    StreamEventType = "stream-delta"
	EventReasoningDelta StreamEventType = "reasoning-delta"
	EventReasoningEnd   StreamEventType = "reasoning-end"
	EventToolCallStart  StreamEventType = "tool-call-start"
	EventToolCallDelta  StreamEventType = "tool-call-delta"
	EventToolCallEnd    StreamEventType = "tool-call-end"
	EventStreamEnd      StreamEventType = "stream-end"
	EventStreamAbort    StreamEventType = "stream-abort"
	EventStreamError    StreamEventType = "stream-error"
	EventInitStart      StreamEventType = "init-start"
	EventInitOutput     StreamEventType = "init-output"
	EventInitEnd        StreamEventType = "init-end"
	EventDelete         StreamEventType = "delete"
	EventStatus         StreamEventType = "status"
	EventCaughtUp       StreamEventType = "caught-up"
)

// StreamEvent is the raw, provider-facing discriminated union. Only the
// fields relevant to Type are populated.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	Delta string `json:"delta,omitempty"` // stream-delta / reasoning-delta

	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	ArgsDelta  string `json:"argsDelta,omitempty"`
	Success    *bool  `json:"success,omitempty"`
	Result     any    `json:"result,omitempty"`

	ErrorType  string `json:"errorType,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorCount int    `json:"errorCount,omitempty"`

	InitLine string `json:"initLine,omitempty"` // init-output
	ExitCode *int   `json:"exitCode,omitempty"` // init-end

	HistorySequences []int64 `json:"historySequences,omitempty"` // delete

	StatusText string `json:"statusText,omitempty"` // status

	Model string `json:"model,omitempty"` // stream-start
}
