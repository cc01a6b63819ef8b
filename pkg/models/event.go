package models

// EventType discriminates StreamEvent variants on the wire.
type EventType string

const (
	EventQueued   EventType = "queued"
	EventThinking EventType = "thinking"
	EventContent  EventType = "content"
	EventToolCall EventType = "tool_call"
	EventError    EventType = "error"
)

// ToolCallStatus is the lifecycle phase carried by tool_call events.
type ToolCallStatus string

const (
	ToolCallStarted   ToolCallStatus = "started"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallError     ToolCallStatus = "error"
)

// Error codes carried by terminal error events.
const (
	CodeModelBusy        = "MODEL_BUSY"
	CodeModelUnreachable = "MODEL_UNREACHABLE"
	CodeRequestTimeout   = "REQUEST_TIMEOUT"
	CodeProcessingError  = "PROCESSING_ERROR"
)

// StreamEvent is one frame of the public chat stream, serialized as the JSON
// payload of a single SSE data frame. Type is the discriminator; only the
// fields belonging to that variant are populated.
//
// Stream contracts: queued is emitted exactly once and first; for a given
// tool-call message id, started precedes completed or error; error, when
// present, is the last event of the stream.
type StreamEvent struct {
	Type EventType `json:"type"`

	// queued
	Position int `json:"position,omitempty"`

	// thinking, content
	Content string `json:"content,omitempty"`

	// tool_call
	Name      string         `json:"name,omitempty"`
	Status    ToolCallStatus `json:"status,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`

	// content, tool_call
	MessageID string `json:"message_id,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// NewQueuedEvent reports the caller's post-admission inbox position.
func NewQueuedEvent(position int) StreamEvent {
	return StreamEvent{Type: EventQueued, Position: position}
}

// NewThinkingEvent carries one reasoning token delta.
func NewThinkingEvent(content string) StreamEvent {
	return StreamEvent{Type: EventThinking, Content: content}
}

// NewContentEvent carries one user-visible token delta. Concatenating the
// content of every content event in emission order yields the turn's answer.
func NewContentEvent(content string) StreamEvent {
	return StreamEvent{Type: EventContent, Content: content}
}

// NewToolCallStarted announces a tool invocation the model has requested.
func NewToolCallStarted(name string, arguments map[string]any, messageID string) StreamEvent {
	if arguments == nil {
		arguments = map[string]any{}
	}
	return StreamEvent{
		Type:      EventToolCall,
		Status:    ToolCallStarted,
		Name:      name,
		Arguments: arguments,
		MessageID: messageID,
	}
}

// NewToolCallCompleted reports a successful tool execution.
func NewToolCallCompleted(name, result, messageID string) StreamEvent {
	return StreamEvent{
		Type:      EventToolCall,
		Status:    ToolCallCompleted,
		Name:      name,
		Result:    result,
		MessageID: messageID,
	}
}

// NewToolCallError reports a failed tool execution.
func NewToolCallError(name, result, messageID string) StreamEvent {
	return StreamEvent{
		Type:      EventToolCall,
		Status:    ToolCallError,
		Name:      name,
		Result:    result,
		MessageID: messageID,
	}
}

// NewErrorEvent is the terminal failure frame of a stream.
func NewErrorEvent(message, code string) StreamEvent {
	return StreamEvent{Type: EventError, Message: message, Code: code}
}
