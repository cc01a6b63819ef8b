package models

import (
	"fmt"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem Role = "system"
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
	RoleTool   Role = "tool"
)

// Message is one entry in a conversation transcript. The Role decides which
// optional fields are meaningful: AI messages may carry ToolCalls, Tool
// messages carry the ToolCallID and Name of the AI tool call they answer.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ToolCall is a model-requested tool invocation attached to an AI message.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// NewSystemMessage builds a system message with the given id.
func NewSystemMessage(id, content string) Message {
	return Message{ID: id, Role: RoleSystem, Content: content, CreatedAt: time.Now()}
}

// NewHumanMessage builds a user-authored message with the given id.
func NewHumanMessage(id, content string) Message {
	return Message{ID: id, Role: RoleHuman, Content: content, CreatedAt: time.Now()}
}

// NewAIMessage builds an assistant message with the given id.
func NewAIMessage(id, content string, toolCalls []ToolCall) Message {
	return Message{ID: id, Role: RoleAI, Content: content, ToolCalls: toolCalls, CreatedAt: time.Now()}
}

// NewToolMessage builds a tool-result message answering the AI tool call
// identified by toolCallID.
func NewToolMessage(id, content, toolCallID, name string) Message {
	return Message{ID: id, Role: RoleTool, Content: content, ToolCallID: toolCallID, Name: name, CreatedAt: time.Now()}
}

// Validate reports structural problems that would corrupt a transcript.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleHuman, RoleAI:
	case RoleTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("tool message %s missing tool_call_id", m.ID)
		}
	default:
		return fmt.Errorf("message %s has unknown role %q", m.ID, m.Role)
	}
	if m.ID == "" {
		return fmt.Errorf("message missing id")
	}
	return nil
}

// ChatContext is the immutable per-request view of one chat turn, created
// once admission succeeds.
type ChatContext struct {
	Query          string
	ConversationID string
	TraceID        string
	History        []Message
}
