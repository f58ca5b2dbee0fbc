package llm

import (
	"log/slog"
	"time"
)

// LevelTrace logs full request and response payloads.
const LevelTrace = slog.Level(-8)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a conversation thread. Threads are stored as
// JSON, so the field tags are part of the checkpoint format.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// SystemMessage returns a system prompt message.
func SystemMessage(content string) Message { return Message{Role: RoleSystem, Content: content} }

// UserMessage returns a user turn.
func UserMessage(content string) Message { return Message{Role: RoleUser, Content: content} }

// AssistantMessage returns a plain assistant reply with no tool calls.
func AssistantMessage(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// ToolResult answers the tool call with the given id.
func ToolResult(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// ToolCall is a model's request to run one tool. Results must echo ID.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function ToolFunction `json:"function"`
}

// ToolFunction names the tool and carries its decoded arguments.
type ToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// NewToolCall builds a ToolCall.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	return ToolCall{ID: id, Function: ToolFunction{Name: name, Arguments: args}}
}

// ChatResponse is a provider's reply converted to the neutral types.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	InputTokens  int
	OutputTokens int

	Duration time.Duration
}
