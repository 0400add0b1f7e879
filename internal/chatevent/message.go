package chatevent

import "encoding/json"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallRef is the tool-call shape attached to a synthetic assistant
// message produced by the chat-message projection.
type ToolCallRef struct {
	ID            string `json:"id"`
	ToolName      string `json:"toolName"`
	ArgumentsJSON string `json:"argumentsJson"`
}

// CompletionMessage is one entry of the linear message list a provider
// consumes for a turn.
type CompletionMessage struct {
	Role         Role            `json:"role"`
	Content      string          `json:"content"`
	ToolCalls    []ToolCallRef   `json:"toolCalls,omitempty"`
	ToolCallID   string          `json:"toolCallId,omitempty"`
	Meta         *MessageMeta    `json:"meta,omitempty"`
	PiSDKMessage json.RawMessage `json:"piSdkMessage,omitempty"`
}

func NewUserMessage(text string, meta *MessageMeta) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: text, Meta: meta}
}

func NewAssistantMessage(text string) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: text}
}

func NewToolMessage(toolCallID, content string) CompletionMessage {
	return CompletionMessage{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}
