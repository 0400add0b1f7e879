// Package protocol defines the duplex-channel wire protocol between a
// client connection and the orchestration server (§6): message type
// constants and their JSON payload shapes.
package protocol

import "encoding/json"

const Version = 1

// Client-to-server message types.
const (
	TypeHello               = "hello"
	TypeSubscribe           = "subscribe"
	TypeUnsubscribe         = "unsubscribe"
	TypeTextInput           = "text_input"
	TypeOutputCancel        = "output_cancel"
	TypePanelEvent          = "panel_event"
	TypeInteractionResponse = "interaction_response"
)

// Server-to-client message types.
const (
	TypeUserMessage      = "user_message"
	TypeTextDelta        = "text_delta"
	TypeTextDone         = "text_done"
	TypeThinkingStart    = "thinking_start"
	TypeThinkingDelta    = "thinking_delta"
	TypeThinkingDone     = "thinking_done"
	TypeToolCall         = "tool_call"
	TypeToolResult       = "tool_result"
	TypeOutputCancelled  = "output_cancelled"
	TypeSessionCreated   = "session_created"
	TypeSessionUpdated   = "session_updated"
	TypeSessionDeleted   = "session_deleted"
	TypeSessionCleared   = "session_cleared"
	TypeSubscribed       = "subscribed"
	TypeUnsubscribed     = "unsubscribed"
	TypeMessageQueued    = "message_queued"
	TypeMessageDequeued  = "message_dequeued"
	TypeError            = "error"
)

// Envelope is the outer shape of every frame exchanged over the duplex
// channel: a discriminant plus an opaque, type-specific payload.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Encode(typ string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Payload: raw}, nil
}

// --- client payloads ---

type HelloPayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	SessionID       string `json:"sessionId,omitempty"`
}

type SubscribePayload struct {
	SessionID string `json:"sessionId"`
}

type UnsubscribePayload struct {
	SessionID string `json:"sessionId"`
}

type TextInputPayload struct {
	SessionID       string `json:"sessionId"`
	Text            string `json:"text"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type OutputCancelPayload struct {
	ResponseID string `json:"responseId,omitempty"`
}

type PanelEventPayload struct {
	PanelID   string          `json:"panelId"`
	PanelType string          `json:"panelType"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type InteractionResponsePayload struct {
	CallID        string          `json:"callId"`
	InteractionID string          `json:"interactionId"`
	Action        string          `json:"action"`
	Input         json.RawMessage `json:"input,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// --- server payloads ---

type UserMessagePayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	Source    string `json:"source,omitempty"`
}

type TextDeltaPayload struct {
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
	Delta      string `json:"delta"`
}

type TextDonePayload struct {
	SessionID   string `json:"sessionId"`
	ResponseID  string `json:"responseId"`
	Text        string `json:"text"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

type ThinkingPayload struct {
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
	Delta      string `json:"delta,omitempty"`
}

type ThinkingDonePayload struct {
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
	Text       string `json:"text"`
	Signature  string `json:"signature,omitempty"`
}

type ToolCallPayload struct {
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
	CallID     string `json:"callId"`
	ToolName   string `json:"toolName"`
	ArgsJSON   string `json:"argsJson"`
}

type ToolResultPayload struct {
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
	CallID     string `json:"callId"`
	Ok         bool   `json:"ok"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

type OutputCancelledPayload struct {
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
}

type SessionEventPayload struct {
	SessionID string         `json:"sessionId"`
	AgentID   string         `json:"agentId,omitempty"`
	Name      string         `json:"name,omitempty"`
	PinnedAt  *int64         `json:"pinnedAt,omitempty"`
	UpdatedAt int64          `json:"updatedAt"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type SubscribedPayload struct {
	SessionID string `json:"sessionId"`
}

type UnsubscribedPayload struct {
	SessionID string `json:"sessionId"`
}

type MessageQueuedPayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Position  int    `json:"position"`
}

type MessageDequeuedPayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
