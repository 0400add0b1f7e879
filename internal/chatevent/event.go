// Package chatevent defines the canonical ChatEvent data model: the
// append-only record type the event store persists and every history
// provider and projection operates on.
package chatevent

import "time"

type Type string

const (
	TypeTurnStart      Type = "turn_start"
	TypeTurnEnd        Type = "turn_end"
	TypeUserMessage    Type = "user_message"
	TypeAssistantDone  Type = "assistant_done"
	TypeThinkingDone   Type = "thinking_done"
	TypeToolCall       Type = "tool_call"
	TypeToolResult     Type = "tool_result"
	TypeAgentCallback  Type = "agent_callback"
	TypeSummaryMessage Type = "summary_message"
	TypeCustomMessage  Type = "custom_message"
	TypeInterrupt      Type = "interrupt"
)

// MessageMeta annotates a user/callback message with its origin.
type MessageMeta struct {
	Source        string `json:"source"` // "user" | "agent" | "callback"
	FromAgentID   string `json:"fromAgentId,omitempty"`
	FromSessionID string `json:"fromSessionId,omitempty"`
	Visibility    string `json:"visibility,omitempty"` // "visible" | "hidden"
}

// Event is a single immutable entry in a session's event log. Every
// ChatEvent variant from the data model is represented by one wide
// struct with type-specific fields left zero for irrelevant types,
// mirroring how the source CLI session formats themselves are read.
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"sessionId"`
	TurnID     string    `json:"turnId,omitempty"`
	ResponseID string    `json:"responseId,omitempty"`
	Type       Type      `json:"type"`

	// turn_start
	Trigger string `json:"trigger,omitempty"` // "user" | "agent" | "queued"

	// user_message / agent_callback / custom_message
	Text        string       `json:"text,omitempty"`
	Meta        *MessageMeta `json:"meta,omitempty"`
	FromAgentID string       `json:"fromAgentId,omitempty"`
	Label       string       `json:"label,omitempty"`

	// assistant_done
	Interrupted bool `json:"interrupted,omitempty"`

	// thinking_done
	Signature string `json:"signature,omitempty"`

	// tool_call
	CallID   string `json:"callId,omitempty"`
	ToolName string `json:"toolName,omitempty"`
	ArgsJSON string `json:"argsJson,omitempty"`

	// tool_result
	ResultOk    *bool  `json:"resultOk,omitempty"`
	ResultText  string `json:"resultText,omitempty"`
	ResultError string `json:"resultError,omitempty"`

	// summary_message
	SummaryType string `json:"summaryType,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

func TurnStart(sessionID, turnID, trigger string) Event {
	return Event{SessionID: sessionID, TurnID: turnID, Type: TypeTurnStart, Trigger: trigger}
}

func TurnEnd(sessionID, turnID string) Event {
	return Event{SessionID: sessionID, TurnID: turnID, Type: TypeTurnEnd}
}

func UserMessage(sessionID, turnID, text string, meta *MessageMeta) Event {
	return Event{SessionID: sessionID, TurnID: turnID, Type: TypeUserMessage, Text: text, Meta: meta}
}

func AssistantDone(sessionID, turnID, responseID, text string, interrupted bool) Event {
	return Event{SessionID: sessionID, TurnID: turnID, ResponseID: responseID, Type: TypeAssistantDone, Text: text, Interrupted: interrupted}
}

func ThinkingDone(sessionID, turnID, responseID, text, signature string) Event {
	return Event{SessionID: sessionID, TurnID: turnID, ResponseID: responseID, Type: TypeThinkingDone, Text: text, Signature: signature}
}

func ToolCall(sessionID, turnID, responseID, callID, toolName, argsJSON string) Event {
	return Event{SessionID: sessionID, TurnID: turnID, ResponseID: responseID, Type: TypeToolCall, CallID: callID, ToolName: toolName, ArgsJSON: argsJSON}
}

func ToolResultOK(sessionID, turnID, responseID, callID, resultText string) Event {
	return Event{SessionID: sessionID, TurnID: turnID, ResponseID: responseID, Type: TypeToolResult, CallID: callID, ResultOk: boolPtr(true), ResultText: resultText}
}

func ToolResultErr(sessionID, turnID, responseID, callID, errMsg string) Event {
	return Event{SessionID: sessionID, TurnID: turnID, ResponseID: responseID, Type: TypeToolResult, CallID: callID, ResultOk: boolPtr(false), ResultError: errMsg}
}

func AgentCallback(sessionID, turnID, fromAgentID, text string) Event {
	return Event{SessionID: sessionID, TurnID: turnID, Type: TypeAgentCallback, FromAgentID: fromAgentID, Text: text}
}

func SummaryMessage(sessionID, turnID, summaryType, text string) Event {
	return Event{SessionID: sessionID, TurnID: turnID, Type: TypeSummaryMessage, SummaryType: summaryType, Text: text}
}

func CustomMessage(sessionID, turnID, label, text string) Event {
	return Event{SessionID: sessionID, TurnID: turnID, Type: TypeCustomMessage, Label: label, Text: text}
}

func Interrupt(sessionID, turnID string) Event {
	return Event{SessionID: sessionID, TurnID: turnID, Type: TypeInterrupt}
}
