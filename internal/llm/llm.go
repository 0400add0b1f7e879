// Package llm declares the external collaborator interfaces the Run
// Controller consumes: the LLM transport iterator and the tool-execution
// capability. Neither is implemented here; per §1 both are
// "external collaborators, specified only via the interfaces the core
// consumes"; concrete SDKs and tool registries live outside this
// module, keeping the same boundary a provider.Provider interface
// draws around external SDKs.
package llm

import "context"

type StreamEventKind string

const (
	KindTextDelta     StreamEventKind = "text_delta"
	KindThinkingStart StreamEventKind = "thinking_start"
	KindThinkingDelta StreamEventKind = "thinking_delta"
	KindThinkingEnd   StreamEventKind = "thinking_end"
	KindToolCall      StreamEventKind = "tool_call"
	KindError         StreamEventKind = "error"
	KindDone          StreamEventKind = "done"
)

// ToolCallRequest is one tool invocation the model asked for.
type ToolCallRequest struct {
	CallID   string
	ToolName string
	ArgsJSON string
}

// StreamEvent is one item yielded by an LlmStream.
type StreamEvent struct {
	Kind     StreamEventKind
	Text     string
	ToolCall *ToolCallRequest
	Err      error
	Aborted  bool
}

// LlmStream iterates the events of one in-flight model response. Next
// returns ok=false once the stream is exhausted (spec: "LLM transport
// consumed as an LlmStream iterator contract").
type LlmStream interface {
	Next(ctx context.Context) (ev StreamEvent, ok bool, err error)
	Close() error
}

// ChatRequest is what the Run Controller hands the provider to start a
// turn or continue a tool-call loop.
type ChatRequest struct {
	SessionID string
	Messages  []CompletionMessage
	Model     string
}

// CompletionMessage avoids an import of internal/chatevent so this
// boundary package stays a pure interface surface; run.Controller
// adapts chatevent.CompletionMessage to this shape at the call site.
type CompletionMessage struct {
	Role          string
	Content       string
	ToolCalls     []ToolCallRequest
	ToolCallID    string
}

// Provider starts a new streamed chat turn.
type Provider interface {
	StartChat(ctx context.Context, req ChatRequest) (LlmStream, error)
	Name() string
}

// ToolCallResult is what ToolHost.CallTool returns.
type ToolCallResult struct {
	CallID       string
	Ok           bool
	ResultJSON   string
	ErrorMessage string
}

// ToolHost executes a single tool call on behalf of the Run Controller.
type ToolHost interface {
	CallTool(ctx context.Context, sessionID string, call ToolCallRequest) (ToolCallResult, error)
}

// TtsSession is an opaque handle the Run Controller only stores and
// closes; audio backends are out of scope per §1.
type TtsSession interface {
	Close() error
}
