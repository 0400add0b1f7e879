package run

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sablefox/conduit/internal/apperr"
	"github.com/sablefox/conduit/internal/chatevent"
	"github.com/sablefox/conduit/internal/llm"
	"github.com/sablefox/conduit/internal/sessionstate"
	"github.com/sablefox/conduit/pkg/protocol"
)

// driveTurn implements §4.7 steps 6-9: the provider streaming loop,
// tool-call dispatch, and finalization. It runs until the model produces
// a turn with no further tool calls, the stream errors, or ctx is
// cancelled.
func (c *Controller) driveTurn(ctx context.Context, state *sessionstate.State, req Request, run *sessionstate.ActiveChatRun, turnID string, meta *chatevent.MessageMeta) error {
	messages := state.SnapshotChatMessages()

	for {
		stream, err := req.Provider.StartChat(ctx, llm.ChatRequest{
			SessionID: req.SessionID,
			Messages:  adaptMessages(messages),
		})
		if err != nil {
			return c.finalizeError(req, run, turnID, apperr.UpstreamError(err))
		}

		pending, streamErr, cancelled := c.consumeStream(ctx, req, run, turnID, stream)
		stream.Close()

		if cancelled {
			c.finalizeCancelled(state, req, run, turnID)
			return nil
		}
		if streamErr != nil {
			return c.finalizeError(req, run, turnID, apperr.UpstreamError(streamErr))
		}

		if len(pending) == 0 {
			c.finalizeDone(state, req, run, turnID)
			return nil
		}

		results := c.dispatchToolCalls(ctx, req, run, turnID, pending)

		toolCallMsg := chatevent.NewAssistantMessage(run.AccumulatedText)
		toolCallMsg.ToolCalls = toolCallRefs(pending)
		messages = append(messages, toolCallMsg)
		for _, r := range results {
			content := r.ResultJSON
			if !r.Ok {
				content = `{"ok":false,"error":` + jsonQuote(r.ErrorMessage) + `}`
			}
			messages = append(messages, chatevent.NewToolMessage(r.CallID, content))
		}

		run.AccumulatedText = ""
		run.TextStartedAt = nil
		run.ActiveToolCalls = make(map[string]sessionstate.ToolCallInfo)
	}
}

// consumeStream drains one LlmStream, broadcasting deltas as they
// arrive and collecting the tool calls the model requested. It returns
// cancelled=true the moment ctx is done, distinguishing a cooperative
// unwind from a genuine provider error (§4.7 cancellation notes).
func (c *Controller) consumeStream(ctx context.Context, req Request, run *sessionstate.ActiveChatRun, turnID string, stream llm.LlmStream) (pending []llm.ToolCallRequest, streamErr error, cancelled bool) {
	var thinkingText string

	for {
		select {
		case <-ctx.Done():
			return pending, nil, true
		default:
		}

		ev, ok, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return pending, nil, true
			}
			return pending, err, false
		}
		if !ok {
			return pending, nil, false
		}

		switch ev.Kind {
		case llm.KindTextDelta:
			if run.TextStartedAt == nil {
				now := time.Now()
				run.TextStartedAt = &now
			}
			run.AccumulatedText += ev.Text
			c.Broadcast.BroadcastToSession(req.SessionID, encode(protocol.TypeTextDelta, protocol.TextDeltaPayload{
				SessionID: req.SessionID, ResponseID: run.ResponseID, Delta: ev.Text,
			}))

		case llm.KindThinkingStart:
			thinkingText = ""
			c.Broadcast.BroadcastToSession(req.SessionID, encode(protocol.TypeThinkingStart, protocol.ThinkingPayload{
				SessionID: req.SessionID, ResponseID: run.ResponseID,
			}))

		case llm.KindThinkingDelta:
			thinkingText += ev.Text
			c.Broadcast.BroadcastToSession(req.SessionID, encode(protocol.TypeThinkingDelta, protocol.ThinkingPayload{
				SessionID: req.SessionID, ResponseID: run.ResponseID, Delta: ev.Text,
			}))

		case llm.KindThinkingEnd:
			c.Broadcast.BroadcastToSession(req.SessionID, encode(protocol.TypeThinkingDone, protocol.ThinkingDonePayload{
				SessionID: req.SessionID, ResponseID: run.ResponseID, Text: thinkingText,
			}))
			if thinkingText != "" {
				c.appendIfEmitting(ctx, req, chatevent.ThinkingDone(req.SessionID, turnID, run.ResponseID, thinkingText, ""))
			}

		case llm.KindToolCall:
			if ev.ToolCall == nil {
				continue
			}
			call := *ev.ToolCall
			run.ActiveToolCalls[call.CallID] = sessionstate.ToolCallInfo{ToolName: call.ToolName, ArgsJSON: call.ArgsJSON}
			pending = append(pending, call)
			c.Broadcast.BroadcastToSession(req.SessionID, encode(protocol.TypeToolCall, protocol.ToolCallPayload{
				SessionID: req.SessionID, ResponseID: run.ResponseID, CallID: call.CallID, ToolName: call.ToolName, ArgsJSON: call.ArgsJSON,
			}))
			c.appendIfEmitting(ctx, req, chatevent.ToolCall(req.SessionID, turnID, run.ResponseID, call.CallID, call.ToolName, call.ArgsJSON))

		case llm.KindError:
			if ev.Aborted {
				return pending, nil, true
			}
			return pending, ev.Err, false

		case llm.KindDone:
			return pending, nil, false
		}
	}
}

// dispatchToolCalls runs a single call inline and several concurrently,
// following a parallel tool dispatch pattern. Results stay
// index-aligned with calls so callers never need to re-sort by
// completion order.
func (c *Controller) dispatchToolCalls(ctx context.Context, req Request, run *sessionstate.ActiveChatRun, turnID string, calls []llm.ToolCallRequest) []llm.ToolCallResult {
	results := make([]llm.ToolCallResult, len(calls))

	if len(calls) == 1 {
		results[0] = c.callOneTool(ctx, req, calls[0])
	} else {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call llm.ToolCallRequest) {
				defer wg.Done()
				results[i] = c.callOneTool(ctx, req, call)
			}(i, call)
		}
		wg.Wait()
	}

	for _, r := range results {
		delete(run.ActiveToolCalls, r.CallID)
		c.Broadcast.BroadcastToSession(req.SessionID, encode(protocol.TypeToolResult, protocol.ToolResultPayload{
			SessionID: req.SessionID, ResponseID: run.ResponseID, CallID: r.CallID,
			Ok: r.Ok, Result: r.ResultJSON, Error: r.ErrorMessage,
		}))
		if r.Ok {
			c.appendIfEmitting(ctx, req, chatevent.ToolResultOK(req.SessionID, turnID, run.ResponseID, r.CallID, r.ResultJSON))
		} else {
			c.appendIfEmitting(ctx, req, chatevent.ToolResultErr(req.SessionID, turnID, run.ResponseID, r.CallID, r.ErrorMessage))
		}
	}
	return results
}

func (c *Controller) callOneTool(ctx context.Context, req Request, call llm.ToolCallRequest) llm.ToolCallResult {
	if req.ToolHost == nil {
		return llm.ToolCallResult{CallID: call.CallID, Ok: false, ErrorMessage: apperr.ToolNotFound(call.ToolName).Error()}
	}
	result, err := req.ToolHost.CallTool(ctx, req.SessionID, call)
	if err != nil {
		return llm.ToolCallResult{CallID: call.CallID, Ok: false, ErrorMessage: err.Error()}
	}
	result.CallID = call.CallID
	return result
}

// finalizeDone implements step 8: normal completion.
func (c *Controller) finalizeDone(state *sessionstate.State, req Request, run *sessionstate.ActiveChatRun, turnID string) {
	c.Broadcast.BroadcastToSession(req.SessionID, encode(protocol.TypeTextDone, protocol.TextDonePayload{
		SessionID: req.SessionID, ResponseID: run.ResponseID, Text: run.AccumulatedText,
	}))
	c.appendBatchIfEmitting(req, []chatevent.Event{
		chatevent.AssistantDone(req.SessionID, turnID, run.ResponseID, run.AccumulatedText, false),
		chatevent.TurnEnd(req.SessionID, turnID),
	})
	state.AppendChatMessage(chatevent.NewAssistantMessage(run.AccumulatedText))
}

// finalizeCancelled implements the cancelled branch of the turn state
// machine. A run cancelled before any text streamed simply undoes the
// user message it pushed; one that streamed partial text is completed
// as an interrupted assistant message instead. Only tool calls still
// in flight when OutputCancelled was explicitly set are resolved as
// interrupted -- an implicit abort (e.g. a session switch) leaves
// their eventual real results to land whenever the tool host finishes.
func (c *Controller) finalizeCancelled(state *sessionstate.State, req Request, run *sessionstate.ActiveChatRun, turnID string) {
	interrupted := run.TextStartedAt != nil

	c.Broadcast.BroadcastToSession(req.SessionID, encode(protocol.TypeTextDone, protocol.TextDonePayload{
		SessionID: req.SessionID, ResponseID: run.ResponseID, Text: run.AccumulatedText, Interrupted: interrupted,
	}))
	c.Broadcast.BroadcastToSession(req.SessionID, encode(protocol.TypeOutputCancelled, protocol.OutputCancelledPayload{
		SessionID: req.SessionID, ResponseID: run.ResponseID,
	}))

	var batch []chatevent.Event
	if !interrupted {
		state.PopLastMessageIfRole(chatevent.RoleUser)
	} else {
		batch = append(batch, chatevent.AssistantDone(req.SessionID, turnID, run.ResponseID, run.AccumulatedText, true))
		state.AppendChatMessage(chatevent.NewAssistantMessage(run.AccumulatedText))
	}

	if run.OutputCancelled {
		for callID := range run.ActiveToolCalls {
			batch = append(batch, chatevent.ToolResultErr(req.SessionID, turnID, run.ResponseID, callID, "interrupted"))
			c.Broadcast.BroadcastToSession(req.SessionID, encode(protocol.TypeToolResult, protocol.ToolResultPayload{
				SessionID: req.SessionID, ResponseID: run.ResponseID, CallID: callID, Ok: false, Error: "interrupted",
			}))
		}
	}
	batch = append(batch, chatevent.TurnEnd(req.SessionID, turnID))
	c.appendBatchIfEmitting(req, batch)
}

// finalizeError implements the error path: turn_end is still appended
// so clients waiting on a response are unblocked (§7).
func (c *Controller) finalizeError(req Request, run *sessionstate.ActiveChatRun, turnID string, err error) error {
	appErr, _ := apperr.As(err)
	code := apperr.CodeUpstreamError
	retryable := true
	message := err.Error()
	if appErr != nil {
		code = appErr.Code
		retryable = appErr.Retryable
		message = appErr.Error()
	}
	c.Broadcast.BroadcastToSession(req.SessionID, encode(protocol.TypeError, protocol.ErrorPayload{
		Code: code, Message: message, Retryable: retryable,
	}))
	if run.TextStartedAt != nil {
		c.Broadcast.BroadcastToSession(req.SessionID, encode(protocol.TypeTextDone, protocol.TextDonePayload{
			SessionID: req.SessionID, ResponseID: run.ResponseID, Text: run.AccumulatedText,
		}))
	}
	c.appendBatchIfEmitting(req, []chatevent.Event{chatevent.TurnEnd(req.SessionID, turnID)})
	return err
}

func (c *Controller) appendIfEmitting(ctx context.Context, req Request, ev chatevent.Event) {
	if !req.ShouldEmitEvents {
		return
	}
	if _, err := c.Events.Append(ctx, req.SessionID, ev); err != nil {
		slog.Warn("run: failed to append event", "session", req.SessionID, "type", ev.Type, "error", err)
	}
}

func (c *Controller) appendBatchIfEmitting(req Request, evs []chatevent.Event) {
	if !req.ShouldEmitEvents || len(evs) == 0 {
		return
	}
	if _, err := c.Events.AppendBatch(context.Background(), req.SessionID, evs); err != nil {
		slog.Warn("run: failed to append event batch", "session", req.SessionID, "error", err)
	}
}

func adaptMessages(msgs []chatevent.CompletionMessage) []llm.CompletionMessage {
	out := make([]llm.CompletionMessage, len(msgs))
	for i, m := range msgs {
		lm := llm.CompletionMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			lm.ToolCalls = append(lm.ToolCalls, llm.ToolCallRequest{CallID: tc.ID, ToolName: tc.ToolName, ArgsJSON: tc.ArgumentsJSON})
		}
		out[i] = lm
	}
	return out
}

func toolCallRefs(calls []llm.ToolCallRequest) []chatevent.ToolCallRef {
	out := make([]chatevent.ToolCallRef, len(calls))
	for i, call := range calls {
		out[i] = chatevent.ToolCallRef{ID: call.CallID, ToolName: call.ToolName, ArgumentsJSON: call.ArgsJSON}
	}
	return out
}

func jsonQuote(s string) string {
	raw, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(raw)
}
