// Package run implements the Run Controller (C7): executes one chat
// turn per invocation, streaming deltas, dispatching tool calls, and
// handling cancellation and queue draining.
//
// The tool-call dispatch loop (sequential for a single call, parallel
// goroutines with index-sorted result collection for several) adapts
// a non-streaming provider.Chat/ChatStream(callback) run loop shape to
// an explicit streaming LlmStream iterator contract.
package run

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sablefox/conduit/internal/apperr"
	"github.com/sablefox/conduit/internal/chatevent"
	"github.com/sablefox/conduit/internal/eventlog"
	"github.com/sablefox/conduit/internal/llm"
	"github.com/sablefox/conduit/internal/sessionstate"
	"github.com/sablefox/conduit/pkg/protocol"
)

// Broadcaster is the narrow slice of connreg.Registry the controller
// needs. *connreg.Registry satisfies this directly; run stays
// decoupled from the connection-registry package by depending only on
// the method shape.
type Broadcaster interface {
	BroadcastToSession(sessionID string, frame protocol.Envelope)
	BroadcastToSessionExcluding(sessionID string, frame protocol.Envelope, except string)
}

// Request is one invocation of the controller (§4.7 inputs).
type Request struct {
	SessionID        string
	UserText         string
	Source           string // "user" | "agent"
	FromAgentID      string
	FromSessionID    string
	OriginConnID     string
	Provider         llm.Provider
	ToolHost         llm.ToolHost
	ShouldEmitEvents bool
	TurnID           string
}

// Controller executes turns against a *sessionstate.State.
type Controller struct {
	Events        eventlog.Store
	Broadcast     Broadcaster
	OnRunComplete func(sessionID string)
}

func New(events eventlog.Store, broadcast Broadcaster) *Controller {
	return &Controller{Events: events, Broadcast: broadcast}
}

func encode(typ string, payload any) protocol.Envelope {
	env, err := protocol.Encode(typ, payload)
	if err != nil {
		slog.Error("run: failed to encode frame", "type", typ, "error", err)
		return protocol.Envelope{Type: typ}
	}
	return env
}

// Run executes one turn. It implements §4.7 steps 1-9.
func (c *Controller) Run(ctx context.Context, state *sessionstate.State, req Request) error {
	if req.UserText == "" {
		return apperr.EmptyText()
	}
	if state.IsDeleted() {
		return apperr.SessionDeleted(req.SessionID)
	}

	// Step 1: if a run is already active, queue this one and return.
	if state.IsBusy() {
		msg := &sessionstate.QueuedMessage{
			ID: uuid.NewString(), Text: req.UserText, QueuedAt: time.Now(),
			Source: req.Source, FromAgentID: req.FromAgentID, FromSessionID: req.FromSessionID,
			Execute: func(execCtx context.Context) {
				if err := c.Run(execCtx, state, req); err != nil {
					slog.Warn("run: queued turn failed", "session", req.SessionID, "error", err)
				}
			},
		}
		position := state.Enqueue(msg)
		c.Broadcast.BroadcastToSession(req.SessionID, encode(protocol.TypeMessageQueued, protocol.MessageQueuedPayload{
			SessionID: req.SessionID, MessageID: msg.ID, Position: position,
		}))
		return apperr.SessionBusy(req.SessionID)
	}

	turnID := req.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}

	meta := &chatevent.MessageMeta{Source: req.Source, FromAgentID: req.FromAgentID, FromSessionID: req.FromSessionID}

	// Step 2: broadcast to every subscriber but the originator.
	c.Broadcast.BroadcastToSessionExcluding(req.SessionID, encode(protocol.TypeUserMessage, protocol.UserMessagePayload{
		SessionID: req.SessionID, Text: req.UserText, Source: req.Source,
	}), req.OriginConnID)

	// Step 3: append turn_start + user_message, batched, unless this
	// session's history is sourced from an external CLI file.
	if req.ShouldEmitEvents {
		if _, err := c.Events.AppendBatch(ctx, req.SessionID, []chatevent.Event{
			chatevent.TurnStart(req.SessionID, turnID, triggerFor(req.Source)),
			chatevent.UserMessage(req.SessionID, turnID, req.UserText, meta),
		}); err != nil {
			slog.Warn("run: failed to append turn start", "session", req.SessionID, "error", err)
		}
	}

	// Step 4: push the user message onto chat history.
	state.AppendChatMessage(chatevent.NewUserMessage(req.UserText, meta))

	// Step 5: allocate the active run.
	runCtx, cancel := context.WithCancel(ctx)
	activeRun := &sessionstate.ActiveChatRun{
		TurnID: turnID, ResponseID: uuid.NewString(), Cancel: cancel,
		ActiveToolCalls: make(map[string]sessionstate.ToolCallInfo),
	}
	if !state.TryBeginRun(activeRun) {
		cancel()
		state.PopLastMessageIfRole(chatevent.RoleUser)
		return apperr.SessionBusy(req.SessionID)
	}
	defer func() {
		state.EndRun()
		if c.OnRunComplete != nil {
			c.OnRunComplete(req.SessionID)
		}
	}()

	return c.driveTurn(runCtx, state, req, activeRun, turnID, meta)
}

func triggerFor(source string) string {
	if source == "" {
		return "user"
	}
	return source
}
