package gateway

import (
	"context"
	"log/slog"

	"github.com/sablefox/conduit/internal/apperr"
	"github.com/sablefox/conduit/internal/interaction"
	"github.com/sablefox/conduit/internal/run"
	"github.com/sablefox/conduit/pkg/protocol"
)

// MethodRouter dispatches an inbound frame to its handler by
// protocol.Envelope.Type, per §4.8. Unknown types are logged and
// dropped, never crash the dispatcher (§9 "dynamic message unions").
type MethodRouter struct {
	server *Server
}

func NewMethodRouter(s *Server) *MethodRouter {
	return &MethodRouter{server: s}
}

func (m *MethodRouter) Dispatch(ctx context.Context, c *Client, frame protocol.Envelope) {
	switch frame.Type {
	case protocol.TypeHello:
		m.handleHello(ctx, c, frame)
	case protocol.TypeSubscribe:
		m.handleSubscribe(ctx, c, frame)
	case protocol.TypeUnsubscribe:
		m.handleUnsubscribe(ctx, c, frame)
	case protocol.TypeTextInput:
		m.handleTextInput(ctx, c, frame)
	case protocol.TypeOutputCancel:
		m.handleOutputCancel(ctx, c, frame)
	case protocol.TypePanelEvent:
		m.handlePanelEvent(ctx, c, frame)
	case protocol.TypeInteractionResponse:
		m.handleInteractionResponse(ctx, c, frame)
	default:
		slog.Warn("gateway: unknown frame type", "conn", c.id, "type", frame.Type)
	}
}

func (m *MethodRouter) handleHello(ctx context.Context, c *Client, frame protocol.Envelope) {
	payload, err := decodePayload[protocol.HelloPayload](frame.Payload)
	if err != nil {
		c.sendError(err, apperr.CodeInvalidArguments, false)
		return
	}

	st, err := m.server.hub.AttachConnection(ctx, c.id, c, payload.SessionID)
	if err != nil {
		c.sendError(err, apperr.Code(err), false)
		return
	}
	m.server.hub.SetInteractionState(c.id, true, true)
	c.trackSession(st.Summary.SessionID, st)

	env, _ := protocol.Encode(protocol.TypeSubscribed, protocol.SubscribedPayload{SessionID: st.Summary.SessionID})
	_ = c.Send(env)
}

func (m *MethodRouter) handleSubscribe(ctx context.Context, c *Client, frame protocol.Envelope) {
	payload, err := decodePayload[protocol.SubscribePayload](frame.Payload)
	if err != nil || payload.SessionID == "" {
		c.sendError(err, apperr.CodeInvalidSessionID, false)
		return
	}

	st, err := m.server.hub.EnsureSessionState(ctx, payload.SessionID, nil)
	if err != nil {
		c.sendError(err, apperr.Code(err), false)
		return
	}
	if err := m.server.hub.SubscribeConnection(c.id, payload.SessionID, st); err != nil {
		c.sendError(err, apperr.Code(err), false)
		return
	}
	c.trackSession(payload.SessionID, st)

	env, _ := protocol.Encode(protocol.TypeSubscribed, protocol.SubscribedPayload{SessionID: payload.SessionID})
	_ = c.Send(env)
}

func (m *MethodRouter) handleUnsubscribe(ctx context.Context, c *Client, frame protocol.Envelope) {
	payload, err := decodePayload[protocol.UnsubscribePayload](frame.Payload)
	if err != nil || payload.SessionID == "" {
		c.sendError(err, apperr.CodeInvalidSessionID, false)
		return
	}

	st, _ := c.trackedState(payload.SessionID)
	m.server.hub.UnsubscribeConnection(c.id, payload.SessionID, st)
	c.untrackSession(payload.SessionID)

	env, _ := protocol.Encode(protocol.TypeUnsubscribed, protocol.UnsubscribedPayload{SessionID: payload.SessionID})
	_ = c.Send(env)
}

// handleTextInput rejects input for a session the connection has not
// subscribed to (§4.8: "accepted only when sessionId is among the
// connection's subscriptions").
func (m *MethodRouter) handleTextInput(ctx context.Context, c *Client, frame protocol.Envelope) {
	payload, err := decodePayload[protocol.TextInputPayload](frame.Payload)
	if err != nil {
		c.sendError(err, apperr.CodeInvalidArguments, false)
		return
	}

	st, ok := c.trackedState(payload.SessionID)
	if !ok {
		c.sendError(apperr.InvalidSessionID(payload.SessionID), apperr.CodeInvalidSessionID, false)
		return
	}

	if !m.server.rateLimiter.Allow(c.id) {
		c.sendError(nil, apperr.CodeQueueError, true)
		return
	}

	agentID := ""
	if st.Summary != nil {
		agentID = st.Summary.AgentID
	}
	provider, toolHost, err := m.server.resolver.Resolve(ctx, agentID)
	if err != nil {
		c.sendError(err, apperr.CodeExternalAgentError, true)
		return
	}

	shouldEmit := true
	if p := m.server.hub.History.Resolve(st.Summary); p != nil {
		shouldEmit = p.ShouldPersist(st.Summary)
	}

	req := run.Request{
		SessionID:        payload.SessionID,
		UserText:         payload.Text,
		Source:           "user",
		OriginConnID:     c.id,
		Provider:         provider,
		ToolHost:         toolHost,
		ShouldEmitEvents: shouldEmit,
		TurnID:           payload.ClientMessageID,
	}
	go func() {
		if err := m.server.hub.Run.Run(context.Background(), st, req); err != nil {
			if ae, ok := apperr.As(err); ok {
				c.sendError(err, ae.Code, ae.Retryable)
			}
		}
	}()
}

// handleOutputCancel cancels the active run, if any, on the session(s)
// this connection has open. With no responseId it cancels any active
// run; with one, only the run it matches.
func (m *MethodRouter) handleOutputCancel(ctx context.Context, c *Client, frame protocol.Envelope) {
	payload, _ := decodePayload[protocol.OutputCancelPayload](frame.Payload)

	for _, st := range c.snapshotSessions() {
		active := st.ActiveRun()
		if active == nil || active.Cancel == nil {
			continue
		}
		if payload.ResponseID != "" && active.ResponseID != payload.ResponseID {
			continue
		}
		active.OutputCancelled = true
		active.Cancel()
	}
}

// handlePanelEvent rebroadcasts to the event's session scope by default;
// a registered plugin handler for payload.panelType may claim it
// instead (§4.8). The core carries no plugin registry, so every
// panel event takes the default rebroadcast path here.
func (m *MethodRouter) handlePanelEvent(ctx context.Context, c *Client, frame protocol.Envelope) {
	payload, err := decodePayload[protocol.PanelEventPayload](frame.Payload)
	if err != nil {
		c.sendError(err, apperr.CodeInvalidArguments, false)
		return
	}
	if payload.SessionID == "" {
		return
	}
	env, err := protocol.Encode(protocol.TypePanelEvent, payload)
	if err != nil {
		return
	}
	m.server.hub.Conns.BroadcastToSessionExcluding(payload.SessionID, env, c.id)
}

// handleInteractionResponse resolves the matching interaction slot.
// The wire payload carries no sessionId, so every session this
// connection is subscribed to is tried against the slot key
// (sessionId, callId, interactionId); at most one can match.
func (m *MethodRouter) handleInteractionResponse(ctx context.Context, c *Client, frame protocol.Envelope) {
	payload, err := decodePayload[protocol.InteractionResponsePayload](frame.Payload)
	if err != nil {
		c.sendError(err, apperr.CodeInvalidArguments, false)
		return
	}

	resp := interaction.Response{Action: payload.Action, Input: []byte(payload.Input), Reason: payload.Reason}
	for sessionID := range c.snapshotSessions() {
		if m.server.hub.Interaction.ResolveResponse(sessionID, payload.CallID, payload.InteractionID, resp) {
			return
		}
	}
	slog.Warn("gateway: no interaction slot matched response", "conn", c.id, "callId", payload.CallID)
}
