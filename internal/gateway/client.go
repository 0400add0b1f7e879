package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sablefox/conduit/internal/sessionstate"
	"github.com/sablefox/conduit/pkg/protocol"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Client is one physical duplex channel: a per-connection serial
// dispatcher that reads frames strictly in arrival order (§4.8),
// so a subscribe can never be reordered after a panel_event for the
// same session. It also implements connreg.Sender.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*sessionstate.State
}

func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		server:   server,
		sessions: make(map[string]*sessionstate.State),
	}
}

// Send implements connreg.Sender. Writes are serialized against the
// ping goroutine since gorilla/websocket connections are not
// safe for concurrent writers.
func (c *Client) Send(frame protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(frame)
}

func (c *Client) trackSession(sessionID string, st *sessionstate.State) {
	c.mu.Lock()
	c.sessions[sessionID] = st
	c.mu.Unlock()
}

func (c *Client) untrackSession(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

func (c *Client) trackedState(sessionID string) (*sessionstate.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sessions[sessionID]
	return st, ok
}

func (c *Client) snapshotSessions() map[string]*sessionstate.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*sessionstate.State, len(c.sessions))
	for id, st := range c.sessions {
		out[id] = st
	}
	return out
}

// Run drains inbound frames one at a time until the connection closes
// or ctx is done. Dispatch is synchronous on purpose: the per-connection
// serial ordering is the whole point of this type.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	pingDone := make(chan struct{})
	go c.pingLoop(pingDone)
	defer close(pingDone)

	for {
		var frame protocol.Envelope
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("gateway: read error", "conn", c.id, "error", err)
			}
			return
		}
		c.server.router.Dispatch(ctx, c, frame)
	}
}

func (c *Client) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) sendError(appErr error, code string, retryable bool) {
	msg := ""
	if appErr != nil {
		msg = appErr.Error()
	}
	env, err := protocol.Encode(protocol.TypeError, protocol.ErrorPayload{
		Code: code, Message: msg, Retryable: retryable,
	})
	if err != nil {
		return
	}
	_ = c.Send(env)
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.sessions = nil
	c.mu.Unlock()
	return c.conn.Close()
}

func decodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
