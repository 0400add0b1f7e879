// Package gateway implements the Multiplexed Connection (C8): one
// gorilla/websocket upgrade per physical duplex channel, a serial
// per-connection dispatcher, and the method router that turns client
// frames into Session Hub calls. Same upgrader-plus-accept-loop shape
// as a plain HTTP gateway server, generalized onto the Session Hub's
// connreg.Registry instead of a flat event-bus fan-out.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sablefox/conduit/internal/config"
	"github.com/sablefox/conduit/internal/hub"
	"github.com/sablefox/conduit/internal/llm"
	"github.com/sablefox/conduit/pkg/protocol"
)

// AgentResolver resolves the LLM provider and tool host backing a
// session's agent. Concrete providers and tool registries are external
// collaborators (§1); the gateway only consumes this narrow
// capability to start a turn.
type AgentResolver interface {
	Resolve(ctx context.Context, agentID string) (llm.Provider, llm.ToolHost, error)
}

// Server owns the WebSocket listener and every live Client.
type Server struct {
	cfg      config.GatewayConfig
	hub      *hub.Hub
	resolver AgentResolver
	router   *MethodRouter

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
}

func NewServer(cfg config.GatewayConfig, h *hub.Hub, resolver AgentResolver) *Server {
	s := &Server{
		cfg:      cfg,
		hub:      h,
		resolver: resolver,
		clients:  make(map[string]*Client),
	}
	readBuf := cfg.MaxMessageBytes
	if readBuf <= 0 {
		readBuf = 4096
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  readBuf,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(cfg.RateLimitRPM)
	s.router = NewMethodRouter(s)
	return s
}

// checkOrigin allows every origin when no allowlist is configured
// (standalone/dev mode) and always allows non-browser clients with no
// Origin header.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	slog.Warn("gateway: rejected origin", "origin", origin)
	return false
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Mux()}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: websocket upgrade failed", "error", err)
		return
	}
	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(int64(s.cfg.MaxMessageBytes))
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocolVersion":%d}`, protocol.Version)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("gateway: client connected", "conn", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.hub.DetachConnection(c.id)
	s.rateLimiter.Forget(c.id)
	slog.Info("gateway: client disconnected", "conn", c.id)
}
