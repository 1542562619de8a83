// Package gateway is the WebSocket control plane: framed JSON-RPC methods
// over /ws plus a plain HTTP health probe. Connections handshake with
// connect, then call methods gated by scopes; server-side events reach every
// ready client through the event bridge.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lemonhq/lemongate/internal/approvals"
	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/internal/config"
	"github.com/lemonhq/lemongate/internal/cron"
	"github.com/lemonhq/lemongate/internal/runner"
	"github.com/lemonhq/lemongate/internal/sessions"
	"github.com/lemonhq/lemongate/internal/store"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

// Deps carries everything the gateway serves. Optional fields may be nil;
// their methods then answer unavailable.
type Deps struct {
	Cfg       *config.Config
	Bus       *bus.Bus
	Clock     clock.Clock
	Store     store.Store
	Cron      *cron.Manager
	Heartbeat *cron.Heartbeat
	Runner    *runner.Submitter
	Sessions  *sessions.Manager
	Approvals *approvals.Registry
	Version   string
}

// pairRequest is a device pairing awaiting operator approval.
type pairRequest struct {
	ClientID string
	Scopes   []string
}

// Server owns the HTTP listener, the client set and the method router.
type Server struct {
	cfg   *config.Config
	deps  Deps
	clk   clock.Clock
	bus   *bus.Bus
	start time.Time

	router   *MethodRouter
	tokens   *TokenStore
	presence *Presence
	bridge   *EventBridge

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex

	pairPending sync.Map // pairing code -> pairRequest

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires a gateway from its dependencies.
func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:     deps.Cfg,
		deps:    deps,
		clk:     deps.Clock,
		bus:     deps.Bus,
		start:   time.Now(),
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(deps.Cfg.Gateway.RateLimitRPM, 5)
	s.tokens = NewTokenStore(deps.Cfg.Gateway.Token, deps.Store, deps.Clock)
	s.presence = NewPresence(deps.Bus, deps.Clock)
	s.bridge = NewEventBridge(deps.Bus, s)
	s.router = NewMethodRouter()
	s.registerMethods()
	return s
}

// Router exposes the method router for registering extra handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// Tokens exposes the token store for pairing flows.
func (s *Server) Tokens() *TokenStore { return s.tokens }

// Presence exposes the presence registry.
func (s *Server) Presence() *Presence { return s.presence }

// checkOrigin validates the Origin header against the configured allowlist.
// No configured origins means allow all; an absent header (CLI and SDK
// clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway: origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start launches the event bridge and the listener, blocking until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.bridge.Start(ctx)
	defer s.bridge.Stop()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.BuildMux()}

	slog.Info("gateway: starting", "addr", addr)
	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) shutdown() {
	s.bus.Broadcast(bus.TopicSystem, bus.Event{
		Type: protocol.BusShutdown,
		TsMs: s.clk.NowMs(),
	})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: websocket upgrade failed", "error", err)
		return
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
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// BroadcastEvent sends an event frame to every ready client.
func (s *Server) BroadcastEvent(frame protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(frame)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	slog.Debug("gateway: connection opened", "conn_id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.presence.Remove(c.id)
	s.rateLimiter.Forget(c.id)
	slog.Debug("gateway: connection closed", "conn_id", c.id)
}

// buildHello assembles the handshake reply for a freshly authenticated
// connection.
func (s *Server) buildHello(connID string, identity Identity) *protocol.HelloOK {
	return &protocol.HelloOK{
		Type:     protocol.FrameHelloOK,
		Protocol: protocol.ProtocolVersion,
		Server: protocol.ServerInfo{
			Version: s.deps.Version,
			ConnID:  connID,
			Host:    s.cfg.Gateway.Host,
		},
		Features: protocol.Features{
			Methods: s.router.MethodNames(),
			Events:  clientEventNames(),
		},
		Snapshot: protocol.HelloSnapshot{
			Presence: s.presence.Snapshot(),
			Health:   s.healthSnapshot(),
		},
		Policy: protocol.HelloPolicy{
			MaxPayload:       s.cfg.Gateway.MaxPayloadBytes,
			MaxBufferedBytes: s.cfg.Gateway.MaxBufferedBytes,
			TickIntervalMs:   s.cfg.Gateway.TickIntervalMs,
		},
		Auth: protocol.HelloAuth{
			Role:   identity.Role,
			Scopes: identity.Scopes,
		},
	}
}

func (s *Server) healthSnapshot() map[string]any {
	return map[string]any{
		"status":        "ok",
		"uptime_ms":     time.Since(s.start).Milliseconds(),
		"connections":   s.presence.Count(),
		"state_version": s.bridge.StateSnapshot(),
	}
}

func clientEventNames() []string {
	return []string{
		protocol.EventAgent,
		protocol.EventChat,
		protocol.EventCron,
		protocol.EventCronJob,
		protocol.EventTick,
		protocol.EventPresence,
		protocol.EventShutdown,
		protocol.EventHealth,
		protocol.EventHeartbeat,
		protocol.EventExecApprovalReq,
		protocol.EventExecApprovalRes,
	}
}

// StartTestServer binds the gateway to a random local port and returns the
// address plus a start function, for integration tests.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: s.BuildMux()}
	addr = ln.Addr().String()

	start = func() {
		s.bridge.Start(ctx)
		go func() {
			<-ctx.Done()
			s.bridge.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		go s.httpServer.Serve(ln)
	}
	return addr, start
}
