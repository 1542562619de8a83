package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lemonhq/lemongate/pkg/protocol"
)

// Connection states.
const (
	stateHandshake = "handshake_required"
	stateReady     = "ready"
	stateClosed    = "closed"
)

// dispatchTimeout bounds one method handler invocation.
const dispatchTimeout = 10 * time.Second

// sendQueueSize is the per-connection outbound frame queue depth.
const sendQueueSize = 128

// Client is one WebSocket connection. Frames before a successful connect are
// rejected with handshake_required; after that the connection carries the
// authenticated identity until close.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	mu       sync.Mutex
	state    string
	identity Identity
	clientID string
	pid      int

	sendQ     chan []byte
	buffered  int
	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		state:  stateHandshake,
		sendQ:  make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Ready reports whether the handshake has completed.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateReady
}

// Run owns the connection: a writer goroutine drains the send queue while the
// read loop parses and dispatches frames until error or context end.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.conn.SetReadLimit(int64(c.server.cfg.Gateway.MaxPayloadBytes))

	go c.writeLoop(ctx)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("gateway: read error", "conn_id", c.id, "error", err)
			}
			return
		}
		c.handleFrame(ctx, data)
	}
}

// Close transitions to closed and shuts the socket. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		close(c.closed)
		c.conn.Close()
	})
}

// SendEvent queues an event frame. Events are dropped once the connection's
// buffered budget is exhausted; a slow client must not stall the bridge.
func (c *Client) SendEvent(frame protocol.EventFrame) {
	if !c.Ready() {
		return
	}
	data, err := protocol.EncodeFrame(frame)
	if err != nil {
		slog.Warn("gateway: event encode failed", "conn_id", c.id, "error", err)
		return
	}
	c.send(data)
}

func (c *Client) send(data []byte) {
	c.mu.Lock()
	if c.buffered+len(data) > c.server.cfg.Gateway.MaxBufferedBytes {
		c.mu.Unlock()
		slog.Warn("gateway: send buffer exhausted, dropping frame", "conn_id", c.id)
		return
	}
	c.buffered += len(data)
	c.mu.Unlock()

	select {
	case c.sendQ <- data:
	case <-c.closed:
		c.unbuffer(len(data))
	default:
		c.unbuffer(len(data))
		slog.Warn("gateway: send queue full, dropping frame", "conn_id", c.id)
	}
}

func (c *Client) unbuffer(n int) {
	c.mu.Lock()
	c.buffered -= n
	c.mu.Unlock()
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case data := <-c.sendQ:
			c.unbuffer(len(data))
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("gateway: write failed", "conn_id", c.id, "error", err)
				c.Close()
				return
			}
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	req, perr := protocol.ParseRequest(data)
	if perr != nil {
		id := ""
		if req != nil {
			id = req.ID
		}
		c.respondErr(id, perr)
		return
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case stateHandshake:
		if req.Method != protocol.MethodConnect {
			c.respondErr(req.ID, protocol.NewError(protocol.ErrHandshakeRequired, "connect first"))
			return
		}
		c.handleConnect(req)
	case stateReady:
		if req.Method == protocol.MethodConnect {
			c.respondErr(req.ID, protocol.NewError(protocol.ErrAlreadyConnected, "handshake already completed"))
			return
		}
		if !c.server.rateLimiter.Allow(c.id) {
			c.respondErr(req.ID, protocol.NewError(protocol.ErrRateLimited, "request rate exceeded"))
			return
		}
		c.dispatch(ctx, req)
	default:
		// closed: nothing to do
	}
}

func (c *Client) handleConnect(req *protocol.RequestFrame) {
	params, perr := protocol.DecodeParams(req.Params)
	if perr != nil {
		c.respondErr(req.ID, perr)
		return
	}

	token := paramString(params, "token")
	identity, err := c.server.tokens.Authenticate(token)
	if err != nil {
		c.respondErr(req.ID, protocol.AsError(err))
		return
	}

	hello := c.server.buildHello(c.id, identity)
	data, encErr := protocol.EncodeFrame(hello)
	if encErr != nil {
		slog.Error("gateway: hello encode failed", "conn_id", c.id, "error", encErr)
		return
	}

	// Queue hello before flipping to ready so no event frame can precede it.
	c.send(data)
	c.mu.Lock()
	c.state = stateReady
	c.identity = identity
	c.clientID = paramString(params, "client_id")
	c.pid = int(paramInt64(params, "pid"))
	c.mu.Unlock()

	c.server.presence.Add(PresenceEntry{
		ConnID:   c.id,
		Role:     identity.Role,
		ClientID: c.clientID,
		PID:      c.pid,
	})
	slog.Info("gateway: client connected", "conn_id", c.id, "role", identity.Role, "client_id", c.clientID)
}

func (c *Client) dispatch(ctx context.Context, req *protocol.RequestFrame) {
	params, perr := protocol.DecodeParams(req.Params)
	if perr != nil {
		c.respondErr(req.ID, perr)
		return
	}

	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()

	call := &Call{
		ConnID: c.id,
		Role:   identity.Role,
		Scopes: identity.Scopes,
		Method: req.Method,
		Params: params,
	}

	dctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	result, derr := c.server.router.Dispatch(dctx, call)
	if derr != nil {
		c.respondErr(req.ID, derr)
		return
	}
	c.respond(protocol.NewResponse(req.ID, result))
}

func (c *Client) respond(res *protocol.ResponseFrame) {
	data, err := protocol.EncodeFrame(res)
	if err != nil {
		slog.Error("gateway: response encode failed", "conn_id", c.id, "error", err)
		return
	}
	c.send(data)
}

func (c *Client) respondErr(id string, perr *protocol.Error) {
	c.respond(protocol.NewErrorResponse(id, perr))
}
