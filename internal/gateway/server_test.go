package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/internal/config"
	"github.com/lemonhq/lemongate/internal/sessions"
	"github.com/lemonhq/lemongate/internal/store"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

func startGateway(t *testing.T, mutate func(cfg *config.Config)) (string, *Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.Token = "test-token"
	if mutate != nil {
		mutate(cfg)
	}
	kv := store.NewMemory()
	clk := &clock.Fake{WallMs: 1_700_000_000_000}
	srv := NewServer(Deps{
		Cfg:      cfg,
		Bus:      bus.New(),
		Clock:    clk,
		Store:    kv,
		Sessions: sessions.NewManager(kv, clk),
		Version:  "test",
	})
	addr, start := StartTestServer(t.Context(), srv)
	start()
	return addr, srv
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func send(t *testing.T, conn *websocket.Conn, id, method string, params map[string]any) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	frame := protocol.RequestFrame{Type: protocol.FrameReq, ID: id, Method: method, Params: raw}
	require.NoError(t, conn.WriteJSON(frame))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

// readResponse skips event frames, returning the next res or hello_ok frame.
func readResponse(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	for {
		m := readFrame(t, conn)
		if m["type"] != protocol.FrameEvent {
			return m
		}
	}
}

func TestHandshakeRequiredBeforeConnect(t *testing.T) {
	addr, _ := startGateway(t, nil)
	conn := dial(t, addr)

	send(t, conn, "1", protocol.MethodHealth, nil)
	res := readResponse(t, conn)
	assert.Equal(t, false, res["ok"])
	assert.Equal(t, protocol.ErrHandshakeRequired, res["error"].(map[string]any)["code"])
}

func TestConnectHandshake(t *testing.T) {
	addr, _ := startGateway(t, nil)
	conn := dial(t, addr)

	send(t, conn, "1", protocol.MethodConnect, map[string]any{
		"token":     "test-token",
		"client_id": "cli",
	})
	hello := readResponse(t, conn)
	assert.Equal(t, protocol.FrameHelloOK, hello["type"])
	assert.Equal(t, float64(protocol.ProtocolVersion), hello["protocol"])

	auth := hello["auth"].(map[string]any)
	assert.Equal(t, RoleOperator, auth["role"])

	features := hello["features"].(map[string]any)
	assert.Contains(t, features["methods"], protocol.MethodChatSend)
	assert.Contains(t, features["events"], protocol.EventHeartbeat)

	policy := hello["policy"].(map[string]any)
	assert.Equal(t, float64(1<<20), policy["maxPayload"])

	// A second connect on the same socket is refused.
	send(t, conn, "2", protocol.MethodConnect, map[string]any{"token": "test-token"})
	res := readResponse(t, conn)
	assert.Equal(t, false, res["ok"])
	assert.Equal(t, protocol.ErrAlreadyConnected, res["error"].(map[string]any)["code"])

	// Ready connections dispatch methods.
	send(t, conn, "3", protocol.MethodHealth, nil)
	res = readResponse(t, conn)
	assert.Equal(t, true, res["ok"])
	assert.Equal(t, "ok", res["payload"].(map[string]any)["status"])
}

func TestConnectRejectsBadToken(t *testing.T) {
	addr, _ := startGateway(t, nil)
	conn := dial(t, addr)

	send(t, conn, "1", protocol.MethodConnect, map[string]any{"token": "nope"})
	res := readResponse(t, conn)
	assert.Equal(t, false, res["ok"])
	assert.Equal(t, protocol.ErrUnauthorized, res["error"].(map[string]any)["code"])

	// Connection stays in handshake state and may retry.
	send(t, conn, "2", protocol.MethodConnect, map[string]any{"token": "test-token"})
	hello := readResponse(t, conn)
	assert.Equal(t, protocol.FrameHelloOK, hello["type"])
}

func TestPresenceTracksConnections(t *testing.T) {
	addr, srv := startGateway(t, nil)
	conn := dial(t, addr)

	send(t, conn, "1", protocol.MethodConnect, map[string]any{
		"token":     "test-token",
		"client_id": "cli-a",
		"pid":       float64(4242),
	})
	readFrame(t, conn)

	require.Eventually(t, func() bool { return srv.Presence().Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	entry := srv.Presence().Snapshot()[0]
	assert.Equal(t, "cli-a", entry.ClientID)
	assert.Equal(t, 4242, entry.PID)
	assert.Equal(t, RoleOperator, entry.Role)

	conn.Close()
	require.Eventually(t, func() bool { return srv.Presence().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	addr, _ := startGateway(t, nil)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(protocol.ProtocolVersion), body["protocol"])
}

func TestRateLimitedRequests(t *testing.T) {
	addr, _ := startGateway(t, func(cfg *config.Config) {
		cfg.Gateway.RateLimitRPM = 1 // burst 5, then dry
	})
	conn := dial(t, addr)

	send(t, conn, "0", protocol.MethodConnect, map[string]any{"token": "test-token"})
	readFrame(t, conn)

	limited := false
	for i := 1; i <= 10; i++ {
		send(t, conn, fmt.Sprint(i), protocol.MethodHealth, nil)
		res := readResponse(t, conn)
		if res["ok"] == false && res["error"].(map[string]any)["code"] == protocol.ErrRateLimited {
			limited = true
			break
		}
	}
	assert.True(t, limited, "burst exhaustion should produce rate_limited")
}

func TestEventsReachReadyClients(t *testing.T) {
	addr, srv := startGateway(t, nil)
	conn := dial(t, addr)

	send(t, conn, "1", protocol.MethodConnect, map[string]any{"token": "test-token"})
	readFrame(t, conn)

	srv.bus.Broadcast(bus.TopicHeartbeat, bus.Event{
		Type:    protocol.BusHeartbeatAlert,
		TsMs:    77,
		Payload: map[string]any{"agent_id": "lemon"},
	})

	for {
		frame := readFrame(t, conn)
		if frame["type"] != protocol.FrameEvent || frame["event"] != protocol.EventHeartbeat {
			continue
		}
		payload := frame["payload"].(map[string]any)
		assert.Equal(t, "lemon", payload["agent_id"])
		assert.NotZero(t, frame["seq"])
		break
	}
}
