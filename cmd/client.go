package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lemonhq/lemongate/internal/config"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

// gatewayClient is a minimal control-plane client used by the CLI
// subcommands. It performs the connect handshake and issues one request at
// a time, skipping event frames that arrive in between.
type gatewayClient struct {
	conn *websocket.Conn
}

func dialGateway(cfg *config.Config) (*gatewayClient, error) {
	wsURL := fmt.Sprintf("ws://%s/ws", gatewayAddr(cfg))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway at %s: %w (is the gateway running?)", wsURL, err)
	}

	c := &gatewayClient{conn: conn}
	if err := c.handshake(cfg.Gateway.Token); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *gatewayClient) Close() { c.conn.Close() }

func (c *gatewayClient) handshake(token string) error {
	params := map[string]any{"client_id": "cli", "pid": os.Getpid()}
	if token != "" {
		params["token"] = token
	}
	raw, _ := json.Marshal(params)

	req := protocol.RequestFrame{
		Type:   protocol.FrameReq,
		ID:     "connect-1",
		Method: protocol.MethodConnect,
		Params: raw,
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	// A successful handshake answers with a hello_ok frame; a failure comes
	// back as a plain error response.
	var frame struct {
		Type  string          `json:"type"`
		OK    bool            `json:"ok"`
		Error *protocol.Error `json:"error"`
	}
	if err := c.conn.ReadJSON(&frame); err != nil {
		return fmt.Errorf("read connect response: %w", err)
	}
	switch frame.Type {
	case protocol.FrameHelloOK:
		return nil
	case protocol.FrameRes:
		if frame.Error != nil {
			return fmt.Errorf("connect rejected: %s", frame.Error.Message)
		}
		return fmt.Errorf("connect rejected")
	default:
		return fmt.Errorf("unexpected frame type %q during handshake", frame.Type)
	}
}

// call issues a request and waits for its response, ignoring interleaved
// event frames.
func (c *gatewayClient) call(method string, params map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	id := uuid.NewString()[:8]
	req := protocol.RequestFrame{
		Type:   protocol.FrameReq,
		ID:     id,
		Method: method,
		Params: raw,
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	for {
		var frame struct {
			Type    string          `json:"type"`
			ID      string          `json:"id"`
			OK      bool            `json:"ok"`
			Payload map[string]any  `json:"payload"`
			Error   *protocol.Error `json:"error"`
		}
		if err := c.conn.ReadJSON(&frame); err != nil {
			return nil, fmt.Errorf("read %s response: %w", method, err)
		}
		if frame.Type != protocol.FrameRes || frame.ID != id {
			continue
		}
		if !frame.OK {
			if frame.Error != nil {
				return nil, fmt.Errorf("%s: %s", method, frame.Error.Message)
			}
			return nil, fmt.Errorf("%s failed", method)
		}
		return frame.Payload, nil
	}
}

// loadClientConfig loads the config for CLI subcommands that talk to a
// running gateway.
func loadClientConfig() *config.Config {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
