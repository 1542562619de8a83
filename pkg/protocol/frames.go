// Package protocol defines the framed WebSocket JSON-RPC surface of the
// lemongate control plane: request/response/event frames, the handshake
// payload, method and event names, scopes and the error taxonomy.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is bumped on breaking frame changes.
const ProtocolVersion = 3

// Frame type discriminators.
const (
	FrameReq     = "req"
	FrameRes     = "res"
	FrameEvent   = "event"
	FrameHelloOK = "hello_ok"
)

// RequestFrame is a client→server method call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one RequestFrame.
type ResponseFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// EventFrame is a server-push notification.
type EventFrame struct {
	Type         string `json:"type"`
	Event        string `json:"event"`
	Seq          uint64 `json:"seq"`
	Payload      any    `json:"payload,omitempty"`
	StateVersion any    `json:"stateVersion,omitempty"`
}

// HelloOK is returned for the first successful connect request instead of a
// plain response frame. It carries everything a client needs to reconcile.
type HelloOK struct {
	Type     string        `json:"type"`
	Protocol int           `json:"protocol"`
	Server   ServerInfo    `json:"server"`
	Features Features      `json:"features"`
	Snapshot HelloSnapshot `json:"snapshot"`
	Policy   HelloPolicy   `json:"policy"`
	Auth     HelloAuth     `json:"auth"`
}

type ServerInfo struct {
	Version string `json:"version"`
	ConnID  string `json:"connId"`
	Host    string `json:"host"`
}

type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

type HelloSnapshot struct {
	Presence any `json:"presence"`
	Health   any `json:"health"`
}

type HelloPolicy struct {
	MaxPayload       int `json:"maxPayload"`
	MaxBufferedBytes int `json:"maxBufferedBytes"`
	TickIntervalMs   int `json:"tickIntervalMs"`
}

type HelloAuth struct {
	Role   string   `json:"role"`
	Scopes []string `json:"scopes"`
}

// NewResponse builds a success response for a request id.
func NewResponse(id string, payload any) *ResponseFrame {
	return &ResponseFrame{Type: FrameRes, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failure response for a request id.
func NewErrorResponse(id string, err *Error) *ResponseFrame {
	return &ResponseFrame{Type: FrameRes, ID: id, OK: false, Error: err}
}

// NewEvent builds an event frame. Seq and StateVersion are stamped by the
// event bridge before fan-out.
func NewEvent(name string, payload any) *EventFrame {
	return &EventFrame{Type: FrameEvent, Event: name, Payload: payload}
}

// ParseRequest decodes and validates an inbound request frame.
func ParseRequest(data []byte) (*RequestFrame, *Error) {
	var req RequestFrame
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewError(ErrInvalidRequest, "malformed frame: %v", err)
	}
	if req.Type != "" && req.Type != FrameReq {
		return nil, NewError(ErrInvalidRequest, "unexpected frame type %q", req.Type)
	}
	if req.ID == "" {
		return nil, NewError(ErrInvalidRequest, "missing request id")
	}
	if req.Method == "" {
		return nil, NewError(ErrInvalidRequest, "missing method")
	}
	return &req, nil
}

// DecodeParams unmarshals request params into a generic map.
// Nil params decode to an empty map.
func DecodeParams(raw json.RawMessage) (map[string]any, *Error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, NewError(ErrInvalidParams, "params must be an object: %v", err)
	}
	return m, nil
}

// EncodeFrame marshals any frame for the wire.
func EncodeFrame(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
