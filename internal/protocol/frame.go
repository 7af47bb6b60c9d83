// Package protocol defines the JSON frames exchanged with the chat hub and
// normalizes inbound events into typed values.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Frame types.
const (
	FrameHello  = "hello"
	FrameInvoke = "invoke"
	FrameAck    = "ack"
	FrameEvent  = "event"
	FramePing   = "ping"
	FramePong   = "pong"
)

// Invoke is a client-to-server call awaiting an ack with the same ID.
type Invoke struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method Method `json:"method"`
	Args   []any  `json:"args"`
}

// Ack is the server's answer to an Invoke.
type Ack struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Hello is the first frame the server sends on a new connection.
type Hello struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	AccountID    string `json:"accountId"`
}

// EventFrame carries a server-pushed event.
type EventFrame struct {
	Type    string          `json:"type"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Frame is a decoded frame; at most one of the typed fields is set
// according to Type.
type Frame struct {
	Type   string
	Hello  *Hello
	Ack    *Ack
	Event  *EventFrame
	Invoke *Invoke
}

// NewInvoke builds an invoke frame.
func NewInvoke(id string, method Method, args ...any) Invoke {
	if args == nil {
		args = []any{}
	}
	return Invoke{Type: FrameInvoke, ID: id, Method: method, Args: args}
}

// ParseFrame decodes a frame. Field names are matched case-insensitively.
func ParseFrame(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return Frame{}, fmt.Errorf("invalid frame: not JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Frame{}, fmt.Errorf("invalid frame: not an object")
	}
	typ := strings.ToLower(Field(root, "type").String())

	switch typ {
	case FrameHello:
		return Frame{Type: typ, Hello: &Hello{
			Type:         typ,
			ConnectionID: Field(root, "connectionId").String(),
			AccountID:    Field(root, "accountId").String(),
		}}, nil
	case FrameAck:
		return Frame{Type: typ, Ack: &Ack{
			Type:  typ,
			ID:    Field(root, "id").String(),
			OK:    Bool(Field(root, "ok")),
			Error: Field(root, "error").String(),
		}}, nil
	case FrameEvent:
		name := Field(root, "name")
		if name.String() == "" {
			return Frame{}, fmt.Errorf("invalid event frame: missing name")
		}
		payload := Field(root, "payload")
		raw := json.RawMessage(payload.Raw)
		if !payload.Exists() || payload.Type == gjson.Null {
			raw = json.RawMessage("{}")
		}
		return Frame{Type: typ, Event: &EventFrame{Type: typ, Name: name.String(), Payload: raw}}, nil
	case FrameInvoke:
		var args []any
		if a := Field(root, "args"); a.IsArray() {
			if err := json.Unmarshal([]byte(a.Raw), &args); err != nil {
				return Frame{}, fmt.Errorf("invalid invoke args: %w", err)
			}
		}
		return Frame{Type: typ, Invoke: &Invoke{
			Type:   typ,
			ID:     String(Field(root, "id")),
			Method: Method(Field(root, "method").String()),
			Args:   args,
		}}, nil
	case FramePing, FramePong:
		return Frame{Type: typ}, nil
	default:
		return Frame{}, fmt.Errorf("unknown frame type %q", typ)
	}
}
