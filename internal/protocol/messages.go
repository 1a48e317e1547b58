// Package protocol defines the wire protocol between the bridge and the editor plugin.
// Both the bridge and the Go editor client import this package to ensure type safety.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the kind of message on the WebSocket wire.
type MessageType string

const (
	// Bridge → Editor
	MsgToolInvoke MessageType = "tool_invoke"
	MsgPing       MessageType = "ping"

	// Editor → Bridge
	MsgToolResult MessageType = "tool_result"
	MsgPong       MessageType = "pong"
	MsgReady      MessageType = "godot_ready"
)

// CloseEditorBusy is the WebSocket close code sent to a second editor that
// connects while another one is already authoritative. Clients should retry
// later rather than treat it as a protocol error.
const CloseEditorBusy = 4001

// CloseEditorBusyReason accompanies CloseEditorBusy.
const CloseEditorBusyReason = "another editor is already connected"

// ToolInvoke asks the editor to run a named tool.
type ToolInvoke struct {
	Type MessageType    `json:"type"`
	ID   string         `json:"id"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// NewToolInvoke builds a tool_invoke frame. Nil args are sent as an empty object.
func NewToolInvoke(id, tool string, args map[string]any) ToolInvoke {
	if args == nil {
		args = map[string]any{}
	}
	return ToolInvoke{Type: MsgToolInvoke, ID: id, Tool: tool, Args: args}
}

// Ping is the heartbeat probe.
type Ping struct {
	Type MessageType `json:"type"`
}

// Pong acknowledges a Ping.
type Pong struct {
	Type MessageType `json:"type"`
}

// ToolResult is the editor's response to a ToolInvoke.
type ToolResult struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Ready is the editor's readiness announcement.
type Ready struct {
	Type        MessageType `json:"type"`
	ProjectPath string      `json:"project_path"`
}

// Inbound is a decoded frame from the editor. Exactly one of the typed fields
// is set, matching Type.
type Inbound struct {
	Type   MessageType
	Result *ToolResult
	Ready  *Ready
}

var (
	// ErrMalformed is returned for frames that are not JSON objects or whose
	// shape does not match their declared type.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType is returned for well-formed frames with an unrecognised type.
	ErrUnknownType = errors.New("unknown message type")
)

// rawInbound uses pointers so that missing fields can be told apart from zero values.
type rawInbound struct {
	Type        *string         `json:"type"`
	ID          *string         `json:"id"`
	Success     *bool           `json:"success"`
	Result      json.RawMessage `json:"result"`
	Error       *string         `json:"error"`
	ProjectPath *string         `json:"project_path"`
}

// DecodeInbound parses a frame sent by the editor.
func DecodeInbound(data []byte) (Inbound, error) {
	var raw rawInbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Type == nil {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	msgType := MessageType(*raw.Type)
	switch msgType {
	case MsgToolResult:
		if raw.ID == nil || *raw.ID == "" {
			return Inbound{}, fmt.Errorf("%w: tool_result without id", ErrMalformed)
		}
		if raw.Success == nil {
			return Inbound{}, fmt.Errorf("%w: tool_result without success flag", ErrMalformed)
		}
		res := &ToolResult{
			Type:    msgType,
			ID:      *raw.ID,
			Success: *raw.Success,
			Result:  raw.Result,
		}
		if raw.Error != nil {
			res.Error = *raw.Error
		}
		return Inbound{Type: msgType, Result: res}, nil
	case MsgPong:
		return Inbound{Type: msgType}, nil
	case MsgReady:
		if raw.ProjectPath == nil {
			return Inbound{}, fmt.Errorf("%w: godot_ready without project_path", ErrMalformed)
		}
		return Inbound{Type: msgType, Ready: &Ready{Type: msgType, ProjectPath: *raw.ProjectPath}}, nil
	default:
		return Inbound{Type: msgType}, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}
}

// EditorFrame is a decoded frame from the bridge, as seen by an editor client.
type EditorFrame struct {
	Type   MessageType
	Invoke *ToolInvoke
}

// DecodeOutbound parses a frame sent by the bridge.
func DecodeOutbound(data []byte) (EditorFrame, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return EditorFrame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch head.Type {
	case MsgPing:
		return EditorFrame{Type: MsgPing}, nil
	case MsgToolInvoke:
		var inv ToolInvoke
		if err := json.Unmarshal(data, &inv); err != nil {
			return EditorFrame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if inv.ID == "" || inv.Tool == "" {
			return EditorFrame{}, fmt.Errorf("%w: tool_invoke without id or tool", ErrMalformed)
		}
		return EditorFrame{Type: MsgToolInvoke, Invoke: &inv}, nil
	default:
		return EditorFrame{Type: head.Type}, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}
