// Package transport carries the collaboration protocol over WebSocket.
//
// Every frame is a JSON object with a "type" field. Clients send join,
// mutate and cursor; the server answers with bootstrap, delta, ack, cursor,
// cursor_leave and error. Errors go only to the connection that caused
// them.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/sheetsync/internal/broker"
	"github.com/roach88/sheetsync/internal/grid"
)

// MessageType names a frame.
type MessageType string

const (
	// Client to server.
	TypeJoin   MessageType = "join"
	TypeMutate MessageType = "mutate"
	TypeCursor MessageType = "cursor" // also server to client

	// Server to client.
	TypeBootstrap   MessageType = "bootstrap"
	TypeDelta       MessageType = "delta"
	TypeAck         MessageType = "ack"
	TypeCursorLeave MessageType = "cursor_leave"
	TypeError       MessageType = "error"
)

// CodeInternal marks a failure that is not a broker rejection, such as a
// storage error. Clients may retry it.
const CodeInternal = "Internal"

// typeOnly is decoded first to pick the frame's concrete type.
type typeOnly struct {
	Type MessageType `json:"type"`
}

type JoinMessage struct {
	Type       MessageType `json:"type"`
	DocumentID string      `json:"documentId"`
}

type MutateMessage struct {
	Type      MessageType  `json:"type"`
	RequestID string       `json:"requestId"`
	Row       int          `json:"row"`
	Col       int          `json:"col"`
	RawValue  string       `json:"rawValue"`
	Format    *grid.Format `json:"format,omitempty"`
}

type CursorMessage struct {
	Type MessageType `json:"type"`
	Row  int         `json:"row"`
	Col  int         `json:"col"`
}

type BootstrapMessage struct {
	Type MessageType `json:"type"`
	broker.Bootstrap
}

type DeltaMessage struct {
	Type MessageType `json:"type"`
	grid.Cell
}

type AckMessage struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	Revision  int64       `json:"revision"`
}

type PresenceMessage struct {
	Type MessageType `json:"type"`
	broker.CursorPresence
}

type CursorLeaveMessage struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"userId"`
}

type ErrorMessage struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
}

// eventMessage converts a broker event to its wire frame.
func eventMessage(ev broker.Event) (any, error) {
	switch ev.Type {
	case broker.EventDelta:
		return DeltaMessage{Type: TypeDelta, Cell: grid.Cell(*ev.Delta)}, nil
	case broker.EventCursor:
		return PresenceMessage{Type: TypeCursor, CursorPresence: *ev.Cursor}, nil
	case broker.EventCursorLeave:
		return CursorLeaveMessage{Type: TypeCursorLeave, UserID: ev.UserID}, nil
	default:
		return nil, fmt.Errorf("unknown event type %d", ev.Type)
	}
}

// errorMessage converts a request failure to its wire frame.
func errorMessage(requestID string, err error) ErrorMessage {
	code := string(broker.CodeOf(err))
	if code == "" {
		code = CodeInternal
	}
	return ErrorMessage{Type: TypeError, RequestID: requestID, Code: code, Message: err.Error()}
}

// decodeClientMessage parses one client frame.
func decodeClientMessage(data []byte) (any, error) {
	var t typeOnly
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	var msg any
	switch t.Type {
	case TypeJoin:
		msg = &JoinMessage{}
	case TypeMutate:
		msg = &MutateMessage{}
	case TypeCursor:
		msg = &CursorMessage{}
	default:
		return nil, fmt.Errorf("unknown message type %q", t.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t.Type, err)
	}
	return msg, nil
}
