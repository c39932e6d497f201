// Package synchub relays operations between editors of the same document
// over WebSocket. The hub keeps a bounded per-document operation log so
// reconnecting clients can catch up without a full document transfer.
package synchub

import (
	"time"

	"github.com/stacknote/stacknote/internal/history"
)

type MessageType string

const (
	// server to client
	TypeConnected          MessageType = "connected"
	TypeOperationsResponse MessageType = "operations_response"
	TypeClientJoined       MessageType = "client_joined"
	TypeClientLeft         MessageType = "client_left"
	TypeError              MessageType = "error"

	// client to server
	TypeJoinFile          MessageType = "join_file"
	TypeLeaveFile         MessageType = "leave_file"
	TypeRequestOperations MessageType = "request_operations"

	// both directions
	TypeOperation MessageType = "operation"
)

// Message is the single wire envelope for the sync protocol. Only the
// fields for the message's type are populated.
type Message struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"clientId,omitempty"`
	FileName string      `json:"fileName,omitempty"`

	// Operation carries one edit; Seq is the hub-assigned sequence.
	Seq       uint64             `json:"seq,omitempty"`
	Operation *history.Operation `json:"operation,omitempty"`

	// RequestOperations and OperationsResponse.
	SinceSeq   uint64         `json:"sinceSeq,omitempty"`
	Operations []SeqOperation `json:"operations,omitempty"`

	// Error.
	Message string `json:"message,omitempty"`
}

// SeqOperation is one log entry: an operation plus the sequence and
// arrival time the hub stamped it with.
type SeqOperation struct {
	Seq       uint64            `json:"seq"`
	ClientID  string            `json:"clientId,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Operation history.Operation `json:"operation"`
}
