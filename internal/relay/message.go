package relay

import (
	"encoding/json"
)

type MessageType string

const (
	TypeData  MessageType = "data"
	TypeAck   MessageType = "ack"
	TypePing  MessageType = "ping"
	TypePong  MessageType = "pong"
	TypeError MessageType = "error"
)

// errPendingApprovalCode is what the relay sends while the device is waiting
// for approval.
const errPendingApprovalCode = "device_pending_approval"

// Envelope is the JSON frame exchanged with the relay.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	DataType  string          `json:"data_type,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Error     string          `json:"error,omitempty"`
}
