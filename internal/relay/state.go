package relay

import (
	"fmt"
	"time"
)

// ConnectionState is one of Disconnected, Connecting, Connected,
// Reconnecting, PendingApproval or ErrorState.
type ConnectionState interface {
	String() string
	connectionState()
}

type Disconnected struct{}

type Connecting struct {
	Attempt int
}

type Connected struct {
	DeviceID string
}

type Reconnecting struct {
	Delay   time.Duration
	Attempt int
}

// PendingApproval means the backend knows the device but has not approved it.
type PendingApproval struct{}

type ErrorState struct {
	Message  string
	CanRetry bool
}

func (Disconnected) String() string { return "disconnected" }

func (s Connecting) String() string {
	return fmt.Sprintf("connecting (attempt %d)", s.Attempt)
}

func (s Connected) String() string { return "connected as " + s.DeviceID }

func (s Reconnecting) String() string {
	return fmt.Sprintf("reconnecting in %s (attempt %d)", s.Delay, s.Attempt)
}

func (PendingApproval) String() string { return "pending approval" }

func (s ErrorState) String() string { return "error: " + s.Message }

func (Disconnected) connectionState()    {}
func (Connecting) connectionState()      {}
func (Connected) connectionState()       {}
func (Reconnecting) connectionState()    {}
func (PendingApproval) connectionState() {}
func (ErrorState) connectionState()      {}

// SendResult is the outcome stream of SendData: Pending, then exactly one of
// Acknowledged or SendFailed.
type SendResult interface {
	sendResult()
}

type Pending struct {
	MessageID string
}

type Acknowledged struct {
	MessageID string
}

type SendFailed struct {
	MessageID string
	Err       error
	CanRetry  bool
}

func (Pending) sendResult()      {}
func (Acknowledged) sendResult() {}
func (SendFailed) sendResult()   {}

// StateName is the short label used by status endpoints.
func StateName(s ConnectionState) string {
	switch s.(type) {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case PendingApproval:
		return "pending_approval"
	case ErrorState:
		return "error"
	default:
		return "unknown"
	}
}
