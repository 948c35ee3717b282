package sync

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Mode string

const (
	ModeFull Mode = "full"
	ModeDiff Mode = "diff"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModeDiff:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown sync mode %q", s)
	}
}

type Transport string

const (
	TransportHTTP  Transport = "http"
	TransportRelay Transport = "relay"
)

// Session is one sync pass. Timestamp tags every row pulled during the pass
// and bounds the cleanup that follows it.
type Session struct {
	ID        string
	Account   string
	Mode      Mode
	Transport Transport
	StartedAt time.Time
	Timestamp int64
}

func NewSession(account string, mode Mode, transport Transport, now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Account:   account,
		Mode:      mode,
		Transport: transport,
		StartedAt: now,
		Timestamp: now.UnixMilli(),
	}
}
