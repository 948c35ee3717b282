package sync

import (
	"time"

	"field-sync-service/internal/syncerr"
)

// Event is what a pass reports to its caller: any number of Progress values
// followed by exactly one Failure or Success.
type Event interface {
	event()
}

type Progress struct {
	Phase string
	Type  string
	Count int
}

type Failure struct {
	Err        error
	StatusCode int
	Message    string
}

type Success struct {
	Mode     Mode
	Duration time.Duration
	Items    int
	Sent     int
}

func (Progress) event() {}
func (Failure) event()  {}
func (Success) event()  {}

func failureOf(err error) Failure {
	f := Failure{Err: err, Message: err.Error()}
	if status, ok := syncerr.HTTPStatus(err); ok {
		f.StatusCode = status
	}
	return f
}
