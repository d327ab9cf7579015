package session

import (
	"fmt"

	"github.com/1ureka/lancall/internal/negotiation"
)

// EventKind tells the two kinds of Event apart.
type EventKind int

const (
	StateChanged EventKind = iota + 1
	Error
)

// Event is what the controller reports to its observer.
type Event struct {
	Kind EventKind

	State negotiation.State // StateChanged

	ErrKind ErrorKind // Error
	Message string    // Error
}

func (e Event) String() string {
	switch e.Kind {
	case StateChanged:
		return "state " + e.State.String()
	case Error:
		return fmt.Sprintf("%s error: %s", e.ErrKind, e.Message)
	default:
		return "unknown event"
	}
}
