package session

import (
	"errors"

	"github.com/1ureka/lancall/internal/media"
	"github.com/1ureka/lancall/internal/transport"
)

var (
	// ErrAlreadyInCall is returned by StartCall while a call is active or
	// being set up.
	ErrAlreadyInCall = errors.New("session: already in a call")

	// ErrNotConnected is returned by StartCall before a relay connection
	// exists.
	ErrNotConnected = errors.New("session: not connected to a relay")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session: controller closed")
)

// ErrorKind is the user-facing class of an error event.
type ErrorKind int

const (
	KindConnection    ErrorKind = iota + 1 // relay unreachable or lost
	KindProtocol                           // unexpected, malformed or stale message
	KindDevice                             // media engine could not be acquired
	KindAlreadyInCall                      // start call while busy
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindDevice:
		return "device"
	case KindAlreadyInCall:
		return "already-in-call"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by this module to its ErrorKind. Anything
// not recognised is treated as a protocol error.
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrAlreadyInCall):
		return KindAlreadyInCall
	case errors.Is(err, media.ErrDeviceUnavailable):
		return KindDevice
	case errors.Is(err, transport.ErrConnection),
		errors.Is(err, transport.ErrSend),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrClosed):
		return KindConnection
	default:
		return KindProtocol
	}
}
