// Package media defines the boundary to the media engine that turns a
// negotiated session into audio/video, and a pion/webrtc implementation of it.
package media

import (
	"context"
	"errors"

	"github.com/1ureka/lancall/internal/signaling"
)

// ErrDeviceUnavailable is returned by Acquire when capture resources are busy
// or cannot be opened.
var ErrDeviceUnavailable = errors.New("media: device unavailable")

// SDPType distinguishes offers from answers.
type SDPType int

const (
	SDPOffer SDPType = iota + 1
	SDPAnswer
)

func (t SDPType) String() string {
	switch t {
	case SDPOffer:
		return "offer"
	case SDPAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

// Description is a session description produced or consumed by a Handle.
type Description struct {
	Type SDPType
	SDP  string
}

// Engine hands out exclusive access to the local capture devices.
type Engine interface {
	// Acquire opens the devices and returns a handle for one call.
	Acquire(ctx context.Context) (Handle, error)

	// Release frees everything held by h. It must tolerate a nil or
	// partially initialised handle and repeated calls.
	Release(h Handle) error
}

// Handle is one call's connection to the media engine.
type Handle interface {
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	AttachLocalDescription(d Description) error
	ApplyRemoteDescription(d Description) error
	ApplyCandidate(c signaling.Candidate) error

	// Reset discards all negotiation state, including an attached but
	// unanswered local offer, by replacing the underlying connection. Mute
	// and video settings and the candidate callback carry over.
	Reset() error

	// OnLocalCandidate registers fn for each locally gathered candidate.
	OnLocalCandidate(fn func(signaling.Candidate))

	SetAudioMuted(muted bool) error
	SetVideoEnabled(enabled bool) error
}
