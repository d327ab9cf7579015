// Package negotiation implements the two-party offer/answer state machine:
// which descriptions to create and apply, when to buffer remote candidates,
// and how simultaneous offers are resolved.
package negotiation

import (
	"errors"
	"fmt"

	"github.com/1ureka/lancall/internal/media"
	"github.com/1ureka/lancall/internal/signaling"
	"github.com/1ureka/lancall/internal/util"
)

var (
	// ErrProtocol marks a message or operation that is invalid in the current
	// state. The state is left unchanged.
	ErrProtocol = errors.New("negotiation: protocol error")

	// ErrStale marks a message that belongs to a session that has already
	// ended, such as an answer arriving after a hangup.
	ErrStale = fmt.Errorf("%w: stale message", ErrProtocol)

	// ErrGlare is returned to the non-host when both sides offered at once.
	// The remote offer is dropped and the host's answer is awaited instead.
	ErrGlare = fmt.Errorf("%w: simultaneous offers", ErrProtocol)
)

// call is the negotiation context of one call attempt.
type call struct {
	handle  media.Handle
	local   *media.Description
	remote  *media.Description
	pending []signaling.Candidate // received before remote was set
}

// Negotiator drives one session's offer/answer exchange against a media
// handle.
//
// A Negotiator is not safe for concurrent use; the owner serializes calls.
type Negotiator struct {
	host    bool
	state   State
	call    *call
	onState func(State)
}

// New returns an idle Negotiator. host selects the side that yields when
// both endpoints offer simultaneously.
func New(host bool) *Negotiator {
	return &Negotiator{host: host}
}

// OnStateChange registers fn to be called on every state transition.
func (n *Negotiator) OnStateChange(fn func(State)) {
	n.onState = fn
}

// State returns the current call state.
func (n *Negotiator) State() State {
	return n.state
}

// Pending returns a copy of the candidates buffered for the current call.
func (n *Negotiator) Pending() []signaling.Candidate {
	if n.call == nil {
		return nil
	}
	return append([]signaling.Candidate(nil), n.call.pending...)
}

// CreateOffer starts a call on h and returns the offer SDP to send.
func (n *Negotiator) CreateOffer(h media.Handle) (string, error) {
	if n.state != Idle {
		return "", fmt.Errorf("%w: create offer in state %s", ErrProtocol, n.state)
	}
	if h == nil {
		return "", errors.New("negotiation: nil media handle")
	}

	offer, err := h.CreateOffer()
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := h.AttachLocalDescription(offer); err != nil {
		return "", fmt.Errorf("attach offer: %w", err)
	}

	n.call = &call{handle: h, local: &offer}
	n.setState(Offering)
	return offer.SDP, nil
}

// ReceiveOffer answers a remote offer and returns the answer SDP to send.
//
// From Idle, h is the handle for the new call. From Offering, h is ignored:
// the host resets the existing handle, discarding its own offer, and answers
// on it; the non-host drops the remote offer with ErrGlare.
//
// A host that fails to answer after the reset has no offer left and
// terminates the call.
func (n *Negotiator) ReceiveOffer(h media.Handle, sdp string) (string, error) {
	switch n.state {
	case Idle:
		if h == nil {
			return "", errors.New("negotiation: nil media handle")
		}
		c := &call{handle: h}
		answer, err := n.answer(c, sdp)
		if err != nil {
			return "", err
		}
		n.call = c
		n.setState(Offered)
		return answer, nil

	case Offering:
		if !n.host {
			return "", ErrGlare
		}
		c := n.call
		if err := c.handle.Reset(); err != nil {
			n.Terminate()
			return "", fmt.Errorf("discard own offer: %w", err)
		}
		c.local = nil
		util.LogDebug("both sides offered; discarding local offer")

		answer, err := n.answer(c, sdp)
		if err != nil {
			// Our offer went with the reset, so there is nothing to fall back to.
			n.Terminate()
			return "", err
		}
		n.setState(Offered)
		return answer, nil

	default:
		return "", fmt.Errorf("%w: offer received in state %s", ErrProtocol, n.state)
	}
}

// answer applies a remote offer to c and attaches a local answer.
func (n *Negotiator) answer(c *call, sdp string) (string, error) {
	remote := media.Description{Type: media.SDPOffer, SDP: sdp}
	if err := c.handle.ApplyRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("%w: apply remote offer: %v", ErrProtocol, err)
	}
	c.remote = &remote
	n.flush(c)

	ans, err := c.handle.CreateAnswer()
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := c.handle.AttachLocalDescription(ans); err != nil {
		return "", fmt.Errorf("attach answer: %w", err)
	}
	c.local = &ans
	return ans.SDP, nil
}

// Confirm marks an answered call as connected once the answer has been sent.
func (n *Negotiator) Confirm() error {
	if n.state != Offered {
		return fmt.Errorf("%w: confirm in state %s", ErrProtocol, n.state)
	}
	n.setState(Connected)
	return nil
}

// ReceiveAnswer applies the remote answer to the outstanding offer.
func (n *Negotiator) ReceiveAnswer(sdp string) error {
	switch n.state {
	case Idle:
		return fmt.Errorf("%w: answer with no call", ErrStale)
	case Offering:
	default:
		return fmt.Errorf("%w: answer received in state %s", ErrProtocol, n.state)
	}

	c := n.call
	remote := media.Description{Type: media.SDPAnswer, SDP: sdp}
	if err := c.handle.ApplyRemoteDescription(remote); err != nil {
		return fmt.Errorf("%w: apply remote answer: %v", ErrProtocol, err)
	}
	c.remote = &remote
	n.flush(c)
	n.setState(Connected)
	return nil
}

// ReceiveCandidate applies a remote candidate, or buffers it until the
// remote description is set. Invalid candidates are rejected without
// touching the state.
func (n *Negotiator) ReceiveCandidate(cand signaling.Candidate) error {
	if err := cand.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if n.state == Idle {
		return fmt.Errorf("%w: candidate with no call", ErrStale)
	}

	c := n.call
	if c.remote == nil {
		c.pending = append(c.pending, cand)
		return nil
	}
	if err := c.handle.ApplyCandidate(cand); err != nil {
		return fmt.Errorf("%w: apply candidate: %v", ErrProtocol, err)
	}
	return nil
}

// Terminate ends the current call, discarding both descriptions and the
// candidate buffer. It is a no-op when already idle.
func (n *Negotiator) Terminate() {
	if n.state == Idle {
		return
	}
	n.setState(Ending)
	n.call = nil
	n.setState(Idle)
}

// flush applies buffered candidates in receipt order and clears the buffer.
func (n *Negotiator) flush(c *call) {
	for _, cand := range c.pending {
		if err := c.handle.ApplyCandidate(cand); err != nil {
			util.LogWarning("buffered candidate %s:%d rejected: %v", cand.IP, cand.Port, err)
		}
	}
	c.pending = nil
}

func (n *Negotiator) setState(s State) {
	n.state = s
	if n.onState != nil {
		n.onState(s)
	}
}
