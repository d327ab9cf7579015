// Package signaling defines the messages exchanged between two endpoints through
// the relay and their JSON wire format.
package signaling

import (
	"fmt"
	"net"
)

// MessageType is the wire tag carried in the "type" field of every frame.
type MessageType string

const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeIceCandidate MessageType = "ice-candidate"
	TypeHangup       MessageType = "hangup"
)

// Message is one of Offer, Answer, IceCandidate or Hangup. The set is closed:
// only types in this package implement it.
type Message interface {
	Type() MessageType
	isMessage()
}

// Offer carries the caller's session description.
type Offer struct {
	SDP string
}

// Answer carries the callee's session description.
type Answer struct {
	SDP string
}

// IceCandidate carries one trickled network path.
type IceCandidate struct {
	Candidate Candidate
}

// Hangup ends the session on both sides.
type Hangup struct{}

func (Offer) Type() MessageType        { return TypeOffer }
func (Answer) Type() MessageType       { return TypeAnswer }
func (IceCandidate) Type() MessageType { return TypeIceCandidate }
func (Hangup) Type() MessageType       { return TypeHangup }

func (Offer) isMessage()        {}
func (Answer) isMessage()       {}
func (IceCandidate) isMessage() {}
func (Hangup) isMessage()       {}

// Protocol is the transport protocol of a candidate.
type Protocol string

const (
	ProtocolUDP Protocol = "udp"
	ProtocolTCP Protocol = "tcp"
)

// CandidateType is the ICE candidate type.
type CandidateType string

const (
	CandidateHost  CandidateType = "host"
	CandidateSrflx CandidateType = "srflx"
	CandidateRelay CandidateType = "relay"
	CandidatePrflx CandidateType = "prflx"
)

// Candidate is a fully specified ICE candidate. Every field is mandatory.
type Candidate struct {
	Component  int
	Foundation string
	IP         string
	Port       int
	Priority   uint32
	Protocol   Protocol
	Type       CandidateType
}

// Validate reports whether c can be handed to a media engine.
func (c Candidate) Validate() error {
	switch {
	case c.Component < 1 || c.Component > 256:
		return fmt.Errorf("%w: component %d out of range", ErrMalformed, c.Component)
	case c.Foundation == "":
		return fmt.Errorf("%w: empty foundation", ErrMalformed)
	case net.ParseIP(c.IP) == nil:
		return fmt.Errorf("%w: invalid ip %q", ErrMalformed, c.IP)
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrMalformed, c.Port)
	}

	switch c.Protocol {
	case ProtocolUDP, ProtocolTCP:
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrMalformed, c.Protocol)
	}

	switch c.Type {
	case CandidateHost, CandidateSrflx, CandidateRelay, CandidatePrflx:
	default:
		return fmt.Errorf("%w: unknown candidate type %q", ErrMalformed, c.Type)
	}
	return nil
}

// String renders c in SDP "candidate:" attribute form, e.g.
//
//	candidate:1 1 udp 2130706431 192.168.1.10 50000 typ host
func (c Candidate) String() string {
	return fmt.Sprintf("candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Protocol, c.Priority, c.IP, c.Port, c.Type)
}
