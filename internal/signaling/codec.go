package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned for frames that are not valid JSON or that lack
	// a field required by their type.
	ErrMalformed = errors.New("signaling: malformed message")

	// ErrUnknownType is returned for frames whose "type" is not recognised.
	// Receivers log and skip these so newer peers can add message types.
	ErrUnknownType = errors.New("signaling: unknown message type")
)

// frame is the JSON structure of a single text frame on the wire.
type frame struct {
	Type      MessageType    `json:"type"`
	SDP       *string        `json:"sdp,omitempty"`
	Candidate *wireCandidate `json:"candidate,omitempty"`
}

// wireCandidate uses pointers so that absent fields can be told apart from
// zero values.
type wireCandidate struct {
	Component  *int           `json:"component"`
	Foundation *string        `json:"foundation"`
	IP         *string        `json:"ip"`
	Port       *int           `json:"port"`
	Priority   *uint32        `json:"priority"`
	Protocol   *Protocol      `json:"protocol"`
	Type       *CandidateType `json:"type"`
}

// Encode serializes msg into a single JSON text frame.
func Encode(msg Message) ([]byte, error) {
	f := frame{Type: msg.Type()}

	switch m := msg.(type) {
	case Offer:
		f.SDP = &m.SDP
	case Answer:
		f.SDP = &m.SDP
	case IceCandidate:
		c := m.Candidate
		f.Candidate = &wireCandidate{
			Component:  &c.Component,
			Foundation: &c.Foundation,
			IP:         &c.IP,
			Port:       &c.Port,
			Priority:   &c.Priority,
			Protocol:   &c.Protocol,
			Type:       &c.Type,
		}
	case Hangup:
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrUnknownType, msg)
	}

	return json.Marshal(f)
}

// Decode parses one text frame. Unknown types yield ErrUnknownType; frames
// missing a required field yield ErrMalformed. Nothing is defaulted.
func Decode(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch f.Type {
	case TypeOffer:
		if f.SDP == nil || *f.SDP == "" {
			return nil, fmt.Errorf("%w: offer without sdp", ErrMalformed)
		}
		return Offer{SDP: *f.SDP}, nil

	case TypeAnswer:
		if f.SDP == nil || *f.SDP == "" {
			return nil, fmt.Errorf("%w: answer without sdp", ErrMalformed)
		}
		return Answer{SDP: *f.SDP}, nil

	case TypeIceCandidate:
		c, err := f.Candidate.toCandidate()
		if err != nil {
			return nil, err
		}
		return IceCandidate{Candidate: c}, nil

	case TypeHangup:
		return Hangup{}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
}

func (w *wireCandidate) toCandidate() (Candidate, error) {
	if w == nil {
		return Candidate{}, fmt.Errorf("%w: ice-candidate without candidate", ErrMalformed)
	}

	missing := func(field string) error {
		return fmt.Errorf("%w: candidate missing %s", ErrMalformed, field)
	}

	switch {
	case w.Component == nil:
		return Candidate{}, missing("component")
	case w.Foundation == nil:
		return Candidate{}, missing("foundation")
	case w.IP == nil:
		return Candidate{}, missing("ip")
	case w.Port == nil:
		return Candidate{}, missing("port")
	case w.Priority == nil:
		return Candidate{}, missing("priority")
	case w.Protocol == nil:
		return Candidate{}, missing("protocol")
	case w.Type == nil:
		return Candidate{}, missing("type")
	}

	c := Candidate{
		Component:  *w.Component,
		Foundation: *w.Foundation,
		IP:         *w.IP,
		Port:       *w.Port,
		Priority:   *w.Priority,
		Protocol:   *w.Protocol,
		Type:       *w.Type,
	}
	if err := c.Validate(); err != nil {
		return Candidate{}, err
	}
	return c, nil
}
