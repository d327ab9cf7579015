package negotiation

// State is the call state of one local session.
type State int

const (
	Idle      State = iota // no call; media engine released
	Offering               // local offer sent, awaiting answer
	Offered                // remote offer answered
	Connected              // both descriptions set
	Ending                 // resources releasing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offering:
		return "offering"
	case Offered:
		return "offered"
	case Connected:
		return "connected"
	case Ending:
		return "ending"
	default:
		return "unknown"
	}
}
