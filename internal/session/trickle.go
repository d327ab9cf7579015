package session

import (
	"sync"

	"github.com/1ureka/lancall/internal/signaling"
	"github.com/1ureka/lancall/internal/transport"
	"github.com/1ureka/lancall/internal/util"
)

// trickle forwards locally gathered candidates to the peer. Candidates
// gathered before the local description has been sent are held back, since
// the peer would drop them as stale.
//
// Media engines report candidates from their own goroutines, so trickle is
// locked rather than owned by the controller loop.
type trickle struct {
	mu      sync.Mutex
	client  *transport.Client
	open    bool
	stopped bool
	queued  []signaling.Candidate
}

func newTrickle(client *transport.Client) *trickle {
	return &trickle{client: client}
}

func (t *trickle) add(c signaling.Candidate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.stopped:
	case !t.open:
		t.queued = append(t.queued, c)
	default:
		t.send(c)
	}
}

// start sends everything held back and passes later candidates straight
// through.
func (t *trickle) start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open || t.stopped {
		return
	}
	t.open = true
	for _, c := range t.queued {
		t.send(c)
	}
	t.queued = nil
}

func (t *trickle) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	t.queued = nil
}

func (t *trickle) send(c signaling.Candidate) {
	if err := t.client.Send(signaling.IceCandidate{Candidate: c}); err != nil {
		util.LogDebug("local candidate not sent: %v", err)
	}
}
