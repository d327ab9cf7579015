package session

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/lancall/internal/media"
	"github.com/1ureka/lancall/internal/negotiation"
	"github.com/1ureka/lancall/internal/relay"
	"github.com/1ureka/lancall/internal/signaling"
)

const waitTimeout = 3 * time.Second

// ──────────────────────────────────────────────────────────────────────────────
// Fake media engine
// ──────────────────────────────────────────────────────────────────────────────

type fakeEngine struct {
	name string
	port int // port of the single local candidate each handle gathers

	mu       sync.Mutex
	fail     error
	reject   bool          // handles refuse remote descriptions
	gate     chan struct{} // when set, Acquire waits for it to close
	handles  []*fakeHandle
	released int
}

func newFakeEngine(name string, port int) *fakeEngine {
	return &fakeEngine{name: name, port: port}
}

func (e *fakeEngine) Acquire(ctx context.Context) (media.Handle, error) {
	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", media.ErrDeviceUnavailable, ctx.Err())
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail != nil {
		return nil, e.fail
	}
	h := &fakeHandle{name: e.name, port: e.port, videoOn: true, reject: e.reject}
	e.handles = append(e.handles, h)
	return h, nil
}

func (e *fakeEngine) Release(h media.Handle) error {
	if h == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released++
	return nil
}

func (e *fakeEngine) setFail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail = err
}

func (e *fakeEngine) setReject(reject bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reject = reject
}

func (e *fakeEngine) setGate(gate chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = gate
}

func (e *fakeEngine) handle(t *testing.T) *fakeHandle {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.handles) == 0 {
		t.Fatalf("engine %s: no handle acquired", e.name)
	}
	return e.handles[len(e.handles)-1]
}

func (e *fakeEngine) releasedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

type fakeHandle struct {
	name string
	port int

	reject bool

	mu       sync.Mutex
	local    *media.Description
	remote   *media.Description
	resets   int
	applied  []signaling.Candidate
	muted    bool
	videoOn  bool
	onCand   func(signaling.Candidate)
	gathered bool
}

func (h *fakeHandle) CreateOffer() (media.Description, error) {
	return media.Description{Type: media.SDPOffer, SDP: "offer-" + h.name}, nil
}

func (h *fakeHandle) CreateAnswer() (media.Description, error) {
	return media.Description{Type: media.SDPAnswer, SDP: "answer-" + h.name}, nil
}

// AttachLocalDescription gathers one local candidate on first use, the way a
// real engine starts gathering once a local description is set.
func (h *fakeHandle) AttachLocalDescription(d media.Description) error {
	h.mu.Lock()
	h.local = &d
	fn, first := h.onCand, !h.gathered
	h.gathered = true
	h.mu.Unlock()

	if fn != nil && first {
		fn(signaling.Candidate{
			Component: 1, Foundation: "1", IP: "192.168.1.30", Port: h.port,
			Priority: 2130706431, Protocol: signaling.ProtocolUDP, Type: signaling.CandidateHost,
		})
	}
	return nil
}

func (h *fakeHandle) ApplyRemoteDescription(d media.Description) error {
	if h.reject {
		return errors.New("unparseable sdp")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remote = &d
	return nil
}

func (h *fakeHandle) ApplyCandidate(c signaling.Candidate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applied = append(h.applied, c)
	return nil
}

// Reset behaves like a fresh connection: it gathers again on the next
// local description.
func (h *fakeHandle) Reset() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.local, h.remote = nil, nil
	h.gathered = false
	h.resets++
	return nil
}

func (h *fakeHandle) OnLocalCandidate(fn func(signaling.Candidate)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCand = fn
}

func (h *fakeHandle) SetAudioMuted(muted bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.muted = muted
	return nil
}

func (h *fakeHandle) SetVideoEnabled(enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.videoOn = enabled
	return nil
}

func (h *fakeHandle) remoteSDP() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.remote == nil {
		return ""
	}
	return h.remote.SDP
}

func (h *fakeHandle) resetCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resets
}

func (h *fakeHandle) appliedPorts() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ports []int
	for _, c := range h.applied {
		ports = append(ports, c.Port)
	}
	return ports
}

func (h *fakeHandle) toggles() (muted, videoOn bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.muted, h.videoOn
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

func startRelay(t *testing.T) (*relay.Server, string) {
	t.Helper()
	s := relay.NewServer()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newController(t *testing.T, host bool, e media.Engine, url string) *Controller {
	t.Helper()
	c := New(Options{Host: host, Engine: e})
	t.Cleanup(func() { c.Close() })

	if url != "" {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := c.Connect(ctx, url); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitPeers(t *testing.T, s *relay.Server, n int) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d relay peers", n), func() bool { return s.Peers() == n })
}

// expectStates consumes events until each of want has been seen in order.
func expectStates(t *testing.T, c *Controller, want ...negotiation.State) {
	t.Helper()
	timeout := time.After(waitTimeout)
	for i := 0; i < len(want); {
		select {
		case e, ok := <-c.Events():
			if !ok {
				t.Fatalf("event stream closed waiting for %s", want[i])
			}
			if e.Kind == StateChanged && e.State == want[i] {
				i++
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", want[i])
		}
	}
}

// expectError consumes events until an error event arrives and checks its
// kind. It fails if a state change comes first.
func expectError(t *testing.T, c *Controller, kind ErrorKind) Event {
	t.Helper()
	select {
	case e, ok := <-c.Events():
		if !ok {
			t.Fatal("event stream closed waiting for error")
		}
		if e.Kind != Error {
			t.Fatalf("expected %s error event, got %s", kind, e)
		}
		if e.ErrKind != kind {
			t.Fatalf("expected %s error, got %s", kind, e)
		}
		return e
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s error", kind)
	}
	return Event{}
}

// establish runs a full call setup from a to b.
func establish(t *testing.T, a, b *Controller) {
	t.Helper()
	if err := a.StartCall(); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	expectStates(t, a, negotiation.Offering, negotiation.Connected)
	expectStates(t, b, negotiation.Offered, negotiation.Connected)
}

// ──────────────────────────────────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────────────────────────────────

// TestEndToEndCall verifies a call from start to hangup across a relay:
// offer, automatic answer, trickled candidates and hangup on both sides.
func TestEndToEndCall(t *testing.T) {
	s, url := startRelay(t)
	ea, eb := newFakeEngine("a", 5000), newFakeEngine("b", 6000)
	a := newController(t, true, ea, url)
	b := newController(t, false, eb, url)
	waitPeers(t, s, 2)

	establish(t, a, b)

	ha, hb := ea.handle(t), eb.handle(t)
	if got := hb.remoteSDP(); got != "offer-a" {
		t.Errorf("callee remote description %q, want offer-a", got)
	}
	if got := ha.remoteSDP(); got != "answer-b" {
		t.Errorf("caller remote description %q, want answer-b", got)
	}
	waitFor(t, "trickled candidates", func() bool {
		pa, pb := ha.appliedPorts(), hb.appliedPorts()
		return len(pa) == 1 && pa[0] == 6000 && len(pb) == 1 && pb[0] == 5000
	})

	if err := a.EndCall(); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	expectStates(t, a, negotiation.Ending, negotiation.Idle)
	expectStates(t, b, negotiation.Ending, negotiation.Idle)

	if n := ea.releasedCount(); n != 1 {
		t.Errorf("caller released %d times, want 1", n)
	}
	waitFor(t, "callee release", func() bool { return eb.releasedCount() == 1 })
}

// TestStartCallNotConnected verifies that calling without a relay
// connection is a connection error.
func TestStartCallNotConnected(t *testing.T) {
	c := newController(t, false, newFakeEngine("a", 5000), "")

	err := c.StartCall()
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	expectError(t, c, KindConnection)
	if c.State() != negotiation.Idle {
		t.Errorf("state %s, want idle", c.State())
	}
}

// TestConnectRefused verifies that an unreachable relay is reported as a
// connection error.
func TestConnectRefused(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ts.Close()

	c := New(Options{Engine: newFakeEngine("a", 5000)})
	defer c.Close()

	if err := c.Connect(context.Background(), url); Classify(err) != KindConnection {
		t.Fatalf("expected connection error, got %v", err)
	}
	expectError(t, c, KindConnection)
}

// TestAlreadyInCall verifies that a second StartCall is rejected while the
// first is still acquiring devices, without changing state.
func TestAlreadyInCall(t *testing.T) {
	_, url := startRelay(t)
	e := newFakeEngine("a", 5000)
	e.setGate(make(chan struct{}))
	c := newController(t, true, e, url)

	if err := c.StartCall(); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := c.StartCall(); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("expected ErrAlreadyInCall, got %v", err)
	}
	expectError(t, c, KindAlreadyInCall)
	if c.State() != negotiation.Idle {
		t.Errorf("state %s, want idle", c.State())
	}
}

// TestDeviceUnavailable verifies that a failed acquisition is reported, keeps
// the call idle and allows a retry.
func TestDeviceUnavailable(t *testing.T) {
	_, url := startRelay(t)
	e := newFakeEngine("a", 5000)
	e.setFail(fmt.Errorf("%w: camera busy", media.ErrDeviceUnavailable))
	c := newController(t, true, e, url)

	if err := c.StartCall(); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	ev := expectError(t, c, KindDevice)
	if !strings.Contains(ev.Message, "camera busy") {
		t.Errorf("error message %q", ev.Message)
	}
	if c.State() != negotiation.Idle {
		t.Fatalf("state %s, want idle", c.State())
	}

	e.setFail(nil)
	if err := c.StartCall(); err != nil {
		t.Fatalf("retry StartCall: %v", err)
	}
	expectStates(t, c, negotiation.Offering)
}

// TestRemoteHangup verifies that the callee hanging up ends the call on both
// sides and releases both engines.
func TestRemoteHangup(t *testing.T) {
	s, url := startRelay(t)
	ea, eb := newFakeEngine("a", 5000), newFakeEngine("b", 6000)
	a := newController(t, true, ea, url)
	b := newController(t, false, eb, url)
	waitPeers(t, s, 2)
	establish(t, a, b)

	if err := b.EndCall(); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	expectStates(t, b, negotiation.Idle)
	expectStates(t, a, negotiation.Ending, negotiation.Idle)
	waitFor(t, "caller release", func() bool { return ea.releasedCount() == 1 })
}

// TestEndCallIdempotent verifies that ending a call twice, or with no call,
// is harmless.
func TestEndCallIdempotent(t *testing.T) {
	s, url := startRelay(t)
	ea, eb := newFakeEngine("a", 5000), newFakeEngine("b", 6000)
	a := newController(t, true, ea, url)
	b := newController(t, false, eb, url)
	waitPeers(t, s, 2)

	if err := a.EndCall(); err != nil {
		t.Fatalf("EndCall with no call: %v", err)
	}

	establish(t, a, b)
	for i := 0; i < 2; i++ {
		if err := a.EndCall(); err != nil {
			t.Fatalf("EndCall %d: %v", i, err)
		}
	}
	expectStates(t, a, negotiation.Ending, negotiation.Idle)
	if a.State() != negotiation.Idle {
		t.Errorf("state %s, want idle", a.State())
	}
	if n := ea.releasedCount(); n != 1 {
		t.Errorf("released %d times, want 1", n)
	}
}

// TestRelayLossEndsCall verifies that losing the relay mid-call ends the
// call, releases the engine and reports a connection error.
func TestRelayLossEndsCall(t *testing.T) {
	s := relay.NewServer()
	addr, err := s.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	url := "ws://" + addr.String() + "/ws"

	ea, eb := newFakeEngine("a", 5000), newFakeEngine("b", 6000)
	a := newController(t, true, ea, url)
	b := newController(t, false, eb, url)
	waitPeers(t, s, 2)
	establish(t, a, b)

	_ = s.Close()

	for _, side := range []struct {
		c *Controller
		e *fakeEngine
	}{{a, ea}, {b, eb}} {
		expectStates(t, side.c, negotiation.Ending, negotiation.Idle)
		expectError(t, side.c, KindConnection)
		if n := side.e.releasedCount(); n != 1 {
			t.Errorf("engine %s released %d times, want 1", side.e.name, n)
		}
	}

	if err := a.StartCall(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("StartCall after relay loss: expected ErrNotConnected, got %v", err)
	}
}

// TestMalformedCandidateFrame verifies that a candidate frame missing its
// port is dropped without disturbing an established call.
func TestMalformedCandidateFrame(t *testing.T) {
	s, url := startRelay(t)
	ea, eb := newFakeEngine("a", 5000), newFakeEngine("b", 6000)
	a := newController(t, true, ea, url)
	b := newController(t, false, eb, url)
	waitPeers(t, s, 2)
	establish(t, a, b)

	ha := ea.handle(t)
	waitFor(t, "trickled candidate", func() bool { return len(ha.appliedPorts()) == 1 })

	raw, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial raw: %v", err)
	}
	defer raw.Close()
	waitPeers(t, s, 3)

	for _, f := range []string{
		`{"type":"ice-candidate","candidate":{"component":1,"foundation":"1","ip":"192.168.1.40","priority":1,"protocol":"udp","type":"host"}}`,
		`{"type":"ice-candidate","candidate":{"component":1,"foundation":"1","ip":"192.168.1.40","port":7001,"priority":1,"protocol":"udp","type":"host"}}`,
	} {
		if err := raw.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	waitFor(t, "valid candidate after malformed one", func() bool {
		ports := ha.appliedPorts()
		return len(ports) == 2 && ports[1] == 7001
	})
	if a.State() != negotiation.Connected || b.State() != negotiation.Connected {
		t.Errorf("states a=%s b=%s, want connected", a.State(), b.State())
	}
}

// TestTogglesCarryOver verifies that toggles set before a call are applied
// when devices are acquired and that toggles mid-call reach the handle,
// without changing the call state.
func TestTogglesCarryOver(t *testing.T) {
	s, url := startRelay(t)
	ea, eb := newFakeEngine("a", 5000), newFakeEngine("b", 6000)
	a := newController(t, true, ea, url)
	b := newController(t, false, eb, url)
	waitPeers(t, s, 2)

	if muted, err := a.ToggleMute(); err != nil || !muted {
		t.Fatalf("ToggleMute = %v, %v; want true", muted, err)
	}
	if enabled, err := a.ToggleVideo(); err != nil || enabled {
		t.Fatalf("ToggleVideo = %v, %v; want false", enabled, err)
	}

	establish(t, a, b)
	h := ea.handle(t)
	if muted, videoOn := h.toggles(); !muted || videoOn {
		t.Fatalf("handle muted=%v video=%v, want muted and video off", muted, videoOn)
	}

	if muted, _ := a.ToggleMute(); muted {
		t.Fatal("ToggleMute did not unmute")
	}
	if muted, _ := h.toggles(); muted {
		t.Error("unmute not passed to the handle")
	}
	if a.State() != negotiation.Connected {
		t.Errorf("state %s, want connected", a.State())
	}
}

// TestCloseHangsUp verifies that Close ends the call synchronously, notifies
// the peer and closes the event stream.
func TestCloseHangsUp(t *testing.T) {
	s, url := startRelay(t)
	ea, eb := newFakeEngine("a", 5000), newFakeEngine("b", 6000)
	a := newController(t, true, ea, url)
	b := newController(t, false, eb, url)
	waitPeers(t, s, 2)
	establish(t, a, b)

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := ea.releasedCount(); n != 1 {
		t.Fatalf("released %d times before Close returned, want 1", n)
	}
	expectStates(t, b, negotiation.Ending, negotiation.Idle)

	for range a.Events() {
	}
	if err := a.StartCall(); !errors.Is(err, ErrClosed) {
		t.Errorf("StartCall after Close: expected ErrClosed, got %v", err)
	}
}

