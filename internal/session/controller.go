// Package session owns the call state of one local process and coordinates
// the relay connection, the negotiation state machine and the media engine.
//
// All state lives on a single loop goroutine. Public methods and background
// work (relay reads, device acquisition) post closures to that loop, so no
// two transitions ever interleave.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/1ureka/lancall/internal/media"
	"github.com/1ureka/lancall/internal/negotiation"
	"github.com/1ureka/lancall/internal/signaling"
	"github.com/1ureka/lancall/internal/transport"
	"github.com/1ureka/lancall/internal/util"
)

const eventBufferSize = 128

// Options configures a Controller.
type Options struct {
	// Host marks the endpoint that runs the relay. It yields when both
	// sides offer at once.
	Host bool

	Engine media.Engine
}

// intent is what an acquisition is for.
type intent int

const (
	intentOffer  intent = iota + 1 // local start call
	intentAnswer                   // incoming remote offer
)

// acquisition is a media engine acquisition in flight. Candidates for an
// incoming call that arrive meanwhile are held until the offer is applied.
type acquisition struct {
	intent    intent
	remoteSDP string
	deferred  []signaling.Candidate
	cancel    context.CancelFunc
}

// Controller is the session controller. Create one per process with New and
// call Close before exiting.
type Controller struct {
	engine media.Engine
	neg    *negotiation.Negotiator
	state  atomic.Int32 // mirror of neg.State() for lock-free reads

	cmds      chan func()
	events    chan Event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the loop goroutine.
	client   *transport.Client
	handle   media.Handle
	trickle  *trickle
	acq      *acquisition
	muted    bool
	videoOff bool
}

// New starts a controller with no relay connection.
func New(opts Options) *Controller {
	c := &Controller{
		engine: opts.Engine,
		neg:    negotiation.New(opts.Host),
		cmds:   make(chan func()),
		events: make(chan Event, eventBufferSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.neg.OnStateChange(c.stateChanged)

	go c.loop()
	return c
}

func (c *Controller) loop() {
	defer close(c.done)
	defer close(c.events)

	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.quit:
			return
		}
	}
}

// post schedules fn on the loop. It reports false once the controller has
// stopped.
func (c *Controller) post(fn func()) bool {
	select {
	case c.cmds <- fn:
		return true
	case <-c.done:
		return false
	}
}

// exec runs fn on the loop and waits for its result.
func (c *Controller) exec(fn func() error) error {
	errCh := make(chan error, 1)
	if !c.post(func() { errCh <- fn() }) {
		return ErrClosed
	}
	return <-errCh
}

// Events returns the observer event stream. It is closed by Close.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// State returns the current call state.
func (c *Controller) State() negotiation.State {
	return negotiation.State(c.state.Load())
}

// ──────────────────────────────────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────────────────────────────────

// Connect dials the relay at url and starts handling the peer's messages.
// Reconnecting after a lost connection is done by calling Connect again.
func (c *Controller) Connect(ctx context.Context, url string) error {
	cl, err := transport.Dial(ctx, url)
	if err != nil {
		c.post(func() { c.report(err) })
		return err
	}

	err = c.exec(func() error {
		if c.client != nil {
			return errors.New("session: already connected")
		}
		c.client = cl
		go c.pump(cl)
		return nil
	})
	if err != nil {
		_ = cl.Close()
		return err
	}

	util.LogInfo("connected to relay %s", url)
	return nil
}

// Disconnect ends any call, notifying the peer, and closes the relay
// connection.
func (c *Controller) Disconnect() error {
	return c.exec(func() error {
		c.disconnect()
		return nil
	})
}

// StartCall places a call to the peer. The offer is sent once the media
// engine has been acquired; failures after that are reported as events.
func (c *Controller) StartCall() error {
	return c.exec(func() error {
		var err error
		switch {
		case c.client == nil:
			err = ErrNotConnected
		case c.acq != nil || c.neg.State() != negotiation.Idle:
			err = ErrAlreadyInCall
		}
		if err != nil {
			c.report(err)
			return err
		}

		c.acquire(intentOffer, "")
		return nil
	})
}

// EndCall hangs up. It is a no-op when there is no call.
func (c *Controller) EndCall() error {
	return c.exec(func() error {
		c.endCall(true)
		return nil
	})
}

// ToggleMute flips the microphone and returns whether it is now muted. The
// setting carries over to later calls.
func (c *Controller) ToggleMute() (bool, error) {
	var muted bool
	err := c.exec(func() error {
		c.muted = !c.muted
		muted = c.muted
		if c.handle != nil {
			if err := c.handle.SetAudioMuted(c.muted); err != nil {
				util.LogWarning("toggle mute: %v", err)
			}
		}
		return nil
	})
	return muted, err
}

// ToggleVideo flips the camera and returns whether video is now enabled.
func (c *Controller) ToggleVideo() (bool, error) {
	var enabled bool
	err := c.exec(func() error {
		c.videoOff = !c.videoOff
		enabled = !c.videoOff
		if c.handle != nil {
			if err := c.handle.SetVideoEnabled(enabled); err != nil {
				util.LogWarning("toggle video: %v", err)
			}
		}
		return nil
	})
	return enabled, err
}

// Close ends any call, sending the hangup and releasing the media engine
// before returning, then stops the controller. Safe to call more than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		_ = c.exec(func() error {
			c.disconnect()
			return nil
		})
		close(c.quit)
	})
	<-c.done
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Loop-side handlers
// ──────────────────────────────────────────────────────────────────────────────

// pump feeds one client's inbound messages to the loop, then reports its
// closure. Messages from a client that has since been replaced are ignored.
func (c *Controller) pump(cl *transport.Client) {
	for msg := range cl.Messages() {
		msg := msg
		if !c.post(func() {
			if c.client == cl {
				c.handleMessage(msg)
			}
		}) {
			return
		}
	}
	c.post(func() { c.transportClosed(cl) })
}

func (c *Controller) handleMessage(msg signaling.Message) {
	switch m := msg.(type) {
	case signaling.Offer:
		c.remoteOffer(m.SDP)

	case signaling.Answer:
		if err := c.neg.ReceiveAnswer(m.SDP); err != nil {
			c.report(err)
		}

	case signaling.IceCandidate:
		if c.acq != nil && c.acq.intent == intentAnswer {
			c.acq.deferred = append(c.acq.deferred, m.Candidate)
			return
		}
		if err := c.neg.ReceiveCandidate(m.Candidate); err != nil {
			c.report(err)
		}

	case signaling.Hangup:
		if c.acq == nil && c.neg.State() == negotiation.Idle {
			util.LogDebug("hangup with no call")
			return
		}
		util.LogInfo("peer hung up")
		c.endCall(false)
	}
}

func (c *Controller) remoteOffer(sdp string) {
	switch {
	case c.acq != nil && c.acq.intent == intentAnswer:
		c.report(fmt.Errorf("%w: second offer while answering", negotiation.ErrProtocol))

	case c.acq != nil:
		// Our own call has not produced an offer yet; answer theirs instead.
		util.LogDebug("incoming offer while starting a call; answering it")
		c.acq.intent = intentAnswer
		c.acq.remoteSDP = sdp

	case c.neg.State() == negotiation.Idle:
		util.LogInfo("incoming call")
		c.acquire(intentAnswer, sdp)

	default:
		c.answer(nil, sdp)
	}
}

// acquire opens the media engine off the loop and resumes on it.
func (c *Controller) acquire(in intent, remoteSDP string) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &acquisition{intent: in, remoteSDP: remoteSDP, cancel: cancel}
	c.acq = a

	go func() {
		h, err := c.engine.Acquire(ctx)
		if !c.post(func() { c.acquired(a, h, err) }) && err == nil {
			_ = c.engine.Release(h)
		}
	}()
}

func (c *Controller) acquired(a *acquisition, h media.Handle, err error) {
	a.cancel()
	if c.acq != a {
		// Cancelled by a hangup or disconnect while acquiring.
		if err == nil {
			_ = c.engine.Release(h)
		}
		return
	}
	c.acq = nil

	if err != nil {
		c.report(err)
		return
	}
	if c.client == nil {
		_ = c.engine.Release(h)
		c.report(ErrNotConnected)
		return
	}

	c.handle = h
	if c.muted {
		_ = h.SetAudioMuted(true)
	}
	if c.videoOff {
		_ = h.SetVideoEnabled(false)
	}
	c.trickle = newTrickle(c.client)
	h.OnLocalCandidate(c.trickle.add)

	switch a.intent {
	case intentOffer:
		c.offer(h)
	case intentAnswer:
		if !c.answer(h, a.remoteSDP) {
			return
		}
		for _, cand := range a.deferred {
			if err := c.neg.ReceiveCandidate(cand); err != nil {
				c.report(err)
			}
		}
	}
}

func (c *Controller) offer(h media.Handle) {
	sdp, err := c.neg.CreateOffer(h)
	if err != nil {
		c.report(err)
		c.release()
		return
	}
	if err := c.client.Send(signaling.Offer{SDP: sdp}); err != nil {
		c.report(err)
		c.endCall(false)
		return
	}
	c.trickle.start()
}

// answer answers a remote offer, on h for a fresh call or on the existing
// handle when our own offer is outstanding. It reports whether the call is
// still alive; a call that could not be answered is hung up.
func (c *Controller) answer(h media.Handle, sdp string) bool {
	ans, err := c.neg.ReceiveOffer(h, sdp)
	if err != nil {
		c.report(err)
		if c.neg.State() == negotiation.Idle {
			// The peer is still waiting on its offer.
			c.endCall(true)
			return false
		}
		return true
	}
	if err := c.client.Send(signaling.Answer{SDP: ans}); err != nil {
		c.report(err)
		c.endCall(false)
		return false
	}
	c.trickle.start()

	if err := c.neg.Confirm(); err != nil {
		c.report(err)
	}
	return true
}

// endCall terminates the call and releases the media engine. With notify
// set the peer is sent a Hangup first.
func (c *Controller) endCall(notify bool) {
	active := c.acq != nil || c.neg.State() != negotiation.Idle || c.handle != nil
	if !active {
		return
	}

	if c.acq != nil {
		c.acq.cancel()
		c.acq = nil
	}
	if notify && c.client != nil {
		if err := c.client.Send(signaling.Hangup{}); err != nil {
			util.LogWarning("hangup not sent: %v", err)
		}
	}

	c.neg.Terminate()
	c.release()
}

func (c *Controller) release() {
	if c.trickle != nil {
		c.trickle.stop()
		c.trickle = nil
	}
	if c.handle == nil {
		return
	}
	if err := c.engine.Release(c.handle); err != nil {
		util.LogWarning("release media engine: %v", err)
	}
	c.handle = nil
}

func (c *Controller) disconnect() {
	c.endCall(true)

	cl := c.client
	if cl == nil {
		return
	}
	c.client = nil
	if err := cl.Close(); err != nil {
		util.LogWarning("close relay connection: %v", err)
	}
}

func (c *Controller) transportClosed(cl *transport.Client) {
	if c.client != cl {
		return
	}
	c.client = nil

	c.endCall(false)
	c.report(fmt.Errorf("%w: relay connection lost", transport.ErrConnection))
}

func (c *Controller) stateChanged(s negotiation.State) {
	c.state.Store(int32(s))
	if s == negotiation.Connected {
		util.Stats.AddCall()
	}
	util.LogDebug("call state: %s", s)
	c.emit(Event{Kind: StateChanged, State: s})
}

// report forwards err to the observer. Protocol errors are also logged here
// since they are dropped rather than acted on; stale ones are only logged.
func (c *Controller) report(err error) {
	kind := Classify(err)
	if kind == KindProtocol {
		util.LogWarning("dropping message: %v", err)
		if errors.Is(err, negotiation.ErrStale) {
			return
		}
	} else {
		util.LogDebug("%s error: %v", kind, err)
	}
	c.emit(Event{Kind: Error, ErrKind: kind, Message: err.Error()})
}

func (c *Controller) emit(e Event) {
	select {
	case c.events <- e:
	default:
		util.LogWarning("event queue full; dropping %s", e)
	}
}
