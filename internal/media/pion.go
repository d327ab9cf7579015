package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/lancall/internal/signaling"
	"github.com/1ureka/lancall/internal/util"
)

// PionConfig configures a PionEngine.
type PionConfig struct {
	// ICEServers are optional STUN URLs. Leave empty on a LAN so only host
	// candidates are gathered.
	ICEServers []string
}

// PionEngine is an Engine backed by pion/webrtc. Each handle owns one
// PeerConnection with a local audio and video track. Only one handle may be
// held at a time, mirroring exclusive access to a camera and microphone.
type PionEngine struct {
	api    *webrtc.API
	config webrtc.Configuration

	mu    sync.Mutex
	inUse bool
}

// NewPionEngine builds the pion API with default codecs and the process
// logger installed.
func NewPionEngine(cfg PionConfig) (*PionEngine, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = loggerFactory{}

	var pcCfg webrtc.Configuration
	if len(cfg.ICEServers) > 0 {
		pcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &PionEngine{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		config: pcCfg,
	}, nil
}

// Acquire creates a PeerConnection with local audio and video tracks.
func (e *PionEngine) Acquire(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	e.mu.Lock()
	if e.inUse {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: devices held by another call", ErrDeviceUnavailable)
	}
	e.inUse = true
	e.mu.Unlock()

	h := &pionHandle{engine: e}
	if err := h.open(); err != nil {
		_ = e.Release(h)
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return h, nil
}

// Release closes the handle's PeerConnection and frees the devices.
func (e *PionEngine) Release(h Handle) error {
	if h == nil {
		return nil
	}
	ph, ok := h.(*pionHandle)
	if !ok || ph == nil {
		return fmt.Errorf("media: foreign handle %T", h)
	}

	var err error
	ph.releaseOnce.Do(func() {
		if ph.pc != nil {
			err = ph.pc.Close()
		}
		e.mu.Lock()
		e.inUse = false
		e.mu.Unlock()
	})
	return err
}

// pionHandle is the per-call PeerConnection and its senders.
type pionHandle struct {
	engine *PionEngine
	pc     *webrtc.PeerConnection

	audio       *webrtc.TrackLocalStaticSample
	video       *webrtc.TrackLocalStaticSample
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	// Re-applied when Reset opens a new PeerConnection.
	muted    bool
	videoOff bool
	onCand   func(signaling.Candidate)

	releaseOnce sync.Once
}

func (h *pionHandle) open() error {
	pc, err := h.engine.api.NewPeerConnection(h.engine.config)
	if err != nil {
		return fmt.Errorf("NewPeerConnection: %w", err)
	}
	h.pc = pc

	h.audio, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "lancall")
	if err != nil {
		return fmt.Errorf("audio track: %w", err)
	}
	h.video, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "lancall")
	if err != nil {
		return fmt.Errorf("video track: %w", err)
	}

	if h.audioSender, err = pc.AddTrack(h.audio); err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}
	if h.videoSender, err = pc.AddTrack(h.video); err != nil {
		return fmt.Errorf("add video track: %w", err)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogDebug("remote %s track started (%s)", tr.Kind(), tr.Codec().MimeType)
	})

	if h.muted {
		if err := h.audioSender.ReplaceTrack(nil); err != nil {
			return fmt.Errorf("mute audio: %w", err)
		}
	}
	if h.videoOff {
		if err := h.videoSender.ReplaceTrack(nil); err != nil {
			return fmt.Errorf("disable video: %w", err)
		}
	}
	if h.onCand != nil {
		h.watchCandidates()
	}
	return nil
}

func (h *pionHandle) CreateOffer() (Description, error) {
	sd, err := h.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, err
	}
	return Description{Type: SDPOffer, SDP: sd.SDP}, nil
}

func (h *pionHandle) CreateAnswer() (Description, error) {
	sd, err := h.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, err
	}
	return Description{Type: SDPAnswer, SDP: sd.SDP}, nil
}

func (h *pionHandle) AttachLocalDescription(d Description) error {
	sd, err := toPion(d)
	if err != nil {
		return err
	}
	return h.pc.SetLocalDescription(sd)
}

func (h *pionHandle) ApplyRemoteDescription(d Description) error {
	sd, err := toPion(d)
	if err != nil {
		return err
	}
	return h.pc.SetRemoteDescription(sd)
}

func (h *pionHandle) ApplyCandidate(c signaling.Candidate) error {
	var mLineIndex uint16
	return h.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.String(),
		SDPMLineIndex: &mLineIndex,
	})
}

// Reset closes the PeerConnection and opens a fresh one. pion cannot roll
// back a local offer, so this is how an unanswered offer is discarded.
func (h *pionHandle) Reset() error {
	if err := h.pc.Close(); err != nil {
		util.LogDebug("close replaced PeerConnection: %v", err)
	}
	if err := h.open(); err != nil {
		return fmt.Errorf("reopen PeerConnection: %w", err)
	}
	util.LogDebug("PeerConnection replaced")
	return nil
}

func (h *pionHandle) OnLocalCandidate(fn func(signaling.Candidate)) {
	h.onCand = fn
	h.watchCandidates()
}

func (h *pionHandle) watchCandidates() {
	fn := h.onCand
	h.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		fn(candidateFromPion(c))
	})
}

func (h *pionHandle) SetAudioMuted(muted bool) error {
	h.muted = muted
	var track webrtc.TrackLocal
	if !muted {
		track = h.audio
	}
	return h.audioSender.ReplaceTrack(track)
}

func (h *pionHandle) SetVideoEnabled(enabled bool) error {
	h.videoOff = !enabled
	var track webrtc.TrackLocal
	if enabled {
		track = h.video
	}
	return h.videoSender.ReplaceTrack(track)
}

func toPion(d Description) (webrtc.SessionDescription, error) {
	switch d.Type {
	case SDPOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: d.SDP}, nil
	case SDPAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: d.SDP}, nil
	default:
		return webrtc.SessionDescription{}, errors.New("media: unsupported description type")
	}
}

func candidateFromPion(c *webrtc.ICECandidate) signaling.Candidate {
	return signaling.Candidate{
		Component:  int(c.Component),
		Foundation: c.Foundation,
		IP:         c.Address,
		Port:       int(c.Port),
		Priority:   c.Priority,
		Protocol:   signaling.Protocol(c.Protocol.String()),
		Type:       signaling.CandidateType(c.Typ.String()),
	}
}
