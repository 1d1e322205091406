package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"traffic-console/internal/client"
	"traffic-console/internal/config"
)

var (
	ErrNegotiationInFlight = errors.New("negotiation already in flight")
	ErrStaleNegotiation    = errors.New("negotiation superseded")
	ErrGatherTimeout       = errors.New("ice gathering timed out")
)

type State string

const (
	StateReady      State = "ready"
	StateConnecting State = "connecting"
	StateLive       State = "live"
	StateStopped    State = "stopped"
	StateError      State = "error"
)

// PeerConnection is the slice of the pion API the negotiator needs.
// Keeping it narrow lets tests drive the whole state machine with a
// fake peer.
type PeerConnection interface {
	AddVideoTransceiver() error
	CreateOffer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	SetRemoteDescription(webrtc.SessionDescription) error
	GatheringComplete() <-chan struct{}
	OnTrack(func(*webrtc.TrackRemote))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

type PeerFactory func() (PeerConnection, error)

// OfferSender performs the offer/answer round trip with the backend.
type OfferSender interface {
	SendOffer(ctx context.Context, offer client.OfferRequest) (*client.OfferAnswer, error)
}

type Status struct {
	State       State  `json:"state"`
	VideoSource string `json:"video_source,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Negotiator owns the receiving peer and drives the offer/answer
// exchange. At most one negotiation runs at a time; a later Start or
// Stop supersedes an in-flight one, whose results are then discarded.
type Negotiator struct {
	factory       PeerFactory
	sender        OfferSender
	log           zerolog.Logger
	gatherTimeout time.Duration

	onTrack func(*webrtc.TrackRemote)

	mu          sync.Mutex
	inFlight    bool
	state       State
	lastErr     error
	pc          PeerConnection
	videoSource string
}

func NewNegotiator(factory PeerFactory, sender OfferSender, cfg config.WebRTCConfig, log zerolog.Logger) *Negotiator {
	timeout := cfg.GatherTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Negotiator{
		factory:       factory,
		sender:        sender,
		log:           log.With().Str("component", "session").Logger(),
		gatherTimeout: timeout,
		state:         StateReady,
	}
}

// SetTrackHandler installs the callback invoked when remote media
// arrives. It must be set before Start.
func (n *Negotiator) SetTrackHandler(fn func(*webrtc.TrackRemote)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onTrack = fn
}

func (n *Negotiator) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := Status{State: n.state, VideoSource: n.videoSource}
	if n.lastErr != nil {
		st.Error = n.lastErr.Error()
	}
	return st
}

// Start tears down any previous session and negotiates a new one. It
// returns once the answer is applied; the transition to Live happens
// asynchronously when the transport connects.
func (n *Negotiator) Start(ctx context.Context, videoSource string, targetClasses []string) error {
	n.mu.Lock()
	if n.inFlight {
		n.mu.Unlock()
		return ErrNegotiationInFlight
	}
	n.inFlight = true
	defer func() {
		n.mu.Lock()
		n.inFlight = false
		n.mu.Unlock()
	}()
	if n.pc != nil {
		_ = n.pc.Close()
		n.pc = nil
	}

	pc, err := n.factory()
	if err != nil {
		n.state = StateError
		n.lastErr = err
		n.mu.Unlock()
		return fmt.Errorf("create peer connection: %w", err)
	}
	n.pc = pc
	n.state = StateConnecting
	n.lastErr = nil
	n.videoSource = videoSource
	onTrack := n.onTrack
	n.mu.Unlock()

	if onTrack != nil {
		pc.OnTrack(onTrack)
	}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.handleConnectionState(pc, s)
	})

	if err := pc.AddVideoTransceiver(); err != nil {
		return n.fail(pc, fmt.Errorf("add video transceiver: %w", err))
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		return n.fail(pc, fmt.Errorf("create offer: %w", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return n.fail(pc, fmt.Errorf("set local description: %w", err))
	}

	// The offer is sent without a trickle channel, so the candidate set
	// has to be complete before it leaves. The wait is bounded: a host
	// with a black-holed STUN path would otherwise hang here forever.
	select {
	case <-pc.GatheringComplete():
	case <-time.After(n.gatherTimeout):
		return n.fail(pc, ErrGatherTimeout)
	case <-ctx.Done():
		return n.fail(pc, ctx.Err())
	}

	local := pc.LocalDescription()
	if local == nil {
		return n.fail(pc, errors.New("no local description after gathering"))
	}

	answer, err := n.sender.SendOffer(ctx, client.OfferRequest{
		SDP:           local.SDP,
		Type:          local.Type.String(),
		VideoSource:   videoSource,
		TargetClasses: targetClasses,
	})
	if err != nil {
		return n.fail(pc, fmt.Errorf("offer exchange: %w", err))
	}

	// A Stop or a newer Start may have replaced the peer while the
	// round trip was outstanding. The identity check, not a flag, is
	// what decides whether this answer still applies.
	n.mu.Lock()
	if n.pc != pc {
		n.mu.Unlock()
		_ = pc.Close()
		return ErrStaleNegotiation
	}
	n.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(answer.Type),
		SDP:  answer.SDP,
	}); err != nil {
		return n.fail(pc, fmt.Errorf("set remote description: %w", err))
	}

	n.log.Info().Str("video_source", videoSource).Msg("answer applied, waiting for transport")
	return nil
}

// Stop closes the current session. Safe to call at any time, in any
// state, repeatedly.
func (n *Negotiator) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc != nil {
		_ = n.pc.Close()
		n.pc = nil
	}
	n.state = StateStopped
	n.lastErr = nil
	n.videoSource = ""
}

func (n *Negotiator) fail(pc PeerConnection, err error) error {
	n.mu.Lock()
	if n.pc == pc {
		n.pc = nil
		n.state = StateError
		n.lastErr = err
	}
	n.mu.Unlock()
	_ = pc.Close()
	n.log.Error().Err(err).Msg("negotiation failed")
	return err
}

func (n *Negotiator) handleConnectionState(pc PeerConnection, s webrtc.PeerConnectionState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc != pc {
		// Callback from a peer that has already been replaced.
		return
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		n.state = StateLive
		n.lastErr = nil
		n.log.Info().Msg("session live")
	case webrtc.PeerConnectionStateFailed:
		_ = pc.Close()
		n.pc = nil
		n.state = StateError
		n.lastErr = fmt.Errorf("transport state %s", s)
		n.log.Warn().Str("state", s.String()).Msg("session lost")
	case webrtc.PeerConnectionStateDisconnected:
		n.state = StateError
		n.lastErr = fmt.Errorf("transport state %s", s)
		n.log.Warn().Str("state", s.String()).Msg("session lost")
	}
}
