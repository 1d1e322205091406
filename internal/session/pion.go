package session

import (
	"github.com/pion/webrtc/v3"

	"traffic-console/internal/config"
)

type pionPeer struct {
	pc       *webrtc.PeerConnection
	gathered <-chan struct{}
}

// NewPionFactory builds peers backed by a real pion PeerConnection
// using the configured STUN servers.
func NewPionFactory(cfg config.WebRTCConfig) PeerFactory {
	return func() (PeerConnection, error) {
		var conf webrtc.Configuration
		if len(cfg.STUNURLs) > 0 {
			conf.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNURLs}}
		}
		pc, err := webrtc.NewPeerConnection(conf)
		if err != nil {
			return nil, err
		}
		return &pionPeer{
			pc:       pc,
			gathered: webrtc.GatheringCompletePromise(pc),
		}, nil
	}
}

func (p *pionPeer) AddVideoTransceiver() error {
	_, err := p.pc.AddTransceiverFromKind(
		webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
	)
	return err
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

// LocalDescription returns the pending-or-current description. For an
// offerer the current one is nil until signaling reaches stable, so
// reading it here would lose the offer (and its gathered candidates).
func (p *pionPeer) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *pionPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPeer) GatheringComplete() <-chan struct{} {
	return p.gathered
}

func (p *pionPeer) OnTrack(fn func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
