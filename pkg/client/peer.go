package client

import (
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers is the STUN configuration used when no custom factory is
// installed.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// PeerConnection is the subset of the WebRTC peer connection the call
// machine drives. Tests substitute a fake through SetPeerFactory.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(cand webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	OnICECandidate(f func(cand webrtc.ICECandidateInit))
	OnSignalingStateChange(f func(state webrtc.SignalingState))
	OnICEConnectionStateChange(f func(state webrtc.ICEConnectionState))
	OnTrack(f func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	Close() error
}

// PeerFactory builds a fresh peer connection for each call.
type PeerFactory func() (PeerConnection, error)

type pionPeer struct {
	pc *webrtc.PeerConnection
}

// NewPionPeer is the default PeerFactory. It builds a peer connection with
// the default STUN servers.
func NewPionPeer() (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: DefaultICEServers,
	})
	if err != nil {
		return nil, err
	}
	return &pionPeer{pc: pc}, nil
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) error {
	_, err := p.pc.AddTrack(track)
	return err
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(cand)
}

func (p *pionPeer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *pionPeer) OnICECandidate(f func(cand webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of gathering; nothing to trickle.
		if cand == nil {
			return
		}
		f(cand.ToJSON())
	})
}

func (p *pionPeer) OnSignalingStateChange(f func(state webrtc.SignalingState)) {
	p.pc.OnSignalingStateChange(f)
}

func (p *pionPeer) OnICEConnectionStateChange(f func(state webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(f)
}

func (p *pionPeer) OnTrack(f func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	p.pc.OnTrack(f)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
