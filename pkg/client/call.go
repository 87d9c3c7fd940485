package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"codepair/pkg/protocol"
)

// CallState is the call machine's explicit state. Idle is both the initial
// and the terminal state.
type CallState int

const (
	CallIdle CallState = iota
	CallCalling
	CallIncoming
	CallConnected
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallCalling:
		return "calling"
	case CallIncoming:
		return "incoming"
	case CallConnected:
		return "connected"
	default:
		return fmt.Sprintf("CallState(%d)", int(s))
	}
}

type callEvent int

const (
	evInvite   callEvent = iota // local user starts a call
	evIncoming                  // remote invite arrives
	evAccept                    // local user accepts
	evAccepted                  // remote peer accepted our invite
	evRejected                  // either side rejected
	evEnd                       // hangup, peer hangup, or ICE failure
)

func (e callEvent) String() string {
	switch e {
	case evInvite:
		return "invite"
	case evIncoming:
		return "incoming"
	case evAccept:
		return "accept"
	case evAccepted:
		return "accepted"
	case evRejected:
		return "rejected"
	case evEnd:
		return "end"
	default:
		return fmt.Sprintf("callEvent(%d)", int(e))
	}
}

// transition is the exhaustive state transition function. Undefined pairs
// are rejected instead of being absorbed by ad hoc flag checks.
func transition(from CallState, ev callEvent) (CallState, error) {
	switch ev {
	case evInvite:
		if from == CallIdle {
			return CallCalling, nil
		}
	case evIncoming:
		if from == CallIdle {
			return CallIncoming, nil
		}
	case evAccept:
		if from == CallIncoming {
			return CallConnected, nil
		}
	case evAccepted:
		if from == CallCalling {
			return CallConnected, nil
		}
	case evRejected:
		if from == CallCalling || from == CallIncoming {
			return CallIdle, nil
		}
	case evEnd:
		// Reject, end, and ICE failure all drive to Idle from any state.
		return CallIdle, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
}

// Connection quality as displayed by the UI. Only ICE "failed" tears the
// call down; "disconnected" merely degrades the indicator.
const (
	QualityGood = "good"
	QualityFair = "fair"
	QualityPoor = "poor"
)

// CallHandlers are optional application callbacks for call machine events.
type CallHandlers struct {
	OnStateChange func(state CallState)
	OnNotice      func(message string)
	OnRemoteTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnPeerMedia   func(kind string, enabled bool)
	OnQuality     func(quality string)
}

// Call turns relay events into a live peer connection. One call session
// exists per peer connection; teardown resets every field.
type Call struct {
	client *Client

	mu            sync.Mutex
	state         CallState
	callType      string
	incoming      *protocol.IncomingCall
	peerConnID    string
	pc            PeerConnection
	localMedia    *LocalMedia
	pending       []webrtc.ICECandidateInit
	remoteDescSet bool
	negotiating   bool
	muted         bool
	cameraOff     bool
	peerMedia     map[string]bool
	quality       string
	connectedAt   time.Time

	peerFactory PeerFactory
	media       MediaSource
	handlers    CallHandlers
}

func newCall(client *Client) *Call {
	return &Call{
		client:      client,
		state:       CallIdle,
		quality:     QualityGood,
		peerMedia:   map[string]bool{protocol.MediaKindAudio: true, protocol.MediaKindVideo: true},
		peerFactory: NewPionPeer,
		media:       &SampleMediaSource{},
	}
}

// SetHandlers installs the application callbacks. Call before starting or
// accepting a call.
func (c *Call) SetHandlers(h CallHandlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// SetMediaSource replaces the local media capability.
func (c *Call) SetMediaSource(m MediaSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media = m
}

// SetPeerFactory replaces the peer connection constructor.
func (c *Call) SetPeerFactory(f PeerFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerFactory = f
}

// State returns the current call state.
func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Negotiating mirrors the underlying signaling state; the UI uses it to
// avoid issuing a second offer while one is outstanding.
func (c *Call) Negotiating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiating
}

// Quality returns the displayed connection quality indicator.
func (c *Call) Quality() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// Duration returns how long the call has been connected.
func (c *Call) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectedAt.IsZero() {
		return 0
	}
	return time.Since(c.connectedAt)
}

// PeerMedia reports the peer's last announced media state for a kind.
func (c *Call) PeerMedia(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerMedia[kind]
}

// Start initiates a call. It is rejected locally, without contacting the
// relay, when fewer than two participants are in the session. Media is
// acquired before any peer connection exists.
func (c *Call) Start(callType string) error {
	if len(c.client.Participants()) < 2 {
		return ErrTooFewParticipants
	}
	if callType == "" {
		callType = protocol.CallTypeVideo
	}

	c.mu.Lock()
	next, err := transition(c.state, evInvite)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.setStateLocked(next)
	c.callType = callType

	if err := c.acquireMediaLocked(callType); err != nil {
		c.teardownLocked()
		c.setStateLocked(CallIdle)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	// A failed invite leaves no half-open call: release the media and return
	// to Idle.
	if err := c.client.send(protocol.EventCallInvite, protocol.CallInvite{
		SessionID: c.client.sessionIDForCall(),
		CallType:  callType,
	}); err != nil {
		c.teardownAndIdle()
		return err
	}
	return nil
}

// Accept answers an incoming invite. The caller, not this side, creates the
// offer; acceptance only announces readiness and acquires media.
func (c *Call) Accept() error {
	c.mu.Lock()
	next, err := transition(c.state, evAccept)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	invite := c.incoming
	if invite == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: no pending invite", ErrInvalidTransition)
	}

	if err := c.acquireMediaLocked(invite.CallType); err != nil {
		c.teardownLocked()
		c.setStateLocked(CallIdle)
		c.mu.Unlock()
		return err
	}
	c.setStateLocked(next)
	c.connectedAt = time.Now()
	c.mu.Unlock()

	if err := c.client.send(protocol.EventCallAccept, protocol.CallAccept{
		SessionID:          c.client.sessionIDForCall(),
		CallerConnectionID: invite.CallerConnectionID,
	}); err != nil {
		c.teardownAndIdle()
		return err
	}
	return nil
}

// Reject declines an incoming invite.
func (c *Call) Reject() error {
	c.mu.Lock()
	if c.state != CallIncoming || c.incoming == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: reject on %s", ErrInvalidTransition, c.state)
	}
	invite := c.incoming
	c.teardownLocked()
	c.setStateLocked(CallIdle)
	c.mu.Unlock()

	return c.client.send(protocol.EventCallReject, protocol.CallReject{
		SessionID:          c.client.sessionIDForCall(),
		CallerConnectionID: invite.CallerConnectionID,
	})
}

// End hangs up: it notifies the peer and performs local teardown. Safe to
// call in any state.
func (c *Call) End() error {
	c.mu.Lock()
	if c.state == CallIdle {
		c.mu.Unlock()
		return nil
	}
	c.teardownLocked()
	c.setStateLocked(CallIdle)
	c.mu.Unlock()

	return c.client.send(protocol.EventCallEnd, protocol.CallEnd{
		SessionID: c.client.sessionIDForCall(),
	})
}

// SetMuted toggles the local audio tracks and announces the change.
func (c *Call) SetMuted(muted bool) error {
	c.mu.Lock()
	c.muted = muted
	if c.localMedia != nil {
		c.localMedia.SetEnabled(protocol.MediaKindAudio, !muted)
	}
	c.mu.Unlock()

	return c.client.send(protocol.EventMediaToggle, protocol.MediaToggle{
		SessionID: c.client.sessionIDForCall(),
		Kind:      protocol.MediaKindAudio,
		Enabled:   !muted,
	})
}

// SetCameraOff toggles the local video tracks and announces the change.
func (c *Call) SetCameraOff(off bool) error {
	c.mu.Lock()
	c.cameraOff = off
	if c.localMedia != nil {
		c.localMedia.SetEnabled(protocol.MediaKindVideo, !off)
	}
	c.mu.Unlock()

	return c.client.send(protocol.EventMediaToggle, protocol.MediaToggle{
		SessionID: c.client.sessionIDForCall(),
		Kind:      protocol.MediaKindVideo,
		Enabled:   !off,
	})
}

// dispatch routes relay frames into the machine. Runs on the client's read
// goroutine.
func (c *Call) dispatch(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventIncomingCall:
		c.onIncoming(env.Data)
	case protocol.EventCallAccepted:
		c.onAccepted(env.Data)
	case protocol.EventCallRejected:
		c.onRejected(env.Data)
	case protocol.EventCallEnded:
		c.onEnded()
	case protocol.EventSDPOffer:
		c.onOffer(env.Data)
	case protocol.EventSDPAnswer:
		c.onAnswer(env.Data)
	case protocol.EventICECandidate:
		c.onCandidate(env.Data)
	case protocol.EventMediaToggle:
		c.onPeerMediaToggle(env.Data)
	}
}

func (c *Call) onIncoming(data json.RawMessage) {
	var invite protocol.IncomingCall
	if err := json.Unmarshal(data, &invite); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// No call-waiting: an invite during an established call is ignored.
	if c.state == CallConnected {
		c.client.log.Debug().Str("caller", invite.CallerID).Msg("invite ignored, already in a call")
		return
	}
	next, err := transition(c.state, evIncoming)
	if err != nil {
		c.client.log.Debug().Err(err).Msg("invite dropped")
		return
	}
	c.incoming = &invite
	c.callType = invite.CallType
	c.setStateLocked(next)
}

// onAccepted runs on the caller when the callee picks up. The caller always
// creates the offer; this asymmetry prevents duplicate competing offers.
func (c *Call) onAccepted(data json.RawMessage) {
	var accepted protocol.CallAccepted
	if err := json.Unmarshal(data, &accepted); err != nil {
		return
	}

	c.mu.Lock()
	next, err := transition(c.state, evAccepted)
	if err != nil {
		c.mu.Unlock()
		c.client.log.Debug().Err(err).Msg("accepted dropped")
		return
	}
	c.setStateLocked(next)
	c.connectedAt = time.Now()
	c.peerConnID = accepted.AcceptorConnectionID

	if err := c.createPeerLocked(); err != nil {
		c.mu.Unlock()
		c.client.log.Error().Err(err).Msg("peer connection setup failed")
		_ = c.End()
		return
	}

	offer, err := c.pc.CreateOffer()
	if err == nil {
		err = c.pc.SetLocalDescription(offer)
	}
	if err != nil {
		c.mu.Unlock()
		c.client.log.Error().Err(err).Msg("offer creation failed")
		_ = c.End()
		return
	}
	target := c.peerConnID
	c.mu.Unlock()

	_ = c.client.send(protocol.EventSDPOffer, protocol.SDPOffer{
		SessionID:          c.client.sessionIDForCall(),
		TargetConnectionID: target,
		Offer:              offer,
	})
	c.notice(accepted.AcceptorName + " joined the call")
}

func (c *Call) onRejected(data json.RawMessage) {
	var rejected protocol.CallRejected
	if err := json.Unmarshal(data, &rejected); err != nil {
		return
	}

	c.mu.Lock()
	// A rejection from one callee does not end an already established call.
	if c.state == CallConnected {
		c.mu.Unlock()
		c.notice(rejected.RejectorName + " declined the call")
		return
	}
	next, err := transition(c.state, evRejected)
	if err != nil {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.setStateLocked(next)
	c.mu.Unlock()

	c.notice(rejected.RejectorName + " declined the call")
}

// onEnded performs local teardown without re-notifying the peer.
func (c *Call) onEnded() {
	c.teardownAndIdle()
	c.notice("the other participant ended the call")
}

// onOffer runs on the callee once the caller's offer arrives. Candidates
// buffered before the remote description are flushed, in arrival order,
// immediately after it is applied.
func (c *Call) onOffer(data json.RawMessage) {
	var offer protocol.SDPOffer
	if err := json.Unmarshal(data, &offer); err != nil {
		return
	}

	c.mu.Lock()
	c.peerConnID = offer.CallerConnectionID
	if err := c.createPeerLocked(); err != nil {
		c.mu.Unlock()
		c.client.log.Error().Err(err).Msg("peer connection setup failed")
		return
	}

	if err := c.pc.SetRemoteDescription(offer.Offer); err != nil {
		c.mu.Unlock()
		c.client.log.Error().Err(err).Msg("failed to apply offer")
		return
	}
	c.remoteDescSet = true
	c.flushPendingLocked()

	answer, err := c.pc.CreateAnswer()
	if err == nil {
		err = c.pc.SetLocalDescription(answer)
	}
	if err != nil {
		c.mu.Unlock()
		c.client.log.Error().Err(err).Msg("answer creation failed")
		return
	}
	target := c.peerConnID
	c.mu.Unlock()

	_ = c.client.send(protocol.EventSDPAnswer, protocol.SDPAnswer{
		SessionID:          c.client.sessionIDForCall(),
		TargetConnectionID: target,
		Answer:             answer,
	})
}

// onAnswer applies the callee's answer. Answers in any signaling state other
// than have-local-offer are stray and ignored; there is exactly one scripted
// offer/answer cycle per call.
func (c *Call) onAnswer(data json.RawMessage) {
	var answer protocol.SDPAnswer
	if err := json.Unmarshal(data, &answer); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc == nil {
		return
	}
	if c.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		c.client.log.Warn().Str("signaling_state", c.pc.SignalingState().String()).
			Msg("stray answer ignored")
		return
	}
	if err := c.pc.SetRemoteDescription(answer.Answer); err != nil {
		c.client.log.Error().Err(err).Msg("failed to apply answer")
		return
	}
	c.remoteDescSet = true
	c.flushPendingLocked()
}

// onCandidate applies a trickled candidate, queuing it when the remote
// description has not been set yet.
func (c *Call) onCandidate(data json.RawMessage) {
	var cand protocol.ICECandidate
	if err := json.Unmarshal(data, &cand); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteDescSet || c.pc == nil {
		c.pending = append(c.pending, cand.Candidate)
		return
	}
	if err := c.pc.AddICECandidate(cand.Candidate); err != nil {
		// A bad candidate never aborts the call.
		c.client.log.Warn().Err(err).Msg("failed to add ICE candidate")
	}
}

func (c *Call) onPeerMediaToggle(data json.RawMessage) {
	var toggle protocol.MediaToggle
	if err := json.Unmarshal(data, &toggle); err != nil {
		return
	}
	c.mu.Lock()
	c.peerMedia[toggle.Kind] = toggle.Enabled
	h := c.handlers.OnPeerMedia
	c.mu.Unlock()
	if h != nil {
		h(toggle.Kind, toggle.Enabled)
	}
}

// flushPendingLocked applies the buffered candidates in arrival order and
// empties the buffer. Failures are dropped with a warning.
func (c *Call) flushPendingLocked() {
	for _, cand := range c.pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.client.log.Warn().Err(err).Msg("failed to add buffered ICE candidate")
		}
	}
	c.pending = nil
}

// acquireMediaLocked gets local tracks before any peer connection exists. A
// video call degrades to audio-only with a non-fatal notice when the camera
// is unavailable; total failure fails the call locally and is never
// propagated to the peer.
func (c *Call) acquireMediaLocked(callType string) error {
	media, err := c.media.Acquire(callType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	c.localMedia = media
	if media.AudioOnly && callType == protocol.CallTypeVideo {
		c.cameraOff = true
		go c.notice("camera not available, using audio only")
	}
	return nil
}

func (c *Call) createPeerLocked() error {
	if c.pc != nil {
		_ = c.pc.Close()
		c.pc = nil
	}
	c.remoteDescSet = false

	pc, err := c.peerFactory()
	if err != nil {
		return err
	}
	c.pc = pc

	if c.localMedia != nil {
		for _, track := range c.localMedia.Tracks {
			if err := pc.AddTrack(track); err != nil {
				_ = pc.Close()
				c.pc = nil
				return err
			}
		}
	}

	target := c.peerConnID
	pc.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		_ = c.client.send(protocol.EventICECandidate, protocol.ICECandidate{
			SessionID:          c.client.sessionIDForCall(),
			TargetConnectionID: target,
			Candidate:          cand,
		})
	})
	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		c.mu.Lock()
		c.negotiating = s != webrtc.SignalingStateStable
		c.mu.Unlock()
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.onICEState(s)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.mu.Lock()
		h := c.handlers.OnRemoteTrack
		c.mu.Unlock()
		if h != nil {
			h(track, receiver)
		}
	})
	return nil
}

// onICEState maps ICE connection state to the quality indicator. Only
// "failed" tears the call down; "disconnected" degrades the indicator and
// nothing else.
func (c *Call) onICEState(s webrtc.ICEConnectionState) {
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		c.setQuality(QualityGood)
	case webrtc.ICEConnectionStateChecking:
		c.setQuality(QualityFair)
	case webrtc.ICEConnectionStateDisconnected:
		c.setQuality(QualityPoor)
		c.notice("connection quality is degraded")
	case webrtc.ICEConnectionStateFailed:
		c.notice("connection failed, ending call")
		_ = c.End()
	}
}

func (c *Call) setQuality(q string) {
	c.mu.Lock()
	changed := c.quality != q
	c.quality = q
	h := c.handlers.OnQuality
	c.mu.Unlock()
	if changed && h != nil {
		h(q)
	}
}

// teardownAndIdle resets the whole call session without notifying the peer.
func (c *Call) teardownAndIdle() {
	c.mu.Lock()
	if c.state == CallIdle && c.pc == nil {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.setStateLocked(CallIdle)
	c.mu.Unlock()
}

// teardownLocked closes the peer connection, stops local tracks, and clears
// every per-call field. Every exit path funnels through here.
func (c *Call) teardownLocked() {
	if c.pc != nil {
		_ = c.pc.Close()
		c.pc = nil
	}
	if c.localMedia != nil {
		c.localMedia.Close()
		c.localMedia = nil
	}
	c.pending = nil
	c.remoteDescSet = false
	c.negotiating = false
	c.incoming = nil
	c.peerConnID = ""
	c.callType = ""
	c.muted = false
	c.cameraOff = false
	c.peerMedia = map[string]bool{protocol.MediaKindAudio: true, protocol.MediaKindVideo: true}
	c.quality = QualityGood
	c.connectedAt = time.Time{}
}

func (c *Call) setStateLocked(next CallState) {
	if c.state == next {
		return
	}
	c.state = next
	if h := c.handlers.OnStateChange; h != nil {
		go h(next)
	}
}

func (c *Call) notice(message string) {
	c.mu.Lock()
	h := c.handlers.OnNotice
	c.mu.Unlock()
	if h != nil {
		h(message)
	} else {
		c.client.log.Info().Msg(message)
	}
}

// sessionIDForCall lets the call machine address relay frames without
// holding the client lock through a send.
func (c *Client) sessionIDForCall() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}
