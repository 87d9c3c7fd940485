package client

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepair/pkg/protocol"
)

type fakePeer struct {
	mu         sync.Mutex
	tracks     []webrtc.TrackLocal
	candidates []webrtc.ICECandidateInit
	remote     *webrtc.SessionDescription
	local      *webrtc.SessionDescription
	signaling  webrtc.SignalingState
	closed     bool

	onICECandidate func(webrtc.ICECandidateInit)
	onICEState     func(webrtc.ICEConnectionState)
	onSignaling    func(webrtc.SignalingState)
	onTrack        func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	candidateErr error
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		p.signaling = webrtc.SignalingStateHaveLocalOffer
	} else {
		p.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &desc
	if desc.Type == webrtc.SDPTypeAnswer {
		p.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (p *fakePeer) AddICECandidate(cand webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.candidateErr != nil {
		return p.candidateErr
	}
	p.candidates = append(p.candidates, cand)
	return nil
}

func (p *fakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *fakePeer) OnICECandidate(f func(webrtc.ICECandidateInit)) { p.onICECandidate = f }

func (p *fakePeer) OnSignalingStateChange(f func(webrtc.SignalingState)) { p.onSignaling = f }

func (p *fakePeer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) { p.onICEState = f }

func (p *fakePeer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) { p.onTrack = f }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) addedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(p.candidates))
	copy(out, p.candidates)
	return out
}

type fakeMedia struct {
	err       error
	audioOnly bool
}

func (m *fakeMedia) Acquire(callType string) (*LocalMedia, error) {
	if m.err != nil {
		return nil, m.err
	}
	audio, _ := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	return &LocalMedia{Tracks: []webrtc.TrackLocal{audio}, AudioOnly: m.audioOnly}, nil
}

// callClient wires a connected client with a fake peer and fake media, plus
// a two-person roster so calls can start.
func callClient(t *testing.T, fs *fakeServer, handlers CallHandlers) (*Client, *fakePeer) {
	t.Helper()
	c := connectAndJoin(t, fs, Handlers{})

	peer := &fakePeer{signaling: webrtc.SignalingStateStable}
	c.call.SetPeerFactory(func() (PeerConnection, error) { return peer, nil })
	c.call.SetMediaSource(&fakeMedia{})
	c.call.SetHandlers(handlers)

	c.mu.Lock()
	c.participants = []protocol.Participant{
		{UserID: "u1", ConnectionID: "conn-self"},
		{UserID: "u2", ConnectionID: "conn-bob"},
	}
	c.mu.Unlock()
	return c, peer
}

func awaitState(t *testing.T, call *Call, want CallState) {
	t.Helper()
	require.Eventually(t, func() bool { return call.State() == want },
		5*time.Second, 10*time.Millisecond, "call never reached %s", want)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from CallState
		ev   callEvent
		want CallState
		ok   bool
	}{
		{CallIdle, evInvite, CallCalling, true},
		{CallIdle, evIncoming, CallIncoming, true},
		{CallCalling, evAccepted, CallConnected, true},
		{CallIncoming, evAccept, CallConnected, true},
		{CallCalling, evRejected, CallIdle, true},
		{CallIncoming, evRejected, CallIdle, true},
		{CallIdle, evEnd, CallIdle, true},
		{CallCalling, evEnd, CallIdle, true},
		{CallIncoming, evEnd, CallIdle, true},
		{CallConnected, evEnd, CallIdle, true},

		{CallCalling, evInvite, CallCalling, false},
		{CallConnected, evInvite, CallConnected, false},
		{CallIdle, evAccept, CallIdle, false},
		{CallIdle, evAccepted, CallIdle, false},
		{CallConnected, evAccepted, CallConnected, false},
		{CallConnected, evRejected, CallConnected, false},
		{CallIncoming, evAccepted, CallIncoming, false},
		{CallCalling, evAccept, CallCalling, false},
	}

	for _, tc := range cases {
		got, err := transition(tc.from, tc.ev)
		if tc.ok {
			assert.NoError(t, err, "%s on %s", tc.ev, tc.from)
			assert.Equal(t, tc.want, got)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s on %s", tc.ev, tc.from)
			assert.Equal(t, tc.from, got)
		}
	}
}

func TestStartRequiresTwoParticipants(t *testing.T) {
	fs := newFakeServer(t)
	c := connectAndJoin(t, fs, Handlers{})
	c.call.SetMediaSource(&fakeMedia{})

	err := c.Call().Start(protocol.CallTypeVideo)
	assert.ErrorIs(t, err, ErrTooFewParticipants)
	assert.Equal(t, CallIdle, c.Call().State())

	// The relay is never contacted.
	fs.assertNoFrame(protocol.EventCallInvite)
}

func TestStartSendsInvite(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := callClient(t, fs, CallHandlers{})

	require.NoError(t, c.Call().Start(protocol.CallTypeVideo))
	assert.Equal(t, CallCalling, c.Call().State())

	env := fs.awaitFrame(protocol.EventCallInvite)
	var invite protocol.CallInvite
	require.NoError(t, json.Unmarshal(env.Data, &invite))
	assert.Equal(t, "s1", invite.SessionID)
	assert.Equal(t, protocol.CallTypeVideo, invite.CallType)

	// A second start while one is in flight is rejected.
	assert.ErrorIs(t, c.Call().Start(protocol.CallTypeVideo), ErrInvalidTransition)
}

// An invite that never leaves the socket must not strand the machine in
// Calling with acquired media.
func TestStartSendFailureReturnsToIdle(t *testing.T) {
	fs := newFakeServer(t)
	c := New(fs.url(), protocol.User{ID: "u1"}, Handlers{})
	t.Cleanup(func() { _ = c.Close() })
	c.call.SetMediaSource(&fakeMedia{})

	// A roster big enough to call, but no connection to send on.
	c.mu.Lock()
	c.participants = []protocol.Participant{
		{UserID: "u1", ConnectionID: "conn-self"},
		{UserID: "u2", ConnectionID: "conn-bob"},
	}
	c.mu.Unlock()

	err := c.Call().Start(protocol.CallTypeVideo)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, CallIdle, c.Call().State())

	c.call.mu.Lock()
	assert.Nil(t, c.call.localMedia, "media must be released on a failed invite")
	c.call.mu.Unlock()
}

func TestMediaFailureFailsLocally(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := callClient(t, fs, CallHandlers{})
	c.call.SetMediaSource(&fakeMedia{err: errors.New("no devices")})

	err := c.Call().Start(protocol.CallTypeVideo)
	assert.ErrorIs(t, err, ErrMediaUnavailable)
	assert.Equal(t, CallIdle, c.Call().State())
	fs.assertNoFrame(protocol.EventCallInvite)
}

func TestAudioOnlyDegradeNotifies(t *testing.T) {
	fs := newFakeServer(t)
	notices := make(chan string, 4)
	c, _ := callClient(t, fs, CallHandlers{
		OnNotice: func(msg string) { notices <- msg },
	})
	c.call.SetMediaSource(&fakeMedia{audioOnly: true})

	require.NoError(t, c.Call().Start(protocol.CallTypeVideo))
	assert.Equal(t, CallCalling, c.Call().State())

	select {
	case <-notices:
	case <-time.After(5 * time.Second):
		t.Fatal("degrade notice never fired")
	}
}

// Caller side: the callee picked up, so the caller creates the offer and
// sends it to the acceptor's connection.
func TestCallerCreatesOfferOnAccept(t *testing.T) {
	fs := newFakeServer(t)
	c, peer := callClient(t, fs, CallHandlers{})
	require.NoError(t, c.Call().Start(protocol.CallTypeVideo))
	fs.awaitFrame(protocol.EventCallInvite)

	fs.write(protocol.EventCallAccepted, protocol.CallAccepted{
		AcceptorID: "u2", AcceptorName: "bob", AcceptorConnectionID: "conn-bob",
	})

	awaitState(t, c.Call(), CallConnected)

	env := fs.awaitFrame(protocol.EventSDPOffer)
	var offer protocol.SDPOffer
	require.NoError(t, json.Unmarshal(env.Data, &offer))
	assert.Equal(t, "conn-bob", offer.TargetConnectionID)
	assert.Equal(t, "fake-offer", offer.Offer.SDP)

	peer.mu.Lock()
	assert.NotEmpty(t, peer.tracks, "local tracks must be attached before the offer")
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, peer.signaling)
	peer.mu.Unlock()
}

// Candidates arriving before the remote description are buffered and applied
// in arrival order once it is set.
func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	fs := newFakeServer(t)
	c, peer := callClient(t, fs, CallHandlers{})
	require.NoError(t, c.Call().Start(protocol.CallTypeVideo))
	fs.write(protocol.EventCallAccepted, protocol.CallAccepted{AcceptorConnectionID: "conn-bob"})
	fs.awaitFrame(protocol.EventSDPOffer)

	// Answer not yet arrived: both candidates must wait.
	fs.write(protocol.EventICECandidate, protocol.ICECandidate{
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1"},
	})
	fs.write(protocol.EventICECandidate, protocol.ICECandidate{
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:2"},
	})

	require.Eventually(t, func() bool {
		c.call.mu.Lock()
		defer c.call.mu.Unlock()
		return len(c.call.pending) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, peer.addedCandidates())

	fs.write(protocol.EventSDPAnswer, protocol.SDPAnswer{
		Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"},
	})

	require.Eventually(t, func() bool {
		return len(peer.addedCandidates()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	cands := peer.addedCandidates()
	assert.Equal(t, "candidate:1", cands[0].Candidate)
	assert.Equal(t, "candidate:2", cands[1].Candidate)
}

// Callee side: accept announces readiness only; the offer arrives from the
// caller and is answered.
func TestCalleeAnswersOffer(t *testing.T) {
	fs := newFakeServer(t)
	c, peer := callClient(t, fs, CallHandlers{})

	fs.write(protocol.EventIncomingCall, protocol.IncomingCall{
		SessionID: "s1", CallerID: "u2", CallerName: "bob",
		CallerConnectionID: "conn-bob", CallType: protocol.CallTypeVideo,
	})
	awaitState(t, c.Call(), CallIncoming)

	require.NoError(t, c.Call().Accept())
	assert.Equal(t, CallConnected, c.Call().State())

	env := fs.awaitFrame(protocol.EventCallAccept)
	var accept protocol.CallAccept
	require.NoError(t, json.Unmarshal(env.Data, &accept))
	assert.Equal(t, "conn-bob", accept.CallerConnectionID)

	// No offer from the callee side.
	fs.assertNoFrame(protocol.EventSDPOffer)

	fs.write(protocol.EventSDPOffer, protocol.SDPOffer{
		Offer:              webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"},
		CallerConnectionID: "conn-bob",
	})

	env = fs.awaitFrame(protocol.EventSDPAnswer)
	var answer protocol.SDPAnswer
	require.NoError(t, json.Unmarshal(env.Data, &answer))
	assert.Equal(t, "conn-bob", answer.TargetConnectionID)
	assert.Equal(t, "fake-answer", answer.Answer.SDP)

	peer.mu.Lock()
	require.NotNil(t, peer.remote)
	assert.Equal(t, "remote-offer", peer.remote.SDP)
	peer.mu.Unlock()
}

func TestRejectDeclinesInvite(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := callClient(t, fs, CallHandlers{})

	fs.write(protocol.EventIncomingCall, protocol.IncomingCall{
		CallerConnectionID: "conn-bob", CallType: protocol.CallTypeVideo,
	})
	awaitState(t, c.Call(), CallIncoming)

	require.NoError(t, c.Call().Reject())
	assert.Equal(t, CallIdle, c.Call().State())

	env := fs.awaitFrame(protocol.EventCallReject)
	var reject protocol.CallReject
	require.NoError(t, json.Unmarshal(env.Data, &reject))
	assert.Equal(t, "conn-bob", reject.CallerConnectionID)

	// Rejecting again is an invalid transition.
	assert.ErrorIs(t, c.Call().Reject(), ErrInvalidTransition)
}

func TestIncomingIgnoredWhileConnected(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := callClient(t, fs, CallHandlers{})
	require.NoError(t, c.Call().Start(protocol.CallTypeVideo))
	fs.write(protocol.EventCallAccepted, protocol.CallAccepted{AcceptorConnectionID: "conn-bob"})
	awaitState(t, c.Call(), CallConnected)

	fs.write(protocol.EventIncomingCall, protocol.IncomingCall{
		CallerConnectionID: "conn-carol", CallType: protocol.CallTypeVideo,
	})

	// Still connected, no state change.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, CallConnected, c.Call().State())
}

func TestRejectedReturnsCallerToIdle(t *testing.T) {
	fs := newFakeServer(t)
	notices := make(chan string, 4)
	c, _ := callClient(t, fs, CallHandlers{
		OnNotice: func(msg string) { notices <- msg },
	})
	require.NoError(t, c.Call().Start(protocol.CallTypeVideo))

	fs.write(protocol.EventCallRejected, protocol.CallRejected{RejectorID: "u2", RejectorName: "bob"})

	awaitState(t, c.Call(), CallIdle)
	select {
	case <-notices:
	case <-time.After(5 * time.Second):
		t.Fatal("reject notice never fired")
	}
}

// A peer hangup tears down locally without echoing another call-end back.
func TestEndedTearsDownWithoutEcho(t *testing.T) {
	fs := newFakeServer(t)
	c, peer := callClient(t, fs, CallHandlers{})
	require.NoError(t, c.Call().Start(protocol.CallTypeVideo))
	fs.write(protocol.EventCallAccepted, protocol.CallAccepted{AcceptorConnectionID: "conn-bob"})
	awaitState(t, c.Call(), CallConnected)
	fs.awaitFrame(protocol.EventSDPOffer)

	fs.write(protocol.EventCallEnded, protocol.CallEnded{UserID: "u2"})

	awaitState(t, c.Call(), CallIdle)
	fs.assertNoFrame(protocol.EventCallEnd)

	peer.mu.Lock()
	assert.True(t, peer.closed)
	peer.mu.Unlock()
}

func TestEndNotifiesPeerAndTearsDown(t *testing.T) {
	fs := newFakeServer(t)
	c, peer := callClient(t, fs, CallHandlers{})
	require.NoError(t, c.Call().Start(protocol.CallTypeVideo))
	fs.write(protocol.EventCallAccepted, protocol.CallAccepted{AcceptorConnectionID: "conn-bob"})
	awaitState(t, c.Call(), CallConnected)

	require.NoError(t, c.Call().End())
	assert.Equal(t, CallIdle, c.Call().State())
	fs.awaitFrame(protocol.EventCallEnd)

	peer.mu.Lock()
	assert.True(t, peer.closed)
	peer.mu.Unlock()

	// Ending again is a no-op without another frame.
	require.NoError(t, c.Call().End())
	fs.assertNoFrame(protocol.EventCallEnd)
}

func TestICEFailureEndsCall(t *testing.T) {
	fs := newFakeServer(t)
	c, peer := callClient(t, fs, CallHandlers{})
	require.NoError(t, c.Call().Start(protocol.CallTypeVideo))
	fs.write(protocol.EventCallAccepted, protocol.CallAccepted{AcceptorConnectionID: "conn-bob"})
	awaitState(t, c.Call(), CallConnected)
	fs.awaitFrame(protocol.EventSDPOffer)

	peer.onICEState(webrtc.ICEConnectionStateFailed)

	awaitState(t, c.Call(), CallIdle)
	fs.awaitFrame(protocol.EventCallEnd)
}

func TestICEDisconnectedOnlyDegradesQuality(t *testing.T) {
	fs := newFakeServer(t)
	c, peer := callClient(t, fs, CallHandlers{})
	require.NoError(t, c.Call().Start(protocol.CallTypeVideo))
	fs.write(protocol.EventCallAccepted, protocol.CallAccepted{AcceptorConnectionID: "conn-bob"})
	awaitState(t, c.Call(), CallConnected)

	peer.onICEState(webrtc.ICEConnectionStateDisconnected)

	assert.Equal(t, QualityPoor, c.Call().Quality())
	assert.Equal(t, CallConnected, c.Call().State())

	peer.onICEState(webrtc.ICEConnectionStateConnected)
	assert.Equal(t, QualityGood, c.Call().Quality())
}

func TestStrayAnswerIgnored(t *testing.T) {
	fs := newFakeServer(t)
	c, peer := callClient(t, fs, CallHandlers{})
	require.NoError(t, c.Call().Start(protocol.CallTypeVideo))
	fs.write(protocol.EventCallAccepted, protocol.CallAccepted{AcceptorConnectionID: "conn-bob"})
	awaitState(t, c.Call(), CallConnected)
	fs.awaitFrame(protocol.EventSDPOffer)

	// First answer completes negotiation and returns signaling to stable.
	fs.write(protocol.EventSDPAnswer, protocol.SDPAnswer{
		Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "first"},
	})
	require.Eventually(t, func() bool {
		peer.mu.Lock()
		defer peer.mu.Unlock()
		return peer.remote != nil
	}, 5*time.Second, 10*time.Millisecond)

	// A duplicate answer in stable state must be dropped.
	fs.write(protocol.EventSDPAnswer, protocol.SDPAnswer{
		Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "second"},
	})
	time.Sleep(200 * time.Millisecond)

	peer.mu.Lock()
	assert.Equal(t, "first", peer.remote.SDP)
	peer.mu.Unlock()
}

func TestBadCandidateDoesNotAbortCall(t *testing.T) {
	fs := newFakeServer(t)
	c, peer := callClient(t, fs, CallHandlers{})
	require.NoError(t, c.Call().Start(protocol.CallTypeVideo))
	fs.write(protocol.EventCallAccepted, protocol.CallAccepted{AcceptorConnectionID: "conn-bob"})
	awaitState(t, c.Call(), CallConnected)
	fs.write(protocol.EventSDPAnswer, protocol.SDPAnswer{
		Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"},
	})
	require.Eventually(t, func() bool {
		peer.mu.Lock()
		defer peer.mu.Unlock()
		return peer.remote != nil
	}, 5*time.Second, 10*time.Millisecond)

	peer.mu.Lock()
	peer.candidateErr = errors.New("malformed candidate")
	peer.mu.Unlock()

	fs.write(protocol.EventICECandidate, protocol.ICECandidate{
		Candidate: webrtc.ICECandidateInit{Candidate: "garbage"},
	})

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, CallConnected, c.Call().State())
}

func TestMuteAnnouncesMediaToggle(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := callClient(t, fs, CallHandlers{})
	require.NoError(t, c.Call().Start(protocol.CallTypeVideo))

	require.NoError(t, c.Call().SetMuted(true))

	env := fs.awaitFrame(protocol.EventMediaToggle)
	var toggle protocol.MediaToggle
	require.NoError(t, json.Unmarshal(env.Data, &toggle))
	assert.Equal(t, protocol.MediaKindAudio, toggle.Kind)
	assert.False(t, toggle.Enabled)

	require.NoError(t, c.Call().SetCameraOff(true))
	env = fs.awaitFrame(protocol.EventMediaToggle)
	require.NoError(t, json.Unmarshal(env.Data, &toggle))
	assert.Equal(t, protocol.MediaKindVideo, toggle.Kind)
	assert.False(t, toggle.Enabled)
}

func TestPeerMediaToggleTracked(t *testing.T) {
	fs := newFakeServer(t)
	toggles := make(chan string, 1)
	c, _ := callClient(t, fs, CallHandlers{
		OnPeerMedia: func(kind string, enabled bool) {
			if !enabled {
				toggles <- kind
			}
		},
	})
	require.NoError(t, c.Call().Start(protocol.CallTypeVideo))
	fs.write(protocol.EventCallAccepted, protocol.CallAccepted{AcceptorConnectionID: "conn-bob"})
	awaitState(t, c.Call(), CallConnected)

	fs.write(protocol.EventMediaToggle, protocol.MediaToggle{
		Kind: protocol.MediaKindAudio, Enabled: false, UserID: "u2",
	})

	select {
	case kind := <-toggles:
		assert.Equal(t, protocol.MediaKindAudio, kind)
	case <-time.After(5 * time.Second):
		t.Fatal("peer media toggle never arrived")
	}
	assert.False(t, c.Call().PeerMedia(protocol.MediaKindAudio))
	assert.True(t, c.Call().PeerMedia(protocol.MediaKindVideo))
}

func TestDurationTracksConnection(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := callClient(t, fs, CallHandlers{})
	assert.Zero(t, c.Call().Duration())

	require.NoError(t, c.Call().Start(protocol.CallTypeVideo))
	fs.write(protocol.EventCallAccepted, protocol.CallAccepted{AcceptorConnectionID: "conn-bob"})
	awaitState(t, c.Call(), CallConnected)

	require.Eventually(t, func() bool { return c.Call().Duration() > 0 },
		5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Call().End())
	assert.Zero(t, c.Call().Duration())
}
