package client

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"codepair/pkg/protocol"
)

// LocalMedia holds the tracks captured for one call. AudioOnly is set when a
// video call had to fall back because no camera was available.
type LocalMedia struct {
	Tracks    []webrtc.TrackLocal
	AudioOnly bool

	mu      sync.Mutex
	enabled map[string]bool
	stop    func()
}

// SetEnabled records a mute/unmute or camera on/off state. Pausing the
// actual RTP flow is the capture implementation's concern.
func (m *LocalMedia) SetEnabled(kind string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled == nil {
		m.enabled = make(map[string]bool)
	}
	m.enabled[kind] = enabled
}

// Enabled reports the recorded state for a kind. Unset kinds default to on.
func (m *LocalMedia) Enabled(kind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled == nil {
		return true
	}
	v, ok := m.enabled[kind]
	return !ok || v
}

// Close stops the capture behind the tracks.
func (m *LocalMedia) Close() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// MediaSource provides the local tracks for a call. The call machine
// acquires media before creating any peer connection, so a capture failure
// fails the call locally without the peer ever hearing about it.
type MediaSource interface {
	// Acquire returns tracks for the given call type. An audio-only result
	// for a video call is a degrade, not an error.
	Acquire(callType string) (*LocalMedia, error)
}

// SampleMediaSource creates static sample tracks: an Opus audio track, plus
// a VP8 video track for video calls. The application feeds samples into the
// tracks itself; this source only provisions them.
type SampleMediaSource struct{}

func (s *SampleMediaSource) Acquire(callType string) (*LocalMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "codepair",
	)
	if err != nil {
		return nil, err
	}
	media := &LocalMedia{Tracks: []webrtc.TrackLocal{audio}}

	if callType == protocol.CallTypeVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "codepair",
		)
		if err != nil {
			media.AudioOnly = true
			return media, nil
		}
		media.Tracks = append(media.Tracks, video)
	}
	return media, nil
}
