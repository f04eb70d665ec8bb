package pion

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"trainhub-realtime/internal/port"
)

// Track is a local track backed by a TrackLocalStaticSample. Samples written
// while the track is disabled or stopped are dropped.
type Track struct {
	source port.TrackSource
	local  *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newTrack(source port.TrackSource) (*Track, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	if source == port.SourceMicrophone {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(source)+"-"+uuid.NewString(), "trainhub")
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", source, err)
	}
	return &Track{source: source, local: local, enabled: true}, nil
}

func (t *Track) ID() string { return t.local.ID() }
func (t *Track) Source() port.TrackSource { return t.source }

func (t *Track) kind() string {
	if t.source == port.SourceMicrophone {
		return "audio"
	}
	return "video"
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// WriteSample feeds captured media into the track.
func (t *Track) WriteSample(s media.Sample) error {
	t.mu.Lock()
	live := t.enabled && !t.stopped
	t.mu.Unlock()
	if !live {
		return nil
	}
	return t.local.WriteSample(s)
}
