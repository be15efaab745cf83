package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

// SampleTrack is a Track backed by a pion sample track. The capture side
// feeds it with WriteSample; samples written while disabled are dropped.
type SampleTrack struct {
	kind  Kind
	local *webrtc.TrackLocalStaticSample

	mu      sync.RWMutex
	enabled bool
	stopped bool
}

var _ Track = (*SampleTrack)(nil)

func NewSampleTrack(kind Kind, id, streamID string) (*SampleTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == KindVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}

	local, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	return &SampleTrack{kind: kind, local: local, enabled: true}, nil
}

func (t *SampleTrack) ID() string               { return t.local.ID() }
func (t *SampleTrack) Kind() Kind               { return t.kind }
func (t *SampleTrack) Local() webrtc.TrackLocal { return t.local }

func (t *SampleTrack) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled && !t.stopped
}

func (t *SampleTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *SampleTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *SampleTrack) Stopped() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stopped
}

func (t *SampleTrack) WriteSample(s pionmedia.Sample) error {
	if !t.Enabled() {
		return nil
	}
	return t.local.WriteSample(s)
}

// SampleSource hands out SampleTracks. Whatever captures media writes
// samples into them.
type SampleSource struct {
	StreamID string
}

var _ Source = (*SampleSource)(nil)

func (s *SampleSource) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := s.streamID()
	var tracks []Track
	if c.Audio {
		t, err := NewSampleTrack(KindAudio, "audio-"+uuid.NewString(), streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := NewSampleTrack(KindVideo, "video-"+uuid.NewString(), streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return NewStream(tracks...), nil
}

func (s *SampleSource) Screen(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewSampleTrack(KindVideo, "screen-"+uuid.NewString(), s.streamID())
}

func (s *SampleSource) streamID() string {
	if s.StreamID == "" {
		return "sigstream"
	}
	return s.StreamID
}
