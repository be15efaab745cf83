// Package media models the local participant's outgoing tracks. Capture
// itself lives behind Source.
package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v3"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is one outgoing media track.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
	// Local is the track handed to peer connections.
	Local() webrtc.TrackLocal
}

type Constraints struct {
	Audio bool
	Video bool
}

// Source acquires capture devices. Implementations return an error wrapping
// domain.ErrMediaAccessDenied when the user refuses access.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
	// Screen returns a screen-capture video track.
	Screen(ctx context.Context) (Track, error)
}

// Stream is the local participant's set of tracks, at most one per kind.
type Stream struct {
	mu     sync.RWMutex
	tracks map[Kind]Track
}

func NewStream(tracks ...Track) *Stream {
	s := &Stream{tracks: make(map[Kind]Track)}
	for _, t := range tracks {
		s.tracks[t.Kind()] = t
	}
	return s
}

// Tracks returns audio first, then video.
func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Track, 0, len(s.tracks))
	for _, k := range []Kind{KindAudio, KindVideo} {
		if t, ok := s.tracks[k]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) Track(kind Kind) (Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tracks[kind]
	return t, ok
}

// Replace installs t as the track of its kind and returns the previous one.
// The previous track is not stopped.
func (s *Stream) Replace(t Track) Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.tracks[t.Kind()]
	s.tracks[t.Kind()] = t
	return old
}

// Remove takes the track of kind out of the stream and returns it, or nil.
// The track is not stopped.
func (s *Stream) Remove(kind Kind) Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.tracks[kind]
	delete(s.tracks, kind)
	return old
}

// SetEnabled sets the enabled flag of the track of kind and reports whether
// anything changed.
func (s *Stream) SetEnabled(kind Kind, enabled bool) bool {
	t, ok := s.Track(kind)
	if !ok || t.Enabled() == enabled {
		return false
	}
	t.SetEnabled(enabled)
	return true
}

func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
