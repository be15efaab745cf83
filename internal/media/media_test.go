package media

import (
	"context"
	"testing"
	"time"

	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireHonoursConstraints(t *testing.T) {
	src := &SampleSource{StreamID: "s1"}

	stream, err := src.Acquire(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	require.Len(t, stream.Tracks(), 1)
	assert.Equal(t, KindAudio, stream.Tracks()[0].Kind())
	assert.Equal(t, "s1", stream.Tracks()[0].Local().StreamID())

	stream, err = src.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	tracks := stream.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, KindAudio, tracks[0].Kind())
	assert.Equal(t, KindVideo, tracks[1].Kind())
}

func TestAcquireCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&SampleSource{}).Acquire(ctx, Constraints{Audio: true})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSetEnabledIsIdempotent(t *testing.T) {
	stream, err := (&SampleSource{}).Acquire(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)

	assert.True(t, stream.SetEnabled(KindAudio, false))
	assert.False(t, stream.SetEnabled(KindAudio, false))
	audio, _ := stream.Track(KindAudio)
	assert.False(t, audio.Enabled())

	video, _ := stream.Track(KindVideo)
	assert.True(t, video.Enabled())

	assert.True(t, stream.SetEnabled(KindAudio, true))
	assert.False(t, NewStream().SetEnabled(KindVideo, false))
}

func TestReplaceKeepsOneTrackPerKind(t *testing.T) {
	src := &SampleSource{}
	stream, err := src.Acquire(context.Background(), Constraints{Video: true})
	require.NoError(t, err)
	camera, _ := stream.Track(KindVideo)

	screen, err := src.Screen(context.Background())
	require.NoError(t, err)

	old := stream.Replace(screen)
	assert.Equal(t, camera.ID(), old.ID())
	require.Len(t, stream.Tracks(), 1)
	assert.Equal(t, screen.ID(), stream.Tracks()[0].ID())
	assert.False(t, old.Stopped())
}

func TestStopDisablesTracks(t *testing.T) {
	track, err := NewSampleTrack(KindAudio, "a1", "s1")
	require.NoError(t, err)
	stream := NewStream(track)

	stream.Stop()
	assert.True(t, track.Stopped())
	assert.False(t, track.Enabled())
	assert.NoError(t, track.WriteSample(pionmedia.Sample{Data: []byte{0}, Duration: 20 * time.Millisecond}))
}
