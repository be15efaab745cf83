package control

import (
	"context"
	"testing"

	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStream(t *testing.T) *media.Stream {
	t.Helper()
	s, err := (&media.SampleSource{}).Acquire(context.Background(), media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	return s
}

func TestRedeliveredMuteAllAppliesOnce(t *testing.T) {
	stream := newStream(t)
	e := NewExecutor(func() *media.Stream { return stream }, nil, nil)
	cmd := domain.PeerCommandPayload{RoomID: "r", Command: domain.CommandMute, All: true, IssuedBy: "host"}

	changed, err := e.Apply(cmd)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = e.Apply(cmd)
	require.NoError(t, err)
	assert.False(t, changed)

	audio, _ := stream.Track(media.KindAudio)
	video, _ := stream.Track(media.KindVideo)
	assert.False(t, audio.Enabled())
	assert.True(t, video.Enabled())
}

func TestVideoCommands(t *testing.T) {
	stream := newStream(t)
	e := NewExecutor(func() *media.Stream { return stream }, nil, nil)

	changed, err := e.Apply(domain.PeerCommandPayload{Command: domain.CommandCloseVideo})
	require.NoError(t, err)
	assert.True(t, changed)
	video, _ := stream.Track(media.KindVideo)
	assert.False(t, video.Enabled())

	changed, err = e.Apply(domain.PeerCommandPayload{Command: domain.CommandOpenVideo})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, video.Enabled())
}

func TestCommandWithoutMediaIsNoop(t *testing.T) {
	e := NewExecutor(func() *media.Stream { return nil }, nil, nil)

	changed, err := e.Apply(domain.PeerCommandPayload{Command: domain.CommandUnmute})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRemoveLeaves(t *testing.T) {
	var reason error
	e := NewExecutor(nil, func(err error) { reason = err }, nil)

	changed, err := e.Apply(domain.PeerCommandPayload{Command: domain.CommandRemove, IssuedBy: "host"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.ErrorIs(t, reason, domain.ErrAdmissionRevoked)

	_, err = e.Apply(domain.PeerCommandPayload{Command: domain.CommandRemove, All: true})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = e.Apply(domain.PeerCommandPayload{Command: "dance"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

type emitted struct {
	event   string
	payload any
}

type recorder struct {
	out []emitted
}

func (r *recorder) Emit(_ context.Context, event string, payload any) error {
	r.out = append(r.out, emitted{event, payload})
	return nil
}

func TestIssuerRequiresHost(t *testing.T) {
	rec := &recorder{}
	i := NewIssuer(rec, "r", func() bool { return false })

	assert.ErrorIs(t, i.Broadcast(context.Background(), "mute-all"), domain.ErrUnauthorized)
	assert.ErrorIs(t, i.Target(context.Background(), "p1", "mute"), domain.ErrUnauthorized)
	assert.ErrorIs(t, i.EndMeeting(context.Background()), domain.ErrUnauthorized)
	assert.Empty(t, rec.out)
}

func TestIssuerPayloads(t *testing.T) {
	rec := &recorder{}
	i := NewIssuer(rec, "r", func() bool { return true })
	ctx := context.Background()

	require.NoError(t, i.Broadcast(ctx, "mute"))
	require.NoError(t, i.Broadcast(ctx, "close-video-all"))
	require.NoError(t, i.Target(ctx, "p1", "remove"))
	require.NoError(t, i.EndMeeting(ctx))

	require.Len(t, rec.out, 4)
	assert.Equal(t, emitted{domain.EventHostCommand, domain.HostCommandPayload{RoomID: "r", Command: "mute-all"}}, rec.out[0])
	assert.Equal(t, emitted{domain.EventHostCommand, domain.HostCommandPayload{RoomID: "r", Command: "close-video-all"}}, rec.out[1])
	assert.Equal(t, emitted{domain.EventTargetedCommand, domain.HostCommandPayload{RoomID: "r", TargetID: "p1", Command: "remove"}}, rec.out[2])
	assert.Equal(t, emitted{domain.EventEndMeeting, domain.RoomRef{RoomID: "r"}}, rec.out[3])
}

func TestIssuerRejectsBadCommands(t *testing.T) {
	i := NewIssuer(&recorder{}, "r", func() bool { return true })
	ctx := context.Background()

	assert.ErrorIs(t, i.Broadcast(ctx, "remove"), domain.ErrValidation)
	assert.ErrorIs(t, i.Target(ctx, "p1", "mute-all"), domain.ErrValidation)
	assert.ErrorIs(t, i.Target(ctx, "", "mute"), domain.ErrValidation)
	assert.ErrorIs(t, i.Broadcast(ctx, "shout"), domain.ErrValidation)
}
