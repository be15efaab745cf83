package peer

import (
	"context"
	"errors"
	"testing"

	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/internal/media"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	remoteID   string
	tracks     map[media.Kind]string
	candidates []string
	closed     bool
	answered   bool

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(State)
}

func (c *fakeConn) CreateOffer(context.Context) (domain.Signal, error) {
	return domain.Signal{Type: domain.SignalOffer, SDP: "offer-to-" + c.remoteID}, nil
}

func (c *fakeConn) AcceptOffer(context.Context, domain.Signal) (domain.Signal, error) {
	return domain.Signal{Type: domain.SignalAnswer, SDP: "answer-to-" + c.remoteID}, nil
}

func (c *fakeConn) AcceptAnswer(domain.Signal) error {
	c.answered = true
	return nil
}

func (c *fakeConn) AddCandidate(cand webrtc.ICECandidateInit) error {
	c.candidates = append(c.candidates, cand.Candidate)
	return nil
}

func (c *fakeConn) SetTrack(t media.Track) (bool, error) {
	_, had := c.tracks[t.Kind()]
	c.tracks[t.Kind()] = t.ID()
	return !had, nil
}

func (c *fakeConn) RemoveTrack(kind media.Kind) (bool, error) {
	_, had := c.tracks[kind]
	delete(c.tracks, kind)
	return had, nil
}

func (c *fakeConn) OnCandidate(fn func(webrtc.ICECandidateInit)) { c.onCandidate = fn }
func (c *fakeConn) OnStateChange(fn func(State))                 { c.onState = fn }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeFactory struct {
	conns map[string][]*fakeConn
	err   error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{conns: make(map[string][]*fakeConn)}
}

func (f *fakeFactory) NewConn(remoteID string) (Conn, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{remoteID: remoteID, tracks: make(map[media.Kind]string)}
	f.conns[remoteID] = append(f.conns[remoteID], c)
	return c, nil
}

func (f *fakeFactory) last(remoteID string) *fakeConn {
	list := f.conns[remoteID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type sent struct {
	event string
	env   domain.SignalEnvelope
}

type recorder struct {
	out []sent
}

func (r *recorder) Emit(_ context.Context, event string, payload any) error {
	r.out = append(r.out, sent{event: event, env: payload.(domain.SignalEnvelope)})
	return nil
}

// bus delivers signals between managers, stamping the sender like the relay.
type bus struct {
	managers map[string]*Manager
	queue    []domain.SignalEnvelope
}

type busEmitter struct {
	b    *bus
	self string
}

func (e busEmitter) Emit(_ context.Context, _ string, payload any) error {
	env := payload.(domain.SignalEnvelope)
	env.SenderID = e.self
	e.b.queue = append(e.b.queue, env)
	return nil
}

func (b *bus) flush(t *testing.T) {
	for len(b.queue) > 0 {
		env := b.queue[0]
		b.queue = b.queue[1:]
		require.NoError(t, b.managers[env.TargetID].HandleSignal(context.Background(), env))
	}
}

func newStream(t *testing.T, audio, video bool) *media.Stream {
	t.Helper()
	s, err := (&media.SampleSource{}).Acquire(context.Background(), media.Constraints{Audio: audio, Video: video})
	require.NoError(t, err)
	return s
}

func newTestManager(f Factory, e Emitter, self string) *Manager {
	return NewManager(Options{RoomID: "room", SelfID: self, Factory: f, Emitter: e})
}

func TestConnectSendsOffer(t *testing.T) {
	f, rec := newFakeFactory(), &recorder{}
	m := newTestManager(f, rec, "host")

	require.NoError(t, m.Connect(context.Background(), "v1"))

	require.Len(t, rec.out, 1)
	assert.Equal(t, domain.EventSignal, rec.out[0].event)
	assert.Equal(t, "v1", rec.out[0].env.TargetID)
	assert.Equal(t, "room", rec.out[0].env.RoomID)
	assert.Equal(t, domain.SignalOffer, rec.out[0].env.Signal.Type)

	link, ok := m.Link("v1")
	require.True(t, ok)
	assert.True(t, link.Initiator)
	assert.Equal(t, StateSignaling, link.State)
}

func TestConnectToSelfIsIgnored(t *testing.T) {
	f, rec := newFakeFactory(), &recorder{}
	m := newTestManager(f, rec, "host")

	require.NoError(t, m.Connect(context.Background(), "host"))
	assert.Empty(t, m.Links())
	assert.Empty(t, rec.out)
}

func TestOneInitiatorPerPair(t *testing.T) {
	fa, fb := newFakeFactory(), newFakeFactory()
	b := &bus{managers: map[string]*Manager{}}
	host := newTestManager(fa, busEmitter{b: b, self: "host"}, "host")
	viewer := newTestManager(fb, busEmitter{b: b, self: "viewer"}, "viewer")
	b.managers["host"], b.managers["viewer"] = host, viewer

	require.NoError(t, host.Connect(context.Background(), "viewer"))
	b.flush(t)

	hl, ok := host.Link("viewer")
	require.True(t, ok)
	vl, ok := viewer.Link("host")
	require.True(t, ok)
	assert.True(t, hl.Initiator)
	assert.False(t, vl.Initiator)
	assert.True(t, fa.last("viewer").answered)

	fa.last("viewer").onState(StateConnected)
	fb.last("host").onState(StateConnected)
	hl, _ = host.Link("viewer")
	vl, _ = viewer.Link("host")
	assert.Equal(t, StateConnected, hl.State)
	assert.Equal(t, StateConnected, vl.State)
}

func TestRepeatedReadyKeepsOneLink(t *testing.T) {
	f, rec := newFakeFactory(), &recorder{}
	m := newTestManager(f, rec, "host")

	require.NoError(t, m.Connect(context.Background(), "v1"))
	require.NoError(t, m.Connect(context.Background(), "v1"))

	assert.Len(t, m.Links(), 1)
	require.Len(t, f.conns["v1"], 2)
	assert.True(t, f.conns["v1"][0].closed)
	assert.False(t, f.conns["v1"][1].closed)
}

func TestFreshOfferReplacesLink(t *testing.T) {
	f, rec := newFakeFactory(), &recorder{}
	m := newTestManager(f, rec, "viewer")
	offer := domain.SignalEnvelope{
		RoomID:   "room",
		SenderID: "host",
		TargetID: "viewer",
		Signal:   domain.Signal{Type: domain.SignalOffer, SDP: "v=0"},
	}

	require.NoError(t, m.HandleSignal(context.Background(), offer))
	f.last("host").onState(StateConnected)
	require.NoError(t, m.HandleSignal(context.Background(), offer))

	require.Len(t, m.Links(), 1)
	require.Len(t, f.conns["host"], 2)
	assert.True(t, f.conns["host"][0].closed)

	link, _ := m.Link("host")
	assert.False(t, link.Initiator)
	assert.Equal(t, StateSignaling, link.State)

	require.Len(t, rec.out, 2)
	assert.Equal(t, domain.SignalAnswer, rec.out[1].env.Signal.Type)
	assert.Equal(t, "host", rec.out[1].env.TargetID)

	// The replaced connection reporting late must not touch the new link.
	f.conns["host"][0].onState(StateClosed)
	_, ok := m.Link("host")
	assert.True(t, ok)
}

func TestReadyBeforeMediaIsQueued(t *testing.T) {
	f, rec := newFakeFactory(), &recorder{}
	m := NewManager(Options{RoomID: "room", SelfID: "host", Factory: f, Emitter: rec, RequireMedia: true})

	for _, id := range []string{"v1", "v2", "v1", "v3"} {
		require.NoError(t, m.Connect(context.Background(), id))
	}
	assert.Empty(t, m.Links())
	assert.Equal(t, []string{"v1", "v2", "v3"}, m.Pending())
	assert.Empty(t, rec.out)

	stream := newStream(t, true, true)
	require.NoError(t, m.SetLocalMedia(context.Background(), stream))

	assert.Empty(t, m.Pending())
	require.Len(t, m.Links(), 3)
	require.Len(t, rec.out, 3)
	for i, id := range []string{"v1", "v2", "v3"} {
		assert.Equal(t, id, rec.out[i].env.TargetID)
		assert.Len(t, f.last(id).tracks, 2)
	}
}

func TestReplaceTrackKeepsLinkConnected(t *testing.T) {
	f, rec := newFakeFactory(), &recorder{}
	m := newTestManager(f, rec, "host")
	stream := newStream(t, true, true)
	require.NoError(t, m.SetLocalMedia(context.Background(), stream))
	camera, _ := stream.Track(media.KindVideo)

	require.NoError(t, m.Connect(context.Background(), "v1"))
	conn := f.last("v1")
	conn.onState(StateConnected)
	assert.Equal(t, camera.ID(), conn.tracks[media.KindVideo])

	screen, err := (&media.SampleSource{}).Screen(context.Background())
	require.NoError(t, err)
	old, err := m.ReplaceTrack(context.Background(), screen)
	require.NoError(t, err)

	assert.Equal(t, camera.ID(), old.ID())
	assert.Equal(t, screen.ID(), conn.tracks[media.KindVideo])
	link, _ := m.Link("v1")
	assert.Equal(t, StateConnected, link.State)
	assert.False(t, link.PendingRenegotiation)
	assert.Len(t, f.conns["v1"], 1)
	assert.Len(t, rec.out, 1)
}

func TestNewKindOnNegotiatedLinkNeedsRenegotiation(t *testing.T) {
	f, rec := newFakeFactory(), &recorder{}
	m := newTestManager(f, rec, "host")
	require.NoError(t, m.SetLocalMedia(context.Background(), newStream(t, true, false)))

	require.NoError(t, m.Connect(context.Background(), "v1"))
	conn := f.last("v1")
	conn.onState(StateConnected)
	link, _ := m.Link("v1")
	require.False(t, link.PendingRenegotiation)

	screen, err := (&media.SampleSource{}).Screen(context.Background())
	require.NoError(t, err)
	old, err := m.ReplaceTrack(context.Background(), screen)
	require.NoError(t, err)
	assert.Nil(t, old)

	link, _ = m.Link("v1")
	assert.True(t, link.PendingRenegotiation)
	assert.Equal(t, StateConnected, link.State)
	assert.Equal(t, screen.ID(), conn.tracks[media.KindVideo])
}

func TestRemoveTrackStopsSendingKind(t *testing.T) {
	f, rec := newFakeFactory(), &recorder{}
	m := newTestManager(f, rec, "host")
	stream := newStream(t, true, true)
	require.NoError(t, m.SetLocalMedia(context.Background(), stream))
	camera, _ := stream.Track(media.KindVideo)

	require.NoError(t, m.Connect(context.Background(), "v1"))
	conn := f.last("v1")
	conn.onState(StateConnected)

	old, err := m.RemoveTrack(media.KindVideo)
	require.NoError(t, err)
	assert.Equal(t, camera.ID(), old.ID())
	assert.False(t, old.Stopped())

	_, ok := stream.Track(media.KindVideo)
	assert.False(t, ok)
	assert.NotContains(t, conn.tracks, media.KindVideo)
	assert.Contains(t, conn.tracks, media.KindAudio)
	link, _ := m.Link("v1")
	assert.True(t, link.PendingRenegotiation)

	old, err = m.RemoveTrack(media.KindVideo)
	require.NoError(t, err)
	assert.Nil(t, old)
}

func TestCandidatesAreBufferedUntilRemoteDescription(t *testing.T) {
	f, rec := newFakeFactory(), &recorder{}
	m := newTestManager(f, rec, "viewer")
	cand := func(c string) domain.SignalEnvelope {
		return domain.SignalEnvelope{
			RoomID:   "room",
			SenderID: "host",
			Signal:   domain.Signal{Type: domain.SignalCandidate, Candidate: &webrtc.ICECandidateInit{Candidate: c}},
		}
	}

	require.NoError(t, m.HandleSignal(context.Background(), cand("early")))
	require.NoError(t, m.HandleSignal(context.Background(), domain.SignalEnvelope{
		RoomID:   "room",
		SenderID: "host",
		Signal:   domain.Signal{Type: domain.SignalOffer, SDP: "v=0"},
	}))
	require.NoError(t, m.HandleSignal(context.Background(), cand("late")))

	assert.Equal(t, []string{"early", "late"}, f.last("host").candidates)
}

func TestInitiatorBuffersCandidatesBeforeAnswer(t *testing.T) {
	f, rec := newFakeFactory(), &recorder{}
	m := newTestManager(f, rec, "host")
	require.NoError(t, m.Connect(context.Background(), "v1"))

	require.NoError(t, m.HandleSignal(context.Background(), domain.SignalEnvelope{
		RoomID:   "room",
		SenderID: "v1",
		Signal:   domain.Signal{Type: domain.SignalCandidate, Candidate: &webrtc.ICECandidateInit{Candidate: "c1"}},
	}))
	assert.Empty(t, f.last("v1").candidates)

	require.NoError(t, m.HandleSignal(context.Background(), domain.SignalEnvelope{
		RoomID:   "room",
		SenderID: "v1",
		Signal:   domain.Signal{Type: domain.SignalAnswer, SDP: "v=0"},
	}))
	assert.Equal(t, []string{"c1"}, f.last("v1").candidates)
}

func TestLocalCandidatesAreRelayed(t *testing.T) {
	f, rec := newFakeFactory(), &recorder{}
	m := newTestManager(f, rec, "host")
	require.NoError(t, m.Connect(context.Background(), "v1"))

	f.last("v1").onCandidate(webrtc.ICECandidateInit{Candidate: "local"})

	require.Len(t, rec.out, 2)
	assert.Equal(t, domain.SignalCandidate, rec.out[1].env.Signal.Type)
	assert.Equal(t, "local", rec.out[1].env.Signal.Candidate.Candidate)
}

func TestSignalsAreValidated(t *testing.T) {
	m := newTestManager(newFakeFactory(), &recorder{}, "viewer")

	err := m.HandleSignal(context.Background(), domain.SignalEnvelope{RoomID: "room", Signal: domain.Signal{Type: domain.SignalOffer, SDP: "v=0"}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = m.HandleSignal(context.Background(), domain.SignalEnvelope{RoomID: "room", SenderID: "host", Signal: domain.Signal{Type: "bogus"}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = m.HandleSignal(context.Background(), domain.SignalEnvelope{RoomID: "other", SenderID: "host", Signal: domain.Signal{Type: domain.SignalOffer, SDP: "v=0"}})
	assert.NoError(t, err)
	assert.Empty(t, m.Links())
}

func TestUnexpectedAnswerIsDropped(t *testing.T) {
	f := newFakeFactory()
	m := newTestManager(f, &recorder{}, "viewer")

	require.NoError(t, m.HandleSignal(context.Background(), domain.SignalEnvelope{
		RoomID: "room", SenderID: "host", Signal: domain.Signal{Type: domain.SignalAnswer, SDP: "v=0"},
	}))
	assert.Empty(t, m.Links())
}

func TestFailedConnectionIsDropped(t *testing.T) {
	f := newFakeFactory()
	var failed []string
	var failure error
	m := NewManager(Options{
		RoomID: "room", SelfID: "host", Factory: f, Emitter: &recorder{},
		OnFailure: func(id string, err error) {
			failed = append(failed, id)
			failure = err
		},
	})
	require.NoError(t, m.Connect(context.Background(), "v1"))
	require.NoError(t, m.Connect(context.Background(), "v2"))

	f.last("v1").onState(StateClosed)

	assert.Equal(t, []string{"v1"}, failed)
	assert.ErrorIs(t, failure, domain.ErrPeerConnection)
	_, ok := m.Link("v1")
	assert.False(t, ok)
	_, ok = m.Link("v2")
	assert.True(t, ok)
}

func TestFactoryErrorIsReported(t *testing.T) {
	f := newFakeFactory()
	f.err = errors.New("no ports")
	m := newTestManager(f, &recorder{}, "host")

	err := m.Connect(context.Background(), "v1")
	assert.ErrorIs(t, err, domain.ErrPeerConnection)
	assert.Empty(t, m.Links())
}

func TestRemoveIsIdempotent(t *testing.T) {
	f := newFakeFactory()
	m := newTestManager(f, &recorder{}, "host")
	require.NoError(t, m.Connect(context.Background(), "v1"))

	m.Remove("v1")
	m.Remove("v1")
	m.Remove("never")

	assert.Empty(t, m.Links())
	assert.True(t, f.last("v1").closed)
}

func TestReconcileDropsNonMembers(t *testing.T) {
	f := newFakeFactory()
	m := NewManager(Options{RoomID: "room", SelfID: "host", Factory: f, Emitter: &recorder{}})
	for _, id := range []string{"v1", "v2", "v3"} {
		require.NoError(t, m.Connect(context.Background(), id))
	}

	removed := m.Reconcile([]domain.Participant{
		{ID: "host", Status: domain.StatusApproved},
		{ID: "v1", Status: domain.StatusApproved},
		{ID: "v2", Status: domain.StatusWaiting},
	})

	assert.Equal(t, []string{"v2", "v3"}, removed)
	require.Len(t, m.Links(), 1)
	assert.Equal(t, "v1", m.Links()[0].RemoteID)
}

func TestCloseAllClearsEverything(t *testing.T) {
	f := newFakeFactory()
	m := NewManager(Options{RoomID: "room", SelfID: "host", Factory: f, Emitter: &recorder{}, RequireMedia: true})
	require.NoError(t, m.Connect(context.Background(), "queued"))
	require.NoError(t, m.SetLocalMedia(context.Background(), newStream(t, true, false)))
	require.NoError(t, m.Connect(context.Background(), "v2"))

	m.CloseAll()

	assert.Empty(t, m.Links())
	assert.Empty(t, m.Pending())
	assert.True(t, f.last("queued").closed)
	assert.True(t, f.last("v2").closed)
}

func TestCallbacksArePosted(t *testing.T) {
	f := newFakeFactory()
	var queued []func()
	m := NewManager(Options{
		RoomID: "room", SelfID: "host", Factory: f, Emitter: &recorder{},
		Post: func(fn func()) { queued = append(queued, fn) },
	})
	require.NoError(t, m.Connect(context.Background(), "v1"))

	f.last("v1").onState(StateConnected)
	link, _ := m.Link("v1")
	assert.Equal(t, StateSignaling, link.State)

	require.Len(t, queued, 1)
	queued[0]()
	link, _ = m.Link("v1")
	assert.Equal(t, StateConnected, link.State)
}
