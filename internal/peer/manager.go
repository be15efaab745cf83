package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/internal/media"
	"github.com/immxrtalbeast/sigstream/lib/logger/sl"
	"github.com/pion/webrtc/v3"
)

const defaultEmitTimeout = 5 * time.Second

type Options struct {
	RoomID  string
	SelfID  string
	Factory Factory
	Emitter Emitter
	Log     *slog.Logger

	// Post runs fn on the goroutine that owns the Manager. Connection
	// callbacks are routed through it. Nil runs fn inline.
	Post func(fn func())
	// RequireMedia holds outgoing connections until SetLocalMedia.
	RequireMedia bool
	// OnFailure is told about links that failed and were dropped.
	OnFailure func(remoteID string, err error)
	// OnStateChange is told about every link state change.
	OnStateChange func(remoteID string, s State)
	EmitTimeout   time.Duration
}

// LinkInfo is a snapshot of one link.
type LinkInfo struct {
	RemoteID             string
	State                State
	Initiator            bool
	PendingRenegotiation bool
}

type link struct {
	LinkInfo

	conn       Conn
	gen        uint64
	remoteSet  bool
	candidates []webrtc.ICECandidateInit
}

// Manager owns the local participant's links, at most one per remote.
// It is not safe for concurrent use; every call, including those arriving
// through Post, must happen on one goroutine.
type Manager struct {
	opts Options
	log  *slog.Logger

	links      map[string]*link
	pending    []string
	pendingSet map[string]struct{}
	early      map[string][]webrtc.ICECandidateInit
	local      *media.Stream
	gen        uint64
}

func NewManager(opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.EmitTimeout <= 0 {
		opts.EmitTimeout = defaultEmitTimeout
	}
	return &Manager{
		opts:       opts,
		log:        opts.Log.With(slog.String("component", "peer"), slog.String("room_id", opts.RoomID)),
		links:      make(map[string]*link),
		pendingSet: make(map[string]struct{}),
		early:      make(map[string][]webrtc.ICECandidateInit),
	}
}

func (m *Manager) HasMedia() bool { return m.local != nil }

// SetLocalMedia installs the local stream. The first call starts the
// connections queued while media was missing, in the order they were
// queued.
func (m *Manager) SetLocalMedia(ctx context.Context, stream *media.Stream) error {
	m.local = stream

	var errs []error
	for _, l := range m.sortedLinks() {
		if err := m.attachTracks(l); err != nil {
			errs = append(errs, err)
		}
	}

	queued := m.pending
	m.pending = nil
	m.pendingSet = make(map[string]struct{})
	for _, id := range queued {
		if err := m.initiate(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReplaceTrack swaps the local track of t's kind on every link. Links keep
// their state; a link that had no track of that kind is flagged for
// renegotiation. The previous track is returned unstopped.
func (m *Manager) ReplaceTrack(ctx context.Context, t media.Track) (media.Track, error) {
	if m.local == nil {
		return nil, m.SetLocalMedia(ctx, media.NewStream(t))
	}

	old := m.local.Replace(t)
	var errs []error
	for _, l := range m.sortedLinks() {
		added, err := l.conn.SetTrack(t)
		if err != nil {
			m.log.Warn("failed to replace track", slog.String("remote_id", l.RemoteID), sl.Err(err))
			errs = append(errs, fmt.Errorf("%w: replace track for %s: %v", domain.ErrPeerConnection, l.RemoteID, err))
			continue
		}
		m.sendersChanged(l, added)
	}
	return old, errors.Join(errs...)
}

// RemoveTrack stops sending the local track of kind on every link and
// returns it unstopped, or nil when there was none.
func (m *Manager) RemoveTrack(kind media.Kind) (media.Track, error) {
	if m.local == nil {
		return nil, nil
	}

	old := m.local.Remove(kind)
	var errs []error
	for _, l := range m.sortedLinks() {
		removed, err := l.conn.RemoveTrack(kind)
		if err != nil {
			m.log.Warn("failed to remove track", slog.String("remote_id", l.RemoteID), sl.Err(err))
			errs = append(errs, fmt.Errorf("%w: remove %s track for %s: %v", domain.ErrPeerConnection, kind, l.RemoteID, err))
			continue
		}
		m.sendersChanged(l, removed)
	}
	return old, errors.Join(errs...)
}

// Connect makes the local side the initiator towards remoteID. An existing
// link to remoteID is restarted.
func (m *Manager) Connect(ctx context.Context, remoteID string) error {
	if remoteID == "" || remoteID == m.opts.SelfID {
		return nil
	}
	if m.opts.RequireMedia && m.local == nil {
		if _, ok := m.pendingSet[remoteID]; !ok {
			m.pendingSet[remoteID] = struct{}{}
			m.pending = append(m.pending, remoteID)
			m.log.Debug("connection queued until media is ready", slog.String("remote_id", remoteID))
		}
		return nil
	}
	return m.initiate(ctx, remoteID)
}

func (m *Manager) initiate(ctx context.Context, remoteID string) error {
	m.destroy(remoteID)

	l, err := m.newLink(remoteID, true)
	if err != nil {
		return m.failed(remoteID, err)
	}

	offer, err := l.conn.CreateOffer(ctx)
	if err != nil {
		m.destroy(remoteID)
		return m.failed(remoteID, err)
	}
	m.setState(l, StateSignaling)

	return m.send(ctx, remoteID, offer)
}

// HandleSignal applies a signal relayed from env.SenderID.
func (m *Manager) HandleSignal(ctx context.Context, env domain.SignalEnvelope) error {
	from := env.SenderID
	if env.RoomID != m.opts.RoomID {
		m.log.Debug("signal for another room dropped", slog.String("signal_room", env.RoomID))
		return nil
	}
	if from == "" || from == m.opts.SelfID {
		return fmt.Errorf("%w: signal without a remote sender", domain.ErrValidation)
	}
	if err := env.Signal.Validate(); err != nil {
		return err
	}

	switch env.Signal.Type {
	case domain.SignalOffer:
		return m.acceptOffer(ctx, from, env.Signal)

	case domain.SignalAnswer:
		l, ok := m.links[from]
		if !ok || !l.Initiator || l.remoteSet {
			m.log.Debug("unexpected answer dropped", slog.String("remote_id", from))
			return nil
		}
		if err := l.conn.AcceptAnswer(env.Signal); err != nil {
			m.destroy(from)
			return m.failed(from, err)
		}
		l.remoteSet = true
		m.flushCandidates(l)
		return nil

	default:
		c := *env.Signal.Candidate
		l, ok := m.links[from]
		switch {
		case !ok:
			m.early[from] = append(m.early[from], c)
		case !l.remoteSet:
			l.candidates = append(l.candidates, c)
		default:
			if err := l.conn.AddCandidate(c); err != nil {
				m.log.Warn("failed to add candidate", slog.String("remote_id", from), sl.Err(err))
				return fmt.Errorf("%w: add candidate: %v", domain.ErrPeerConnection, err)
			}
		}
		return nil
	}
}

// acceptOffer replaces any link to from with a responder link.
func (m *Manager) acceptOffer(ctx context.Context, from string, offer domain.Signal) error {
	m.destroy(from)
	m.dequeue(from)

	l, err := m.newLink(from, false)
	if err != nil {
		return m.failed(from, err)
	}

	answer, err := l.conn.AcceptOffer(ctx, offer)
	if err != nil {
		m.destroy(from)
		return m.failed(from, err)
	}
	l.remoteSet = true
	m.setState(l, StateSignaling)
	m.flushCandidates(l)

	return m.send(ctx, from, answer)
}

// Remove closes the link to remoteID and forgets anything queued for it.
func (m *Manager) Remove(remoteID string) {
	m.dequeue(remoteID)
	delete(m.early, remoteID)
	m.destroy(remoteID)
}

func (m *Manager) CloseAll() {
	for id := range m.links {
		m.destroy(id)
	}
	m.pending = nil
	m.pendingSet = make(map[string]struct{})
	m.early = make(map[string][]webrtc.ICECandidateInit)
}

// Reconcile drops links and queued connections to anyone who is not an
// approved member. It returns the removed ids.
func (m *Manager) Reconcile(members []domain.Participant) []string {
	approved := make(map[string]struct{}, len(members))
	for _, p := range members {
		if p.IsApproved() {
			approved[p.ID] = struct{}{}
		}
	}

	var removed []string
	for _, l := range m.sortedLinks() {
		if _, ok := approved[l.RemoteID]; !ok {
			removed = append(removed, l.RemoteID)
			m.Remove(l.RemoteID)
		}
	}
	for _, id := range append([]string(nil), m.pending...) {
		if _, ok := approved[id]; !ok {
			m.dequeue(id)
		}
	}
	return removed
}

func (m *Manager) Links() []LinkInfo {
	out := make([]LinkInfo, 0, len(m.links))
	for _, l := range m.sortedLinks() {
		out = append(out, l.LinkInfo)
	}
	return out
}

func (m *Manager) Link(remoteID string) (LinkInfo, bool) {
	l, ok := m.links[remoteID]
	if !ok {
		return LinkInfo{}, false
	}
	return l.LinkInfo, true
}

func (m *Manager) Pending() []string {
	return append([]string(nil), m.pending...)
}

func (m *Manager) newLink(remoteID string, initiator bool) (*link, error) {
	conn, err := m.opts.Factory.NewConn(remoteID)
	if err != nil {
		return nil, err
	}

	m.gen++
	gen := m.gen
	l := &link{
		LinkInfo: LinkInfo{RemoteID: remoteID, State: StateNew, Initiator: initiator},
		conn:     conn,
		gen:      gen,
	}
	m.links[remoteID] = l

	conn.OnCandidate(func(c webrtc.ICECandidateInit) {
		m.post(func() {
			if !m.current(remoteID, gen) {
				return
			}
			sig := domain.Signal{Type: domain.SignalCandidate, Candidate: &c}
			if err := m.send(context.Background(), remoteID, sig); err != nil {
				m.log.Debug("candidate not sent", slog.String("remote_id", remoteID), sl.Err(err))
			}
		})
	})
	conn.OnStateChange(func(s State) {
		m.post(func() { m.connState(remoteID, gen, s) })
	})

	if err := m.attachTracks(l); err != nil {
		m.destroy(remoteID)
		return nil, err
	}
	return l, nil
}

func (m *Manager) connState(remoteID string, gen uint64, s State) {
	if !m.current(remoteID, gen) {
		return
	}
	l := m.links[remoteID]

	if s == StateClosed {
		m.log.Warn("peer connection lost", slog.String("remote_id", remoteID))
		m.destroy(remoteID)
		if m.opts.OnFailure != nil {
			m.opts.OnFailure(remoteID, fmt.Errorf("%w: connection to %s closed", domain.ErrPeerConnection, remoteID))
		}
		return
	}
	if s == StateNew {
		return
	}
	m.setState(l, s)
}

func (m *Manager) attachTracks(l *link) error {
	if m.local == nil {
		return nil
	}
	for _, t := range m.local.Tracks() {
		added, err := l.conn.SetTrack(t)
		if err != nil {
			return fmt.Errorf("%w: attach %s track: %v", domain.ErrPeerConnection, t.Kind(), err)
		}
		m.sendersChanged(l, added)
	}
	return nil
}

// sendersChanged flags a negotiated link whose set of senders changed.
func (m *Manager) sendersChanged(l *link, changed bool) {
	if changed && l.State != StateNew {
		l.PendingRenegotiation = true
	}
}

func (m *Manager) flushCandidates(l *link) {
	queued := append(m.early[l.RemoteID], l.candidates...)
	delete(m.early, l.RemoteID)
	l.candidates = nil

	for _, c := range queued {
		if err := l.conn.AddCandidate(c); err != nil {
			m.log.Warn("failed to add buffered candidate", slog.String("remote_id", l.RemoteID), sl.Err(err))
		}
	}
}

func (m *Manager) send(ctx context.Context, remoteID string, sig domain.Signal) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.EmitTimeout)
	defer cancel()

	env := domain.SignalEnvelope{RoomID: m.opts.RoomID, TargetID: remoteID, Signal: sig}
	if err := m.opts.Emitter.Emit(ctx, domain.EventSignal, env); err != nil {
		return fmt.Errorf("send %s to %s: %w", sig.Type, remoteID, err)
	}
	return nil
}

func (m *Manager) destroy(remoteID string) {
	l, ok := m.links[remoteID]
	if !ok {
		return
	}
	delete(m.links, remoteID)
	l.State = StateClosed
	if err := l.conn.Close(); err != nil {
		m.log.Debug("close peer connection", slog.String("remote_id", remoteID), sl.Err(err))
	}
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(remoteID, StateClosed)
	}
}

func (m *Manager) failed(remoteID string, err error) error {
	m.log.Error("peer connection failed", slog.String("remote_id", remoteID), sl.Err(err))
	err = fmt.Errorf("%w: %s: %v", domain.ErrPeerConnection, remoteID, err)
	if m.opts.OnFailure != nil {
		m.opts.OnFailure(remoteID, err)
	}
	return err
}

func (m *Manager) setState(l *link, s State) {
	if l.State == s {
		return
	}
	l.State = s
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(l.RemoteID, s)
	}
}

func (m *Manager) dequeue(remoteID string) {
	if _, ok := m.pendingSet[remoteID]; !ok {
		return
	}
	delete(m.pendingSet, remoteID)
	for i, id := range m.pending {
		if id == remoteID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
}

func (m *Manager) current(remoteID string, gen uint64) bool {
	l, ok := m.links[remoteID]
	return ok && l.gen == gen
}

func (m *Manager) sortedLinks() []*link {
	out := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

func (m *Manager) post(fn func()) {
	if m.opts.Post != nil {
		m.opts.Post(fn)
		return
	}
	fn()
}
