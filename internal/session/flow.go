package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/immxrtalbeast/sigstream/internal/admission"
	"github.com/immxrtalbeast/sigstream/internal/control"
	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/internal/media"
	"github.com/immxrtalbeast/sigstream/internal/peer"
	"github.com/immxrtalbeast/sigstream/internal/registryclient"
	"github.com/immxrtalbeast/sigstream/lib/logger/sl"
)

func (s *Session) subscribe() {
	on := func(event string, h func(json.RawMessage)) {
		s.subs.On(s.transport, event, func(data json.RawMessage) {
			s.tasks.push(func() { h(data) })
		})
	}

	on(domain.EventJoinApproved, s.onAdmission)
	on(domain.EventJoinRejected, s.onAdmission)
	on(domain.EventMemberRemoved, s.onAdmission)
	on(domain.EventMeetingEnded, s.onMeetingEnded)
	on(domain.EventMembershipChanged, s.onMembershipChanged)
	on(domain.EventPendingJoin, s.onPendingJoin)
	on(domain.EventViewerReady, s.onViewerReady)
	on(domain.EventViewerWatching, s.onViewerWatching)
	on(domain.EventViewerConnected, s.onViewerConnected)
	on(domain.EventViewerLeft, s.onViewerLeft)
	on(domain.EventHostLeft, s.onHostLeft)
	on(domain.EventSignal, s.onSignal)
	on(domain.EventPeerCommand, s.onPeerCommand)
	on(domain.EventChatMessage, s.onChat)
	on(domain.EventReaction, s.onReaction)
	on(domain.EventError, s.onError)

	s.subs.Add(s.transport.OnConnect(func(id string) {
		s.tasks.push(func() { s.onReconnect(id) })
	}))
	s.subs.Add(s.transport.OnDisconnect(func(err error) {
		s.tasks.push(func() { s.onDisconnect(err) })
	}))
}

func (s *Session) onTransition(t admission.Transition) {
	s.log.Info("admission changed",
		slog.String("from", t.From.String()),
		slog.String("to", t.To.String()),
		slog.Uint64("epoch", t.Epoch),
	)
	if t.To != admission.Admitted {
		s.exit()
	}
	s.notify(Event{Kind: EventAdmission, Admission: t.To, Err: t.Reason})
	if t.To == admission.Admitted {
		s.enter()
	}
}

// requestJoin starts a join attempt under the current connection id.
func (s *Session) requestJoin() error {
	if !s.roomActive {
		return domain.ErrRoomInactive
	}
	epoch, ok := s.machine.Request()
	if !ok {
		return fmt.Errorf("%w: already %s", domain.ErrValidation, s.machine.State())
	}

	s.attempt++
	attempt := s.attempt
	s.known = false
	s.early = nil
	if id := s.transport.ID(); id != "" {
		s.selfID = id
	}

	params := registryclient.JoinParams{
		RoomID:        s.cfg.RoomID,
		ParticipantID: s.selfID,
		Name:          s.cfg.DisplayName,
		HostToken:     s.cfg.HostToken,
	}
	s.async(func(ctx context.Context) func() {
		room, err := s.registry.GetRoom(ctx, params.RoomID)
		if err != nil {
			return func() { s.joinFailed(attempt, err) }
		}
		p, err := s.registry.RequestJoin(ctx, params)
		return func() {
			if err != nil {
				s.joinFailed(attempt, err)
				return
			}
			s.joinResolved(attempt, epoch, room, p)
		}
	})
	return nil
}

// joinFailed keeps the machine in Requesting so the person can retry.
func (s *Session) joinFailed(attempt uint64, err error) {
	if attempt != s.attempt {
		return
	}
	s.log.Warn("join request failed", sl.Err(err))
	s.notify(Event{Kind: EventError, Err: err})
}

func (s *Session) joinResolved(attempt, epoch uint64, room *registryclient.Room, p domain.Participant) {
	if attempt != s.attempt {
		return
	}
	s.selfID = p.ID
	s.role = p.Role
	s.kind = room.Kind
	s.members = room.Members
	s.known = true

	if !s.machine.Resolve(epoch, p.Status) && s.machine.State() == admission.Admitted {
		// Approval was pushed before the registry answered.
		s.enter()
	}
}

// enter runs once per admission, as soon as both the admission and the
// room details are known.
func (s *Session) enter() {
	if s.entered || !s.known || !s.roomActive {
		return
	}
	s.entered = true

	s.peers = peer.NewManager(peer.Options{
		RoomID:       s.cfg.RoomID,
		SelfID:       s.selfID,
		Factory:      s.factory,
		Emitter:      s.transport,
		Log:          s.log,
		Post:         func(fn func()) { s.tasks.push(fn) },
		RequireMedia: s.cfg.publishing(),
		OnFailure:    s.linkFailed,
	})
	s.executor = control.NewExecutor(
		func() *media.Stream { return s.stream },
		func(reason error) { s.machine.Remove(reason) },
		s.log,
	)
	s.issuer = control.NewIssuer(s.transport, s.cfg.RoomID, s.isHost)

	s.log.Info("entered room", slog.String("self_id", s.selfID), slog.String("role", string(s.role)), slog.String("kind", string(s.kind)))
	s.emit(domain.EventJoinSession, domain.RoomRef{RoomID: s.cfg.RoomID})

	targets := s.early
	s.early = nil
	if s.isHost() && s.kind == domain.RoomKindBroadcast {
		// Viewers announced themselves to a previous host id, if any.
		targets = append(targets, s.audience()...)
	}
	called := make(map[string]bool, len(targets))
	for _, id := range targets {
		if called[id] {
			continue
		}
		called[id] = true
		s.connect(id)
	}

	if s.cfg.publishing() {
		s.acquireMedia()
		return
	}
	s.ready()
}

// ready tells the broadcast host it may start sending. Hosts and
// conference members wait to be called instead.
func (s *Session) ready() {
	if s.kind == domain.RoomKindBroadcast && !s.isHost() {
		s.emit(domain.EventViewerReady, domain.RoomRef{RoomID: s.cfg.RoomID})
	}
}

// audience lists the approved viewers already in the room.
func (s *Session) audience() []string {
	var ids []string
	for _, m := range s.members {
		if m.ID != s.selfID && m.IsApproved() && !m.IsHost() {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func (s *Session) acquireMedia() {
	attempt := s.attempt
	constraints := s.cfg.Publish
	s.async(func(ctx context.Context) func() {
		stream, err := s.source.Acquire(ctx, constraints)
		return func() {
			if attempt != s.attempt || !s.entered || !s.roomActive {
				if stream != nil {
					stream.Stop()
				}
				return
			}
			if err != nil {
				if !errors.Is(err, domain.ErrMediaAccessDenied) {
					err = fmt.Errorf("%w: %v", domain.ErrMediaAccessDenied, err)
				}
				s.log.Warn("continuing without local media", sl.Err(err))
				s.notify(Event{Kind: EventError, Err: err})
				stream = media.NewStream()
			}

			s.stream = stream
			if err := s.peers.SetLocalMedia(s.ctx, stream); err != nil {
				s.log.Warn("failed to attach local media", sl.Err(err))
			}
			s.ready()
		}
	})
}

// exit stops local media and closes every link. It runs whenever the
// machine leaves Admitted.
func (s *Session) exit() {
	if !s.entered {
		return
	}
	s.entered = false

	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
	for _, t := range []media.Track{s.camera, s.screen} {
		if t != nil {
			t.Stop()
		}
	}
	s.camera, s.screen = nil, nil

	s.peers.CloseAll()
	s.peers = nil
	s.executor = nil
	s.issuer = nil
	s.log.Info("left room media")
}

func (s *Session) leave() {
	if s.stopped {
		return
	}
	s.stopped = true

	state := s.machine.State()
	s.exit()
	if s.roomActive && (state == admission.Requesting || state == admission.Waiting || state == admission.Admitted) {
		event := domain.EventLeave
		if s.isHost() {
			event = domain.EventHostLeaving
		}
		s.emit(event, domain.RoomRef{RoomID: s.cfg.RoomID})
	}
	s.subs.Release()
	s.attempt++
	s.machine.Reset()
}

func (s *Session) connect(remoteID string) {
	if err := s.peers.Connect(s.ctx, remoteID); err != nil {
		s.log.Warn("failed to connect", slog.String("remote_id", remoteID), sl.Err(err))
	}
}

func (s *Session) linkFailed(remoteID string, err error) {
	s.notify(Event{Kind: EventLinkFailed, RemoteID: remoteID, Err: err})
}

// poll reads the room from the registry while an admission is pending or
// held. Push events and poll results feed the same machine.
func (s *Session) poll() {
	state := s.machine.State()
	if s.polling || !s.roomActive || (state != admission.Waiting && state != admission.Admitted) {
		return
	}
	s.polling = true

	attempt, changes := s.attempt, s.changes
	s.async(func(ctx context.Context) func() {
		room, err := s.registry.GetRoom(ctx, s.cfg.RoomID)
		return func() {
			s.polling = false
			s.applyPoll(attempt, changes, room, err)
		}
	})
}

// applyPoll keeps links alone when newer membership news arrived while the
// poll was in flight; the next poll catches up.
func (s *Session) applyPoll(attempt, changes uint64, room *registryclient.Room, err error) {
	state := s.machine.State()
	if attempt != s.attempt || (state != admission.Waiting && state != admission.Admitted) {
		return
	}

	switch {
	case err != nil && registryclient.IsRoomGone(err):
		s.roomEnded(err)
		return
	case err != nil:
		s.log.Debug("poll failed", sl.Err(err))
		return
	case room.IsExpired:
		s.roomEnded(domain.ErrRoomExpired)
		return
	case !room.IsActive:
		s.roomEnded(domain.ErrRoomInactive)
		return
	}

	s.kind = room.Kind
	if changes != s.changes {
		s.observeSelf(room.Members)
		return
	}
	s.members = room.Members
	s.reconcile()
}

// reconcile checks the local member record and drops links to anyone who
// is no longer an approved member.
func (s *Session) reconcile() {
	s.observeSelf(s.members)
	if s.entered {
		if removed := s.peers.Reconcile(s.members); len(removed) > 0 {
			s.log.Info("dropped links to former members", slog.Any("remote_ids", removed))
		}
	}
}

// observeSelf applies the local member record found in members.
func (s *Session) observeSelf(members []domain.Participant) {
	for _, m := range members {
		if m.ID == s.selfID {
			s.machine.Observe(m.Status)
			return
		}
	}
	if state := s.machine.State(); state == admission.Waiting || state == admission.Admitted {
		s.machine.Remove(domain.ErrAdmissionRevoked)
	}
}

func (s *Session) roomEnded(reason error) {
	if !s.roomActive {
		return
	}
	s.roomActive = false
	s.log.Info("room ended", sl.Err(reason))
	s.machine.Remove(reason)
	s.notify(Event{Kind: EventRoomEnded, Err: reason})
}

func (s *Session) onDisconnect(err error) {
	if !errors.Is(err, domain.ErrSignalingTransport) {
		err = fmt.Errorf("%w: %v", domain.ErrSignalingTransport, err)
	}
	s.log.Warn("signaling connection lost", slog.String("self_id", s.selfID), sl.Err(err))
	s.notify(Event{Kind: EventDisconnected, Err: err})
}

// onReconnect treats the new connection id as a new join.
func (s *Session) onReconnect(id string) {
	if id == s.selfID {
		return
	}
	old := s.selfID
	s.selfID = id

	state := s.machine.State()
	s.log.Info("signaling reconnected",
		slog.String("old_id", old),
		slog.String("new_id", id),
		slog.String("admission", state.String()),
	)
	if state != admission.Requesting && state != admission.Waiting && state != admission.Admitted {
		return
	}

	s.machine.Reset()
	if err := s.requestJoin(); err != nil {
		s.log.Warn("failed to rejoin after reconnect", sl.Err(err))
	}
}

func (s *Session) onAdmission(data json.RawMessage) {
	var p domain.AdmissionPayload
	if !s.decodeFor("admission", data, &p, &p.RoomID) || p.ParticipantID != s.selfID {
		return
	}

	switch p.Status {
	case domain.StatusApproved:
		s.machine.Admit()
	case domain.StatusRejected:
		s.machine.Reject(domain.ErrAdmissionRejected)
	case domain.StatusRemoved:
		s.machine.Remove(domain.ErrAdmissionRevoked)
	}
}

func (s *Session) onMeetingEnded(data json.RawMessage) {
	var p domain.MeetingEndedPayload
	if !s.decodeFor(domain.EventMeetingEnded, data, &p, &p.RoomID) {
		return
	}
	s.roomEnded(domain.ErrRoomInactive)
}

func (s *Session) onMembershipChanged(data json.RawMessage) {
	var p domain.MembershipPayload
	if !s.decodeFor(domain.EventMembershipChanged, data, &p, &p.RoomID) {
		return
	}
	if state := s.machine.State(); state != admission.Waiting && state != admission.Admitted {
		return
	}
	s.changes++
	s.members = p.Members
	s.reconcile()
}

func (s *Session) onPendingJoin(data json.RawMessage) {
	var p domain.PendingJoinPayload
	if !s.decodeFor(domain.EventPendingJoin, data, &p, &p.RoomID) || !s.isHost() {
		return
	}
	s.notify(Event{Kind: EventPendingJoin, Participant: p.Participant})
}

func (s *Session) onViewerReady(data json.RawMessage) {
	var p domain.ViewerPayload
	if !s.decodeFor(domain.EventViewerReady, data, &p, &p.RoomID) || !s.isHost() {
		return
	}
	s.offerTo(p.ViewerID)
}

func (s *Session) onViewerWatching(data json.RawMessage) {
	var p domain.ViewerPayload
	if !s.decodeFor(domain.EventViewerWatching, data, &p, &p.RoomID) {
		return
	}
	s.log.Debug("viewer is watching", slog.String("viewer_id", p.ViewerID))
}

func (s *Session) onViewerConnected(data json.RawMessage) {
	var p domain.ViewerPayload
	if !s.decodeFor(domain.EventViewerConnected, data, &p, &p.RoomID) || s.kind != domain.RoomKindConference {
		return
	}
	s.offerTo(p.ViewerID)
}

// offerTo initiates toward remoteID now, or once the session is in the room.
func (s *Session) offerTo(remoteID string) {
	if remoteID == "" || remoteID == s.selfID {
		return
	}
	s.changes++
	if !s.entered {
		s.early = append(s.early, remoteID)
		return
	}
	if l, ok := s.peers.Link(remoteID); ok && l.Initiator && l.State != peer.StateClosed {
		// Already called when this session entered the room.
		s.log.Debug("announcement for a live link ignored", slog.String("remote_id", remoteID))
		return
	}
	s.connect(remoteID)
}

func (s *Session) onViewerLeft(data json.RawMessage) {
	var p domain.ViewerPayload
	if !s.decodeFor(domain.EventViewerLeft, data, &p, &p.RoomID) {
		return
	}
	if s.peers != nil {
		s.peers.Remove(p.ViewerID)
	}
}

// onHostLeft drops the link to the host. The room stays open.
func (s *Session) onHostLeft(data json.RawMessage) {
	var p domain.ViewerPayload
	if !s.decodeFor(domain.EventHostLeft, data, &p, &p.RoomID) {
		return
	}
	if s.peers != nil {
		s.peers.Remove(p.ViewerID)
	}
	s.notify(Event{Kind: EventHostLeft, RemoteID: p.ViewerID})
}

func (s *Session) onSignal(data json.RawMessage) {
	var env domain.SignalEnvelope
	if !s.decodeFor(domain.EventSignal, data, &env, &env.RoomID) {
		return
	}
	if !s.entered {
		s.log.Debug("signal before admission dropped", slog.String("sender_id", env.SenderID))
		return
	}
	if env.Signal.Type == domain.SignalOffer {
		s.changes++
	}
	if err := s.peers.HandleSignal(s.ctx, env); err != nil {
		s.log.Warn("failed to handle signal", slog.String("sender_id", env.SenderID), sl.Err(err))
	}
}

func (s *Session) onPeerCommand(data json.RawMessage) {
	var p domain.PeerCommandPayload
	if !s.decodeFor(domain.EventPeerCommand, data, &p, &p.RoomID) || !s.entered {
		return
	}
	changed, err := s.executor.Apply(p)
	if err != nil {
		s.log.Warn("command refused", slog.String("command", string(p.Command)), sl.Err(err))
		return
	}
	if changed {
		s.notify(Event{Kind: EventCommand, Command: &p})
	}
}

func (s *Session) onChat(data json.RawMessage) {
	var p domain.ChatPayload
	if s.decodeFor(domain.EventChatMessage, data, &p, &p.RoomID) {
		s.notify(Event{Kind: EventChat, Chat: &p})
	}
}

func (s *Session) onReaction(data json.RawMessage) {
	var p domain.ReactionPayload
	if s.decodeFor(domain.EventReaction, data, &p, &p.RoomID) {
		s.notify(Event{Kind: EventReaction, Reaction: &p})
	}
}

func (s *Session) onError(data json.RawMessage) {
	var p domain.ErrorPayload
	if err := decode(data, &p); err != nil {
		return
	}
	err := domain.ErrorFromCode(p.Code)
	if err == nil {
		err = errors.New(p.Message)
	} else {
		err = fmt.Errorf("%s: %w", p.Message, err)
	}
	s.log.Warn("relay refused event", slog.String("event", p.Event), sl.Err(err))
	s.notify(Event{Kind: EventError, Err: err})
}

// decodeFor decodes data into v and reports whether it belongs to this
// session's room.
func (s *Session) decodeFor(event string, data json.RawMessage, v any, roomID *string) bool {
	if err := decode(data, v); err != nil {
		s.log.Warn("malformed event", slog.String("event", event), sl.Err(err))
		return false
	}
	return *roomID == s.cfg.RoomID
}
