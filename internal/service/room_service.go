package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/internal/metrics"
	"github.com/immxrtalbeast/sigstream/internal/repository"
	"github.com/immxrtalbeast/sigstream/lib/logger/sl"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	maxChatMessageLength = 4000
	maxChatSenderLength  = 255
	maxDisplayNameLength = 255

	EndReasonHost    = "ended by host"
	EndReasonExpired = "expired"
)

type chatPayloadData struct {
	message   string
	sender    string
	id        uuid.UUID
	timestamp time.Time
}

type Options struct {
	MaxParticipants int
	DefaultLifetime time.Duration
}

// RoomService is the room membership registry. Rooms in use are cached in
// memory and written through to the repository after every change.
type RoomService struct {
	rooms       repository.Store
	log         *slog.Logger
	metrics     *metrics.Metrics
	notifier    MembershipNotifier
	opts        Options
	mu          sync.RWMutex
	activeRooms map[string]*domain.Room
}

func NewRoomService(rooms repository.Store, log *slog.Logger, m *metrics.Metrics, opts Options) *RoomService {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	if opts.MaxParticipants <= 0 {
		opts.MaxParticipants = domain.DefaultMaxParticipants
	}
	return &RoomService{
		rooms:       rooms,
		log:         log,
		metrics:     m,
		notifier:    nopNotifier{},
		opts:        opts,
		activeRooms: make(map[string]*domain.Room),
	}
}

// SetNotifier must be called before the service starts handling requests.
func (s *RoomService) SetNotifier(n MembershipNotifier) {
	if n == nil {
		n = nopNotifier{}
	}
	s.notifier = n
}

func (s *RoomService) CreateRoom(ctx context.Context, params CreateRoomParams) (*domain.Room, domain.Participant, error) {
	const op = "service.room.create"
	log := s.log.With(slog.String("op", op))

	name := strings.TrimSpace(params.Name)
	if name == "" {
		name = "Live session"
		if params.Kind == domain.RoomKindConference {
			name = "Meeting"
		}
	}
	hostName := strings.TrimSpace(params.HostName)
	if hostName == "" {
		hostName = "Host"
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLength || utf8.RuneCountInString(hostName) > maxDisplayNameLength {
		return nil, domain.Participant{}, fmt.Errorf("%s: %w: name is too long", op, domain.ErrValidation)
	}

	kind := params.Kind
	if kind == "" {
		kind = domain.RoomKindBroadcast
	}
	mode := params.AdmissionMode
	if mode == "" {
		mode = domain.AdmissionAuto
	}
	maxParticipants := params.MaxParticipants
	if maxParticipants <= 0 || maxParticipants > s.opts.MaxParticipants {
		maxParticipants = s.opts.MaxParticipants
	}
	lifetime := params.Lifetime
	if lifetime <= 0 {
		lifetime = s.opts.DefaultLifetime
	}

	hostID := strings.TrimSpace(params.HostID)
	if hostID == "" {
		hostID = "host_" + uuid.NewString()
	}

	for {
		room := domain.NewRoom(kind, name, mode, maxParticipants, lifetime)
		host := domain.NewParticipant(hostID, hostName, domain.RoleHost)
		host.Status = domain.StatusApproved
		room.HostID = host.ID
		room.HostName = host.DisplayName
		room.Members[host.ID] = host

		if err := s.rooms.Create(ctx, room); err != nil {
			if errors.Is(err, repository.ErrRoomIDExists) {
				continue
			}
			log.Error("failed to store room", sl.Err(err))
			return nil, domain.Participant{}, fmt.Errorf("%s: %w", op, err)
		}

		s.mu.Lock()
		s.activeRooms[room.ID] = room
		s.mu.Unlock()

		s.metrics.RoomsCreated.WithLabelValues(string(kind)).Inc()
		s.metrics.RoomsActive.Inc()

		log.Info("room created",
			slog.String("room_id", room.ID),
			slog.String("kind", string(room.Kind)),
			slog.String("admission_mode", string(room.AdmissionMode)),
			slog.String("host_id", host.ID),
		)
		return room, *host, nil
	}
}

// GetRoom returns an open room or one of ErrRoomNotFound, ErrRoomInactive
// and ErrRoomExpired.
func (s *RoomService) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	const op = "service.room.get"

	room, err := s.openRoom(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return room, nil
}

func (s *RoomService) EndRoom(ctx context.Context, id string, reason string) error {
	const op = "service.room.end"

	room, err := s.lookupRoom(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if reason == "" {
		reason = EndReasonHost
	}
	if err := s.endRoom(ctx, room, reason); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *RoomService) ListMembers(ctx context.Context, id string) ([]domain.Participant, error) {
	const op = "service.room.listMembers"

	room, err := s.openRoom(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return room.MembersSnapshot(), nil
}

func (s *RoomService) RequestJoin(ctx context.Context, req JoinRequest) (domain.Participant, error) {
	const op = "service.room.requestJoin"
	log := s.log.With(
		slog.String("op", op),
		slog.String("room_id", req.RoomID),
		slog.String("participant_id", req.ParticipantID),
	)

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Participant{}, fmt.Errorf("%s: %w: name is required", op, domain.ErrValidation)
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLength {
		return domain.Participant{}, fmt.Errorf("%s: %w: name is too long", op, domain.ErrValidation)
	}

	room, err := s.openRoom(ctx, req.RoomID)
	if err != nil {
		log.Info("join refused", sl.Err(err))
		return domain.Participant{}, fmt.Errorf("%s: %w", op, err)
	}

	pid := strings.TrimSpace(req.ParticipantID)
	if pid == "" {
		pid = "viewer_" + uuid.NewString()
	}

	room.Mutex.Lock()
	member, exists := room.Members[pid]
	switch {
	case exists && (member.Status == domain.StatusWaiting || member.Status == domain.StatusApproved):
		snapshot := *member
		room.Mutex.Unlock()
		return snapshot, nil
	case !req.AsHost && room.OccupiedSeats() >= room.MaxParticipants:
		room.Mutex.Unlock()
		return domain.Participant{}, fmt.Errorf("%s: %w: room is full", op, domain.ErrValidation)
	}

	role := domain.RoleParticipant
	if req.AsHost {
		role = domain.RoleHost
	}
	member = domain.NewParticipant(pid, name, role)
	switch {
	case req.AsHost:
		member.Status = domain.StatusApproved
		room.HostID = pid
		room.HostName = name
	case room.AdmissionMode == domain.AdmissionAuto:
		member.Status = domain.StatusApproved
	default:
		member.Status = domain.StatusWaiting
	}
	room.Members[pid] = member
	snapshot := *member
	room.Mutex.Unlock()

	if err := s.rooms.Update(ctx, room); err != nil {
		log.Error("failed to persist join request", sl.Err(err))
		return domain.Participant{}, fmt.Errorf("%s: %w", op, err)
	}

	s.metrics.AdmissionDecisions.WithLabelValues(string(snapshot.Status)).Inc()
	if snapshot.Status == domain.StatusWaiting {
		s.notifier.JoinRequested(room, snapshot)
	}
	s.notifier.MembershipChanged(room)

	log.Info("join requested",
		slog.String("name", snapshot.DisplayName),
		slog.String("role", string(snapshot.Role)),
		slog.String("status", string(snapshot.Status)),
	)
	return snapshot, nil
}

func (s *RoomService) Approve(ctx context.Context, roomID, participantID string) (domain.Participant, error) {
	const op = "service.room.approve"

	room, p, changed, err := s.updateMember(ctx, roomID, participantID, func(p *domain.Participant) (bool, error) {
		switch p.Status {
		case domain.StatusApproved:
			return false, nil
		case domain.StatusWaiting:
			p.Status = domain.StatusApproved
			return true, nil
		default:
			return false, fmt.Errorf("%w: cannot approve a %s participant", domain.ErrValidation, p.Status)
		}
	})
	if err != nil {
		return domain.Participant{}, fmt.Errorf("%s: %w", op, err)
	}

	if changed {
		s.metrics.AdmissionDecisions.WithLabelValues(string(p.Status)).Inc()
		s.notifier.AdmissionDecided(room, p)
		s.notifier.MembershipChanged(room)
		s.log.Info("participant approved", slog.String("op", op), slog.String("room_id", roomID), slog.String("participant_id", p.ID))
	}
	return p, nil
}

func (s *RoomService) Reject(ctx context.Context, roomID, participantID string) (domain.Participant, error) {
	const op = "service.room.reject"

	room, p, changed, err := s.updateMember(ctx, roomID, participantID, func(p *domain.Participant) (bool, error) {
		switch p.Status {
		case domain.StatusRejected:
			return false, nil
		case domain.StatusWaiting:
			p.Status = domain.StatusRejected
			return true, nil
		default:
			return false, fmt.Errorf("%w: cannot reject a %s participant", domain.ErrValidation, p.Status)
		}
	})
	if err != nil {
		return domain.Participant{}, fmt.Errorf("%s: %w", op, err)
	}

	if changed {
		s.metrics.AdmissionDecisions.WithLabelValues(string(p.Status)).Inc()
		s.notifier.AdmissionDecided(room, p)
		s.notifier.MembershipChanged(room)
		s.log.Info("participant rejected", slog.String("op", op), slog.String("room_id", roomID), slog.String("participant_id", p.ID))
	}
	return p, nil
}

func (s *RoomService) Remove(ctx context.Context, roomID, participantID string) (domain.Participant, error) {
	const op = "service.room.remove"

	room, p, changed, err := s.updateMember(ctx, roomID, participantID, func(p *domain.Participant) (bool, error) {
		if p.IsHost() {
			return false, fmt.Errorf("%w: the host cannot be removed", domain.ErrValidation)
		}
		switch p.Status {
		case domain.StatusRemoved, domain.StatusRejected:
			return false, nil
		default:
			p.Status = domain.StatusRemoved
			return true, nil
		}
	})
	if err != nil {
		return domain.Participant{}, fmt.Errorf("%s: %w", op, err)
	}

	if changed {
		s.metrics.AdmissionDecisions.WithLabelValues(string(p.Status)).Inc()
		s.notifier.MemberRemoved(room, p)
		s.notifier.MembershipChanged(room)
		s.log.Info("participant removed", slog.String("op", op), slog.String("room_id", roomID), slog.String("participant_id", p.ID))
	}
	return p, nil
}

// Leave drops the member record. It also works on rooms that already ended.
func (s *RoomService) Leave(ctx context.Context, roomID, participantID string) (domain.Participant, error) {
	const op = "service.room.leave"

	room, err := s.lookupRoom(ctx, roomID)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("%s: %w", op, err)
	}

	room.Mutex.Lock()
	member, ok := room.Members[participantID]
	if !ok || member == nil {
		room.Mutex.Unlock()
		return domain.Participant{}, fmt.Errorf("%s: %w", op, domain.ErrParticipantMissing)
	}
	delete(room.Members, participantID)
	snapshot := *member
	active := room.IsActive
	room.Mutex.Unlock()

	if err := s.rooms.Update(ctx, room); err != nil {
		s.log.Error("failed to persist leave", slog.String("op", op), sl.Err(err))
		return domain.Participant{}, fmt.Errorf("%s: %w", op, err)
	}

	if active {
		s.notifier.MembershipChanged(room)
	}
	s.log.Info("participant left", slog.String("op", op), slog.String("room_id", roomID), slog.String("participant_id", participantID))
	return snapshot, nil
}

// SetAdmissionMode switches the room mode. Switching to auto admits every
// waiting member.
func (s *RoomService) SetAdmissionMode(ctx context.Context, roomID string, mode domain.AdmissionMode) (*domain.Room, error) {
	const op = "service.room.setAdmissionMode"

	room, err := s.openRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var admitted []domain.Participant
	room.Mutex.Lock()
	room.AdmissionMode = mode
	if mode == domain.AdmissionAuto {
		for _, p := range room.Members {
			if p != nil && p.Status == domain.StatusWaiting {
				p.Status = domain.StatusApproved
				admitted = append(admitted, *p)
			}
		}
	}
	room.Mutex.Unlock()

	if err := s.rooms.Update(ctx, room); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for _, p := range admitted {
		s.metrics.AdmissionDecisions.WithLabelValues(string(p.Status)).Inc()
		s.notifier.AdmissionDecided(room, p)
	}
	s.notifier.MembershipChanged(room)

	s.log.Info("admission mode changed",
		slog.String("op", op),
		slog.String("room_id", roomID),
		slog.String("mode", string(mode)),
		slog.Int("admitted", len(admitted)),
	)
	return room, nil
}

func (s *RoomService) PostChatMessage(ctx context.Context, roomID, senderID string, payload domain.ChatPayload) (*domain.ChatMessage, error) {
	const op = "service.room.chat"
	log := s.log.With(slog.String("op", op), slog.String("room_id", roomID), slog.String("sender_id", senderID))

	room, err := s.openRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sender, ok := room.Member(senderID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, domain.ErrParticipantMissing)
	}
	if !sender.IsApproved() {
		return nil, fmt.Errorf("%s: %w: sender is not admitted", op, domain.ErrUnauthorized)
	}

	data, err := validateChatPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	msg := domain.NewChatMessage(room.ID, sender, data.message)
	if data.id != uuid.Nil {
		msg.ID = data.id
	}
	if data.sender != "" {
		msg.SenderName = data.sender
	}
	if !data.timestamp.IsZero() {
		msg.CreatedAt = data.timestamp
	}

	if err := s.rooms.SaveChatMessage(ctx, msg); err != nil {
		log.Error("failed to save chat message", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return msg, nil
}

func (s *RoomService) ChatHistory(ctx context.Context, roomID string, limit int) ([]*domain.ChatMessage, error) {
	const op = "service.room.chatHistory"

	if _, err := s.lookupRoom(ctx, roomID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	history, err := s.rooms.ListChatMessages(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return history, nil
}

// SweepExpired ends every active room whose lifetime has passed and returns
// how many were ended.
func (s *RoomService) SweepExpired(ctx context.Context) (int, error) {
	const op = "service.room.sweepExpired"

	rooms, err := s.rooms.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	ended := 0
	for _, stored := range rooms {
		room := s.activateRoom(stored)
		room.Mutex.RLock()
		due := room.IsActive && room.IsExpired()
		room.Mutex.RUnlock()
		if !due {
			continue
		}
		if err := s.endRoom(ctx, room, EndReasonExpired); err != nil {
			s.log.Error("failed to end expired room", slog.String("op", op), slog.String("room_id", room.ID), sl.Err(err))
			continue
		}
		ended++
	}
	return ended, nil
}

// RunExpirySweeper calls SweepExpired every interval until ctx is done.
func (s *RoomService) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepExpired(ctx); err != nil {
				s.log.Error("expiry sweep failed", sl.Err(err))
			} else if n > 0 {
				s.log.Info("expired rooms ended", slog.Int("count", n))
			}
		}
	}
}

func (s *RoomService) updateMember(
	ctx context.Context,
	roomID, participantID string,
	apply func(p *domain.Participant) (bool, error),
) (*domain.Room, domain.Participant, bool, error) {
	room, err := s.openRoom(ctx, roomID)
	if err != nil {
		return nil, domain.Participant{}, false, err
	}

	room.Mutex.Lock()
	member, ok := room.Members[participantID]
	if !ok || member == nil {
		room.Mutex.Unlock()
		return nil, domain.Participant{}, false, domain.ErrParticipantMissing
	}
	changed, err := apply(member)
	snapshot := *member
	room.Mutex.Unlock()

	if err != nil {
		return nil, domain.Participant{}, false, err
	}

	if changed {
		if err := s.rooms.Update(ctx, room); err != nil {
			return nil, domain.Participant{}, false, err
		}
	}
	return room, snapshot, changed, nil
}

func (s *RoomService) endRoom(ctx context.Context, room *domain.Room, reason string) error {
	room.Mutex.Lock()
	if !room.IsActive {
		room.Mutex.Unlock()
		return nil
	}
	room.IsActive = false
	room.EndedAt = time.Now().UTC()
	room.Mutex.Unlock()

	if err := s.rooms.Update(ctx, room); err != nil {
		return err
	}

	s.removeActiveRoom(room.ID)
	s.metrics.RoomsActive.Dec()
	s.metrics.RoomsEnded.WithLabelValues(reason).Inc()
	s.notifier.RoomEnded(room, reason)

	s.log.Info("room ended", slog.String("room_id", room.ID), slog.String("reason", reason))
	return nil
}

// openRoom returns the room only while it accepts admissions and signaling.
// A room found expired but still marked active is ended on the spot.
func (s *RoomService) openRoom(ctx context.Context, id string) (*domain.Room, error) {
	room, err := s.lookupRoom(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := room.CheckOpen(); err != nil {
		if errors.Is(err, domain.ErrRoomExpired) {
			if endErr := s.endRoom(ctx, room, EndReasonExpired); endErr != nil {
				s.log.Error("failed to end expired room", slog.String("room_id", id), sl.Err(endErr))
			}
		}
		return nil, err
	}
	return room, nil
}

func (s *RoomService) lookupRoom(ctx context.Context, id string) (*domain.Room, error) {
	if id == "" {
		return nil, domain.ErrRoomNotFound
	}
	if room := s.getActiveRoom(id); room != nil {
		return room, nil
	}

	stored, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.activateRoom(stored), nil
}

func (s *RoomService) getActiveRoom(id string) *domain.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeRooms[id]
}

func (s *RoomService) removeActiveRoom(id string) {
	s.mu.Lock()
	delete(s.activeRooms, id)
	s.mu.Unlock()
}

// activateRoom returns the cached instance for room.ID, caching room if
// none exists. Ended rooms are returned but not cached.
func (s *RoomService) activateRoom(room *domain.Room) *domain.Room {
	if room.Members == nil {
		room.Members = make(map[string]*domain.Participant)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.activeRooms[room.ID]; existing != nil {
		return existing
	}
	if room.IsActive {
		s.activeRooms[room.ID] = room
	}
	return room
}

func validateChatPayload(payload domain.ChatPayload) (*chatPayloadData, error) {
	trimmedMsg := strings.TrimSpace(payload.Message)
	if trimmedMsg == "" {
		return nil, fmt.Errorf("%w: chat message cannot be empty", domain.ErrValidation)
	}

	if utf8.RuneCountInString(trimmedMsg) > maxChatMessageLength {
		return nil, fmt.Errorf("%w: chat message is too long", domain.ErrValidation)
	}

	result := &chatPayloadData{
		message: trimmedMsg,
	}

	trimmedSender := strings.TrimSpace(payload.SenderName)
	if utf8.RuneCountInString(trimmedSender) > maxChatSenderLength {
		return nil, fmt.Errorf("%w: chat sender is too long", domain.ErrValidation)
	}
	result.sender = trimmedSender

	if idStr := strings.TrimSpace(payload.ID); idStr != "" {
		parsed, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("%w: chat message id must be a valid uuid", domain.ErrValidation)
		}
		result.id = parsed
	}

	if !payload.Timestamp.IsZero() {
		result.timestamp = payload.Timestamp.UTC()
	}

	return result, nil
}
