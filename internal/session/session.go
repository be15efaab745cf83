// Package session is the participant's room context. It wires the
// admission machine, the peer manager and the host control channel to the
// signaling transport and the registry, and runs them on one goroutine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/immxrtalbeast/sigstream/internal/admission"
	"github.com/immxrtalbeast/sigstream/internal/control"
	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/internal/media"
	"github.com/immxrtalbeast/sigstream/internal/peer"
	"github.com/immxrtalbeast/sigstream/internal/registryclient"
	"github.com/immxrtalbeast/sigstream/internal/signaling"
	"github.com/immxrtalbeast/sigstream/lib/logger/sl"
)

var (
	ErrClosed     = errors.New("session closed")
	ErrNotInRoom  = errors.New("not in the room")
	errRunning    = errors.New("session already running")
	errNotSharing = errors.New("screen is not shared")
)

const (
	DefaultPollInterval = 3 * time.Second
	MinPollInterval     = 2 * time.Second
	MaxPollInterval     = 5 * time.Second

	defaultRequestTimeout = 10 * time.Second
	emitTimeout           = 5 * time.Second
)

// Registry is the part of the registry client a session needs.
type Registry interface {
	GetRoom(ctx context.Context, roomID string) (*registryclient.Room, error)
	RequestJoin(ctx context.Context, params registryclient.JoinParams) (domain.Participant, error)
	Approve(ctx context.Context, roomID, participantID, hostToken string) (domain.Participant, error)
	Reject(ctx context.Context, roomID, participantID, hostToken string) (domain.Participant, error)
	Remove(ctx context.Context, roomID, participantID, hostToken string) (domain.Participant, error)
	SetAdmissionMode(ctx context.Context, roomID string, mode domain.AdmissionMode, hostToken string) (*registryclient.Room, error)
}

type Config struct {
	RoomID      string
	DisplayName string
	// HostToken joins as the room's host.
	HostToken string
	// Publish selects the local media to send. The zero value receives only.
	Publish media.Constraints
	// PollInterval is clamped to [MinPollInterval, MaxPollInterval].
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

func (c *Config) setDefaults() {
	switch {
	case c.PollInterval <= 0:
		c.PollInterval = DefaultPollInterval
	case c.PollInterval < MinPollInterval:
		c.PollInterval = MinPollInterval
	case c.PollInterval > MaxPollInterval:
		c.PollInterval = MaxPollInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
}

func (c Config) publishing() bool {
	return c.Publish.Audio || c.Publish.Video
}

type Deps struct {
	Transport signaling.Transport
	Registry  Registry
	Peers     peer.Factory
	// Media is required when Config.Publish asks for media or for screen
	// sharing.
	Media    media.Source
	Notifier Notifier
	Log      *slog.Logger
}

// Snapshot is a consistent view of the session taken on its goroutine.
type Snapshot struct {
	SelfID       string
	RoomID       string
	Role         domain.Role
	Admission    admission.State
	InRoom       bool
	RoomActive   bool
	Links        []peer.LinkInfo
	Pending      []string
	Members      []domain.Participant
	AudioEnabled bool
	VideoEnabled bool
	Sharing      bool
}

type Session struct {
	cfg       Config
	transport signaling.Transport
	registry  Registry
	factory   peer.Factory
	source    media.Source
	notifier  Notifier
	log       *slog.Logger

	machine *admission.Machine
	tasks   *queue
	subs    signaling.Subscriptions
	running atomic.Bool
	done    chan struct{}
	ctx     context.Context
	wg      sync.WaitGroup

	// Everything below is owned by the Run goroutine.
	stopped    bool
	selfID     string
	attempt    uint64
	role       domain.Role
	kind       domain.RoomKind
	known      bool
	roomActive bool
	members    []domain.Participant
	entered    bool
	early      []string
	polling    bool
	// changes counts membership news from pushes and link setup.
	changes uint64

	peers    *peer.Manager
	stream   *media.Stream
	camera   media.Track
	screen   media.Track
	executor *control.Executor
	issuer   *control.Issuer
}

func New(cfg Config, deps Deps) (*Session, error) {
	cfg.RoomID = strings.TrimSpace(cfg.RoomID)
	cfg.DisplayName = strings.TrimSpace(cfg.DisplayName)
	switch {
	case cfg.RoomID == "":
		return nil, fmt.Errorf("%w: room id is required", domain.ErrValidation)
	case cfg.DisplayName == "":
		return nil, fmt.Errorf("%w: display name is required", domain.ErrValidation)
	case deps.Transport == nil || deps.Registry == nil || deps.Peers == nil:
		return nil, fmt.Errorf("%w: transport, registry and peer factory are required", domain.ErrValidation)
	case cfg.publishing() && deps.Media == nil:
		return nil, fmt.Errorf("%w: publishing needs a media source", domain.ErrValidation)
	}
	cfg.setDefaults()

	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}

	s := &Session{
		cfg:        cfg,
		transport:  deps.Transport,
		registry:   deps.Registry,
		factory:    deps.Peers,
		source:     deps.Media,
		notifier:   deps.Notifier,
		log:        deps.Log.With(slog.String("component", "session"), slog.String("room_id", cfg.RoomID)),
		machine:    admission.New(),
		tasks:      newQueue(),
		done:       make(chan struct{}),
		roomActive: true,
	}
	s.machine.OnTransition(s.onTransition)
	return s, nil
}

// Run requests to join the room and serves the session until ctx is done or
// Leave is called. Leaving happens in both cases.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errRunning
	}
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx

	s.subscribe()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.selfID = s.transport.ID()
	if err := s.requestJoin(); err != nil {
		s.log.Warn("join not started", sl.Err(err))
	}

	for !s.stopped {
		select {
		case <-ctx.Done():
			s.leave()
		case <-s.tasks.wake:
			for _, fn := range s.tasks.drain() {
				fn()
				if s.stopped {
					break
				}
			}
		case <-ticker.C:
			s.poll()
		}
	}

	s.tasks.close()
	cancel()
	s.wg.Wait()
	close(s.done)
	return parent.Err()
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// RequestJoin asks again after a rejection or removal.
func (s *Session) RequestJoin(ctx context.Context) error {
	return s.call(ctx, s.requestJoin)
}

// Leave stops local media, closes every link, tells the room and ends Run.
func (s *Session) Leave(ctx context.Context) error {
	return s.call(ctx, func() error {
		s.leave()
		return nil
	})
}

func (s *Session) Approve(ctx context.Context, participantID string) (domain.Participant, error) {
	return s.decide(ctx, participantID, s.registry.Approve)
}

func (s *Session) Reject(ctx context.Context, participantID string) (domain.Participant, error) {
	return s.decide(ctx, participantID, s.registry.Reject)
}

// Remove takes an admitted member out of the room through the registry.
func (s *Session) Remove(ctx context.Context, participantID string) (domain.Participant, error) {
	return s.decide(ctx, participantID, s.registry.Remove)
}

func (s *Session) SetAdmissionMode(ctx context.Context, mode domain.AdmissionMode) error {
	if err := s.requireHost(ctx); err != nil {
		return err
	}
	_, err := s.registry.SetAdmissionMode(ctx, s.cfg.RoomID, mode, s.cfg.HostToken)
	return err
}

// Command sends a targeted host command.
func (s *Session) Command(ctx context.Context, targetID, command string) error {
	return s.call(ctx, func() error {
		if !s.entered {
			return ErrNotInRoom
		}
		return s.issuer.Target(ctx, targetID, command)
	})
}

// BroadcastCommand sends a host command to every other member.
func (s *Session) BroadcastCommand(ctx context.Context, command string) error {
	return s.call(ctx, func() error {
		if !s.entered {
			return ErrNotInRoom
		}
		return s.issuer.Broadcast(ctx, command)
	})
}

func (s *Session) EndMeeting(ctx context.Context) error {
	return s.call(ctx, func() error {
		if !s.entered {
			return ErrNotInRoom
		}
		return s.issuer.EndMeeting(ctx)
	})
}

func (s *Session) SendChat(ctx context.Context, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return fmt.Errorf("%w: empty chat message", domain.ErrValidation)
	}
	return s.call(ctx, func() error {
		if !s.entered {
			return ErrNotInRoom
		}
		return s.transport.Emit(ctx, domain.EventChatMessage, domain.ChatPayload{
			RoomID:     s.cfg.RoomID,
			Message:    message,
			SenderName: s.cfg.DisplayName,
		})
	})
}

func (s *Session) React(ctx context.Context, reaction string) error {
	return s.call(ctx, func() error {
		if !s.entered {
			return ErrNotInRoom
		}
		return s.transport.Emit(ctx, domain.EventReaction, domain.ReactionPayload{
			RoomID:     s.cfg.RoomID,
			Reaction:   reaction,
			SenderName: s.cfg.DisplayName,
		})
	})
}

// SetTrackEnabled toggles a local track and reports whether it changed.
func (s *Session) SetTrackEnabled(ctx context.Context, kind media.Kind, enabled bool) (bool, error) {
	var changed bool
	err := s.call(ctx, func() error {
		if s.stream == nil {
			return fmt.Errorf("%w: no local %s track", domain.ErrValidation, kind)
		}
		changed = s.stream.SetEnabled(kind, enabled)
		return nil
	})
	return changed, err
}

// ShareScreen replaces the outgoing video with a screen track on every
// link without renegotiating.
func (s *Session) ShareScreen(ctx context.Context) error {
	if s.source == nil {
		return fmt.Errorf("%w: no media source", domain.ErrValidation)
	}
	track, err := s.source.Screen(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMediaAccessDenied, err)
	}

	err = s.call(ctx, func() error {
		if !s.entered {
			return ErrNotInRoom
		}
		if s.stream == nil {
			s.stream = media.NewStream()
			if err := s.peers.SetLocalMedia(s.ctx, s.stream); err != nil {
				s.log.Warn("failed to attach local media", sl.Err(err))
			}
		}

		old, err := s.peers.ReplaceTrack(s.ctx, track)
		switch {
		case old == nil:
		case s.screen == nil && !old.Stopped():
			s.camera = old
		default:
			old.Stop()
		}
		s.screen = track
		return err
	})
	if errors.Is(err, ErrNotInRoom) || errors.Is(err, ErrClosed) {
		track.Stop()
	}
	return err
}

// StopScreenShare puts the camera back, or stops sending video when there
// was no camera.
func (s *Session) StopScreenShare(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.screen == nil {
			return errNotSharing
		}
		screen := s.screen
		camera := s.camera
		s.screen, s.camera = nil, nil

		var err error
		switch {
		case !s.entered:
		case camera != nil:
			_, err = s.peers.ReplaceTrack(s.ctx, camera)
		default:
			_, err = s.peers.RemoveTrack(media.KindVideo)
		}
		screen.Stop()
		return err
	})
}

func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.call(ctx, func() error {
		snap = Snapshot{
			SelfID:     s.selfID,
			RoomID:     s.cfg.RoomID,
			Role:       s.role,
			Admission:  s.machine.State(),
			InRoom:     s.entered,
			RoomActive: s.roomActive,
			Members:    append([]domain.Participant(nil), s.members...),
			Sharing:    s.screen != nil,
		}
		if s.peers != nil {
			snap.Links = s.peers.Links()
			snap.Pending = s.peers.Pending()
		}
		if s.stream != nil {
			if t, ok := s.stream.Track(media.KindAudio); ok {
				snap.AudioEnabled = t.Enabled()
			}
			if t, ok := s.stream.Track(media.KindVideo); ok {
				snap.VideoEnabled = t.Enabled()
			}
		}
		return nil
	})
	return snap, err
}

// call runs fn on the session goroutine and waits for it.
func (s *Session) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !s.tasks.push(func() { result <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// async runs fn off the session goroutine and posts the func it returns.
func (s *Session) async(fn func(ctx context.Context) func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
		defer cancel()
		if result := fn(ctx); result != nil {
			s.tasks.push(result)
		}
	}()
}

func (s *Session) decide(
	ctx context.Context,
	participantID string,
	fn func(ctx context.Context, roomID, participantID, hostToken string) (domain.Participant, error),
) (domain.Participant, error) {
	if err := s.requireHost(ctx); err != nil {
		return domain.Participant{}, err
	}
	return fn(ctx, s.cfg.RoomID, participantID, s.cfg.HostToken)
}

func (s *Session) requireHost(ctx context.Context) error {
	return s.call(ctx, func() error {
		if !s.isHost() {
			return fmt.Errorf("%w: only the host can do that", domain.ErrUnauthorized)
		}
		return nil
	})
}

func (s *Session) isHost() bool {
	return s.role == domain.RoleHost
}

func (s *Session) emit(event string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if err := s.transport.Emit(ctx, event, payload); err != nil {
		s.log.Warn("failed to emit", slog.String("event", event), sl.Err(err))
	}
}

func (s *Session) notify(e Event) {
	e.RoomID = s.cfg.RoomID
	if e.Err != nil && e.Message == "" {
		e.Message = domain.UserMessage(e.Err)
	}
	s.notifier.Notify(e)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing payload", domain.ErrValidation)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}
