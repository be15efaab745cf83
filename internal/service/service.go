package service

import (
	"context"
	"time"

	"github.com/immxrtalbeast/sigstream/internal/domain"
)

type RoomInteractor interface {
	CreateRoom(ctx context.Context, params CreateRoomParams) (*domain.Room, domain.Participant, error)
	GetRoom(ctx context.Context, id string) (*domain.Room, error)
	EndRoom(ctx context.Context, id string, reason string) error
	ListMembers(ctx context.Context, id string) ([]domain.Participant, error)
	RequestJoin(ctx context.Context, req JoinRequest) (domain.Participant, error)
	Approve(ctx context.Context, roomID, participantID string) (domain.Participant, error)
	Reject(ctx context.Context, roomID, participantID string) (domain.Participant, error)
	Remove(ctx context.Context, roomID, participantID string) (domain.Participant, error)
	Leave(ctx context.Context, roomID, participantID string) (domain.Participant, error)
	SetAdmissionMode(ctx context.Context, roomID string, mode domain.AdmissionMode) (*domain.Room, error)
	PostChatMessage(ctx context.Context, roomID, senderID string, payload domain.ChatPayload) (*domain.ChatMessage, error)
	ChatHistory(ctx context.Context, roomID string, limit int) ([]*domain.ChatMessage, error)
}

// MembershipNotifier is told about every accepted registry transition.
// The signaling relay implements it to push events to the affected sockets.
type MembershipNotifier interface {
	JoinRequested(room *domain.Room, p domain.Participant)
	AdmissionDecided(room *domain.Room, p domain.Participant)
	MemberRemoved(room *domain.Room, p domain.Participant)
	MembershipChanged(room *domain.Room)
	RoomEnded(room *domain.Room, reason string)
}

type CreateRoomParams struct {
	Kind            domain.RoomKind
	Name            string
	AdmissionMode   domain.AdmissionMode
	HostID          string
	HostName        string
	MaxParticipants int
	Lifetime        time.Duration
}

type JoinRequest struct {
	RoomID        string
	ParticipantID string
	Name          string
	// AsHost is set when the caller presented a valid host token for the room.
	AsHost bool
}

type nopNotifier struct{}

func (nopNotifier) JoinRequested(*domain.Room, domain.Participant)    {}
func (nopNotifier) AdmissionDecided(*domain.Room, domain.Participant) {}
func (nopNotifier) MemberRemoved(*domain.Room, domain.Participant)    {}
func (nopNotifier) MembershipChanged(*domain.Room)                    {}
func (nopNotifier) RoomEnded(*domain.Room, string)                    {}
