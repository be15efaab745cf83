package converter

import (
	"time"

	"github.com/immxrtalbeast/sigstream/internal/domain"
)

type RoomResponse struct {
	ID              string                `json:"id"`
	Kind            domain.RoomKind       `json:"kind"`
	Name            string                `json:"name"`
	HostID          string                `json:"hostId"`
	HostName        string                `json:"hostName"`
	AdmissionMode   domain.AdmissionMode  `json:"admissionMode"`
	IsActive        bool                  `json:"isActive"`
	MaxParticipants int                   `json:"maxParticipants"`
	Members         []ParticipantResponse `json:"members"`
	CreatedAt       time.Time             `json:"createdAt"`
	ExpiresAt       time.Time             `json:"expiresAt"`
	EndedAt         *time.Time            `json:"endedAt,omitempty"`
	IsExpired       bool                  `json:"isExpired"`
}

type ParticipantResponse struct {
	ID              string                 `json:"id"`
	DisplayName     string                 `json:"displayName"`
	Role            domain.Role            `json:"role"`
	AdmissionStatus domain.AdmissionStatus `json:"admissionStatus"`
	JoinedAt        time.Time              `json:"joinedAt"`
}

type ChatMessageResponse struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

func RoomToApi(r *domain.Room) *RoomResponse {
	members := ParticipantsToApi(r.MembersSnapshot())

	r.Mutex.RLock()
	defer r.Mutex.RUnlock()

	resp := &RoomResponse{
		ID:              r.ID,
		Kind:            r.Kind,
		Name:            r.Name,
		HostID:          r.HostID,
		HostName:        r.HostName,
		AdmissionMode:   r.AdmissionMode,
		IsActive:        r.IsActive,
		MaxParticipants: r.MaxParticipants,
		Members:         members,
		CreatedAt:       r.CreatedAt,
		ExpiresAt:       r.ExpiresAt,
		IsExpired:       r.IsExpired(),
	}
	if !r.EndedAt.IsZero() {
		endedAt := r.EndedAt
		resp.EndedAt = &endedAt
	}
	return resp
}

func ParticipantToApi(p domain.Participant) ParticipantResponse {
	return ParticipantResponse{
		ID:              p.ID,
		DisplayName:     p.DisplayName,
		Role:            p.Role,
		AdmissionStatus: p.Status,
		JoinedAt:        p.JoinedAt,
	}
}

func ParticipantsToApi(members []domain.Participant) []ParticipantResponse {
	out := make([]ParticipantResponse, 0, len(members))
	for _, p := range members {
		out = append(out, ParticipantToApi(p))
	}
	return out
}

func ChatToApi(messages []*domain.ChatMessage) []ChatMessageResponse {
	out := make([]ChatMessageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, ChatMessageResponse{
			ID:         m.ID.String(),
			RoomID:     m.RoomID,
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			Message:    m.Content,
			Timestamp:  m.CreatedAt,
		})
	}
	return out
}
