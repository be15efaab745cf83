package domain

import (
	"time"
)

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

type AdmissionStatus string

const (
	StatusWaiting  AdmissionStatus = "waiting"
	StatusApproved AdmissionStatus = "approved"
	StatusRejected AdmissionStatus = "rejected"
	StatusRemoved  AdmissionStatus = "removed"
)

// Participant is a member of a room. ID is the signaling connection id and
// is only stable for the lifetime of that socket.
type Participant struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"displayName"`
	Role        Role            `json:"role"`
	Status      AdmissionStatus `json:"admissionStatus"`
	JoinedAt    time.Time       `json:"joinedAt"`
	LastSeen    time.Time       `json:"lastSeen"`
}

func NewParticipant(id, displayName string, role Role) *Participant {
	now := time.Now().UTC()
	return &Participant{
		ID:          id,
		DisplayName: displayName,
		Role:        role,
		Status:      StatusWaiting,
		JoinedAt:    now,
		LastSeen:    now,
	}
}

func (p Participant) IsHost() bool {
	return p.Role == RoleHost
}

func (p Participant) IsApproved() bool {
	return p.Status == StatusApproved
}

func (p *Participant) Touch() {
	p.LastSeen = time.Now().UTC()
}
