package domain

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	linkLength = 12

	DefaultMaxParticipants = 50
)

type RoomKind string

const (
	// RoomKindBroadcast is a one-to-many room: the host publishes, viewers receive.
	RoomKindBroadcast RoomKind = "broadcast"
	// RoomKindConference is a symmetric mesh room.
	RoomKindConference RoomKind = "conference"
)

type AdmissionMode string

const (
	AdmissionAuto   AdmissionMode = "auto"
	AdmissionManual AdmissionMode = "manual"
)

func ParseRoomKind(raw string) (RoomKind, error) {
	switch RoomKind(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RoomKindBroadcast, "session":
		return RoomKindBroadcast, nil
	case RoomKindConference, "meeting":
		return RoomKindConference, nil
	default:
		return "", fmt.Errorf("%w: unknown room kind %q", ErrValidation, raw)
	}
}

// ParseAdmissionMode accepts both auto/manual and the open/moderated
// wording used by conference rooms.
func ParseAdmissionMode(raw string) (AdmissionMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "auto", "open":
		return AdmissionAuto, nil
	case "manual", "moderated":
		return AdmissionManual, nil
	default:
		return "", fmt.Errorf("%w: unknown admission mode %q", ErrValidation, raw)
	}
}

// Room is a broadcast or conference room together with its member list.
// Members are keyed by connection id.
type Room struct {
	Mutex           sync.RWMutex
	ID              string
	Kind            RoomKind
	Name            string
	HostID          string
	HostName        string
	AdmissionMode   AdmissionMode
	IsActive        bool
	MaxParticipants int
	Members         map[string]*Participant
	CreatedAt       time.Time
	ExpiresAt       time.Time
	EndedAt         time.Time
}

// NewRoom constructs an active room with a generated share-link id.
func NewRoom(kind RoomKind, name string, mode AdmissionMode, maxParticipants int, lifetime time.Duration) *Room {
	now := time.Now().UTC()
	if maxParticipants <= 0 {
		maxParticipants = DefaultMaxParticipants
	}
	room := &Room{
		ID:              generateLink(),
		Kind:            kind,
		Name:            name,
		AdmissionMode:   mode,
		IsActive:        true,
		MaxParticipants: maxParticipants,
		Members:         make(map[string]*Participant),
		CreatedAt:       now,
	}

	if lifetime > 0 {
		room.ExpiresAt = now.Add(lifetime)
	}

	return room
}

// IsExpired reports whether the room lifetime has passed.
func (r *Room) IsExpired() bool {
	if r == nil {
		return true
	}
	if r.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().UTC().After(r.ExpiresAt)
}

// CheckOpen returns ErrRoomInactive or ErrRoomExpired when the room can no
// longer accept admissions or signaling.
func (r *Room) CheckOpen() error {
	r.Mutex.RLock()
	active := r.IsActive
	r.Mutex.RUnlock()

	if r.IsExpired() {
		return ErrRoomExpired
	}
	if !active {
		return ErrRoomInactive
	}
	return nil
}

// Member returns a copy of the member record.
func (r *Room) Member(id string) (Participant, bool) {
	r.Mutex.RLock()
	defer r.Mutex.RUnlock()

	p, ok := r.Members[id]
	if !ok || p == nil {
		return Participant{}, false
	}
	return *p, true
}

// MembersSnapshot returns copies of all members ordered by join time.
func (r *Room) MembersSnapshot() []Participant {
	r.Mutex.RLock()
	members := make([]Participant, 0, len(r.Members))
	for _, p := range r.Members {
		if p == nil {
			continue
		}
		members = append(members, *p)
	}
	r.Mutex.RUnlock()

	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ID < members[j].ID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members
}

// OccupiedSeats counts members that are waiting or approved.
// Caller must hold the room lock.
func (r *Room) OccupiedSeats() int {
	n := 0
	for _, p := range r.Members {
		if p == nil {
			continue
		}
		if p.Status == StatusWaiting || p.Status == StatusApproved {
			n++
		}
	}
	return n
}

func generateLink() string {
	link := strings.ReplaceAll(uuid.New().String(), "-", "")
	if len(link) <= linkLength {
		return link
	}
	return link[:linkLength]
}
