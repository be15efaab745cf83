package session

import (
	"github.com/immxrtalbeast/sigstream/internal/admission"
	"github.com/immxrtalbeast/sigstream/internal/domain"
)

type EventKind string

const (
	EventAdmission   EventKind = "admission"
	EventPendingJoin EventKind = "pending-join"
	EventChat        EventKind = "chat"
	EventReaction    EventKind = "reaction"
	EventCommand     EventKind = "command"
	EventLinkFailed  EventKind = "link-failed"
	EventRoomEnded   EventKind = "room-ended"
	EventHostLeft    EventKind = "host-left"

	// EventDisconnected reports a lost signaling connection. A rejoin
	// follows once the transport reconnects.
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
)

// Event is something the person in front of the session should hear about.
type Event struct {
	Kind   EventKind
	RoomID string

	// Admission is set for EventAdmission.
	Admission admission.State
	// Participant is the requester for EventPendingJoin.
	Participant domain.Participant
	Chat        *domain.ChatPayload
	Reaction    *domain.ReactionPayload
	Command     *domain.PeerCommandPayload
	RemoteID    string

	Err     error
	Message string
}

// Notifier receives events on the session goroutine and must not block.
type Notifier interface {
	Notify(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
