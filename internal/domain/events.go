package domain

import (
	"encoding/json"
	"time"
)

// Event names exchanged over the signaling socket.
const (
	EventWelcome           = "welcome"
	EventJoinSession       = "join-session"
	EventJoinRequest       = "join-request"
	EventPendingJoin       = "pending-join"
	EventApproveJoin       = "approve-join"
	EventRejectJoin        = "reject-join"
	EventJoinApproved      = "join-approved"
	EventJoinRejected      = "join-rejected"
	EventMemberRemoved     = "member-removed"
	EventMembershipChanged = "membership-changed"
	EventViewerReady       = "viewer-ready"
	EventViewerWatching    = "viewer-watching"
	EventViewerConnected   = "viewer-connected"
	EventViewerLeft        = "viewer-left"
	EventLeave             = "leave"
	EventSignal            = "signal"
	EventHostCommand       = "host-command"
	EventTargetedCommand   = "targeted-command"
	EventPeerCommand       = "peer-command"
	EventChatMessage       = "chat-message"
	EventReaction          = "reaction"
	EventEndMeeting        = "end-meeting"
	EventMeetingEnded      = "meeting-ended"
	EventHostLeaving       = "host-leaving"
	EventHostLeft          = "host-left"
	EventPing              = "ping"
	EventPong              = "pong"
	EventError             = "error"
)

// Frame is the envelope of every socket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}

type WelcomePayload struct {
	ID string `json:"id"`
}

// RoomRef is the payload of events that only name a room.
type RoomRef struct {
	RoomID string `json:"roomId"`
}

type JoinRequestPayload struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
}

type PendingJoinPayload struct {
	RoomID      string      `json:"roomId"`
	Participant Participant `json:"participant"`
}

// AdmissionPayload is sent to exactly one participant for join-approved,
// join-rejected and member-removed.
type AdmissionPayload struct {
	RoomID        string          `json:"roomId"`
	ParticipantID string          `json:"participantId"`
	Status        AdmissionStatus `json:"status"`
	Reason        string          `json:"reason,omitempty"`
}

// DecisionPayload is the host-side approve-join / reject-join request.
type DecisionPayload struct {
	RoomID   string `json:"roomId"`
	ViewerID string `json:"viewerId"`
}

// ViewerPayload carries viewer-ready, viewer-watching, viewer-connected,
// viewer-left and host-left.
type ViewerPayload struct {
	RoomID   string `json:"roomId"`
	ViewerID string `json:"viewerId"`
	Name     string `json:"name,omitempty"`
}

type MembershipPayload struct {
	RoomID  string        `json:"roomId"`
	Members []Participant `json:"members"`
}

type HostCommandPayload struct {
	RoomID   string `json:"roomId"`
	TargetID string `json:"targetId,omitempty"`
	Command  string `json:"command"`
}

type PeerCommandPayload struct {
	RoomID   string  `json:"roomId"`
	Command  Command `json:"command"`
	All      bool    `json:"all,omitempty"`
	IssuedBy string  `json:"issuedBy"`
}

type ChatPayload struct {
	RoomID     string    `json:"roomId"`
	ID         string    `json:"id,omitempty"`
	Message    string    `json:"message"`
	SenderID   string    `json:"senderId,omitempty"`
	SenderName string    `json:"senderName,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

type ReactionPayload struct {
	RoomID     string `json:"roomId"`
	Reaction   string `json:"reaction"`
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
}

type MeetingEndedPayload struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
