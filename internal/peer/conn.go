// Package peer manages the local participant's peer connections, one per
// remote participant.
package peer

import (
	"context"

	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/internal/media"
	"github.com/pion/webrtc/v3"
)

type State string

const (
	StateNew       State = "new"
	StateSignaling State = "signaling"
	StateConnected State = "connected"
	StateClosed    State = "closed"
)

// Conn is one peer connection. Callbacks may fire on any goroutine. A
// connection that fails reports StateClosed.
type Conn interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (domain.Signal, error)
	// AcceptOffer applies a remote offer and returns the applied answer.
	AcceptOffer(ctx context.Context, offer domain.Signal) (domain.Signal, error)
	AcceptAnswer(answer domain.Signal) error
	AddCandidate(c webrtc.ICECandidateInit) error
	// SetTrack sends t, replacing the outgoing track of the same kind
	// without renegotiating when one exists. It reports whether a new
	// sender was added instead.
	SetTrack(t media.Track) (added bool, err error)
	// RemoveTrack stops sending kind and reports whether a sender existed.
	RemoveTrack(kind media.Kind) (removed bool, err error)
	OnCandidate(fn func(webrtc.ICECandidateInit))
	OnStateChange(fn func(State))
	Close() error
}

type Factory interface {
	NewConn(remoteID string) (Conn, error)
}

// Emitter sends signaling events.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}
