package control

import (
	"context"
	"fmt"

	"github.com/immxrtalbeast/sigstream/internal/domain"
)

type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Issuer sends host commands for one room. The relay enforces the host
// role as well.
type Issuer struct {
	emitter Emitter
	roomID  string
	isHost  func() bool
}

func NewIssuer(emitter Emitter, roomID string, isHost func() bool) *Issuer {
	return &Issuer{emitter: emitter, roomID: roomID, isHost: isHost}
}

// Broadcast sends a command to every other member. raw may be given with
// or without the "-all" suffix.
func (i *Issuer) Broadcast(ctx context.Context, raw string) error {
	if err := i.requireHost(); err != nil {
		return err
	}
	cmd, _, err := domain.ParseCommand(raw)
	if err != nil {
		return err
	}
	if cmd.Terminal() {
		return fmt.Errorf("%w: %s must target one participant", domain.ErrValidation, cmd)
	}
	return i.emitter.Emit(ctx, domain.EventHostCommand, domain.HostCommandPayload{
		RoomID:  i.roomID,
		Command: string(cmd.All()),
	})
}

// Target sends a command to one member.
func (i *Issuer) Target(ctx context.Context, targetID, raw string) error {
	if err := i.requireHost(); err != nil {
		return err
	}
	cmd, all, err := domain.ParseCommand(raw)
	if err != nil {
		return err
	}
	if all {
		return fmt.Errorf("%w: %q is a broadcast command", domain.ErrValidation, raw)
	}
	if targetID == "" {
		return fmt.Errorf("%w: command needs a target", domain.ErrValidation)
	}
	return i.emitter.Emit(ctx, domain.EventTargetedCommand, domain.HostCommandPayload{
		RoomID:   i.roomID,
		TargetID: targetID,
		Command:  string(cmd),
	})
}

func (i *Issuer) EndMeeting(ctx context.Context) error {
	if err := i.requireHost(); err != nil {
		return err
	}
	return i.emitter.Emit(ctx, domain.EventEndMeeting, domain.RoomRef{RoomID: i.roomID})
}

func (i *Issuer) requireHost() error {
	if i.isHost == nil || !i.isHost() {
		return fmt.Errorf("%w: only the host can issue commands", domain.ErrUnauthorized)
	}
	return nil
}
