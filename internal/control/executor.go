// Package control applies host commands on the receiving side and builds
// them on the issuing side.
package control

import (
	"fmt"
	"log/slog"

	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/internal/media"
)

// Executor applies peer-command events addressed to the local participant.
type Executor struct {
	stream func() *media.Stream
	leave  func(reason error)
	log    *slog.Logger
}

// NewExecutor returns an Executor that toggles tracks of the stream
// returned by stream and calls leave when the participant is removed.
func NewExecutor(stream func() *media.Stream, leave func(reason error), log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{stream: stream, leave: leave, log: log.With(slog.String("component", "control"))}
}

// Apply executes cmd and reports whether local state changed. Applying the
// same command twice changes nothing the second time.
func (e *Executor) Apply(cmd domain.PeerCommandPayload) (bool, error) {
	log := e.log.With(
		slog.String("command", string(cmd.Command)),
		slog.Bool("all", cmd.All),
		slog.String("issued_by", cmd.IssuedBy),
	)

	switch cmd.Command {
	case domain.CommandMute:
		return e.toggle(log, media.KindAudio, false), nil
	case domain.CommandUnmute:
		return e.toggle(log, media.KindAudio, true), nil
	case domain.CommandCloseVideo:
		return e.toggle(log, media.KindVideo, false), nil
	case domain.CommandOpenVideo:
		return e.toggle(log, media.KindVideo, true), nil
	case domain.CommandRemove:
		if cmd.All {
			return false, fmt.Errorf("%w: remove cannot be broadcast", domain.ErrValidation)
		}
		log.Info("removed by host")
		if e.leave != nil {
			e.leave(domain.ErrAdmissionRevoked)
		}
		return true, nil
	default:
		return false, fmt.Errorf("%w: unknown command %q", domain.ErrValidation, cmd.Command)
	}
}

func (e *Executor) toggle(log *slog.Logger, kind media.Kind, enabled bool) bool {
	var stream *media.Stream
	if e.stream != nil {
		stream = e.stream()
	}
	if stream == nil {
		log.Debug("no local media to apply command to")
		return false
	}

	changed := stream.SetEnabled(kind, enabled)
	if changed {
		log.Info("command applied", slog.String("kind", string(kind)), slog.Bool("enabled", enabled))
	}
	return changed
}
