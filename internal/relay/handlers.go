package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/internal/service"
	"github.com/immxrtalbeast/sigstream/lib/logger/sl"
)

const handlerTimeout = 5 * time.Second

type handlerFunc func(ctx context.Context, c *Conn, data json.RawMessage) error

func (h *Hub) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		domain.EventPing:            h.handlePing,
		domain.EventJoinRequest:     h.handleJoinRequest,
		domain.EventJoinSession:     h.handleJoinSession,
		domain.EventApproveJoin:     h.handleDecision(true),
		domain.EventRejectJoin:      h.handleDecision(false),
		domain.EventViewerReady:     h.forwardToHost(domain.EventViewerReady),
		domain.EventViewerWatching:  h.forwardToHost(domain.EventViewerWatching),
		domain.EventSignal:          h.handleSignal,
		domain.EventHostCommand:     h.handleHostCommand,
		domain.EventTargetedCommand: h.handleTargetedCommand,
		domain.EventChatMessage:     h.handleChat,
		domain.EventReaction:        h.handleReaction,
		domain.EventEndMeeting:      h.handleEndMeeting,
		domain.EventHostLeaving:     h.handleLeave,
		domain.EventLeave:           h.handleLeave,
		domain.EventViewerLeft:      h.handleLeave,
	}
}

func (h *Hub) dispatch(c *Conn, frame domain.Frame) {
	h.metrics.EventsReceived.WithLabelValues(frame.Event).Inc()

	handler, ok := h.routes[frame.Event]
	if !ok {
		c.sendError(frame.Event, fmt.Errorf("%w: unknown event %q", domain.ErrValidation, frame.Event))
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, handlerTimeout)
	defer cancel()

	if err := handler(ctx, c, frame.Data); err != nil {
		c.log.Debug("event rejected", slog.String("event", frame.Event), sl.Err(err))
		c.sendError(frame.Event, err)
	}
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

func (h *Hub) handlePing(_ context.Context, c *Conn, _ json.RawMessage) error {
	c.enqueue(domain.EventPong, nil)
	return nil
}

func (h *Hub) handleJoinRequest(ctx context.Context, c *Conn, data json.RawMessage) error {
	var req domain.JoinRequestPayload
	if err := decode(data, &req); err != nil {
		return err
	}

	c.trackRoom(req.RoomID)
	p, err := h.rooms.RequestJoin(ctx, service.JoinRequest{
		RoomID:        req.RoomID,
		ParticipantID: c.ID,
		Name:          req.Name,
	})
	if err != nil {
		c.untrackRoom(req.RoomID)
		return err
	}

	c.enqueue(domain.EventJoinRequest, domain.AdmissionPayload{
		RoomID:        req.RoomID,
		ParticipantID: p.ID,
		Status:        p.Status,
	})
	return nil
}

// handleJoinSession subscribes an admitted member to room broadcasts. In
// conference rooms the other members are told to initiate toward it.
func (h *Hub) handleJoinSession(ctx context.Context, c *Conn, data json.RawMessage) error {
	var ref domain.RoomRef
	if err := decode(data, &ref); err != nil {
		return err
	}

	room, me, err := h.admittedMember(ctx, ref.RoomID, c.ID)
	if err != nil {
		return err
	}

	already := h.subscribed(room.ID, c.ID)
	h.subscribe(room.ID, c)

	if room.Kind == domain.RoomKindConference && !already {
		h.broadcast(room.ID, domain.EventViewerConnected, domain.ViewerPayload{
			RoomID:   room.ID,
			ViewerID: c.ID,
			Name:     me.DisplayName,
		}, c.ID)
	}
	return nil
}

func (h *Hub) handleDecision(approve bool) handlerFunc {
	return func(ctx context.Context, c *Conn, data json.RawMessage) error {
		var req domain.DecisionPayload
		if err := decode(data, &req); err != nil {
			return err
		}
		if _, err := h.requireHost(ctx, req.RoomID, c.ID); err != nil {
			return err
		}

		var err error
		if approve {
			_, err = h.rooms.Approve(ctx, req.RoomID, req.ViewerID)
		} else {
			_, err = h.rooms.Reject(ctx, req.RoomID, req.ViewerID)
		}
		return err
	}
}

// forwardToHost relays viewer-ready and viewer-watching to the room host,
// stamped with the sender id.
func (h *Hub) forwardToHost(event string) handlerFunc {
	return func(ctx context.Context, c *Conn, data json.RawMessage) error {
		var ref domain.RoomRef
		if err := decode(data, &ref); err != nil {
			return err
		}

		room, me, err := h.admittedMember(ctx, ref.RoomID, c.ID)
		if err != nil {
			return err
		}

		h.deliver(hostID(room), event, domain.ViewerPayload{
			RoomID:   room.ID,
			ViewerID: c.ID,
			Name:     me.DisplayName,
		})
		return nil
	}
}

func (h *Hub) handleSignal(ctx context.Context, c *Conn, data json.RawMessage) error {
	var env domain.SignalEnvelope
	if err := decode(data, &env); err != nil {
		return err
	}
	if err := env.Signal.Validate(); err != nil {
		return err
	}
	if env.TargetID == "" || env.TargetID == c.ID {
		return fmt.Errorf("%w: signal needs another participant as target", domain.ErrValidation)
	}

	room, _, err := h.admittedMember(ctx, env.RoomID, c.ID)
	if err != nil {
		return err
	}
	target, ok := room.Member(env.TargetID)
	if !ok || !target.IsApproved() {
		return fmt.Errorf("%w: signal target is not in the room", domain.ErrParticipantMissing)
	}

	env.SenderID = c.ID
	h.deliver(target.ID, domain.EventSignal, env)
	return nil
}

func (h *Hub) handleHostCommand(ctx context.Context, c *Conn, data json.RawMessage) error {
	var req domain.HostCommandPayload
	if err := decode(data, &req); err != nil {
		return err
	}
	room, err := h.requireHost(ctx, req.RoomID, c.ID)
	if err != nil {
		return err
	}

	cmd, _, err := domain.ParseCommand(req.Command)
	if err != nil {
		return err
	}
	if cmd.Terminal() {
		return fmt.Errorf("%w: %s must target one participant", domain.ErrValidation, cmd)
	}

	h.broadcast(room.ID, domain.EventPeerCommand, domain.PeerCommandPayload{
		RoomID:   room.ID,
		Command:  cmd,
		All:      true,
		IssuedBy: c.ID,
	}, c.ID)
	return nil
}

func (h *Hub) handleTargetedCommand(ctx context.Context, c *Conn, data json.RawMessage) error {
	var req domain.HostCommandPayload
	if err := decode(data, &req); err != nil {
		return err
	}
	room, err := h.requireHost(ctx, req.RoomID, c.ID)
	if err != nil {
		return err
	}

	cmd, _, err := domain.ParseCommand(req.Command)
	if err != nil {
		return err
	}
	if req.TargetID == "" || req.TargetID == c.ID {
		return fmt.Errorf("%w: command needs another participant as target", domain.ErrValidation)
	}
	if _, ok := room.Member(req.TargetID); !ok {
		return fmt.Errorf("%w: command target is not in the room", domain.ErrParticipantMissing)
	}

	h.deliver(req.TargetID, domain.EventPeerCommand, domain.PeerCommandPayload{
		RoomID:   room.ID,
		Command:  cmd,
		IssuedBy: c.ID,
	})

	if cmd.Terminal() {
		if _, err := h.rooms.Remove(ctx, room.ID, req.TargetID); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) handleChat(ctx context.Context, c *Conn, data json.RawMessage) error {
	var req domain.ChatPayload
	if err := decode(data, &req); err != nil {
		return err
	}

	msg, err := h.rooms.PostChatMessage(ctx, req.RoomID, c.ID, req)
	if err != nil {
		return err
	}

	h.broadcast(msg.RoomID, domain.EventChatMessage, domain.ChatPayload{
		RoomID:     msg.RoomID,
		ID:         msg.ID.String(),
		Message:    msg.Content,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Timestamp:  msg.CreatedAt,
	}, "")
	return nil
}

func (h *Hub) handleReaction(ctx context.Context, c *Conn, data json.RawMessage) error {
	var req domain.ReactionPayload
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.Reaction == "" {
		return fmt.Errorf("%w: empty reaction", domain.ErrValidation)
	}

	room, me, err := h.admittedMember(ctx, req.RoomID, c.ID)
	if err != nil {
		return err
	}

	req.RoomID = room.ID
	req.SenderID = c.ID
	if req.SenderName == "" {
		req.SenderName = me.DisplayName
	}
	h.broadcast(room.ID, domain.EventReaction, req, c.ID)
	return nil
}

func (h *Hub) handleEndMeeting(ctx context.Context, c *Conn, data json.RawMessage) error {
	var ref domain.RoomRef
	if err := decode(data, &ref); err != nil {
		return err
	}
	if _, err := h.requireHost(ctx, ref.RoomID, c.ID); err != nil {
		return err
	}
	return h.rooms.EndRoom(ctx, ref.RoomID, service.EndReasonHost)
}

func (h *Hub) handleLeave(ctx context.Context, c *Conn, data json.RawMessage) error {
	var ref domain.RoomRef
	if err := decode(data, &ref); err != nil {
		return err
	}
	h.leaveRoom(ctx, c, ref.RoomID)
	return nil
}

// admittedMember returns the open room and the caller's member record,
// which must be approved.
func (h *Hub) admittedMember(ctx context.Context, roomID, connID string) (*domain.Room, domain.Participant, error) {
	room, err := h.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, domain.Participant{}, err
	}
	me, ok := room.Member(connID)
	if !ok {
		return nil, domain.Participant{}, domain.ErrParticipantMissing
	}
	if !me.IsApproved() {
		return nil, domain.Participant{}, fmt.Errorf("%w: not admitted", domain.ErrUnauthorized)
	}
	return room, me, nil
}

func (h *Hub) requireHost(ctx context.Context, roomID, connID string) (*domain.Room, error) {
	room, me, err := h.admittedMember(ctx, roomID, connID)
	if err != nil {
		if errors.Is(err, domain.ErrParticipantMissing) {
			return nil, fmt.Errorf("%w: only the host may do this", domain.ErrUnauthorized)
		}
		return nil, err
	}
	if !me.IsHost() || hostID(room) != connID {
		return nil, fmt.Errorf("%w: only the host may do this", domain.ErrUnauthorized)
	}
	return room, nil
}
