package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/immxrtalbeast/sigstream/internal/api/http/converter"
	"github.com/immxrtalbeast/sigstream/internal/auth"
	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/internal/service"
	"github.com/immxrtalbeast/sigstream/lib/logger/sl"
)

type RoomController struct {
	rooms  service.RoomInteractor
	tokens *auth.TokenIssuer
	log    *slog.Logger
}

func NewRoomController(rooms service.RoomInteractor, tokens *auth.TokenIssuer, log *slog.Logger) *RoomController {
	if log == nil {
		log = slog.Default()
	}
	return &RoomController{
		rooms:  rooms,
		tokens: tokens,
		log:    log.With(slog.String("component", "http")),
	}
}

func (c *RoomController) CreateRoom(ctx *gin.Context) {
	type CreateRoomRequest struct {
		Kind            string `json:"kind"`
		Name            string `json:"name"`
		AdmissionMode   string `json:"admissionMode"`
		HostID          string `json:"hostId"`
		HostName        string `json:"hostName"`
		MaxParticipants int    `json:"maxParticipants"`
		LifetimeMinutes int    `json:"lifetimeMinutes"`
	}
	var req CreateRoomRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": domain.CodeValidation})
		return
	}

	kind, err := domain.ParseRoomKind(req.Kind)
	if err != nil {
		writeError(ctx, err)
		return
	}
	mode, err := domain.ParseAdmissionMode(req.AdmissionMode)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if req.MaxParticipants < 0 || req.LifetimeMinutes < 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "limits must not be negative", "code": domain.CodeValidation})
		return
	}

	room, host, err := c.rooms.CreateRoom(ctx.Request.Context(), service.CreateRoomParams{
		Kind:            kind,
		Name:            req.Name,
		AdmissionMode:   mode,
		HostID:          req.HostID,
		HostName:        req.HostName,
		MaxParticipants: req.MaxParticipants,
		Lifetime:        time.Duration(req.LifetimeMinutes) * time.Minute,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}

	token, err := c.tokens.Issue(room.ID, host.ID)
	if err != nil {
		c.log.Error("failed to issue host token", slog.String("room_id", room.ID), sl.Err(err))
		writeError(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, gin.H{
		"room":      converter.RoomToApi(room),
		"host":      converter.ParticipantToApi(host),
		"hostToken": token,
	})
}

func (c *RoomController) GetRoom(ctx *gin.Context) {
	room, err := c.rooms.GetRoom(ctx.Request.Context(), ctx.Param("roomID"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"room": converter.RoomToApi(room)})
}

func (c *RoomController) EndRoom(ctx *gin.Context) {
	if err := c.rooms.EndRoom(ctx.Request.Context(), ctx.Param("roomID"), service.EndReasonHost); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (c *RoomController) ListMembers(ctx *gin.Context) {
	members, err := c.rooms.ListMembers(ctx.Request.Context(), ctx.Param("roomID"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"members": converter.ParticipantsToApi(members)})
}

// RequestJoin registers the caller as a member. A valid host token turns the
// request into a host rejoin.
func (c *RoomController) RequestJoin(ctx *gin.Context) {
	type JoinRequest struct {
		Name          string `json:"name" binding:"required"`
		ParticipantID string `json:"participantId"`
	}
	var req JoinRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "name is required", "code": domain.CodeValidation})
		return
	}

	_, asHost := hostClaims(ctx)
	p, err := c.rooms.RequestJoin(ctx.Request.Context(), service.JoinRequest{
		RoomID:        ctx.Param("roomID"),
		ParticipantID: req.ParticipantID,
		Name:          req.Name,
		AsHost:        asHost,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"participant": converter.ParticipantToApi(p)})
}

func (c *RoomController) Approve(ctx *gin.Context) {
	c.decide(ctx, c.rooms.Approve)
}

func (c *RoomController) Reject(ctx *gin.Context) {
	c.decide(ctx, c.rooms.Reject)
}

func (c *RoomController) Remove(ctx *gin.Context) {
	c.decide(ctx, c.rooms.Remove)
}

type decisionFunc func(ctx context.Context, roomID, participantID string) (domain.Participant, error)

func (c *RoomController) decide(ctx *gin.Context, fn decisionFunc) {
	p, err := fn(ctx.Request.Context(), ctx.Param("roomID"), ctx.Param("participantID"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"participant": converter.ParticipantToApi(p)})
}

func (c *RoomController) SetAdmissionMode(ctx *gin.Context) {
	type ModeRequest struct {
		Mode string `json:"mode" binding:"required"`
	}
	var req ModeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "mode is required", "code": domain.CodeValidation})
		return
	}
	mode, err := domain.ParseAdmissionMode(req.Mode)
	if err != nil {
		writeError(ctx, err)
		return
	}

	room, err := c.rooms.SetAdmissionMode(ctx.Request.Context(), ctx.Param("roomID"), mode)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"room": converter.RoomToApi(room)})
}

func (c *RoomController) ChatHistory(ctx *gin.Context) {
	limit := 0
	if raw := ctx.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit", "code": domain.CodeValidation})
			return
		}
		limit = n
	}

	history, err := c.rooms.ChatHistory(ctx.Request.Context(), ctx.Param("roomID"), limit)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"messages": converter.ChatToApi(history)})
}

func writeError(ctx *gin.Context, err error) {
	ctx.JSON(statusFor(err), gin.H{
		"error": err.Error(),
		"code":  domain.Code(err),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound), errors.Is(err, domain.ErrParticipantMissing):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRoomInactive), errors.Is(err, domain.ErrRoomExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
