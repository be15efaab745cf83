// Package registryclient wraps the room registry REST API.
package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/immxrtalbeast/sigstream/internal/domain"
)

// Room is the registry's view of a room.
type Room struct {
	ID              string               `json:"id"`
	Kind            domain.RoomKind      `json:"kind"`
	Name            string               `json:"name"`
	HostID          string               `json:"hostId"`
	HostName        string               `json:"hostName"`
	AdmissionMode   domain.AdmissionMode `json:"admissionMode"`
	IsActive        bool                 `json:"isActive"`
	MaxParticipants int                  `json:"maxParticipants"`
	Members         []domain.Participant `json:"members"`
	CreatedAt       time.Time            `json:"createdAt"`
	ExpiresAt       time.Time            `json:"expiresAt"`
	IsExpired       bool                 `json:"isExpired"`
}

// Member returns the member with id, if any.
func (r *Room) Member(id string) (domain.Participant, bool) {
	for _, m := range r.Members {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Participant{}, false
}

type CreateRoomParams struct {
	Kind            domain.RoomKind      `json:"kind,omitempty"`
	Name            string               `json:"name,omitempty"`
	AdmissionMode   domain.AdmissionMode `json:"admissionMode,omitempty"`
	HostID          string               `json:"hostId,omitempty"`
	HostName        string               `json:"hostName,omitempty"`
	MaxParticipants int                  `json:"maxParticipants,omitempty"`
	LifetimeMinutes int                  `json:"lifetimeMinutes,omitempty"`
}

type CreatedRoom struct {
	Room      Room               `json:"room"`
	Host      domain.Participant `json:"host"`
	HostToken string             `json:"hostToken"`
}

type JoinParams struct {
	RoomID        string
	ParticipantID string
	Name          string
	// HostToken makes the request a host rejoin.
	HostToken string
}

type ChatMessage struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Error is a non-2xx registry response. It unwraps to the domain error
// matching its code, so errors.Is(err, domain.ErrRoomExpired) works.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("registry: status %d (%s)", e.Status, e.Code)
	}
	return fmt.Sprintf("registry: %s (%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return domain.ErrorFromCode(e.Code)
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

func New(baseURL string, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     log.With(slog.String("component", "registryclient")),
	}
}

func (c *Client) CreateRoom(ctx context.Context, params CreateRoomParams) (*CreatedRoom, error) {
	var out CreatedRoom
	if err := c.do(ctx, http.MethodPost, "/api/rooms", "", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRoom fails with domain.ErrRoomNotFound, ErrRoomInactive or
// ErrRoomExpired when the room cannot be used.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	var out struct {
		Room Room `json:"room"`
	}
	if err := c.do(ctx, http.MethodGet, roomPath(roomID), "", nil, &out); err != nil {
		return nil, err
	}
	return &out.Room, nil
}

func (c *Client) ListMembers(ctx context.Context, roomID string) ([]domain.Participant, error) {
	var out struct {
		Members []domain.Participant `json:"members"`
	}
	if err := c.do(ctx, http.MethodGet, roomPath(roomID)+"/members", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

func (c *Client) RequestJoin(ctx context.Context, params JoinParams) (domain.Participant, error) {
	body := map[string]string{
		"name":          params.Name,
		"participantId": params.ParticipantID,
	}
	var out participantResponse
	if err := c.do(ctx, http.MethodPost, roomPath(params.RoomID)+"/request", params.HostToken, body, &out); err != nil {
		return domain.Participant{}, err
	}
	return out.Participant, nil
}

func (c *Client) Approve(ctx context.Context, roomID, participantID, hostToken string) (domain.Participant, error) {
	return c.decide(ctx, http.MethodPost, memberPath(roomID, participantID)+"/approve", hostToken)
}

func (c *Client) Reject(ctx context.Context, roomID, participantID, hostToken string) (domain.Participant, error) {
	return c.decide(ctx, http.MethodPost, memberPath(roomID, participantID)+"/reject", hostToken)
}

func (c *Client) Remove(ctx context.Context, roomID, participantID, hostToken string) (domain.Participant, error) {
	return c.decide(ctx, http.MethodDelete, memberPath(roomID, participantID), hostToken)
}

func (c *Client) SetAdmissionMode(ctx context.Context, roomID string, mode domain.AdmissionMode, hostToken string) (*Room, error) {
	var out struct {
		Room Room `json:"room"`
	}
	body := map[string]string{"mode": string(mode)}
	if err := c.do(ctx, http.MethodPost, roomPath(roomID)+"/admission", hostToken, body, &out); err != nil {
		return nil, err
	}
	return &out.Room, nil
}

func (c *Client) EndRoom(ctx context.Context, roomID, hostToken string) error {
	return c.do(ctx, http.MethodDelete, roomPath(roomID), hostToken, nil, nil)
}

func (c *Client) ChatHistory(ctx context.Context, roomID string, limit int) ([]ChatMessage, error) {
	path := roomPath(roomID) + "/chat"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Messages []ChatMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

type participantResponse struct {
	Participant domain.Participant `json:"participant"`
}

func (c *Client) decide(ctx context.Context, method, path, hostToken string) (domain.Participant, error) {
	var out participantResponse
	if err := c.do(ctx, method, path, hostToken, nil, &out); err != nil {
		return domain.Participant{}, err
	}
	return out.Participant, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("registry: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("registry: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := decodeError(resp)
		c.log.Debug("registry request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("code", apiErr.Code),
		)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("registry: decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) *Error {
	apiErr := &Error{Status: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	}
	if apiErr.Code == "" {
		apiErr.Code = codeForStatus(resp.StatusCode)
	}
	return apiErr
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return domain.CodeRoomNotFound
	case http.StatusGone:
		return domain.CodeRoomInactive
	case http.StatusBadRequest:
		return domain.CodeValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.CodeUnauthorized
	default:
		return domain.CodeInternal
	}
}

func roomPath(roomID string) string {
	return "/api/rooms/" + url.PathEscape(roomID)
}

func memberPath(roomID, participantID string) string {
	return roomPath(roomID) + "/members/" + url.PathEscape(participantID)
}

// IsRoomGone reports whether err means the room can no longer be joined.
func IsRoomGone(err error) bool {
	return errors.Is(err, domain.ErrRoomNotFound) ||
		errors.Is(err, domain.ErrRoomInactive) ||
		errors.Is(err, domain.ErrRoomExpired)
}
