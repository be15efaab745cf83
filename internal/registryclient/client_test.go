package registryclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	httpapi "github.com/immxrtalbeast/sigstream/internal/api/http"
	"github.com/immxrtalbeast/sigstream/internal/auth"
	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/internal/repository"
	"github.com/immxrtalbeast/sigstream/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewRoomService(repository.NewInMemoryRoomRepository(), log, nil, service.Options{DefaultLifetime: time.Hour})
	tokens := auth.NewTokenIssuer("secret", time.Hour)
	router := httpapi.SetupRouter(httpapi.NewRoomController(svc, tokens, log), tokens, nil, httpapi.RouterOptions{
		Gatherer: prometheus.NewRegistry(),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return New(srv.URL, srv.Client(), log)
}

func TestCreateAndFetch(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	created, err := c.CreateRoom(ctx, CreateRoomParams{
		Kind:          domain.RoomKindBroadcast,
		Name:          "launch",
		AdmissionMode: domain.AdmissionManual,
		HostID:        "h1",
		HostName:      "Hana",
	})
	require.NoError(t, err)
	assert.Equal(t, "h1", created.Host.ID)
	assert.Equal(t, domain.RoleHost, created.Host.Role)
	assert.NotEmpty(t, created.HostToken)

	room, err := c.GetRoom(ctx, created.Room.ID)
	require.NoError(t, err)
	assert.True(t, room.IsActive)
	host, ok := room.Member("h1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusApproved, host.Status)
}

func TestTypedErrors(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetRoom(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.True(t, IsRoomGone(err))

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.Status)

	created, err := c.CreateRoom(ctx, CreateRoomParams{HostID: "h1"})
	require.NoError(t, err)

	_, err = c.RequestJoin(ctx, JoinParams{RoomID: created.Room.ID, ParticipantID: "v1"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, c.EndRoom(ctx, created.Room.ID, created.HostToken))
	_, err = c.GetRoom(ctx, created.Room.ID)
	assert.ErrorIs(t, err, domain.ErrRoomInactive)
	assert.False(t, errors.Is(err, domain.ErrRoomExpired))
}

func TestHostCallsNeedToken(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	created, err := c.CreateRoom(ctx, CreateRoomParams{HostID: "h1", AdmissionMode: domain.AdmissionManual})
	require.NoError(t, err)
	roomID := created.Room.ID

	p, err := c.RequestJoin(ctx, JoinParams{RoomID: roomID, ParticipantID: "v1", Name: "Vera"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, p.Status)

	_, err = c.Approve(ctx, roomID, "v1", "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	p, err = c.Reject(ctx, roomID, "v1", created.HostToken)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, p.Status)

	p, err = c.RequestJoin(ctx, JoinParams{RoomID: roomID, ParticipantID: "v1", Name: "Vera"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, p.Status)

	p, err = c.Approve(ctx, roomID, "v1", created.HostToken)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, p.Status)

	members, err := c.ListMembers(ctx, roomID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	p, err = c.Remove(ctx, roomID, "v1", created.HostToken)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRemoved, p.Status)

	room, err := c.SetAdmissionMode(ctx, roomID, domain.AdmissionAuto, created.HostToken)
	require.NoError(t, err)
	assert.Equal(t, domain.AdmissionAuto, room.AdmissionMode)

	history, err := c.ChatHistory(ctx, roomID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}
