package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRoomRepositoryCRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRoomRepository()
	room := domain.NewRoom(domain.RoomKindConference, "standup", domain.AdmissionAuto, 0, time.Hour)

	require.NoError(t, repo.Create(ctx, room))
	assert.ErrorIs(t, repo.Create(ctx, room), ErrRoomIDExists)

	got, err := repo.GetByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Same(t, room, got)

	rooms, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)

	require.NoError(t, repo.Delete(ctx, room.ID))
	_, err = repo.GetByID(ctx, room.ID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.ErrorIs(t, repo.Update(ctx, room), ErrRoomNotFound)
}

func TestInMemoryRoomRepositoryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repo := NewInMemoryRoomRepository()
	_, err := repo.GetByID(ctx, "anything")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInMemoryChatHistoryIsCapped(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRoomRepository()
	room := domain.NewRoom(domain.RoomKindBroadcast, "live", domain.AdmissionAuto, 0, 0)
	require.NoError(t, repo.Create(ctx, room))

	sender := domain.Participant{ID: "p1", DisplayName: "Ann"}
	for i := 0; i < defaultChatHistory+5; i++ {
		require.NoError(t, repo.SaveChatMessage(ctx, domain.NewChatMessage(room.ID, sender, fmt.Sprintf("msg %d", i))))
	}

	history, err := repo.ListChatMessages(ctx, room.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, defaultChatHistory)
	assert.Equal(t, "msg 5", history[0].Content)

	last, err := repo.ListChatMessages(ctx, room.ID, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, fmt.Sprintf("msg %d", defaultChatHistory+4), last[1].Content)

	err = repo.SaveChatMessage(ctx, domain.NewChatMessage("missing", sender, "hi"))
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestTTLForKeepsExpiredRoomsBriefly(t *testing.T) {
	assert.Equal(t, roomTTL, ttlFor(time.Time{}))
	assert.Equal(t, expiredRetained, ttlFor(time.Now().Add(-time.Hour)))
	assert.Greater(t, ttlFor(time.Now().Add(2*time.Hour)), 2*time.Hour)
}
