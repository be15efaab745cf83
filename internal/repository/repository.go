package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/immxrtalbeast/sigstream/internal/domain"
)

var (
	ErrRoomNotFound = fmt.Errorf("repository: %w", domain.ErrRoomNotFound)
	ErrRoomIDExists = errors.New("repository: room id already exists")
)

const defaultChatHistory = 200

type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id string) (*domain.Room, error)
	Update(ctx context.Context, room *domain.Room) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.Room, error)
}

type ChatRepository interface {
	SaveChatMessage(ctx context.Context, msg *domain.ChatMessage) error
	ListChatMessages(ctx context.Context, roomID string, limit int) ([]*domain.ChatMessage, error)
}

// Store is what the registry needs from a storage backend.
type Store interface {
	RoomRepository
	ChatRepository
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > defaultChatHistory {
		return defaultChatHistory
	}
	return limit
}
