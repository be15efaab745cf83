package repository

import (
	"context"
	"sync"

	"github.com/immxrtalbeast/sigstream/internal/domain"
)

type InMemoryRoomRepository struct {
	mu    sync.RWMutex
	rooms map[string]*domain.Room
	chat  map[string][]*domain.ChatMessage
}

func NewInMemoryRoomRepository() *InMemoryRoomRepository {
	return &InMemoryRoomRepository{
		rooms: make(map[string]*domain.Room),
		chat:  make(map[string][]*domain.ChatMessage),
	}
}

func (r *InMemoryRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[room.ID]; ok {
		return ErrRoomIDExists
	}

	r.rooms[room.ID] = room
	return nil
}

func (r *InMemoryRoomRepository) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}

	return room, nil
}

func (r *InMemoryRoomRepository) Update(ctx context.Context, room *domain.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[room.ID]; !ok {
		return ErrRoomNotFound
	}

	r.rooms[room.ID] = room
	return nil
}

func (r *InMemoryRoomRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[id]; !ok {
		return ErrRoomNotFound
	}

	delete(r.rooms, id)
	delete(r.chat, id)
	return nil
}

func (r *InMemoryRoomRepository) List(ctx context.Context) ([]*domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		result = append(result, room)
	}
	return result, nil
}

func (r *InMemoryRoomRepository) SaveChatMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[msg.RoomID]; !ok {
		return ErrRoomNotFound
	}

	history := append(r.chat[msg.RoomID], msg)
	if len(history) > defaultChatHistory {
		history = history[len(history)-defaultChatHistory:]
	}
	r.chat[msg.RoomID] = history
	return nil
}

func (r *InMemoryRoomRepository) ListChatMessages(ctx context.Context, roomID string, limit int) ([]*domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.rooms[roomID]; !ok {
		return nil, ErrRoomNotFound
	}

	history := r.chat[roomID]
	limit = normalizeLimit(limit)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}

	result := make([]*domain.ChatMessage, len(history))
	copy(result, history)
	return result, nil
}
