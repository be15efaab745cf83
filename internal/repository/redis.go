package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	roomTTL         = 24 * time.Hour
	expiredRetained = time.Hour

	roomsIndexKey = "rooms"
)

func roomKey(id string) string { return "room:" + id }
func chatKey(id string) string { return "room:" + id + ":chat" }

// RedisRoomRepository keeps each room as a JSON document with a TTL and its
// chat history as a capped list next to it.
type RedisRoomRepository struct {
	client *redis.Client
}

func NewRedisRoomRepository(client *redis.Client) *RedisRoomRepository {
	return &RedisRoomRepository{client: client}
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

type redisRoom struct {
	ID              string               `json:"id"`
	Kind            string               `json:"kind"`
	Name            string               `json:"name"`
	HostID          string               `json:"hostId"`
	HostName        string               `json:"hostName"`
	AdmissionMode   string               `json:"admissionMode"`
	IsActive        bool                 `json:"isActive"`
	MaxParticipants int                  `json:"maxParticipants"`
	Members         []domain.Participant `json:"members"`
	CreatedAt       time.Time            `json:"createdAt"`
	ExpiresAt       time.Time            `json:"expiresAt"`
	EndedAt         time.Time            `json:"endedAt"`
}

func (r *RedisRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	if room == nil {
		return errors.New("room is nil")
	}

	data, err := json.Marshal(toRedisRoom(room))
	if err != nil {
		return err
	}

	ok, err := r.client.SetNX(ctx, roomKey(room.ID), data, ttlFor(room.ExpiresAt)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoomIDExists
	}

	return r.client.SAdd(ctx, roomsIndexKey, room.ID).Err()
}

func (r *RedisRoomRepository) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	data, err := r.client.Get(ctx, roomKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	var rec redisRoom
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}

	return fromRedisRoom(&rec), nil
}

func (r *RedisRoomRepository) Update(ctx context.Context, room *domain.Room) error {
	if room == nil {
		return errors.New("room is nil")
	}

	room.Mutex.RLock()
	rec := toRedisRoom(room)
	room.Mutex.RUnlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	ok, err := r.client.SetXX(ctx, roomKey(room.ID), data, ttlFor(rec.ExpiresAt)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoomNotFound
	}
	return nil
}

func (r *RedisRoomRepository) Delete(ctx context.Context, id string) error {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, roomKey(id))
		pipe.Del(ctx, chatKey(id))
		pipe.SRem(ctx, roomsIndexKey, id)
		return nil
	})
	if err != nil {
		return err
	}
	if removed.Val() == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (r *RedisRoomRepository) List(ctx context.Context) ([]*domain.Room, error) {
	ids, err := r.client.SMembers(ctx, roomsIndexKey).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*domain.Room, 0, len(ids))
	for _, id := range ids {
		room, err := r.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, ErrRoomNotFound) {
				// TTL already dropped the document; clean up the index.
				r.client.SRem(ctx, roomsIndexKey, id)
				continue
			}
			return nil, err
		}
		result = append(result, room)
	}
	return result, nil
}

func (r *RedisRoomRepository) SaveChatMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if msg == nil {
		return errors.New("chat message is nil")
	}

	ttl, err := r.client.TTL(ctx, roomKey(msg.RoomID)).Result()
	if err != nil {
		return err
	}
	// -2 means the key does not exist.
	if ttl == -2 {
		return ErrRoomNotFound
	}
	if ttl <= 0 {
		ttl = roomTTL
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, chatKey(msg.RoomID), data)
		pipe.LTrim(ctx, chatKey(msg.RoomID), -defaultChatHistory, -1)
		pipe.Expire(ctx, chatKey(msg.RoomID), ttl)
		return nil
	})
	return err
}

func (r *RedisRoomRepository) ListChatMessages(ctx context.Context, roomID string, limit int) ([]*domain.ChatMessage, error) {
	limit = normalizeLimit(limit)

	raw, err := r.client.LRange(ctx, chatKey(roomID), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*domain.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to parse chat message: %w", err)
		}
		result = append(result, &msg)
	}
	return result, nil
}

// ttlFor keeps expired rooms around for a while so lookups can still tell
// "expired" apart from "not found".
func ttlFor(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return roomTTL
	}
	ttl := time.Until(expiresAt) + expiredRetained
	if ttl < expiredRetained {
		return expiredRetained
	}
	return ttl
}

func toRedisRoom(room *domain.Room) redisRoom {
	members := make([]domain.Participant, 0, len(room.Members))
	for _, p := range room.Members {
		if p == nil {
			continue
		}
		members = append(members, *p)
	}

	return redisRoom{
		ID:              room.ID,
		Kind:            string(room.Kind),
		Name:            room.Name,
		HostID:          room.HostID,
		HostName:        room.HostName,
		AdmissionMode:   string(room.AdmissionMode),
		IsActive:        room.IsActive,
		MaxParticipants: room.MaxParticipants,
		Members:         members,
		CreatedAt:       room.CreatedAt.UTC(),
		ExpiresAt:       room.ExpiresAt.UTC(),
		EndedAt:         room.EndedAt.UTC(),
	}
}

func fromRedisRoom(rec *redisRoom) *domain.Room {
	members := make(map[string]*domain.Participant, len(rec.Members))
	for i := range rec.Members {
		p := rec.Members[i]
		members[p.ID] = &p
	}

	return &domain.Room{
		ID:              rec.ID,
		Kind:            domain.RoomKind(rec.Kind),
		Name:            rec.Name,
		HostID:          rec.HostID,
		HostName:        rec.HostName,
		AdmissionMode:   domain.AdmissionMode(rec.AdmissionMode),
		IsActive:        rec.IsActive,
		MaxParticipants: rec.MaxParticipants,
		Members:         members,
		CreatedAt:       rec.CreatedAt,
		ExpiresAt:       rec.ExpiresAt,
		EndedAt:         rec.EndedAt,
	}
}
