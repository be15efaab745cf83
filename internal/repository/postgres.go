package repository

import (
	"context"
	"errors"
	"time"

	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/internal/repository/model"
	"gorm.io/gorm"
)

type PostgresRoomRepository struct {
	db *gorm.DB
}

func NewPostgresRoomRepository(db *gorm.DB) *PostgresRoomRepository {
	return &PostgresRoomRepository{db: db}
}

// Migrate creates or updates the tables used by the repository.
func (r *PostgresRoomRepository) Migrate() error {
	return r.db.AutoMigrate(&model.Room{}, &model.Member{}, &model.ChatMessage{})
}

func (r *PostgresRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if room == nil {
		return errors.New("room is nil")
	}

	roomModel := toModelRoom(room)

	if err := r.db.WithContext(ctx).Create(roomModel).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrRoomIDExists
		}
		return err
	}
	return nil
}

func (r *PostgresRoomRepository) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var room model.Room
	err := r.db.WithContext(ctx).Preload("Members").First(&room, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	return toDomainRoom(&room), nil
}

func (r *PostgresRoomRepository) Update(ctx context.Context, room *domain.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if room == nil {
		return errors.New("room is nil")
	}

	room.Mutex.RLock()
	roomModel := toModelRoom(room)
	room.Mutex.RUnlock()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"name":             roomModel.Name,
			"host_id":          roomModel.HostID,
			"host_name":        roomModel.HostName,
			"admission_mode":   roomModel.AdmissionMode,
			"is_active":        roomModel.IsActive,
			"max_participants": roomModel.MaxParticipants,
		}

		if roomModel.ExpiresAt == nil {
			updates["expires_at"] = gorm.Expr("NULL")
		} else {
			updates["expires_at"] = roomModel.ExpiresAt
		}
		if roomModel.EndedAt == nil {
			updates["ended_at"] = gorm.Expr("NULL")
		} else {
			updates["ended_at"] = roomModel.EndedAt
		}

		res := tx.Model(&model.Room{}).Where("id = ?", roomModel.ID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRoomNotFound
		}

		if err := tx.Where("room_id = ?", roomModel.ID).Delete(&model.Member{}).Error; err != nil {
			return err
		}

		if len(roomModel.Members) > 0 {
			if err := tx.Create(&roomModel.Members).Error; err != nil {
				return err
			}
		}

		return nil
	})
}

func (r *PostgresRoomRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	res := r.db.WithContext(ctx).Delete(&model.Room{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (r *PostgresRoomRepository) List(ctx context.Context) ([]*domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rooms []model.Room
	if err := r.db.WithContext(ctx).Preload("Members").Find(&rooms).Error; err != nil {
		return nil, err
	}

	result := make([]*domain.Room, 0, len(rooms))
	for i := range rooms {
		result = append(result, toDomainRoom(&rooms[i]))
	}

	return result, nil
}

func (r *PostgresRoomRepository) SaveChatMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil {
		return errors.New("chat message is nil")
	}

	row := model.ChatMessage{
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		CreatedAt:  msg.CreatedAt.UTC(),
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *PostgresRoomRepository) ListChatMessages(ctx context.Context, roomID string, limit int) ([]*domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []model.ChatMessage
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Limit(normalizeLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	result := make([]*domain.ChatMessage, len(rows))
	for i := range rows {
		row := rows[i]
		result[len(rows)-1-i] = &domain.ChatMessage{
			ID:         row.ID,
			RoomID:     row.RoomID,
			SenderID:   row.SenderID,
			SenderName: row.SenderName,
			Content:    row.Content,
			CreatedAt:  row.CreatedAt.UTC(),
		}
	}
	return result, nil
}

func toModelRoom(room *domain.Room) *model.Room {
	members := make([]model.Member, 0, len(room.Members))
	for _, p := range room.Members {
		if p == nil {
			continue
		}
		joinedAt := p.JoinedAt
		if joinedAt.IsZero() {
			joinedAt = time.Now().UTC()
		}
		lastSeen := p.LastSeen
		if lastSeen.IsZero() {
			lastSeen = joinedAt
		}
		members = append(members, model.Member{
			ID:          p.ID,
			RoomID:      room.ID,
			DisplayName: p.DisplayName,
			Role:        string(p.Role),
			Status:      string(p.Status),
			JoinedAt:    joinedAt.UTC(),
			LastSeen:    lastSeen.UTC(),
		})
	}

	return &model.Room{
		ID:              room.ID,
		Kind:            string(room.Kind),
		Name:            room.Name,
		HostID:          room.HostID,
		HostName:        room.HostName,
		AdmissionMode:   string(room.AdmissionMode),
		IsActive:        room.IsActive,
		MaxParticipants: room.MaxParticipants,
		CreatedAt:       room.CreatedAt.UTC(),
		ExpiresAt:       optionalTime(room.ExpiresAt),
		EndedAt:         optionalTime(room.EndedAt),
		Members:         members,
	}
}

func toDomainRoom(room *model.Room) *domain.Room {
	members := make(map[string]*domain.Participant, len(room.Members))
	for i := range room.Members {
		m := room.Members[i]
		status := domain.AdmissionStatus(m.Status)
		if status == "" {
			status = domain.StatusWaiting
		}
		members[m.ID] = &domain.Participant{
			ID:          m.ID,
			DisplayName: m.DisplayName,
			Role:        domain.Role(m.Role),
			Status:      status,
			JoinedAt:    m.JoinedAt.UTC(),
			LastSeen:    m.LastSeen.UTC(),
		}
	}

	return &domain.Room{
		ID:              room.ID,
		Kind:            domain.RoomKind(room.Kind),
		Name:            room.Name,
		HostID:          room.HostID,
		HostName:        room.HostName,
		AdmissionMode:   domain.AdmissionMode(room.AdmissionMode),
		IsActive:        room.IsActive,
		MaxParticipants: room.MaxParticipants,
		Members:         members,
		CreatedAt:       room.CreatedAt.UTC(),
		ExpiresAt:       derefTime(room.ExpiresAt),
		EndedAt:         derefTime(room.EndedAt),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
