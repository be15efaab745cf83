package model

import (
	"time"

	"github.com/google/uuid"
)

type Room struct {
	ID              string     `gorm:"size:32;primaryKey"`
	Kind            string     `gorm:"size:16;not null"`
	Name            string     `gorm:"size:255;not null"`
	HostID          string     `gorm:"size:64"`
	HostName        string     `gorm:"size:255"`
	AdmissionMode   string     `gorm:"size:16;not null"`
	IsActive        bool       `gorm:"not null;index"`
	MaxParticipants int        `gorm:"not null"`
	CreatedAt       time.Time  `gorm:"not null"`
	ExpiresAt       *time.Time `gorm:"index"`
	EndedAt         *time.Time
	Members         []Member      `gorm:"constraint:OnDelete:CASCADE"`
	ChatMessages    []ChatMessage `gorm:"constraint:OnDelete:CASCADE"`
}

type Member struct {
	ID          string    `gorm:"size:64;primaryKey"`
	RoomID      string    `gorm:"size:32;primaryKey"`
	DisplayName string    `gorm:"size:255;not null"`
	Role        string    `gorm:"size:16;not null"`
	Status      string    `gorm:"size:16;not null"`
	JoinedAt    time.Time `gorm:"not null"`
	LastSeen    time.Time `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ChatMessage struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoomID     string    `gorm:"size:32;index;not null"`
	SenderID   string    `gorm:"size:64;not null"`
	SenderName string    `gorm:"size:255;not null"`
	Content    string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null;index"`
}
