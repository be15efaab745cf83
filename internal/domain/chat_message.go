package domain

import (
	"time"

	"github.com/google/uuid"
)

type ChatMessage struct {
	ID         uuid.UUID `json:"id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"message"`
	CreatedAt  time.Time `json:"timestamp"`
}

func NewChatMessage(roomID string, sender Participant, content string) *ChatMessage {
	return &ChatMessage{
		ID:         uuid.New(),
		RoomID:     roomID,
		SenderID:   sender.ID,
		SenderName: sender.DisplayName,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
}
