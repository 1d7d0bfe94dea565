package model

import (
	"time"

	"github.com/google/uuid"
)

// Message is one chat utterance. Server-confirmed messages carry a positive
// Id; optimistic local entries carry Id == 0 and a TempId correlation token
// that the server echoes back on confirmation.
type Message struct {
	Id             int64     `json:"id"`
	ConsultationId int64     `json:"consultation_id"`
	SenderId       int64     `json:"sender_id"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sent_at"`
	IsRead         bool      `json:"is_read"`

	// Client-side only, never sent as part of the message body.
	TempId string `json:"-"`
	IsTemp bool   `json:"-"`
}

// NewTempMessage builds an optimistic entry for the send path.
func NewTempMessage(consultationId, senderId int64, content string) Message {
	return Message{
		ConsultationId: consultationId,
		SenderId:       senderId,
		Content:        content,
		SentAt:         time.Now().UTC(),
		TempId:         uuid.NewString(),
		IsTemp:         true,
	}
}

// AuthoredBy reports whether the message was sent by the given user.
func (m Message) AuthoredBy(userId int64) bool {
	return m.SenderId == userId
}
