package model

import (
	"slices"
	"time"
)

const MessageTableName = "messages"

// Message is immutable after send except for DeletedBy.
type Message struct {
	ID        string    `bson:"_id" json:"id"`
	ChatID    string    `bson:"chat_id" json:"chatId"`
	SenderID  string    `bson:"sender_id" json:"senderId"`
	Content   string    `bson:"content" json:"content"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	DeletedBy []string  `bson:"deleted_by" json:"-"` // users the message is hidden from
}

func (m *Message) GetTableName() string {
	return MessageTableName
}

func (m *Message) HiddenFor(userID string) bool {
	return slices.Contains(m.DeletedBy, userID)
}

// Preview is the short text carried by notifications.
func (m *Message) Preview(max int) string {
	r := []rune(m.Content)
	if len(r) <= max {
		return m.Content
	}
	return string(r[:max]) + "…"
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.DeletedBy = slices.Clone(m.DeletedBy)
	return &cp
}
