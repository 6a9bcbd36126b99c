package store

import (
	"context"
	"time"

	chatmodel "chatnow/module/chat/model"
	usermodel "chatnow/module/user/model"
)

// Store is the document store behind users, conversations and messages.
// Missing records are reported as errs.ErrNotFound, driver failures as
// errs.ErrUpstreamUnavailable. Returned records are copies.
type Store interface {
	UserStore
	ConversationStore
	MessageStore
}

type UserStore interface {
	// CreateUser fails with errs.ErrConflict when the email is taken.
	CreateUser(ctx context.Context, u *usermodel.User) error
	FindUserByID(ctx context.Context, id string) (*usermodel.User, error)
	FindUserByEmail(ctx context.Context, email string) (*usermodel.User, error)
	// SearchUsers matches name or email case-insensitively, excluding excludeID.
	SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*usermodel.User, error)
}

type ConversationStore interface {
	CreateConversation(ctx context.Context, c *chatmodel.Conversation) error
	GetConversation(ctx context.Context, id string) (*chatmodel.Conversation, error)
	// FindDirectConversation returns the non-group chat between a and b.
	FindDirectConversation(ctx context.Context, a, b string) (*chatmodel.Conversation, error)
	// ListConversations returns the user's chats not deleted by the user, latest update first.
	ListConversations(ctx context.Context, userID string) ([]*chatmodel.Conversation, error)
	// ListGroups returns every group that still has members, latest update first.
	ListGroups(ctx context.Context) ([]*chatmodel.Conversation, error)
	// ContactsOf returns every user sharing at least one conversation with userID.
	ContactsOf(ctx context.Context, userID string) ([]string, error)
	AddParticipant(ctx context.Context, conversationID, userID string) (*chatmodel.Conversation, error)
	// RemoveParticipant passes the admin role to the first remaining
	// participant when the admin leaves, or clears it when nobody is left.
	RemoveParticipant(ctx context.Context, conversationID, userID string) (*chatmodel.Conversation, error)
	// UpdateClearedFor sets the user's cutoff to at and adds (hidden) or
	// removes (!hidden) the user from the conversation's deleted set.
	UpdateClearedFor(ctx context.Context, conversationID, userID string, at time.Time, hidden bool) error
	SetLatestMessage(ctx context.Context, conversationID, messageID string, at time.Time) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m *chatmodel.Message) error
	GetMessage(ctx context.Context, id string) (*chatmodel.Message, error)
	// ListMessages returns the chat's messages created strictly after `after`, oldest first.
	ListMessages(ctx context.Context, conversationID string, after time.Time) ([]*chatmodel.Message, error)
	MarkMessageHidden(ctx context.Context, messageID, userID string) error
}
