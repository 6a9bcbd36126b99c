package chat

import (
	"context"

	"chatnow/module/chat/model"
	"chatnow/tools/errs"
)

// ConversationSource is the slice of the store a StoreDirectory reads.
type ConversationSource interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ContactsOf(ctx context.Context, userID string) ([]string, error)
}

type StoreDirectory struct {
	src ConversationSource
}

func NewStoreDirectory(src ConversationSource) *StoreDirectory {
	return &StoreDirectory{src: src}
}

func (d *StoreDirectory) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	conv, err := d.src.GetConversation(ctx, conversationID)
	if errs.ErrNotFound.Is(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return conv.HasParticipant(userID), nil
}

func (d *StoreDirectory) ContactsOf(ctx context.Context, userID string) ([]string, error) {
	return d.src.ContactsOf(ctx, userID)
}
