// Package delivery decides which stored messages a participant may see.
package delivery

import (
	"context"
	"slices"
	"time"

	"chatnow/module/chat/model"
	"chatnow/tools/errs"
)

// Source is the part of the store the visibility rules read and write.
type Source interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, after time.Time) ([]*model.Message, error)
	UpdateClearedFor(ctx context.Context, conversationID, userID string, at time.Time, hidden bool) error
}

type Service struct {
	src Source
	now func() time.Time
}

func New(src Source) *Service {
	return &Service{src: src, now: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }}
}

// WithClock replaces the clock used for clear marks.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// FilterVisible keeps the messages created strictly after cutoff and not
// hidden for userID, ordered by creation time.
func FilterVisible(msgs []*model.Message, cutoff time.Time, userID string) []*model.Message {
	out := make([]*model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.CreatedAt.After(cutoff) && !m.HiddenFor(userID) {
			out = append(out, m)
		}
	}
	slices.SortStableFunc(out, func(a, b *model.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// VisibleMessages is the history userID sees in a conversation.
func (s *Service) VisibleMessages(ctx context.Context, conversationID, userID string) ([]*model.Message, error) {
	conv, err := s.src.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, errs.ErrUnauthorized.WrapMsg("not a participant", "conversation", conversationID)
	}
	cutoff := conv.CutoffFor(userID)
	msgs, err := s.src.ListMessages(ctx, conversationID, cutoff)
	if err != nil {
		return nil, err
	}
	return FilterVisible(msgs, cutoff, userID), nil
}

// ReconcileJoin brings a conversation back for a user who had deleted it.
// The clear mark moves to now, so nothing sent before the rejoin comes back.
func (s *Service) ReconcileJoin(ctx context.Context, userID, conversationID string) error {
	return s.src.UpdateClearedFor(ctx, conversationID, userID, s.now(), false)
}

// Clear hides a conversation and everything in it for userID.
func (s *Service) Clear(ctx context.Context, userID, conversationID string) (time.Time, error) {
	at := s.now()
	return at, s.src.UpdateClearedFor(ctx, conversationID, userID, at, true)
}
