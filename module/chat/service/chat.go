// Package service holds the chat use cases behind the REST API. Every write
// commits to the store first and is then routed to live connections.
package service

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"chatnow/logger"
	"chatnow/module/chat/model"
	usermodel "chatnow/module/user/model"
	"chatnow/service/chat"
	"chatnow/service/delivery"
	"chatnow/tools/errs"
	"chatnow/tools/ids"
)

const (
	MaxContentLen  = 4096
	MinGroupSize   = 3
	directChatName = "sender"
	lockStripes    = 64
)

// Store is what the chat use cases read and write.
type Store interface {
	FindUserByID(ctx context.Context, id string) (*usermodel.User, error)
	CreateConversation(ctx context.Context, c *model.Conversation) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	FindDirectConversation(ctx context.Context, a, b string) (*model.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*model.Conversation, error)
	ListGroups(ctx context.Context) ([]*model.Conversation, error)
	AddParticipant(ctx context.Context, conversationID, userID string) (*model.Conversation, error)
	RemoveParticipant(ctx context.Context, conversationID, userID string) (*model.Conversation, error)
	SetLatestMessage(ctx context.Context, conversationID, messageID string, at time.Time) error
	CreateMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	MarkMessageHidden(ctx context.Context, messageID, userID string) error
	delivery.Source
}

// Notifier routes committed changes to connected clients.
type Notifier interface {
	RouteNewMessage(ctx context.Context, msg *model.Message, participants []string)
	RouteMessageDeleted(ctx context.Context, messageID, conversationID, deletingUserID string)
	RouteChatDeleted(ctx context.Context, conversationID, actingUserID string, affectedUserIDs []string)
	RouteMembershipChanged(ctx context.Context, conversationID, userID string, change chat.MembershipChange, remaining []string)
	RouteNewChat(ctx context.Context, conv *model.Conversation, creatorID string)
}

type Service struct {
	store    Store
	notify   Notifier
	delivery *delivery.Service
	ids      *ids.Generator
	now      func() time.Time

	// writes to one conversation are serialized so that commit order is
	// also fan-out order.
	locks [lockStripes]sync.Mutex
}

func New(st Store, n Notifier, gen *ids.Generator) *Service {
	now := func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
	return &Service{
		store:    st,
		notify:   n,
		delivery: delivery.New(st).WithClock(now),
		ids:      gen,
		now:      now,
	}
}

// WithClock replaces the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.delivery.WithClock(now)
	return s
}

func (s *Service) lock(conversationID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// participantConv loads a conversation the caller belongs to.
func (s *Service) participantConv(ctx context.Context, callerID, conversationID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(callerID) {
		return nil, errs.ErrUnauthorized.WrapMsg("not a participant", "conversation", conversationID)
	}
	return conv, nil
}

// AccessChat returns the direct chat between the caller and otherID,
// creating it if needed. A chat the caller had deleted is brought back
// with an empty history.
func (s *Service) AccessChat(ctx context.Context, callerID, otherID string) (*model.Conversation, error) {
	if otherID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("userId required")
	}
	if otherID == callerID {
		return nil, errs.ErrInvalidArgument.WrapMsg("cannot chat with yourself")
	}
	if _, err := s.store.FindUserByID(ctx, otherID); err != nil {
		return nil, err
	}

	conv, err := s.store.FindDirectConversation(ctx, callerID, otherID)
	switch {
	case err == nil:
		if !conv.IsDeletedBy(callerID) {
			return conv, nil
		}
		if err := s.reconcile(ctx, callerID, conv.ID); err != nil {
			return nil, err
		}
		return s.store.GetConversation(ctx, conv.ID)
	case !errs.ErrNotFound.Is(err):
		return nil, err
	}

	now := s.now()
	conv = &model.Conversation{
		ID:           s.ids.NextString(),
		Name:         directChatName,
		Participants: []string{callerID, otherID},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	s.notify.RouteNewChat(ctx, conv, callerID)
	return conv, nil
}

func (s *Service) reconcile(ctx context.Context, userID, conversationID string) error {
	defer s.lock(conversationID)()
	return s.delivery.ReconcileJoin(ctx, userID, conversationID)
}

func (s *Service) ListChats(ctx context.Context, callerID string) ([]*model.Conversation, error) {
	return s.store.ListConversations(ctx, callerID)
}

func (s *Service) GetChat(ctx context.Context, callerID, conversationID string) (*model.Conversation, error) {
	return s.participantConv(ctx, callerID, conversationID)
}

// CreateGroup makes the caller admin of a new group of at least MinGroupSize
// members, the caller included.
func (s *Service) CreateGroup(ctx context.Context, callerID, name string, userIDs []string) (*model.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("group name required")
	}
	members := lo.Uniq(append([]string{callerID}, lo.Compact(userIDs)...))
	if len(members) < MinGroupSize {
		return nil, errs.ErrInvalidArgument.WrapMsg("a group needs more members", "min", MinGroupSize)
	}
	for _, id := range members[1:] {
		if _, err := s.store.FindUserByID(ctx, id); err != nil {
			return nil, err
		}
	}
	now := s.now()
	conv := &model.Conversation{
		ID:           s.ids.NextString(),
		Name:         name,
		IsGroup:      true,
		Participants: members,
		Admin:        callerID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	s.notify.RouteNewChat(ctx, conv, callerID)
	return conv, nil
}

func (s *Service) groupAsAdmin(ctx context.Context, callerID, conversationID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup {
		return nil, errs.ErrInvalidState.WrapMsg("not a group", "conversation", conversationID)
	}
	if conv.Admin != callerID || !conv.HasParticipant(callerID) {
		return nil, errs.ErrUnauthorized.WrapMsg("admin only", "conversation", conversationID)
	}
	return conv, nil
}

// AddMember lets the group admin add a user. The new member's live
// connections join the room before anyone is told.
func (s *Service) AddMember(ctx context.Context, callerID, conversationID, userID string) (*model.Conversation, error) {
	defer s.lock(conversationID)()
	conv, err := s.groupAsAdmin(ctx, callerID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.HasParticipant(userID) {
		return nil, errs.ErrConflict.WrapMsg("already a member", "user", userID)
	}
	if _, err := s.store.FindUserByID(ctx, userID); err != nil {
		return nil, err
	}
	updated, err := s.store.AddParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	s.notify.RouteMembershipChanged(ctx, conversationID, userID, chat.MemberAdded, updated.Participants)
	return updated, nil
}

// RemoveMember lets the group admin remove someone else.
func (s *Service) RemoveMember(ctx context.Context, callerID, conversationID, userID string) (*model.Conversation, error) {
	defer s.lock(conversationID)()
	conv, err := s.groupAsAdmin(ctx, callerID, conversationID)
	if err != nil {
		return nil, err
	}
	if userID == callerID {
		return nil, errs.ErrInvalidArgument.WrapMsg("use leave to remove yourself")
	}
	if !conv.HasParticipant(userID) {
		return nil, errs.ErrNotFound.WrapMsg("not a member", "user", userID)
	}
	return s.removeParticipant(ctx, conversationID, userID)
}

// GroupSummary is a directory entry; members are counted, not listed.
type GroupSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Members   int       `json:"members"`
	Joined    bool      `json:"joined"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ListGroups is the directory of groups anyone can join.
func (s *Service) ListGroups(ctx context.Context, callerID string) ([]GroupSummary, error) {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(groups, func(g *model.Conversation, _ int) GroupSummary {
		return GroupSummary{
			ID:        g.ID,
			Name:      g.Name,
			Members:   len(g.Participants),
			Joined:    g.HasParticipant(callerID),
			UpdatedAt: g.UpdatedAt,
		}
	}), nil
}

// JoinGroup adds the caller to a group found in the directory.
func (s *Service) JoinGroup(ctx context.Context, callerID, conversationID string) (*model.Conversation, error) {
	defer s.lock(conversationID)()
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	switch {
	case !conv.IsGroup:
		return nil, errs.ErrInvalidState.WrapMsg("not a group", "conversation", conversationID)
	case len(conv.Participants) == 0:
		return nil, errs.ErrInvalidState.WrapMsg("group is empty", "conversation", conversationID)
	case conv.HasParticipant(callerID):
		return nil, errs.ErrConflict.WrapMsg("already a member", "user", callerID)
	}
	updated, err := s.store.AddParticipant(ctx, conversationID, callerID)
	if err != nil {
		return nil, err
	}
	s.notify.RouteMembershipChanged(ctx, conversationID, callerID, chat.MemberAdded, updated.Participants)
	return updated, nil
}

// LeaveGroup removes the caller from a group. An admin who leaves hands the
// role to the first remaining member.
func (s *Service) LeaveGroup(ctx context.Context, callerID, conversationID string) (*model.Conversation, error) {
	defer s.lock(conversationID)()
	conv, err := s.participantConv(ctx, callerID, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup {
		return nil, errs.ErrInvalidState.WrapMsg("only groups can be left", "conversation", conversationID)
	}
	return s.removeParticipant(ctx, conversationID, callerID)
}

func (s *Service) removeParticipant(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	updated, err := s.store.RemoveParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	// the leaving user is told too, so all of their tabs drop the chat
	s.notify.RouteMembershipChanged(ctx, conversationID, userID, chat.MemberRemoved, append(updated.Participants, userID))
	return updated, nil
}

// DeleteChat hides the conversation and its history from the caller only.
func (s *Service) DeleteChat(ctx context.Context, callerID, conversationID string) error {
	defer s.lock(conversationID)()
	if _, err := s.participantConv(ctx, callerID, conversationID); err != nil {
		return err
	}
	if _, err := s.delivery.Clear(ctx, callerID, conversationID); err != nil {
		return err
	}
	s.notify.RouteChatDeleted(ctx, conversationID, callerID, []string{callerID})
	return nil
}

func (s *Service) ListMessages(ctx context.Context, callerID, conversationID string) ([]*model.Message, error) {
	return s.delivery.VisibleMessages(ctx, conversationID, callerID)
}

// SendMessage commits a message and then routes it. Sends to one
// conversation are serialized.
func (s *Service) SendMessage(ctx context.Context, callerID, conversationID, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("content required")
	}
	if len(content) > MaxContentLen {
		return nil, errs.ErrInvalidArgument.WrapMsg("content too long", "max", MaxContentLen)
	}

	defer s.lock(conversationID)()
	conv, err := s.participantConv(ctx, callerID, conversationID)
	if err != nil {
		return nil, err
	}
	// stamped after every cutoff so a clear in the same millisecond never hides it
	at := s.now()
	if floor := conv.LatestCutoff().Add(time.Millisecond); at.Before(floor) {
		at = floor
	}
	msg := &model.Message{
		ID:        s.ids.NextString(),
		ChatID:    conversationID,
		SenderID:  callerID,
		Content:   content,
		CreatedAt: at,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.store.SetLatestMessage(ctx, conversationID, msg.ID, msg.CreatedAt); err != nil {
		logger.Warn("latest message not updated", zap.String("conversation", conversationID), zap.String("msg", msg.ID), zap.Error(err))
	}
	s.notify.RouteNewMessage(ctx, msg, conv.Participants)
	return msg, nil
}

// DeleteMessage hides one message from the caller.
func (s *Service) DeleteMessage(ctx context.Context, callerID, messageID string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := s.participantConv(ctx, callerID, msg.ChatID); err != nil {
		return err
	}
	defer s.lock(msg.ChatID)()
	if err := s.store.MarkMessageHidden(ctx, messageID, callerID); err != nil {
		return err
	}
	s.notify.RouteMessageDeleted(ctx, messageID, msg.ChatID, callerID)
	return nil
}

// BulkDelete checks every message before hiding any, then emits one
// message-deleted per message.
func (s *Service) BulkDelete(ctx context.Context, callerID string, messageIDs []string) (int, error) {
	messageIDs = lo.Uniq(lo.Compact(messageIDs))
	if len(messageIDs) == 0 {
		return 0, errs.ErrInvalidArgument.WrapMsg("messageIds required")
	}
	msgs := make([]*model.Message, 0, len(messageIDs))
	allowed := make(map[string]bool)
	for _, id := range messageIDs {
		msg, err := s.store.GetMessage(ctx, id)
		if err != nil {
			return 0, err
		}
		ok, seen := allowed[msg.ChatID]
		if !seen {
			_, err := s.participantConv(ctx, callerID, msg.ChatID)
			if err != nil && !errs.ErrUnauthorized.Is(err) {
				return 0, err
			}
			ok = err == nil
			allowed[msg.ChatID] = ok
		}
		if !ok {
			return 0, errs.ErrUnauthorized.WrapMsg("not a participant", "conversation", msg.ChatID)
		}
		msgs = append(msgs, msg)
	}
	for _, msg := range msgs {
		unlock := s.lock(msg.ChatID)
		err := s.store.MarkMessageHidden(ctx, msg.ID, callerID)
		if err == nil {
			s.notify.RouteMessageDeleted(ctx, msg.ID, msg.ChatID, callerID)
		}
		unlock()
		if err != nil {
			return 0, err
		}
	}
	return len(msgs), nil
}
