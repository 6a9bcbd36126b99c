package store

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	chatmodel "chatnow/module/chat/model"
	usermodel "chatnow/module/user/model"
	"chatnow/tools/errs"
)

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]*usermodel.User
	byEmail  map[string]string
	chats    map[string]*chatmodel.Conversation
	messages map[string]*chatmodel.Message
	byChat   map[string][]string // chat id -> message ids in insert order

	// down makes every call fail as if the database were unreachable.
	down bool
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*usermodel.User),
		byEmail:  make(map[string]string),
		chats:    make(map[string]*chatmodel.Conversation),
		messages: make(map[string]*chatmodel.Message),
		byChat:   make(map[string][]string),
	}
}

// SetDown toggles simulated unavailability.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

func (m *Memory) check(ctx context.Context) error {
	if m.down {
		return errs.ErrUpstreamUnavailable.WrapMsg("memory store down")
	}
	if err := ctx.Err(); err != nil {
		return errs.ErrUpstreamUnavailable.WrapMsg("context done", "err", err)
	}
	return nil
}

func (m *Memory) CreateUser(ctx context.Context, u *usermodel.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	email := usermodel.NormalizeEmail(u.Email)
	if _, ok := m.byEmail[email]; ok {
		return errs.ErrConflict.WrapMsg("email already registered")
	}
	if _, ok := m.users[u.ID]; ok {
		return errs.ErrConflict.WrapMsg("user exists", "id", u.ID)
	}
	cp := *u
	cp.Email = email
	m.users[u.ID] = &cp
	m.byEmail[email] = u.ID
	return nil
}

func (m *Memory) FindUserByID(ctx context.Context, id string) (*usermodel.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("user", "id", id)
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) FindUserByEmail(ctx context.Context, email string) (*usermodel.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	id, ok := m.byEmail[usermodel.NormalizeEmail(email)]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("user", "email", email)
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *Memory) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*usermodel.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]*usermodel.User, 0)
	for _, u := range m.users {
		if u.ID == excludeID {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(u.Name), q) && !strings.Contains(u.Email, q) {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateConversation(ctx context.Context, c *chatmodel.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.chats[c.ID]; ok {
		return errs.ErrConflict.WrapMsg("conversation exists", "id", c.ID)
	}
	m.chats[c.ID] = c.Clone()
	return nil
}

func (m *Memory) GetConversation(ctx context.Context, id string) (*chatmodel.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	c, ok := m.chats[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("conversation", "id", id)
	}
	return c.Clone(), nil
}

func (m *Memory) FindDirectConversation(ctx context.Context, a, b string) (*chatmodel.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	for _, c := range m.chats {
		if c.IsGroup || len(c.Participants) != 2 {
			continue
		}
		if c.HasParticipant(a) && c.HasParticipant(b) {
			return c.Clone(), nil
		}
	}
	return nil, errs.ErrNotFound.WrapMsg("direct conversation", "a", a, "b", b)
}

func (m *Memory) ListConversations(ctx context.Context, userID string) ([]*chatmodel.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]*chatmodel.Conversation, 0)
	for _, c := range m.chats {
		if c.HasParticipant(userID) && !c.IsDeletedBy(userID) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) ListGroups(ctx context.Context) ([]*chatmodel.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]*chatmodel.Conversation, 0)
	for _, c := range m.chats {
		if c.IsGroup && len(c.Participants) > 0 {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) ContactsOf(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var all []string
	for _, c := range m.chats {
		if c.HasParticipant(userID) {
			all = append(all, c.Others(userID)...)
		}
	}
	out := lo.Uniq(all)
	slices.Sort(out)
	return out, nil
}

func (m *Memory) AddParticipant(ctx context.Context, conversationID, userID string) (*chatmodel.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	c, ok := m.chats[conversationID]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("conversation", "id", conversationID)
	}
	if !c.HasParticipant(userID) {
		c.Participants = append(c.Participants, userID)
		c.UpdatedAt = time.Now().UTC()
	}
	return c.Clone(), nil
}

func (m *Memory) RemoveParticipant(ctx context.Context, conversationID, userID string) (*chatmodel.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	c, ok := m.chats[conversationID]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("conversation", "id", conversationID)
	}
	c.Participants = lo.Without(c.Participants, userID)
	if c.Admin == userID {
		c.Admin, _ = lo.First(c.Participants)
	}
	c.UpdatedAt = time.Now().UTC()
	return c.Clone(), nil
}

func (m *Memory) UpdateClearedFor(ctx context.Context, conversationID, userID string, at time.Time, hidden bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	c, ok := m.chats[conversationID]
	if !ok {
		return errs.ErrNotFound.WrapMsg("conversation", "id", conversationID)
	}
	c.ClearedFor = lo.Reject(c.ClearedFor, func(mk chatmodel.ClearMark, _ int) bool { return mk.UserID == userID })
	c.ClearedFor = append(c.ClearedFor, chatmodel.ClearMark{UserID: userID, ClearedAt: at})
	if hidden {
		if !c.IsDeletedBy(userID) {
			c.DeletedBy = append(c.DeletedBy, userID)
		}
	} else {
		c.DeletedBy = lo.Without(c.DeletedBy, userID)
	}
	return nil
}

func (m *Memory) SetLatestMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	c, ok := m.chats[conversationID]
	if !ok {
		return errs.ErrNotFound.WrapMsg("conversation", "id", conversationID)
	}
	c.LatestMessage = messageID
	c.UpdatedAt = at
	return nil
}

func (m *Memory) CreateMessage(ctx context.Context, msg *chatmodel.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.chats[msg.ChatID]; !ok {
		return errs.ErrNotFound.WrapMsg("conversation", "id", msg.ChatID)
	}
	if _, ok := m.messages[msg.ID]; ok {
		return errs.ErrConflict.WrapMsg("message exists", "id", msg.ID)
	}
	m.messages[msg.ID] = msg.Clone()
	m.byChat[msg.ChatID] = append(m.byChat[msg.ChatID], msg.ID)
	return nil
}

func (m *Memory) GetMessage(ctx context.Context, id string) (*chatmodel.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	msg, ok := m.messages[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("message", "id", id)
	}
	return msg.Clone(), nil
}

func (m *Memory) ListMessages(ctx context.Context, conversationID string, after time.Time) ([]*chatmodel.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]*chatmodel.Message, 0, len(m.byChat[conversationID]))
	for _, id := range m.byChat[conversationID] {
		msg := m.messages[id]
		if msg.CreatedAt.After(after) {
			out = append(out, msg.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MarkMessageHidden(ctx context.Context, messageID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	msg, ok := m.messages[messageID]
	if !ok {
		return errs.ErrNotFound.WrapMsg("message", "id", messageID)
	}
	if !msg.HiddenFor(userID) {
		msg.DeletedBy = append(msg.DeletedBy, userID)
	}
	return nil
}

var _ Store = (*Memory)(nil)
