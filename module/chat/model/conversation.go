package model

import (
	"slices"
	"time"
)

const ConversationTableName = "chats"

// ClearMark is a per-user cutoff: messages created at or before ClearedAt are
// hidden from UserID.
type ClearMark struct {
	UserID    string    `bson:"user_id" json:"userId"`
	ClearedAt time.Time `bson:"cleared_at" json:"clearedAt"`
}

// Conversation is a direct or group chat.
type Conversation struct {
	ID           string   `bson:"_id" json:"id"`
	Name         string   `bson:"name" json:"name"`
	IsGroup      bool     `bson:"is_group" json:"isGroup"`
	Participants []string `bson:"participants" json:"participants"`
	Admin        string   `bson:"admin,omitempty" json:"admin,omitempty"` // group only

	LatestMessage string `bson:"latest_message,omitempty" json:"latestMessage,omitempty"`

	// per-user soft delete
	DeletedBy  []string    `bson:"deleted_by" json:"-"`
	ClearedFor []ClearMark `bson:"cleared_for" json:"-"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

func (c *Conversation) GetTableName() string {
	return ConversationTableName
}

func (c *Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

func (c *Conversation) IsDeletedBy(userID string) bool {
	return slices.Contains(c.DeletedBy, userID)
}

// CutoffFor returns the user's cleared-at cutoff, zero when none.
func (c *Conversation) CutoffFor(userID string) time.Time {
	for _, m := range c.ClearedFor {
		if m.UserID == userID {
			return m.ClearedAt
		}
	}
	return time.Time{}
}

// Others returns the participants except userID.
// LatestCutoff is the newest cutoff of any participant, zero when none.
func (c *Conversation) LatestCutoff() time.Time {
	var latest time.Time
	for _, m := range c.ClearedFor {
		if m.ClearedAt.After(latest) {
			latest = m.ClearedAt
		}
	}
	return latest
}

func (c *Conversation) Others(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// Clone is a deep copy; stores hand out clones so callers never alias stored state.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	cp.DeletedBy = slices.Clone(c.DeletedBy)
	cp.ClearedFor = slices.Clone(c.ClearedFor)
	return &cp
}
