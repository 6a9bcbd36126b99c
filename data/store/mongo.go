package store

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chatnow/data/database"
	chatmodel "chatnow/module/chat/model"
	usermodel "chatnow/module/user/model"
	"chatnow/tools/errs"
)

// DBSource hands out the current database; service/mgo.Manager implements it.
type DBSource interface {
	DB() (*mongo.Database, error)
}

// Mongo is the Store backed by MongoDB.
type Mongo struct {
	src DBSource
}

func NewMongo(src DBSource) *Mongo {
	return &Mongo{src: src}
}

type table struct {
	name    string
	indexes []mongo.IndexModel
}

func (t table) GetTableName() string        { return t.name }
func (t table) Indexes() []mongo.IndexModel { return t.indexes }

func tables() []database.Table {
	return []database.Table{
		table{name: usermodel.UserTableName, indexes: []mongo.IndexModel{
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "name", Value: 1}}},
		}},
		table{name: chatmodel.ConversationTableName, indexes: []mongo.IndexModel{
			{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updated_at", Value: -1}}},
		}},
		table{name: chatmodel.MessageTableName, indexes: []mongo.IndexModel{
			{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "created_at", Value: 1}}},
		}},
	}
}

// EnsureIndexes creates the collections' indexes.
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	db, err := s.src.DB()
	if err != nil {
		return err
	}
	return database.EnsureIndexes(ctx, db, tables()...)
}

func (s *Mongo) coll(name string) (*mongo.Collection, error) {
	db, err := s.src.DB()
	if err != nil {
		return nil, err
	}
	return db.Collection(name), nil
}

// translate maps driver errors onto the store's error taxonomy.
func translate(err error, what string, kv ...any) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return errs.ErrNotFound.WrapMsg(what, kv...)
	case mongo.IsDuplicateKeyError(err):
		return errs.ErrConflict.WrapMsg(what, kv...)
	default:
		return errs.ErrUpstreamUnavailable.WrapMsg(what, append(kv, "err", err)...)
	}
}

func (s *Mongo) CreateUser(ctx context.Context, u *usermodel.User) error {
	c, err := s.coll(usermodel.UserTableName)
	if err != nil {
		return err
	}
	cp := *u
	cp.Email = usermodel.NormalizeEmail(u.Email)
	_, err = c.InsertOne(ctx, &cp)
	return translate(err, "insert user", "email", cp.Email)
}

func (s *Mongo) FindUserByID(ctx context.Context, id string) (*usermodel.User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *Mongo) FindUserByEmail(ctx context.Context, email string) (*usermodel.User, error) {
	return s.findUser(ctx, bson.M{"email": usermodel.NormalizeEmail(email)})
}

func (s *Mongo) findUser(ctx context.Context, filter bson.M) (*usermodel.User, error) {
	c, err := s.coll(usermodel.UserTableName)
	if err != nil {
		return nil, err
	}
	var u usermodel.User
	if err := c.FindOne(ctx, filter).Decode(&u); err != nil {
		return nil, translate(err, "find user")
	}
	return &u, nil
}

func (s *Mongo) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*usermodel.User, error) {
	c, err := s.coll(usermodel.UserTableName)
	if err != nil {
		return nil, err
	}
	filter := bson.M{"_id": bson.M{"$ne": excludeID}}
	if q := strings.TrimSpace(query); q != "" {
		re := bson.M{"$regex": regexp.QuoteMeta(q), "$options": "i"}
		filter["$or"] = bson.A{bson.M{"name": re}, bson.M{"email": re}}
	}
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := c.Find(ctx, filter, opts)
	if err != nil {
		return nil, translate(err, "search users")
	}
	out := make([]*usermodel.User, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, "decode users")
	}
	return out, nil
}

func (s *Mongo) CreateConversation(ctx context.Context, conv *chatmodel.Conversation) error {
	c, err := s.coll(chatmodel.ConversationTableName)
	if err != nil {
		return err
	}
	doc := conv.Clone()
	if doc.DeletedBy == nil {
		doc.DeletedBy = []string{}
	}
	if doc.ClearedFor == nil {
		doc.ClearedFor = []chatmodel.ClearMark{}
	}
	_, err = c.InsertOne(ctx, doc)
	return translate(err, "insert conversation", "id", conv.ID)
}

func (s *Mongo) GetConversation(ctx context.Context, id string) (*chatmodel.Conversation, error) {
	return s.findConversation(ctx, bson.M{"_id": id})
}

func (s *Mongo) FindDirectConversation(ctx context.Context, a, b string) (*chatmodel.Conversation, error) {
	return s.findConversation(ctx, bson.M{
		"is_group":     false,
		"participants": bson.M{"$all": bson.A{a, b}, "$size": 2},
	})
}

func (s *Mongo) findConversation(ctx context.Context, filter bson.M) (*chatmodel.Conversation, error) {
	c, err := s.coll(chatmodel.ConversationTableName)
	if err != nil {
		return nil, err
	}
	var conv chatmodel.Conversation
	if err := c.FindOne(ctx, filter).Decode(&conv); err != nil {
		return nil, translate(err, "find conversation")
	}
	return &conv, nil
}

func (s *Mongo) ListConversations(ctx context.Context, userID string) ([]*chatmodel.Conversation, error) {
	c, err := s.coll(chatmodel.ConversationTableName)
	if err != nil {
		return nil, err
	}
	filter := bson.M{"participants": userID, "deleted_by": bson.M{"$ne": userID}}
	cur, err := c.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}))
	if err != nil {
		return nil, translate(err, "list conversations", "user", userID)
	}
	out := make([]*chatmodel.Conversation, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, "decode conversations")
	}
	return out, nil
}

func (s *Mongo) ListGroups(ctx context.Context) ([]*chatmodel.Conversation, error) {
	c, err := s.coll(chatmodel.ConversationTableName)
	if err != nil {
		return nil, err
	}
	filter := bson.M{"is_group": true, "participants.0": bson.M{"$exists": true}}
	cur, err := c.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}))
	if err != nil {
		return nil, translate(err, "list groups")
	}
	out := make([]*chatmodel.Conversation, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, "decode groups")
	}
	return out, nil
}

func (s *Mongo) ContactsOf(ctx context.Context, userID string) ([]string, error) {
	c, err := s.coll(chatmodel.ConversationTableName)
	if err != nil {
		return nil, err
	}
	vals, err := c.Distinct(ctx, "participants", bson.M{"participants": userID})
	if err != nil {
		return nil, translate(err, "contacts", "user", userID)
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if id, ok := v.(string); ok && id != userID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Mongo) AddParticipant(ctx context.Context, conversationID, userID string) (*chatmodel.Conversation, error) {
	return s.updateConversation(ctx, conversationID, bson.M{
		"$addToSet": bson.M{"participants": userID},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	})
}

// RemoveParticipant hands the admin role to the first remaining
// participant when the admin is the one removed.
func (s *Mongo) RemoveParticipant(ctx context.Context, conversationID, userID string) (*chatmodel.Conversation, error) {
	return s.updateConversation(ctx, conversationID, mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"participants": bson.M{"$filter": bson.M{
				"input": bson.M{"$ifNull": bson.A{"$participants", bson.A{}}},
				"cond":  bson.M{"$ne": bson.A{"$$this", userID}},
			}},
			"updated_at": time.Now().UTC(),
		}}},
		{{Key: "$set", Value: bson.M{
			"admin": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$admin", userID}},
				bson.M{"$ifNull": bson.A{bson.M{"$arrayElemAt": bson.A{"$participants", 0}}, ""}},
				"$admin",
			}},
		}}},
	})
}

func (s *Mongo) updateConversation(ctx context.Context, id string, update any) (*chatmodel.Conversation, error) {
	c, err := s.coll(chatmodel.ConversationTableName)
	if err != nil {
		return nil, err
	}
	var conv chatmodel.Conversation
	err = c.FindOneAndUpdate(ctx, bson.M{"_id": id}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&conv)
	if err != nil {
		return nil, translate(err, "update conversation", "id", id)
	}
	return &conv, nil
}

// UpdateClearedFor runs as one pipeline update so the cutoff and the deleted
// set never disagree.
func (s *Mongo) UpdateClearedFor(ctx context.Context, conversationID, userID string, at time.Time, hidden bool) error {
	c, err := s.coll(chatmodel.ConversationTableName)
	if err != nil {
		return err
	}
	deleted := bson.M{"$setDifference": bson.A{bson.M{"$ifNull": bson.A{"$deleted_by", bson.A{}}}, bson.A{userID}}}
	if hidden {
		deleted = bson.M{"$setUnion": bson.A{bson.M{"$ifNull": bson.A{"$deleted_by", bson.A{}}}, bson.A{userID}}}
	}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"cleared_for": bson.M{"$concatArrays": bson.A{
				bson.M{"$filter": bson.M{
					"input": bson.M{"$ifNull": bson.A{"$cleared_for", bson.A{}}},
					"cond":  bson.M{"$ne": bson.A{"$$this.user_id", userID}},
				}},
				bson.A{bson.M{"user_id": userID, "cleared_at": at}},
			}},
			"deleted_by": deleted,
		}}},
	}
	res, err := c.UpdateOne(ctx, bson.M{"_id": conversationID}, pipeline)
	if err != nil {
		return translate(err, "update cleared_for", "id", conversationID)
	}
	if res.MatchedCount == 0 {
		return errs.ErrNotFound.WrapMsg("conversation", "id", conversationID)
	}
	return nil
}

func (s *Mongo) SetLatestMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	c, err := s.coll(chatmodel.ConversationTableName)
	if err != nil {
		return err
	}
	res, err := c.UpdateOne(ctx, bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"latest_message": messageID, "updated_at": at}})
	if err != nil {
		return translate(err, "set latest message", "id", conversationID)
	}
	if res.MatchedCount == 0 {
		return errs.ErrNotFound.WrapMsg("conversation", "id", conversationID)
	}
	return nil
}

func (s *Mongo) CreateMessage(ctx context.Context, m *chatmodel.Message) error {
	c, err := s.coll(chatmodel.MessageTableName)
	if err != nil {
		return err
	}
	doc := m.Clone()
	if doc.DeletedBy == nil {
		doc.DeletedBy = []string{}
	}
	_, err = c.InsertOne(ctx, doc)
	return translate(err, "insert message", "id", m.ID)
}

func (s *Mongo) GetMessage(ctx context.Context, id string) (*chatmodel.Message, error) {
	c, err := s.coll(chatmodel.MessageTableName)
	if err != nil {
		return nil, err
	}
	var m chatmodel.Message
	if err := c.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		return nil, translate(err, "find message", "id", id)
	}
	return &m, nil
}

func (s *Mongo) ListMessages(ctx context.Context, conversationID string, after time.Time) ([]*chatmodel.Message, error) {
	c, err := s.coll(chatmodel.MessageTableName)
	if err != nil {
		return nil, err
	}
	filter := bson.M{"chat_id": conversationID, "created_at": bson.M{"$gt": after}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := c.Find(ctx, filter, opts)
	if err != nil {
		return nil, translate(err, "list messages", "chat", conversationID)
	}
	out := make([]*chatmodel.Message, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, translate(err, "decode messages")
	}
	return out, nil
}

func (s *Mongo) MarkMessageHidden(ctx context.Context, messageID, userID string) error {
	c, err := s.coll(chatmodel.MessageTableName)
	if err != nil {
		return err
	}
	res, err := c.UpdateOne(ctx, bson.M{"_id": messageID}, bson.M{"$addToSet": bson.M{"deleted_by": userID}})
	if err != nil {
		return translate(err, "hide message", "id", messageID)
	}
	if res.MatchedCount == 0 {
		return errs.ErrNotFound.WrapMsg("message", "id", messageID)
	}
	return nil
}

var _ Store = (*Mongo)(nil)
