package chat

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"chatnow/logger"
	"chatnow/module/chat/model"
	"chatnow/service/metrics"
	"chatnow/service/relay"
	"chatnow/tools/errs"
)

// relay envelope kinds
const (
	kindMessage    = "message"
	kindTyping     = "typing"
	kindMsgDeleted = "message-deleted"
	kindChatDelete = "chat-deleted"
	kindMembership = "membership"
	kindPresence   = "presence"
	kindNewChat    = "new-chat"
)

type deliverer interface {
	deliver(connID string, frame []byte) error
}

// Router fans committed events out to live connections. Each Route* call
// delivers on this node first and then publishes the event to the other
// nodes, which replay it against their own registry through Apply.
// Per-recipient failures are logged and never abort the rest of a fan-out.
type Router struct {
	node     string
	registry *Registry
	rooms    *Rooms
	out      deliverer
	relay    relay.Relay
	dedup    *relay.Dedup
	remote   *remotePresence
	metrics  *metrics.Metrics
}

func newRouter(node string, reg *Registry, rooms *Rooms, out deliverer, rl relay.Relay, m *metrics.Metrics) *Router {
	return &Router{
		node:     node,
		registry: reg,
		rooms:    rooms,
		out:      out,
		relay:    rl,
		dedup:    relay.NewDedup(5*time.Minute, 100_000),
		remote:   newRemotePresence(),
		metrics:  m,
	}
}

func (r *Router) send(connID, event string, frame []byte) {
	if err := r.out.deliver(connID, frame); err != nil {
		reason := "gone"
		if errs.ErrUpstreamUnavailable.Is(err) {
			reason = "slow"
		}
		r.metrics.Dropped(reason)
		logger.Warn("deliver failed", zap.String("conn", connID), zap.String("event", event), zap.Error(err))
		return
	}
	r.metrics.Routed(event)
}

func (r *Router) toUsers(users []string, event string, frame []byte) {
	for _, u := range lo.Uniq(users) {
		for connID := range r.registry.ConnectionsOf(u) {
			r.send(connID, event, frame)
		}
	}
}

func (r *Router) toRoom(roomID, exceptConn, event string, frame []byte) {
	for connID := range r.rooms.MembersOf(roomID) {
		if connID != exceptConn {
			r.send(connID, event, frame)
		}
	}
}

func (r *Router) publish(ctx context.Context, kind, key string, payload any) {
	if r.relay == nil {
		return
	}
	env, err := relay.NewEnvelope(r.node, kind, key, payload)
	if err != nil {
		logger.Error("relay encode", zap.String("kind", kind), zap.Error(err))
		return
	}
	r.dedup.SeenOnce(env.ID) // 自己发的不再回放
	if err := r.relay.Publish(ctx, env); err != nil {
		logger.Warn("relay publish", zap.String("kind", kind), zap.Error(err))
		return
	}
	r.metrics.Relayed("out", kind)
}

// ---- new message ----

type messageEnvelope struct {
	Message      *model.Message `json:"message"`
	Participants []string       `json:"participants"`
}

// RouteNewMessage sends the full message to participant connections joined
// to the room and a notification to their other connections. The sender's
// connections get nothing.
func (r *Router) RouteNewMessage(ctx context.Context, msg *model.Message, participants []string) {
	r.localNewMessage(msg, participants)
	r.publish(ctx, kindMessage, msg.ChatID, messageEnvelope{Message: msg, Participants: participants})
}

func (r *Router) localNewMessage(msg *model.Message, participants []string) {
	full, err := encodeFrame(EventMessageReceived, MessagePayload{Message: msg})
	if err != nil {
		logger.Error("encode message", zap.String("msg", msg.ID), zap.Error(err))
		return
	}
	note, err := encodeFrame(EventMessageNotification, NotificationPayload{
		ConversationID: msg.ChatID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		Preview:        msg.Preview(80),
	})
	if err != nil {
		logger.Error("encode notification", zap.String("msg", msg.ID), zap.Error(err))
		return
	}
	for _, p := range lo.Uniq(participants) {
		if p == msg.SenderID {
			continue
		}
		for connID := range r.registry.ConnectionsOf(p) {
			if r.rooms.IsMember(connID, msg.ChatID) {
				r.send(connID, EventMessageReceived, full)
			} else {
				r.send(connID, EventMessageNotification, note)
			}
		}
	}
}

// ---- typing ----

type typingEnvelope struct {
	Start  bool   `json:"start"`
	Origin string `json:"origin"`
	TypingPayload
}

// RouteTyping sends typing/stop-typing to the room, minus the origin connection.
func (r *Router) RouteTyping(ctx context.Context, start bool, conversationID, originConnID string) {
	userID, _ := r.registry.OwnerOf(originConnID)
	p := TypingPayload{ConversationID: conversationID, UserID: userID}
	r.localTyping(start, p, originConnID)
	r.publish(ctx, kindTyping, conversationID, typingEnvelope{Start: start, Origin: originConnID, TypingPayload: p})
}

func (r *Router) localTyping(start bool, p TypingPayload, originConnID string) {
	event := EventStopTyping
	if start {
		event = EventTyping
	}
	frame, err := encodeFrame(event, p)
	if err != nil {
		return
	}
	r.toRoom(p.ConversationID, originConnID, event, frame)
}

// ---- message deleted ----

// RouteMessageDeleted tells the room. Deletion hides the message for
// deletingUserID only; other clients keep showing it.
func (r *Router) RouteMessageDeleted(ctx context.Context, messageID, conversationID, deletingUserID string) {
	p := MessageDeletedPayload{MessageID: messageID, ConversationID: conversationID, UserID: deletingUserID}
	r.localMessageDeleted(p)
	r.publish(ctx, kindMsgDeleted, conversationID, p)
}

func (r *Router) localMessageDeleted(p MessageDeletedPayload) {
	frame, err := encodeFrame(EventMessageDeleted, p)
	if err != nil {
		return
	}
	r.toRoom(p.ConversationID, "", EventMessageDeleted, frame)
}

// ---- chat deleted ----

type chatDeletedEnvelope struct {
	ChatDeletedPayload
	Affected []string `json:"affected"`
}

// RouteChatDeleted reaches only the affected users' connections, which also
// leave the room.
func (r *Router) RouteChatDeleted(ctx context.Context, conversationID, actingUserID string, affectedUserIDs []string) {
	p := ChatDeletedPayload{ConversationID: conversationID, UserID: actingUserID}
	r.localChatDeleted(p, affectedUserIDs)
	r.publish(ctx, kindChatDelete, conversationID, chatDeletedEnvelope{ChatDeletedPayload: p, Affected: affectedUserIDs})
}

func (r *Router) localChatDeleted(p ChatDeletedPayload, affected []string) {
	frame, err := encodeFrame(EventChatDeleted, p)
	if err != nil {
		return
	}
	for _, u := range lo.Uniq(affected) {
		for connID := range r.registry.ConnectionsOf(u) {
			r.rooms.Leave(connID, p.ConversationID)
			r.send(connID, EventChatDeleted, frame)
		}
	}
}

// ---- membership ----

// RouteMembershipChanged joins an added user's connections to the room (or
// removes a removed user's) before telling every remaining participant.
func (r *Router) RouteMembershipChanged(ctx context.Context, conversationID, userID string, change MembershipChange, remaining []string) {
	if change == MemberAdded && !lo.Contains(remaining, userID) {
		remaining = append(slices.Clone(remaining), userID)
	}
	p := MembershipPayload{ConversationID: conversationID, UserID: userID, Change: change, Participants: remaining}
	r.localMembership(p)
	r.publish(ctx, kindMembership, conversationID, p)
}

func (r *Router) localMembership(p MembershipPayload) {
	for connID := range r.registry.ConnectionsOf(p.UserID) {
		switch p.Change {
		case MemberAdded:
			r.rooms.Join(connID, p.ConversationID)
		case MemberRemoved:
			r.rooms.Leave(connID, p.ConversationID)
		}
	}
	frame, err := encodeFrame(EventMembershipChanged, p)
	if err != nil {
		return
	}
	r.toUsers(p.Participants, EventMembershipChanged, frame)
}

// ---- presence ----

type presenceEnvelope struct {
	PresencePayload
	Interested []string `json:"interested"`
	// Sync answers another node's online so that node learns this one holds the user too.
	Sync bool `json:"sync,omitempty"`
}

// RoutePresence reaches the users sharing a conversation with the subject,
// plus the subject's own connections. Online and offline are node-local
// transitions; they reach clients only while no other node holds the user,
// so the cluster as a whole emits one online and one offline.
func (r *Router) RoutePresence(ctx context.Context, ev PresenceEvent, interested []string) {
	p := PresencePayload{UserID: ev.UserID, Status: ev.Status}
	if !isTransition(ev.Status) || !r.OnlineElsewhere(ev.UserID) {
		r.localPresence(p, interested)
	}
	r.publish(ctx, kindPresence, ev.UserID, presenceEnvelope{PresencePayload: p, Interested: interested})
}

// OnlineElsewhere reports whether another node announced a connection of userID.
func (r *Router) OnlineElsewhere(userID string) bool {
	return r.remote.count(userID) > 0
}

func isTransition(st Status) bool {
	return st == StatusOnline || st == StatusOffline
}

func (r *Router) applyPresence(ctx context.Context, node string, e presenceEnvelope) {
	local := r.registry.IsOnline(e.UserID)
	switch e.Status {
	case StatusOnline:
		if r.remote.add(e.UserID, node) && !local {
			r.localPresence(e.PresencePayload, e.Interested)
		}
		if local && !e.Sync {
			r.publish(ctx, kindPresence, e.UserID, presenceEnvelope{PresencePayload: e.PresencePayload, Interested: e.Interested, Sync: true})
		}
	case StatusOffline:
		if r.remote.remove(e.UserID, node) && !local {
			r.localPresence(e.PresencePayload, e.Interested)
		}
	default:
		r.localPresence(e.PresencePayload, e.Interested)
	}
}

func (r *Router) localPresence(p PresencePayload, interested []string) {
	frame, err := encodeFrame(EventPresenceChanged, p)
	if err != nil {
		return
	}
	r.toUsers(append([]string{p.UserID}, interested...), EventPresenceChanged, frame)
}

// ---- new chat ----

type newChatEnvelope struct {
	Chat      *model.Conversation `json:"chat"`
	CreatorID string              `json:"creatorId"`
}

// RouteNewChat announces a created conversation to everyone but its creator.
func (r *Router) RouteNewChat(ctx context.Context, conv *model.Conversation, creatorID string) {
	r.localNewChat(conv, creatorID)
	r.publish(ctx, kindNewChat, conv.ID, newChatEnvelope{Chat: conv, CreatorID: creatorID})
}

func (r *Router) localNewChat(conv *model.Conversation, creatorID string) {
	frame, err := encodeFrame(EventNewChat, NewChatPayload{Chat: conv})
	if err != nil {
		return
	}
	r.toUsers(conv.Others(creatorID), EventNewChat, frame)
}

// ---- cluster ----

// Apply replays an envelope published by another node. Own and duplicate
// envelopes are dropped.
func (r *Router) Apply(ctx context.Context, env relay.Envelope) {
	if env.Node == r.node || r.dedup.SeenOnce(env.ID) {
		return
	}
	r.metrics.Relayed("in", env.Kind)
	var err error
	switch env.Kind {
	case kindMessage:
		var e messageEnvelope
		if err = json.Unmarshal(env.Payload, &e); err == nil && e.Message != nil {
			r.localNewMessage(e.Message, e.Participants)
		}
	case kindTyping:
		var e typingEnvelope
		if err = json.Unmarshal(env.Payload, &e); err == nil {
			r.localTyping(e.Start, e.TypingPayload, e.Origin)
		}
	case kindMsgDeleted:
		var e MessageDeletedPayload
		if err = json.Unmarshal(env.Payload, &e); err == nil {
			r.localMessageDeleted(e)
		}
	case kindChatDelete:
		var e chatDeletedEnvelope
		if err = json.Unmarshal(env.Payload, &e); err == nil {
			r.localChatDeleted(e.ChatDeletedPayload, e.Affected)
		}
	case kindMembership:
		var e MembershipPayload
		if err = json.Unmarshal(env.Payload, &e); err == nil {
			r.localMembership(e)
		}
	case kindPresence:
		var e presenceEnvelope
		if err = json.Unmarshal(env.Payload, &e); err == nil {
			r.applyPresence(ctx, env.Node, e)
		}
	case kindNewChat:
		var e newChatEnvelope
		if err = json.Unmarshal(env.Payload, &e); err == nil && e.Chat != nil {
			r.localNewChat(e.Chat, e.CreatorID)
		}
	default:
		logger.Warn("relay: unknown kind", zap.String("kind", env.Kind), zap.String("node", env.Node))
		return
	}
	if err != nil {
		logger.Warn("relay: bad payload", zap.String("kind", env.Kind), zap.String("id", env.ID), zap.Error(err))
	}
}
