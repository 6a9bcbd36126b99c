package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatnow/module/chat/model"
	"chatnow/service/relay"
	"chatnow/tools/errs"
)

type routerEnv struct {
	reg   *Registry
	rooms *Rooms
	out   *recordingOut
	r     *Router
}

func newRouterEnv(node string, rl relay.Relay) *routerEnv {
	p := NewPresence(4)
	reg := NewRegistry(4, p)
	rooms := NewRooms(4)
	out := newRecordingOut()
	return &routerEnv{reg: reg, rooms: rooms, out: out, r: newRouter(node, reg, rooms, out, rl, nil)}
}

// connect registers and attaches a connection, joining it to the given rooms.
func (e *routerEnv) connect(t *testing.T, connID, userID string, rooms ...string) {
	require.NoError(t, e.reg.Register(connID, userID))
	e.rooms.Attach(connID)
	for _, room := range rooms {
		require.True(t, e.rooms.Join(connID, room))
	}
}

func testMessage(id, chat, sender, content string) *model.Message {
	return &model.Message{ID: id, ChatID: chat, SenderID: sender, Content: content, CreatedAt: time.Now().UTC()}
}

func TestRouter_New_Message_Goes_To_Room_Or_Notification(t *testing.T) {
	req := require.New(t)
	e := newRouterEnv("n1", nil)

	// Given B has a tab in the room and one elsewhere, and A sends from two tabs
	e.connect(t, "a1", "A", "R")
	e.connect(t, "a2", "A")
	e.connect(t, "b1", "B", "R")
	e.connect(t, "b2", "B")

	// When A's message is routed
	e.r.RouteNewMessage(context.Background(), testMessage("m1", "R", "A", "hi"), []string{"A", "B"})

	// Then b1 gets the full message, b2 a notification, A nothing
	req.Equal([]string{EventMessageReceived}, e.out.events("b1"))
	req.Equal([]string{EventMessageNotification}, e.out.events("b2"))
	req.Empty(e.out.events("a1"))
	req.Empty(e.out.events("a2"))

	var full MessagePayload
	req.NoError(json.Unmarshal(e.out.get("b1")[0].Data, &full))
	req.Equal("m1", full.Message.ID)
	var note NotificationPayload
	req.NoError(json.Unmarshal(e.out.get("b2")[0].Data, &note))
	req.Equal(NotificationPayload{ConversationID: "R", MessageID: "m1", SenderID: "A", Preview: "hi"}, note)
}

func TestRouter_New_Message_Skips_Non_Participants_In_Room(t *testing.T) {
	req := require.New(t)
	e := newRouterEnv("n1", nil)
	e.connect(t, "c1", "C", "R")
	e.connect(t, "b1", "B", "R")

	e.r.RouteNewMessage(context.Background(), testMessage("m1", "R", "A", "hi"), []string{"A", "B"})

	req.Empty(e.out.events("c1"))
	req.Len(e.out.events("b1"), 1)
}

func TestRouter_Delivery_Failure_Does_Not_Abort_Fanout(t *testing.T) {
	req := require.New(t)
	e := newRouterEnv("n1", nil)
	e.connect(t, "b1", "B", "R")
	e.connect(t, "c1", "C", "R")
	e.out.fail["b1"] = errSlowConsumer

	e.r.RouteNewMessage(context.Background(), testMessage("m1", "R", "A", "hi"), []string{"A", "B", "C"})

	req.Empty(e.out.events("b1"))
	req.Equal([]string{EventMessageReceived}, e.out.events("c1"))
}

func TestRouter_Typing_Excludes_Origin(t *testing.T) {
	req := require.New(t)
	e := newRouterEnv("n1", nil)
	e.connect(t, "a1", "A", "R")
	e.connect(t, "a2", "A", "R")
	e.connect(t, "b1", "B", "R")
	e.connect(t, "c1", "C")

	e.r.RouteTyping(context.Background(), true, "R", "a1")
	e.r.RouteTyping(context.Background(), false, "R", "a1")

	req.Empty(e.out.events("a1"))
	req.Equal([]string{EventTyping, EventStopTyping}, e.out.events("a2"))
	req.Equal([]string{EventTyping, EventStopTyping}, e.out.events("b1"))
	req.Empty(e.out.events("c1"))

	var p TypingPayload
	req.NoError(json.Unmarshal(e.out.get("b1")[0].Data, &p))
	req.Equal(TypingPayload{ConversationID: "R", UserID: "A"}, p)
}

func TestRouter_Message_Deleted_Reaches_Whole_Room(t *testing.T) {
	req := require.New(t)
	e := newRouterEnv("n1", nil)
	e.connect(t, "a1", "A", "R")
	e.connect(t, "b1", "B", "R")

	e.r.RouteMessageDeleted(context.Background(), "m1", "R", "A")

	req.Equal([]string{EventMessageDeleted}, e.out.events("a1"))
	req.Equal([]string{EventMessageDeleted}, e.out.events("b1"))
	var p MessageDeletedPayload
	req.NoError(json.Unmarshal(e.out.get("b1")[0].Data, &p))
	req.Equal("A", p.UserID)
}

func TestRouter_Chat_Deleted_Only_Affected_Users(t *testing.T) {
	req := require.New(t)
	e := newRouterEnv("n1", nil)
	e.connect(t, "a1", "A", "R")
	e.connect(t, "a2", "A")
	e.connect(t, "b1", "B", "R")

	// When A deletes the chat for themself
	e.r.RouteChatDeleted(context.Background(), "R", "A", []string{"A"})

	// Then all of A's connections hear it and leave the room; B is untouched
	req.Equal([]string{EventChatDeleted}, e.out.events("a1"))
	req.Equal([]string{EventChatDeleted}, e.out.events("a2"))
	req.Empty(e.out.events("b1"))
	req.False(e.rooms.IsMember("a1", "R"))
	req.True(e.rooms.IsMember("b1", "R"))
}

func TestRouter_Membership_Added_Joins_Room(t *testing.T) {
	req := require.New(t)
	e := newRouterEnv("n1", nil)
	e.connect(t, "a1", "A", "G")
	e.connect(t, "d1", "D")

	// When D is added to G
	e.r.RouteMembershipChanged(context.Background(), "G", "D", MemberAdded, []string{"A"})

	// Then D's connection is in the room and both users are told
	req.True(e.rooms.IsMember("d1", "G"))
	req.Equal([]string{EventMembershipChanged}, e.out.events("a1"))
	req.Equal([]string{EventMembershipChanged}, e.out.events("d1"))

	var p MembershipPayload
	req.NoError(json.Unmarshal(e.out.get("d1")[0].Data, &p))
	req.ElementsMatch([]string{"A", "D"}, p.Participants)

	// When D is removed again, the removed user is listed by the caller
	e.r.RouteMembershipChanged(context.Background(), "G", "D", MemberRemoved, []string{"A", "D"})
	req.False(e.rooms.IsMember("d1", "G"))
	req.Len(e.out.events("d1"), 2)
}

func TestRouter_Presence_Reaches_Contacts_And_Self(t *testing.T) {
	req := require.New(t)
	e := newRouterEnv("n1", nil)
	e.connect(t, "a1", "A")
	e.connect(t, "b1", "B")
	e.connect(t, "c1", "C")

	e.r.RoutePresence(context.Background(), PresenceEvent{UserID: "A", Status: StatusAway}, []string{"B"})

	req.Equal([]string{EventPresenceChanged}, e.out.events("a1"))
	req.Equal([]string{EventPresenceChanged}, e.out.events("b1"))
	req.Empty(e.out.events("c1"))
}

func TestRouter_New_Chat_Skips_Creator(t *testing.T) {
	req := require.New(t)
	e := newRouterEnv("n1", nil)
	e.connect(t, "a1", "A")
	e.connect(t, "b1", "B")

	e.r.RouteNewChat(context.Background(), &model.Conversation{ID: "R", Participants: []string{"A", "B"}}, "A")

	req.Empty(e.out.events("a1"))
	req.Equal([]string{EventNewChat}, e.out.events("b1"))
}

func TestRouter_Relay_Reaches_Other_Node_Once(t *testing.T) {
	req := require.New(t)
	rl := &memRelay{}
	n1 := newRouterEnv("n1", rl)
	n2 := newRouterEnv("n2", rl)
	req.NoError(rl.Subscribe(context.Background(), n1.r.Apply))
	req.NoError(rl.Subscribe(context.Background(), n2.r.Apply))

	// Given B is connected to node 2 only, in the room
	n2.connect(t, "b1", "B", "R")

	// When node 1 routes a message
	n1.r.RouteNewMessage(context.Background(), testMessage("m1", "R", "A", "hi"), []string{"A", "B"})

	// Then B receives it exactly once, and a redelivery is ignored
	req.Equal([]string{EventMessageReceived}, n2.out.events("b1"))
	req.Len(rl.sent, 1)
	n2.r.Apply(context.Background(), rl.sent[0])
	req.Len(n2.out.events("b1"), 1)
}

func TestRouter_Apply_Ignores_Own_Node(t *testing.T) {
	req := require.New(t)
	e := newRouterEnv("n1", nil)
	e.connect(t, "b1", "B", "R")

	env, err := relay.NewEnvelope("n1", kindMsgDeleted, "R", MessageDeletedPayload{MessageID: "m1", ConversationID: "R", UserID: "A"})
	req.NoError(err)
	e.r.Apply(context.Background(), env)
	req.Empty(e.out.events("b1"))

	env, err = relay.NewEnvelope("n2", kindMsgDeleted, "R", MessageDeletedPayload{MessageID: "m1", ConversationID: "R", UserID: "A"})
	req.NoError(err)
	e.r.Apply(context.Background(), env)
	req.Equal([]string{EventMessageDeleted}, e.out.events("b1"))
}

func TestRouter_Relay_Failure_Keeps_Local_Delivery(t *testing.T) {
	req := require.New(t)
	rl := &memRelay{fail: errs.ErrUpstreamUnavailable.WrapMsg("broker down")}
	e := newRouterEnv("n1", rl)
	e.connect(t, "b1", "B", "R")

	e.r.RouteNewMessage(context.Background(), testMessage("m1", "R", "A", "hi"), []string{"A", "B"})

	req.Equal([]string{EventMessageReceived}, e.out.events("b1"))
}

func TestRouter_Presence_Is_Aggregated_Across_Nodes(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	rl := &memRelay{}
	n1 := newRouterEnv("n1", rl)
	n2 := newRouterEnv("n2", rl)
	req.NoError(rl.Subscribe(ctx, n1.r.Apply))
	req.NoError(rl.Subscribe(ctx, n2.r.Apply))
	online := PresenceEvent{UserID: "A", Status: StatusOnline}
	offline := PresenceEvent{UserID: "A", Status: StatusOffline}

	// Given B and A's first tab on node 1
	n1.connect(t, "b1", "B")
	n1.connect(t, "a1", "A")
	n1.r.RoutePresence(ctx, online, []string{"B"})

	// When A opens a second tab on node 2 and closes it again
	n2.connect(t, "a2", "A")
	n2.r.RoutePresence(ctx, online, []string{"B"})
	n2.reg.Unregister("a2")
	n2.r.RoutePresence(ctx, offline, []string{"B"})

	// Then B heard a single online and A is still online
	req.Equal([]Status{StatusOnline}, n1.out.presence("b1", "A"))
	req.True(n1.reg.IsOnline("A"))
	req.False(n1.r.OnlineElsewhere("A"))

	// When the last tab closes
	n1.reg.Unregister("a1")
	n1.r.RoutePresence(ctx, offline, []string{"B"})

	// Then B hears offline exactly once
	req.Equal([]Status{StatusOnline, StatusOffline}, n1.out.presence("b1", "A"))
	req.False(n2.r.OnlineElsewhere("A"))
}

func TestRouter_Presence_Late_Node_Learns_Existing_Connections(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	rl := &memRelay{}
	n1 := newRouterEnv("n1", rl)
	n2 := newRouterEnv("n2", rl)
	req.NoError(rl.Subscribe(ctx, n1.r.Apply))

	// Given A went online on node 1 before node 2 subscribed
	n1.connect(t, "a1", "A")
	n1.r.RoutePresence(ctx, PresenceEvent{UserID: "A", Status: StatusOnline}, []string{"C"})
	req.NoError(rl.Subscribe(ctx, n2.r.Apply))

	// When A connects on node 2, where C is
	n2.connect(t, "c1", "C")
	n2.connect(t, "a2", "A")
	n2.r.RoutePresence(ctx, PresenceEvent{UserID: "A", Status: StatusOnline}, []string{"C"})

	// Then node 1 answers and node 2 knows A is held elsewhere
	req.True(n2.r.OnlineElsewhere("A"))

	// When A's node 2 tab closes, C is not told A went offline
	n2.reg.Unregister("a2")
	n2.r.RoutePresence(ctx, PresenceEvent{UserID: "A", Status: StatusOffline}, []string{"C"})
	req.Equal([]Status{StatusOnline}, n2.out.presence("c1", "A"))
}

func TestRouter_Manual_Status_Crosses_Nodes(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	rl := &memRelay{}
	n1 := newRouterEnv("n1", rl)
	n2 := newRouterEnv("n2", rl)
	req.NoError(rl.Subscribe(ctx, n1.r.Apply))
	req.NoError(rl.Subscribe(ctx, n2.r.Apply))

	n1.connect(t, "a1", "A")
	n2.connect(t, "b1", "B")
	n1.r.RoutePresence(ctx, PresenceEvent{UserID: "A", Status: StatusAway}, []string{"B"})
	n1.r.RoutePresence(ctx, PresenceEvent{UserID: "A", Status: StatusAway}, []string{"B"})

	req.Equal([]Status{StatusAway, StatusAway}, n2.out.presence("b1", "A"))
}
