package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatnow/tools/errs"
)

const waitLong = 2 * time.Second

type hubEnv struct {
	hub  *Hub
	auth *fakeAuth
	dir  *fakeDirectory
}

func newHubEnv(t *testing.T) *hubEnv {
	return newHubEnvWith(t, nil)
}

// newHubEnvWith lets a test adjust the options before the hub is built.
func newHubEnvWith(t *testing.T, tune func(*Options)) *hubEnv {
	t.Helper()
	auth := &fakeAuth{users: map[string]string{"tok-a": "A", "tok-b": "B"}}
	dir := &fakeDirectory{participants: map[string][]string{"R": {"A", "B"}}}
	o := Options{
		Config: Config{
			AuthTimeout:    100 * time.Millisecond,
			PongTimeout:    5 * time.Second,
			PingPeriod:     time.Second,
			RequestTimeout: time.Second,
			Shards:         4,
		},
		NodeID:    1,
		Auth:      auth,
		Directory: dir,
	}
	if tune != nil {
		tune(&o)
	}
	h := NewHub(o)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Init(ctx))
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), waitLong)
		defer scancel()
		_ = h.Shutdown(sctx)
		cancel()
	})
	return &hubEnv{hub: h, auth: auth, dir: dir}
}

// serve runs a session in the background; the returned channel closes when Serve returns.
func (e *hubEnv) serve(ep *fakeEndpoint, credential string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.hub.Serve(context.Background(), ep, credential)
	}()
	return done
}

func (e *hubEnv) connect(t *testing.T, token string) (*fakeEndpoint, ConnectedPayload, <-chan struct{}) {
	t.Helper()
	ep := newFakeEndpoint()
	done := e.serve(ep, token)
	fr, ok := ep.waitFor(EventConnected, waitLong)
	require.True(t, ok, "no connected frame, got %v", ep.events())
	var p ConnectedPayload
	require.NoError(t, json.Unmarshal(fr.Data, &p))
	return ep, p, done
}

func errorOf(t *testing.T, fr Frame) ErrorPayload {
	t.Helper()
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(fr.Data, &p))
	return p
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitLong):
		t.Fatal("session did not finish")
	}
}

func TestSession_Credential_Authenticates(t *testing.T) {
	req := require.New(t)
	e := newHubEnv(t)

	// When a connection presents a valid credential
	ep, p, done := e.connect(t, "tok-a")

	// Then it is acknowledged and registered
	req.Equal("A", p.UserID)
	req.Equal(StatusOnline, p.Status)
	req.NotEmpty(p.ConnectionID)
	req.True(e.hub.Registry().IsOnline("A"))

	// When the peer goes away
	_ = ep.Close()
	waitClosed(t, done)

	// Then nothing of it is left
	req.False(e.hub.Registry().IsOnline("A"))
	_, ok := e.hub.Registry().OwnerOf(p.ConnectionID)
	req.False(ok)
	req.Equal(StatusOffline, e.hub.StatusOf("A"))
}

func TestSession_Setup_Frame_Authenticates(t *testing.T) {
	req := require.New(t)
	e := newHubEnv(t)

	// Given a connection without a credential
	ep := newFakeEndpoint()
	done := e.serve(ep, "")

	// When it sends a setup frame first
	ep.send(EventSetup, SetupPayload{Token: "tok-b"})

	// Then it becomes active
	fr, ok := ep.waitFor(EventConnected, waitLong)
	req.True(ok)
	var p ConnectedPayload
	req.NoError(json.Unmarshal(fr.Data, &p))
	req.Equal("B", p.UserID)

	// And a second setup is refused without closing the session
	ep.send(EventSetup, SetupPayload{Token: "tok-b"})
	fr, ok = ep.waitFor(EventError, waitLong)
	req.True(ok)
	req.Equal(errs.CodeInvalidState, errorOf(t, fr).Code)
	req.True(e.hub.Registry().IsOnline("B"))

	_ = ep.Close()
	waitClosed(t, done)
}

func TestSession_Auth_Timeout_Closes_Connection(t *testing.T) {
	req := require.New(t)
	e := newHubEnv(t)

	// Given a connection that never sends setup
	ep := newFakeEndpoint()
	done := e.serve(ep, "")

	// Then it is closed after the auth timeout with a bad credential error
	waitClosed(t, done)
	req.True(ep.isClosed())
	req.Equal([]string{EventError}, ep.events())
	req.Equal(errs.CodeBadCredential, errorOf(t, ep.frames()[0]).Code)
	req.Zero(e.hub.Registry().Len())
}

func TestSession_Bad_Credential_Is_Rejected(t *testing.T) {
	req := require.New(t)
	e := newHubEnv(t)

	ep := newFakeEndpoint()
	done := e.serve(ep, "nope")

	waitClosed(t, done)
	req.True(ep.isClosed())
	req.Equal([]string{EventError}, ep.events())
	req.Equal(errs.CodeBadCredential, errorOf(t, ep.frames()[0]).Code)
	req.Zero(e.hub.Registry().Len())
}

func TestSession_Non_Setup_First_Frame_Is_Rejected(t *testing.T) {
	req := require.New(t)
	e := newHubEnv(t)

	ep := newFakeEndpoint()
	done := e.serve(ep, "")
	ep.send(EventJoinRoom, RoomPayload{ConversationID: "R"})

	waitClosed(t, done)
	req.Equal(errs.CodeBadCredential, errorOf(t, ep.frames()[0]).Code)
}

func TestSession_Join_Room_Requires_Participation(t *testing.T) {
	req := require.New(t)
	e := newHubEnv(t)
	e.dir.participants["S"] = []string{"B", "C"}
	ep, p, done := e.connect(t, "tok-a")

	// When A asks for a room they are not part of
	ep.send(EventJoinRoom, RoomPayload{ConversationID: "S"})

	// Then it is refused and the connection stays open
	fr, ok := ep.waitFor(EventError, waitLong)
	req.True(ok)
	req.Equal(errs.CodeUnauthorized, errorOf(t, fr).Code)
	req.False(e.hub.Rooms().IsMember(p.ConnectionID, "S"))
	req.True(e.hub.Registry().IsOnline("A"))

	_ = ep.Close()
	waitClosed(t, done)
}

func TestSession_Unknown_Event_And_Bad_Payload(t *testing.T) {
	req := require.New(t)
	e := newHubEnv(t)
	ep, _, done := e.connect(t, "tok-a")

	ep.send("dance", map[string]string{})
	ep.in <- []byte("not json")
	ep.send(EventJoinRoom, RoomPayload{})

	errorFrames := func() []Frame {
		var out []Frame
		for _, fr := range ep.frames() {
			if fr.Event == EventError {
				out = append(out, fr)
			}
		}
		return out
	}
	req.Eventually(func() bool { return len(errorFrames()) == 3 }, waitLong, 5*time.Millisecond)
	for _, fr := range errorFrames() {
		req.Equal(errs.CodeInvalidArgument, errorOf(t, fr).Code)
	}
	req.True(e.hub.Registry().IsOnline("A"))

	_ = ep.Close()
	waitClosed(t, done)
}

func TestSession_Typing_Reaches_Room_Members(t *testing.T) {
	req := require.New(t)
	e := newHubEnv(t)
	epA, pa, doneA := e.connect(t, "tok-a")
	epB, pb, doneB := e.connect(t, "tok-b")

	// Given both users joined R
	epA.send(EventJoinRoom, RoomPayload{ConversationID: "R"})
	epB.send(EventJoinRoom, RoomPayload{ConversationID: "R"})
	req.Eventually(func() bool {
		return e.hub.Rooms().IsMember(pa.ConnectionID, "R") && e.hub.Rooms().IsMember(pb.ConnectionID, "R")
	}, waitLong, 5*time.Millisecond)

	// When A starts typing
	epA.send(EventTyping, RoomPayload{ConversationID: "R"})

	// Then B sees it
	fr, ok := epB.waitFor(EventTyping, waitLong)
	req.True(ok)
	var tp TypingPayload
	req.NoError(json.Unmarshal(fr.Data, &tp))
	req.Equal(TypingPayload{ConversationID: "R", UserID: "A"}, tp)

	// And typing in a room B never joined is refused
	epB.send(EventLeaveRoom, RoomPayload{ConversationID: "R"})
	req.Eventually(func() bool { return !e.hub.Rooms().IsMember(pb.ConnectionID, "R") }, waitLong, 5*time.Millisecond)
	epB.send(EventTyping, RoomPayload{ConversationID: "R"})
	fr, ok = epB.waitFor(EventError, waitLong)
	req.True(ok)
	req.Equal(errs.CodeInvalidState, errorOf(t, fr).Code)

	_ = epA.Close()
	_ = epB.Close()
	waitClosed(t, doneA)
	waitClosed(t, doneB)
}

func TestSession_Presence_Reaches_Contacts(t *testing.T) {
	req := require.New(t)
	e := newHubEnv(t)
	epB, _, doneB := e.connect(t, "tok-b")

	// When A connects and sets a status
	epA, _, doneA := e.connect(t, "tok-a")
	epA.send(EventSetStatus, StatusPayload{Status: "away"})

	// Then B, who shares R with A, sees online then away
	req.Eventually(func() bool {
		var got []Status
		for _, fr := range epB.frames() {
			if fr.Event != EventPresenceChanged {
				continue
			}
			var p PresencePayload
			_ = json.Unmarshal(fr.Data, &p)
			if p.UserID == "A" {
				got = append(got, p.Status)
			}
		}
		return len(got) == 2 && got[0] == StatusOnline && got[1] == StatusAway
	}, waitLong, 5*time.Millisecond)
	req.Equal(StatusAway, e.hub.StatusOf("A"))

	// When A leaves, B is told A is offline
	_ = epA.Close()
	waitClosed(t, doneA)
	req.Eventually(func() bool {
		for _, fr := range epB.frames() {
			var p PresencePayload
			if fr.Event == EventPresenceChanged && json.Unmarshal(fr.Data, &p) == nil && p.UserID == "A" && p.Status == StatusOffline {
				return true
			}
		}
		return false
	}, waitLong, 5*time.Millisecond)

	_ = epB.Close()
	waitClosed(t, doneB)
}

func TestSession_Disconnect_Leaves_Rooms_Before_Going_Offline(t *testing.T) {
	req := require.New(t)
	e := newHubEnv(t)
	ep, p, done := e.connect(t, "tok-a")
	ep.send(EventJoinRoom, RoomPayload{ConversationID: "R"})
	req.Eventually(func() bool { return e.hub.Rooms().IsMember(p.ConnectionID, "R") }, waitLong, 5*time.Millisecond)

	// When the user goes offline, rooms must already be empty
	var memberAtOffline bool
	e.hub.Presence().OnChange(func(ev PresenceEvent) {
		if ev.UserID == "A" && ev.Status == StatusOffline {
			memberAtOffline = e.hub.Rooms().IsMember(p.ConnectionID, "R")
		}
	})
	_ = ep.Close()
	waitClosed(t, done)
	e.hub.Presence().Flush()

	req.False(memberAtOffline)
	req.Empty(collectMembers(e.hub.Rooms(), "R"))
}

func TestHub_Shutdown_Closes_Sessions_And_Rejects_New_Ones(t *testing.T) {
	req := require.New(t)
	e := newHubEnv(t)
	ep, _, done := e.connect(t, "tok-a")
	pending := newFakeEndpoint()
	pendingDone := e.serve(pending, "")

	ctx, cancel := context.WithTimeout(context.Background(), waitLong)
	defer cancel()
	req.NoError(e.hub.Shutdown(ctx))

	waitClosed(t, done)
	waitClosed(t, pendingDone)
	req.True(ep.isClosed())
	req.True(pending.isClosed())
	req.Zero(e.hub.Registry().Len())

	late := newFakeEndpoint()
	waitClosed(t, e.serve(late, "tok-a"))
	req.True(late.isClosed())
	req.Empty(late.frames())
}

func collectMembers(r *Rooms, room string) []string {
	var out []string
	for c := range r.MembersOf(room) {
		out = append(out, c)
	}
	return out
}

// statusLog records the presence events of one user as the hub emits them.
type statusLog struct {
	mu   sync.Mutex
	seen []Status
}

func watchStatus(h *Hub, userID string) *statusLog {
	l := &statusLog{}
	h.Presence().OnChange(func(ev PresenceEvent) {
		if ev.UserID == userID {
			l.mu.Lock()
			l.seen = append(l.seen, ev.Status)
			l.mu.Unlock()
		}
	})
	return l
}

func (l *statusLog) last() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.seen) == 0 {
		return ""
	}
	return l.seen[len(l.seen)-1]
}

func TestSession_Slow_Consumer_Is_Dropped(t *testing.T) {
	req := require.New(t)
	e := newHubEnvWith(t, func(o *Options) { o.Config.SendBuffer = 2 })
	log := watchStatus(e.hub, "A")

	// Given A joined to R, having read its own online, and then stopping reading
	ep, p, done := e.connect(t, "tok-a")
	_, ok := ep.waitFor(EventPresenceChanged, waitLong)
	req.True(ok)
	ep.send(EventJoinRoom, RoomPayload{ConversationID: "R"})
	req.Eventually(func() bool { return e.hub.Rooms().IsMember(p.ConnectionID, "R") }, waitLong, 5*time.Millisecond)
	ep.hold()

	// When frames keep coming for A
	frame, err := encodeFrame(EventTyping, TypingPayload{ConversationID: "R", UserID: "B"})
	req.NoError(err)
	var derr error
	for i := 0; i < 10 && derr == nil; i++ {
		derr = e.hub.deliver(p.ConnectionID, frame)
	}

	// Then the connection is dropped and torn down like a disconnect
	req.True(errs.ErrUpstreamUnavailable.Is(derr))
	waitClosed(t, done)
	req.True(ep.isClosed())
	req.False(e.hub.Rooms().IsMember(p.ConnectionID, "R"))
	req.False(e.hub.Registry().IsOnline("A"))
	req.Equal(StatusOffline, e.hub.StatusOf("A"))
	req.Eventually(func() bool { return log.last() == StatusOffline }, waitLong, 5*time.Millisecond)
	req.True(errs.ErrNotFound.Is(e.hub.deliver(p.ConnectionID, frame)))
}

func TestSession_Duplicate_Connection_Id_Is_Refused(t *testing.T) {
	req := require.New(t)
	e := newHubEnv(t)
	e.hub.newConnID = func() string { return "c-1" }

	// Given a live session holding c-1 in room R
	epA, pA, doneA := e.connect(t, "tok-a")
	req.Equal("c-1", pA.ConnectionID)
	epA.send(EventJoinRoom, RoomPayload{ConversationID: "R"})
	req.Eventually(func() bool { return e.hub.Rooms().IsMember("c-1", "R") }, waitLong, 5*time.Millisecond)

	// When a second session is handed the same id
	epB := newFakeEndpoint()
	doneB := e.serve(epB, "tok-b")

	// Then it gets an error and is closed
	fr, ok := epB.waitFor(EventError, waitLong)
	req.True(ok)
	req.Equal(errs.CodeDuplicateConnection, errorOf(t, fr).Code)
	waitClosed(t, doneB)
	req.True(epB.isClosed())

	// And it left nothing behind while the first session is untouched
	req.False(e.hub.Registry().IsOnline("B"))
	req.Equal(StatusOffline, e.hub.StatusOf("B"))
	owner, ok := e.hub.Registry().OwnerOf("c-1")
	req.True(ok)
	req.Equal("A", owner)
	req.True(e.hub.Rooms().IsMember("c-1", "R"))
	req.False(epA.isClosed())

	_ = epA.Close()
	waitClosed(t, doneA)
	req.False(e.hub.Registry().IsOnline("A"))
	req.False(e.hub.Rooms().IsMember("c-1", "R"))
}

func TestSession_Registry_Conflict_Is_Rolled_Back(t *testing.T) {
	req := require.New(t)
	e := newHubEnv(t)

	// Given the registry already holds c-9 for another user
	req.NoError(e.hub.Registry().Register("c-9", "X"))
	e.hub.newConnID = func() string { return "c-9" }

	// When a session is handed that id
	ep := newFakeEndpoint()
	done := e.serve(ep, "tok-a")

	// Then it is refused
	fr, ok := ep.waitFor(EventError, waitLong)
	req.True(ok)
	req.Equal(errs.CodeDuplicateConnection, errorOf(t, fr).Code)
	waitClosed(t, done)

	// And the existing entry survives while the refused session is fully detached
	owner, ok := e.hub.Registry().OwnerOf("c-9")
	req.True(ok)
	req.Equal("X", owner)
	req.False(e.hub.Registry().IsOnline("A"))
	req.False(e.hub.Rooms().Join("c-9", "R"))
	req.True(errs.ErrNotFound.Is(e.hub.deliver("c-9", []byte(`{}`))))
}

func TestHub_Presence_Across_Nodes(t *testing.T) {
	req := require.New(t)
	rl := &memRelay{}
	n1 := newHubEnvWith(t, func(o *Options) { o.NodeID = 1; o.Relay = rl })
	n2 := newHubEnvWith(t, func(o *Options) { o.NodeID = 2; o.Relay = rl })

	// Given B on node 1 seeing A come online there
	epB, _, _ := n1.connect(t, "tok-b")
	_, _, _ = n1.connect(t, "tok-a")
	req.Eventually(func() bool { return len(epB.presenceOf("A")) == 1 }, waitLong, 5*time.Millisecond)
	n1.hub.Presence().Flush()

	// When A opens a tab on node 2 and closes it
	epA2, _, doneA2 := n2.connect(t, "tok-a")
	n2.hub.Presence().Flush()
	_ = epA2.Close()
	waitClosed(t, doneA2)
	n2.hub.Presence().Flush()

	// Then B heard one online and nothing else, and A stays online on node 1
	req.Never(func() bool { return len(epB.presenceOf("A")) > 1 }, 200*time.Millisecond, 10*time.Millisecond)
	req.Equal([]Status{StatusOnline}, epB.presenceOf("A"))
	req.Equal(StatusOnline, n1.hub.StatusOf("A"))
}
