package chat

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatnow/logger"
	"chatnow/service/metrics"
	"chatnow/service/relay"
	"chatnow/tools/errs"
	"chatnow/tools/ids"
	"chatnow/tools/safe"
)

// Directory answers the membership questions the realtime layer needs.
type Directory interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ContactsOf(ctx context.Context, userID string) ([]string, error)
}

// PresenceMirror publishes presence to a shared store so other nodes can look it up.
type PresenceMirror interface {
	Set(ctx context.Context, userID, status string) error
	Clear(ctx context.Context, userID string) error
	Touch(ctx context.Context, userIDs []string) error
}

type Options struct {
	Config         Config
	NodeID         int64
	Auth           Authenticator
	Directory      Directory
	Mirror         PresenceMirror // 可选, redis 在线状态镜像
	Relay          relay.Relay    // 可选, 多节点转发
	Metrics        *metrics.Metrics
	AllowedOrigins []string
}

// Hub owns the node-local realtime state: connections, rooms and presence.
type Hub struct {
	cfg      Config
	node     string
	auth     Authenticator
	dir      Directory
	mirror   PresenceMirror
	relay    relay.Relay
	metrics  *metrics.Metrics
	origins  []string
	registry *Registry
	rooms    *Rooms
	presence *Presence
	router   *Router

	newConnID func() string

	mu       sync.RWMutex
	clients  map[string]*Client
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup

	cancel context.CancelFunc
}

func NewHub(o Options) *Hub {
	cfg := o.Config
	cfg.Norm()
	h := &Hub{
		cfg:      cfg,
		node:     strconv.FormatInt(o.NodeID, 10),
		auth:     o.Auth,
		dir:      o.Directory,
		mirror:   o.Mirror,
		relay:    o.Relay,
		metrics:  o.Metrics,
		origins:  o.AllowedOrigins,
		presence: NewPresence(cfg.Shards),
		rooms:    NewRooms(cfg.Shards),
		clients:  make(map[string]*Client),
		sessions: make(map[*Session]struct{}),
	}
	h.newConnID = ids.NewGenerator(o.NodeID).NextString
	h.registry = NewRegistry(cfg.Shards, h.presence)
	h.router = newRouter(h.node, h.registry, h.rooms, h, o.Relay, o.Metrics)
	h.presence.OnChange(h.onPresence)
	return h
}

func (h *Hub) Registry() *Registry { return h.registry }
func (h *Hub) Rooms() *Rooms       { return h.rooms }
func (h *Hub) Presence() *Presence { return h.presence }
func (h *Hub) Router() *Router     { return h.router }
func (h *Hub) Node() string        { return h.node }

// Init starts the presence delivery loop, the relay subscription and the
// mirror refresh loop. Stop them with Shutdown.
func (h *Hub) Init(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)
	safe.Go("presence", func() { h.presence.Run(ctx) })
	if h.relay != nil {
		if err := h.relay.Subscribe(ctx, h.router.Apply); err != nil {
			h.cancel()
			return err
		}
	}
	if h.mirror != nil {
		safe.Go("presence-mirror", func() { h.touchLoop(ctx) })
	}
	logger.Info("hub started", zap.String("node", h.node))
	return nil
}

func (h *Hub) touchLoop(ctx context.Context) {
	t := time.NewTicker(h.cfg.PresenceTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			users := h.presence.OnlineUsers()
			if len(users) == 0 {
				continue
			}
			if err := h.mirror.Touch(ctx, users); err != nil {
				logger.Warn("presence mirror touch", zap.Int("users", len(users)), zap.Error(err))
			}
		}
	}
}

// Shutdown closes every connection and waits for the sessions to finish.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	for s := range h.sessions {
		s.client.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errs.ErrUpstreamUnavailable.WrapMsg("shutdown timeout", "err", ctx.Err())
	}
	h.presence.Flush()
	if h.cancel != nil {
		h.cancel()
	}
	if h.relay != nil {
		if cerr := h.relay.Close(); cerr != nil {
			logger.Warn("relay close", zap.Error(cerr))
		}
	}
	return err
}

func (h *Hub) trackSession(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.wg.Add(1)
	h.sessions[s] = struct{}{}
	return true
}

func (h *Hub) untrackSession(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	h.wg.Done()
}

func (h *Hub) attach(c *Client) error {
	h.mu.Lock()
	if _, ok := h.clients[c.ConnID]; ok {
		h.mu.Unlock()
		return errs.ErrDuplicateConnection.WrapMsg("connection exists", "conn", c.ConnID)
	}
	h.clients[c.ConnID] = c
	h.mu.Unlock()
	h.rooms.Attach(c.ConnID)
	return nil
}

func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	if h.clients[c.ConnID] == c {
		delete(h.clients, c.ConnID)
	}
	h.mu.Unlock()
}

// deliver queues a frame on a local connection. A connection whose buffer is
// full is dropped at once; its session unregisters it on the way out.
func (h *Hub) deliver(connID string, frame []byte) error {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return errs.ErrNotFound.WrapMsg("connection", "conn", connID)
	}
	err := c.enqueue(frame)
	if errs.ErrUpstreamUnavailable.Is(err) {
		c.abort()
	}
	return err
}

// StatusOf reports the node-local presence status of a user.
func (h *Hub) StatusOf(userID string) Status { return h.presence.StatusOf(userID) }

func (h *Hub) onPresence(ev PresenceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
	defer cancel()

	switch ev.Status {
	case StatusOnline:
		h.metrics.UserOnline()
	case StatusOffline:
		h.metrics.UserOffline()
	}
	if h.mirror != nil {
		var err error
		switch {
		case ev.Status == StatusOffline && h.router.OnlineElsewhere(ev.UserID):
			// the record belongs to the nodes still holding the user
		case ev.Status == StatusOffline:
			err = h.mirror.Clear(ctx, ev.UserID)
		default:
			err = h.mirror.Set(ctx, ev.UserID, string(ev.Status))
		}
		if err != nil {
			logger.Warn("presence mirror", zap.String("user", ev.UserID), zap.Error(err))
		}
	}

	var contacts []string
	if h.dir != nil {
		var err error
		if contacts, err = h.dir.ContactsOf(ctx, ev.UserID); err != nil {
			logger.Warn("presence contacts", zap.String("user", ev.UserID), zap.Error(err))
		}
	}
	h.router.RoutePresence(ctx, ev, contacts)
}
