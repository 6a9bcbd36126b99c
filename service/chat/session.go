package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"chatnow/logger"
	"chatnow/tools/decode"
	"chatnow/tools/errs"
)

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateAuthenticated
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// Authenticator turns a bearer credential into a known user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// Session drives one connection from handshake to close.
type Session struct {
	hub    *Hub
	client *Client
	disp   *Dispatcher
	state  atomic.Int32
	log    *zap.Logger

	attached   bool
	registered bool
}

func (h *Hub) newSession(ep Endpoint) *Session {
	connID := h.newConnID()
	s := &Session{
		hub:    h,
		client: newClient(connID, ep, h.cfg.SendBuffer),
		disp:   NewDispatcher(),
		log:    logger.L().With(zap.String("conn", connID), zap.String("remote", ep.RemoteAddr())),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) setState(st SessionState) { s.state.Store(int32(st)) }

// Serve runs the session to completion on the caller's goroutine. credential
// may be empty, in which case the first frame must be a setup frame.
func (h *Hub) Serve(ctx context.Context, ep Endpoint, credential string) {
	s := h.newSession(ep)
	if !h.trackSession(s) {
		_ = ep.Close()
		return
	}
	go s.client.writePump(h.cfg.PingPeriod)
	defer s.close()

	if err := s.authenticate(ctx, credential); err != nil {
		s.fail(err)
		return
	}
	s.readLoop(ctx)
}

func (s *Session) authenticate(ctx context.Context, credential string) error {
	h := s.hub
	s.setState(StateAuthenticating)
	deadline := time.Now().Add(h.cfg.AuthTimeout)
	actx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	token := credential
	if token == "" {
		var err error
		if token, err = s.readSetup(deadline); err != nil {
			return err
		}
	}

	userID, err := h.auth.Authenticate(actx, token)
	if err != nil {
		if actx.Err() != nil {
			return errs.ErrBadCredential.WrapMsg("authentication timeout")
		}
		if errs.ErrUpstreamUnavailable.Is(err) {
			return err
		}
		return errs.ErrBadCredential.WrapMsg("authenticate", "err", err)
	}
	if actx.Err() != nil {
		return errs.ErrBadCredential.WrapMsg("authentication timeout")
	}

	s.setState(StateAuthenticated)
	s.client.UserID = userID
	s.log = s.log.With(zap.String("user", userID))
	if err := h.attach(s.client); err != nil {
		return err
	}
	s.attached = true
	if err := h.registry.Register(s.client.ConnID, userID); err != nil {
		return err
	}
	s.registered = true
	_ = s.client.ep.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

	s.installHandlers()
	s.setState(StateActive)
	h.metrics.ConnectionOpened()

	frame, _ := encodeFrame(EventConnected, ConnectedPayload{
		ConnectionID: s.client.ConnID,
		UserID:       userID,
		Status:       h.presence.StatusOf(userID),
	})
	_ = s.client.enqueue(frame)
	s.log.Info("session active")
	return nil
}

func (s *Session) readSetup(deadline time.Time) (string, error) {
	_ = s.client.ep.SetReadDeadline(deadline)
	raw, err := s.client.ep.Read()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", errs.ErrBadCredential.WrapMsg("authentication timeout")
		}
		return "", errs.ErrBadCredential.WrapMsg("closed before setup", "err", err)
	}
	f, err := ParseFrame(raw)
	if err != nil || f.Event != EventSetup {
		return "", errs.ErrBadCredential.WrapMsg("expected setup frame")
	}
	p, err := decode.Raw[SetupPayload](f.Data)
	if err != nil || p.Token == "" {
		return "", errs.ErrBadCredential.WrapMsg("missing credential")
	}
	return p.Token, nil
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		raw, err := s.client.ep.Read()
		if err != nil {
			s.log.Debug("read ended", zap.Error(err))
			return
		}
		_ = s.client.ep.SetReadDeadline(time.Now().Add(s.hub.cfg.PongTimeout))

		f, err := ParseFrame(raw)
		if err != nil {
			s.reply(err)
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, s.hub.cfg.RequestTimeout)
		err = s.disp.Dispatch(rctx, f)
		cancel()
		if err != nil {
			s.log.Debug("request failed", zap.String("event", f.Event), zap.Error(err))
			s.reply(err)
		}
	}
}

// reply reports an operation error to this connection only.
func (s *Session) reply(err error) {
	_ = s.client.enqueue(errorFrame(err))
}

// fail reports a connection-fatal error; the deferred close does the rest.
func (s *Session) fail(err error) {
	s.log.Info("session rejected", zap.String("state", s.State().String()), zap.Error(err))
	s.reply(err)
}

// close tears the session down: rooms first, then the registry.
func (s *Session) close() {
	h := s.hub
	s.disp.Reset()
	if s.attached {
		h.rooms.LeaveAll(s.client.ConnID)
	}
	if s.registered {
		h.registry.Unregister(s.client.ConnID)
		h.metrics.ConnectionClosed()
	}
	if s.attached {
		h.detach(s.client)
	}
	s.setState(StateClosed)
	s.client.Close()
	<-s.client.pumpDone
	h.untrackSession(s)
	s.log.Debug("session closed")
}

func (s *Session) installHandlers() {
	h := s.hub
	c := s.client
	s.disp.Register(EventSetup, func(context.Context, json.RawMessage) error {
		return errs.ErrInvalidState.WrapMsg("already authenticated")
	})
	s.disp.Register(EventJoinRoom, func(ctx context.Context, data json.RawMessage) error {
		p, err := roomPayload(data)
		if err != nil {
			return err
		}
		ok, err := h.dir.IsParticipant(ctx, p.ConversationID, c.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return errs.ErrUnauthorized.WrapMsg("not a participant", "conversation", p.ConversationID)
		}
		h.rooms.Join(c.ConnID, p.ConversationID)
		return nil
	})
	s.disp.Register(EventLeaveRoom, func(_ context.Context, data json.RawMessage) error {
		p, err := roomPayload(data)
		if err != nil {
			return err
		}
		h.rooms.Leave(c.ConnID, p.ConversationID)
		return nil
	})
	typing := func(start bool) handlerFunc {
		return func(ctx context.Context, data json.RawMessage) error {
			p, err := roomPayload(data)
			if err != nil {
				return err
			}
			if !h.rooms.IsMember(c.ConnID, p.ConversationID) {
				return errs.ErrInvalidState.WrapMsg("not joined", "conversation", p.ConversationID)
			}
			h.router.RouteTyping(ctx, start, p.ConversationID, c.ConnID)
			return nil
		}
	}
	s.disp.Register(EventTyping, typing(true))
	s.disp.Register(EventStopTyping, typing(false))
	s.disp.Register(EventSetStatus, func(_ context.Context, data json.RawMessage) error {
		p, err := decode.Raw[StatusPayload](data)
		if err != nil {
			return errs.ErrInvalidArgument.WrapMsg("bad payload", "err", err)
		}
		st, err := ParseManualStatus(p.Status)
		if err != nil {
			return err
		}
		return h.presence.SetManualStatus(c.UserID, st)
	})
}

func roomPayload(data json.RawMessage) (*RoomPayload, error) {
	p, err := decode.Raw[RoomPayload](data)
	if err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("bad payload", "err", err)
	}
	if p.ConversationID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("conversationId required")
	}
	return p, nil
}
