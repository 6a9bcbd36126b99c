package user

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chatnow/middleware"
	"chatnow/middleware/resp"
	midsec "chatnow/middleware/security"
	"chatnow/module/user/service"
	"chatnow/service/chat"
	"chatnow/service/storage"
	"chatnow/tools/errs"
)

// Presence is the node-local tracker.
type Presence interface {
	StatusOf(userID string) chat.Status
	SetManualStatus(userID string, st chat.Status) error
}

// MirrorLookup reads presence published by any node.
type MirrorLookup interface {
	Lookup(ctx context.Context, userID string) (storage.Record, bool, error)
}

// Contacts lists who shares a conversation with a user.
type Contacts interface {
	ContactsOf(ctx context.Context, userID string) ([]string, error)
}

type Handler struct {
	svc      *service.Service
	presence Presence
	contacts Contacts
	mirror   MirrorLookup // optional
	cookie   string
	secure   bool
}

func NewHandler(svc *service.Service, p Presence, contacts Contacts, mirror MirrorLookup, cookie string, secureCookie bool) *Handler {
	return &Handler{svc: svc, presence: p, contacts: contacts, mirror: mirror, cookie: cookie, secure: secureCookie}
}

func (h *Handler) Routes(rt *middleware.Routes) {
	rt.POST("/user/register", h.Register, middleware.RouteOpt{})
	rt.POST("/user/login", h.Login, middleware.RouteOpt{})
	rt.POST("/user/logout", h.Logout, middleware.RouteOpt{})
	rt.GET("/user/search", h.Search, middleware.RouteOpt{IsAuth: true})
	rt.GET("/user/:id/status", h.Status, middleware.RouteOpt{IsAuth: true})
	rt.POST("/user/status", h.SetStatus, middleware.RouteOpt{IsAuth: true})
}

func (h *Handler) setCookie(c *gin.Context, s *service.Session) {
	if h.cookie == "" {
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	maxAge := int(time.Until(s.ExpireAt).Seconds())
	if maxAge <= 0 {
		maxAge = 3600
	}
	c.SetCookie(h.cookie, s.Token, maxAge, "/", "", h.secure, true)
}

func (h *Handler) Register(c *gin.Context) {
	in, err := resp.Bind[service.RegisterParams](c)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	s, err := h.svc.Register(c.Request.Context(), *in)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	h.setCookie(c, s)
	resp.Created(c, s)
}

func (h *Handler) Login(c *gin.Context) {
	in, err := resp.Bind[service.LoginParams](c)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	s, err := h.svc.Login(c.Request.Context(), *in)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	h.setCookie(c, s)
	resp.OK(c, s)
}

func (h *Handler) Logout(c *gin.Context) {
	if h.cookie != "" {
		c.SetCookie(h.cookie, "", -1, "/", "", h.secure, true)
	}
	resp.OK(c, nil)
}

func (h *Handler) Search(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	users, err := h.svc.Search(c.Request.Context(), midsec.UserID(c), c.Query("q"), limit)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, users)
}

type statusView struct {
	UserID string      `json:"userId"`
	Status chat.Status `json:"status"`
	Node   string      `json:"node,omitempty"`
}

// Status prefers the local tracker and falls back to the shared mirror for
// users connected to another node. Only the user and their contacts may ask.
func (h *Handler) Status(c *gin.Context) {
	id := c.Param("id")
	if err := h.canSee(c.Request.Context(), midsec.UserID(c), id); err != nil {
		resp.Fail(c, err)
		return
	}
	if st := h.presence.StatusOf(id); st != chat.StatusOffline || h.mirror == nil {
		resp.OK(c, statusView{UserID: id, Status: st})
		return
	}
	rec, ok, err := h.mirror.Lookup(c.Request.Context(), id)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	if !ok {
		resp.OK(c, statusView{UserID: id, Status: chat.StatusOffline})
		return
	}
	resp.OK(c, statusView{UserID: id, Status: chat.Status(rec.Status), Node: rec.Node})
}

func (h *Handler) canSee(ctx context.Context, callerID, userID string) error {
	if callerID == userID {
		return nil
	}
	contacts, err := h.contacts.ContactsOf(ctx, callerID)
	if err != nil {
		return err
	}
	if !slices.Contains(contacts, userID) {
		return errs.ErrUnauthorized.WrapMsg("not a contact", "user", userID)
	}
	return nil
}

func (h *Handler) SetStatus(c *gin.Context) {
	in, err := resp.Bind[chat.StatusPayload](c)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	st, err := chat.ParseManualStatus(in.Status)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	uid := midsec.UserID(c)
	if err := h.presence.SetManualStatus(uid, st); err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, statusView{UserID: uid, Status: st})
}
