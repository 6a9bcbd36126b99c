package chat

import (
	"github.com/gin-gonic/gin"

	"chatnow/middleware"
	"chatnow/middleware/resp"
	midsec "chatnow/middleware/security"
	"chatnow/module/chat/service"
)

type Handler struct {
	svc *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Routes(rt *middleware.Routes) {
	auth := middleware.RouteOpt{IsAuth: true}
	rt.POST("/chat/access", h.Access, auth)
	rt.GET("/chat", h.List, auth)
	rt.GET("/chat/groups", h.Groups, auth)
	rt.GET("/chat/:id", h.Get, auth)
	rt.DELETE("/chat/:id", h.Delete, auth)
	rt.POST("/chat/group", h.CreateGroup, auth)
	rt.PUT("/chat/group/:id/add", h.AddMember, auth)
	rt.PUT("/chat/group/:id/remove", h.RemoveMember, auth)
	rt.PUT("/chat/group/:id/leave", h.Leave, auth)
	rt.PUT("/chat/group/:id/join", h.Join, auth)

	rt.GET("/message/:chatId", h.Messages, auth)
	rt.POST("/message", h.Send, auth)
	rt.DELETE("/message/:id", h.DeleteMessage, auth)
	rt.POST("/message/bulk-delete", h.BulkDelete, auth)
}

type accessReq struct {
	UserID string `json:"userId" validate:"required"`
}

type groupReq struct {
	Name  string   `json:"name" validate:"required,max=128"`
	Users []string `json:"users" validate:"required,min=1"`
}

type memberReq struct {
	UserID string `json:"userId" validate:"required"`
}

type sendReq struct {
	ChatID  string `json:"chatId" validate:"required"`
	Content string `json:"content" validate:"required"`
}

type bulkReq struct {
	MessageIDs []string `json:"messageIds" validate:"required,min=1"`
}

func (h *Handler) Access(c *gin.Context) {
	in, err := resp.Bind[accessReq](c)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	conv, err := h.svc.AccessChat(c.Request.Context(), midsec.UserID(c), in.UserID)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, conv)
}

func (h *Handler) List(c *gin.Context) {
	convs, err := h.svc.ListChats(c.Request.Context(), midsec.UserID(c))
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, convs)
}

func (h *Handler) Get(c *gin.Context) {
	conv, err := h.svc.GetChat(c.Request.Context(), midsec.UserID(c), c.Param("id"))
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, conv)
}

func (h *Handler) Delete(c *gin.Context) {
	if err := h.svc.DeleteChat(c.Request.Context(), midsec.UserID(c), c.Param("id")); err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, gin.H{"conversationId": c.Param("id")})
}

func (h *Handler) CreateGroup(c *gin.Context) {
	in, err := resp.Bind[groupReq](c)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	conv, err := h.svc.CreateGroup(c.Request.Context(), midsec.UserID(c), in.Name, in.Users)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.Created(c, conv)
}

func (h *Handler) AddMember(c *gin.Context) {
	in, err := resp.Bind[memberReq](c)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	conv, err := h.svc.AddMember(c.Request.Context(), midsec.UserID(c), c.Param("id"), in.UserID)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, conv)
}

func (h *Handler) RemoveMember(c *gin.Context) {
	in, err := resp.Bind[memberReq](c)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	conv, err := h.svc.RemoveMember(c.Request.Context(), midsec.UserID(c), c.Param("id"), in.UserID)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, conv)
}

func (h *Handler) Leave(c *gin.Context) {
	conv, err := h.svc.LeaveGroup(c.Request.Context(), midsec.UserID(c), c.Param("id"))
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, conv)
}

func (h *Handler) Groups(c *gin.Context) {
	groups, err := h.svc.ListGroups(c.Request.Context(), midsec.UserID(c))
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, groups)
}

func (h *Handler) Join(c *gin.Context) {
	conv, err := h.svc.JoinGroup(c.Request.Context(), midsec.UserID(c), c.Param("id"))
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, conv)
}

func (h *Handler) Messages(c *gin.Context) {
	msgs, err := h.svc.ListMessages(c.Request.Context(), midsec.UserID(c), c.Param("chatId"))
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, msgs)
}

func (h *Handler) Send(c *gin.Context) {
	in, err := resp.Bind[sendReq](c)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	msg, err := h.svc.SendMessage(c.Request.Context(), midsec.UserID(c), in.ChatID, in.Content)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.Created(c, msg)
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	if err := h.svc.DeleteMessage(c.Request.Context(), midsec.UserID(c), c.Param("id")); err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, gin.H{"messageId": c.Param("id")})
}

func (h *Handler) BulkDelete(c *gin.Context) {
	in, err := resp.Bind[bulkReq](c)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	n, err := h.svc.BulkDelete(c.Request.Context(), midsec.UserID(c), in.MessageIDs)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, gin.H{"deletedCount": n})
}
