package chat

import (
	"encoding/json"
	"fmt"

	"chatnow/module/chat/model"
	"chatnow/tools/errs"
)

// inbound events
const (
	EventSetup      = "setup"
	EventJoinRoom   = "join-room"
	EventLeaveRoom  = "leave-room"
	EventTyping     = "typing"
	EventStopTyping = "stop-typing"
	EventSetStatus  = "set-status"
)

// outbound events
const (
	EventConnected           = "connected"
	EventPresenceChanged     = "presence-changed"
	EventMessageReceived     = "message-received"
	EventMessageNotification = "message-notification"
	EventMessageDeleted      = "message-deleted"
	EventChatDeleted         = "chat-deleted"
	EventMembershipChanged   = "membership-changed"
	EventNewChat             = "new-chat"
	EventError               = "error"
)

// Frame is the wire shape in both directions: {"event": ..., "data": {...}}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("bad frame", "err", err)
	}
	if f.Event == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("frame without event")
	}
	return &f, nil
}

// encodeFrame marshals an outbound frame once; the bytes are shared by every recipient.
func encodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// ---- inbound payloads ----

type SetupPayload struct {
	Token string `json:"token"`
}

type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

type StatusPayload struct {
	Status string `json:"status"`
}

// ---- outbound payloads ----

type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Status       Status `json:"status"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
	Status Status `json:"status"`
}

type MessagePayload struct {
	Message *model.Message `json:"message"`
}

type NotificationPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
	Preview        string `json:"preview"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type MessageDeletedPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"` // the only user the message is now hidden from
}

type ChatDeletedPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type MembershipChange string

const (
	MemberAdded   MembershipChange = "added"
	MemberRemoved MembershipChange = "removed"
)

type MembershipPayload struct {
	ConversationID string           `json:"conversationId"`
	UserID         string           `json:"userId"`
	Change         MembershipChange `json:"change"`
	Participants   []string         `json:"participants"`
}

type NewChatPayload struct {
	Chat *model.Conversation `json:"chat"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// errorFrame renders err for the client; internal details stay in the logs.
func errorFrame(err error) []byte {
	p := ErrorPayload{Code: errs.CodeInternal, Message: "internal error"}
	if ce, ok := errs.As(err); ok {
		p.Code = ce.Code
		p.Message = ce.Msg
		if (ce.Code == errs.CodeInvalidArgument || ce.Code == errs.CodeInvalidState) && ce.Detail != "" {
			p.Message = ce.Msg + ": " + ce.Detail
		}
	}
	b, _ := encodeFrame(EventError, p)
	return b
}
