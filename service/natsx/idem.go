package natsx

import (
	"context"

	"chatnow/service/relay"
)

const HeaderMsgID = "Nats-Msg-Id"

func msgIDFromHeader(h map[string]string) string {
	for _, k := range []string{HeaderMsgID, "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// Idem drops messages whose id was already handled. Messages without an id pass through.
func Idem(d *relay.Dedup) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			if id := msgIDFromHeader(msg.Header); id != "" && d.SeenOnce(id) {
				return nil
			}
			return next(ctx, msg)
		}
	}
}
