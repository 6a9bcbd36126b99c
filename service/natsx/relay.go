package natsx

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"chatnow/logger"
	"chatnow/service/relay"
	"chatnow/tools/errs"
	"chatnow/tools/safe"
)

const headerNode = "X-Node"

// Relay broadcasts envelopes to every node over one subject.
type Relay struct {
	c    *Client
	node string
	mws  []Middleware
}

func NewRelay(c *Client, node string, mws ...Middleware) *Relay {
	mws = append([]Middleware{recoverMW, Idem(relay.NewDedup(5*time.Minute, 100_000))}, mws...)
	return &Relay{c: c, node: node, mws: mws}
}

func recoverMW(next Handler) Handler {
	return func(ctx context.Context, msg Message) error {
		defer safe.Recover("nats handler")
		return next(ctx, msg)
	}
}

// Publish retries with a fixed backoff until ctx is done.
func (r *Relay) Publish(ctx context.Context, env relay.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(err)
	}
	hdr := map[string]string{HeaderMsgID: env.ID, headerNode: env.Node}
	for i := 0; ; i++ {
		err = r.c.send(ctx, r.c.cfg.Subject, data, hdr)
		if err == nil {
			return nil
		}
		if i >= r.c.cfg.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return errs.ErrUpstreamUnavailable.WrapMsg("nats publish", "err", ctx.Err())
		case <-time.After(r.c.cfg.Backoff):
		}
	}
	return errs.ErrUpstreamUnavailable.WrapMsg("nats publish", "subject", r.c.cfg.Subject, "err", err)
}

func (r *Relay) Subscribe(_ context.Context, h relay.Handler) error {
	handler := Chain(func(ctx context.Context, msg Message) error {
		if msg.Header[headerNode] == r.node {
			return nil
		}
		var env relay.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			logger.Warn("nats relay: bad envelope", zap.String("subject", msg.Subject), zap.Error(err))
			return nil
		}
		h(ctx, env)
		return nil
	}, r.mws...)
	return r.c.subscribe(r.c.cfg.Subject, r.c.cfg.Name+"-"+r.node, handler)
}

func (r *Relay) Close() error { return r.c.Close() }

var _ relay.Relay = (*Relay)(nil)
