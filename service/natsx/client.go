package natsx

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"chatnow/logger"
	"chatnow/tools/errs"
)

// Client owns one NATS connection and the subscriptions made on it.
type Client struct {
	cfg Config
	nc  *nats.Conn
	js  nats.JetStreamContext

	mu   sync.Mutex
	subs []*nats.Subscription
}

func Connect(cfg Config) (*Client, error) {
	cfg.Norm()
	if len(cfg.Servers) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("nats servers missing")
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.ErrUpstreamUnavailable.WrapMsg("nats connect", "servers", cfg.Servers, "err", err)
	}
	c := &Client{cfg: cfg, nc: nc}
	if cfg.Mode == JetStream {
		if err := c.ensureStream(); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) ensureStream() error {
	js, err := c.nc.JetStream()
	if err != nil {
		return errs.ErrUpstreamUnavailable.WrapMsg("jetstream", "err", err)
	}
	c.js = js
	if _, err := js.StreamInfo(c.cfg.Stream); err == nil {
		return nil
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       c.cfg.Stream,
		Subjects:   []string{c.cfg.Subject},
		Retention:  nats.LimitsPolicy,
		MaxAge:     time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return errs.ErrUpstreamUnavailable.WrapMsg("jetstream add stream", "stream", c.cfg.Stream, "err", err)
	}
	return nil
}

func toHeader(h map[string]string) nats.Header {
	hd := nats.Header{}
	for k, v := range h {
		hd.Set(k, v)
	}
	return hd
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func (c *Client) send(ctx context.Context, subject string, data []byte, hdr map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header = toHeader(hdr)
	if c.js != nil {
		_, err := c.js.PublishMsg(msg, nats.Context(ctx))
		return err
	}
	return c.nc.PublishMsg(msg)
}

// subscribe delivers every message on subject to h. durable is only used in
// JetStream mode and must be unique per consumer that wants its own copy.
func (c *Client) subscribe(subject, durable string, h Handler) error {
	toMsg := func(m *nats.Msg) Message {
		return Message{Subject: m.Subject, Data: append([]byte(nil), m.Data...), Header: headerToMap(m.Header)}
	}
	var (
		sub *nats.Subscription
		err error
	)
	if c.js == nil {
		sub, err = c.nc.Subscribe(subject, func(m *nats.Msg) {
			_ = h(context.Background(), toMsg(m))
		})
		if err == nil {
			_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
		}
	} else {
		sub, err = c.js.Subscribe(subject, func(m *nats.Msg) {
			if h(context.Background(), toMsg(m)) == nil {
				_ = m.Ack()
			} else {
				_ = m.Nak()
			}
		},
			nats.Durable(durable),
			nats.DeliverNew(),
			nats.ManualAck(),
			nats.AckWait(c.cfg.AckWait),
			nats.MaxAckPending(c.cfg.MaxAckPending),
		)
	}
	if err != nil {
		return errs.ErrUpstreamUnavailable.WrapMsg("nats subscribe", "subject", subject, "err", err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close drains the subscriptions and then the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		_ = sub.Drain()
	}
	c.subs = nil
	if c.nc == nil || c.nc.IsClosed() {
		return nil
	}
	return c.nc.Drain()
}
