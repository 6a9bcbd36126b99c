package chat

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"chatnow/logger"
	"chatnow/tools/errs"
)

// Endpoint is one transport link. Read is only called by the session
// goroutine, Write and Ping only by the write pump; Close may be called from anywhere.
type Endpoint interface {
	Read() ([]byte, error)
	Write(payload []byte) error
	Ping() error
	SetReadDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

var (
	errSlowConsumer = errs.ErrUpstreamUnavailable.WithDetail("send buffer full")
	errClientClosed = errs.ErrNotFound.WithDetail("connection closed")
)

// Client is the sending half of a connection: a bounded FIFO drained by a
// single writer goroutine, so frames reach the peer in enqueue order.
type Client struct {
	ConnID string
	UserID string // set once, before the client becomes reachable through the hub

	ep       Endpoint
	send     chan []byte
	done     chan struct{}
	pumpDone chan struct{}
	once     sync.Once
}

func newClient(connID string, ep Endpoint, buffer int) *Client {
	return &Client{
		ConnID:   connID,
		ep:       ep,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

// enqueue never blocks. A full buffer is reported as errSlowConsumer.
func (c *Client) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSlowConsumer
	}
}

// Close stops the pump after it flushed what is already queued, then closes the endpoint.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// abort drops a connection that cannot keep up. The endpoint is closed right
// away so a write stuck on the peer fails and the reader wakes up.
func (c *Client) abort() {
	c.Close()
	_ = c.ep.Close()
}

func (c *Client) writePump(pingPeriod time.Duration) {
	defer close(c.pumpDone)
	defer func() { _ = c.ep.Close() }()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.send:
			if err := c.ep.Write(frame); err != nil {
				logger.Debug("ws write failed", zap.String("conn", c.ConnID), zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ep.Ping(); err != nil {
				logger.Debug("ws ping failed", zap.String("conn", c.ConnID), zap.Error(err))
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.ep.Write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
