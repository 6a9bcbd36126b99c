package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Envelope carries one routed event between nodes.
type Envelope struct {
	ID      string          `json:"id"`
	Node    string          `json:"node"`
	Kind    string          `json:"kind"`
	Key     string          `json:"key,omitempty"` // partition/ordering key, usually the conversation id
	Payload json.RawMessage `json:"payload"`
	SentAt  int64           `json:"sentAt"`
}

// NewEnvelope stamps a fresh id and the sending node.
func NewEnvelope(node, kind, key string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:      uuid.NewString(),
		Node:    node,
		Kind:    kind,
		Key:     key,
		Payload: raw,
		SentAt:  time.Now().UnixMilli(),
	}, nil
}

// Handler applies an envelope received from another node.
type Handler func(ctx context.Context, env Envelope)

// Relay fans routed events out to the other nodes of the cluster.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers every envelope, including this node's own; callers filter.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// Dedup remembers envelope ids for ttl so redelivered envelopes apply once.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	max  int
	now  func() time.Time
}

func NewDedup(ttl time.Duration, max int) *Dedup {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if max <= 0 {
		max = 100_000
	}
	return &Dedup{seen: make(map[string]time.Time), ttl: ttl, max: max, now: time.Now}
}

// SeenOnce reports whether id was already seen, recording it if not.
func (d *Dedup) SeenOnce(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.seen[id]; ok && exp.After(now) {
		return true
	}
	if len(d.seen) >= d.max {
		d.sweep(now)
	}
	d.seen[id] = now.Add(d.ttl)
	return false
}

// sweep drops expired ids; if still full it drops everything rather than grow.
func (d *Dedup) sweep(now time.Time) {
	for k, exp := range d.seen {
		if !exp.After(now) {
			delete(d.seen, k)
		}
	}
	if len(d.seen) >= d.max {
		d.seen = make(map[string]time.Time)
	}
}
