package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"chatnow/tools/errs"
	"chatnow/tools/safe"
)

type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusActive  Status = "active"
	StatusAway    Status = "away"
	StatusDND     Status = "dnd"
)

// ParseManualStatus accepts the statuses a user may pick by hand.
func ParseManualStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusAway, StatusDND:
		return st, nil
	default:
		return "", errs.ErrInvalidArgument.WrapMsg("unknown status", "status", s)
	}
}

// PresenceEvent is one presence transition.
type PresenceEvent struct {
	UserID string    `json:"userId"`
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

type presenceRecord struct {
	count    int
	override Status
}

type presenceShard struct {
	mu   sync.RWMutex
	recs map[string]*presenceRecord
}

// Presence derives user status from registry transitions. Events are queued
// under the locks that produced them and delivered in order, outside any lock,
// by Run or Flush.
type Presence struct {
	shards []presenceShard
	queue  *eventQueue[PresenceEvent]

	deliverMu sync.Mutex
	sinks     []func(PresenceEvent)
	now       func() time.Time
}

func NewPresence(shards int) *Presence {
	if shards <= 0 {
		shards = 64
	}
	p := &Presence{
		shards: make([]presenceShard, shards),
		queue:  newEventQueue[PresenceEvent](),
		now:    time.Now,
	}
	for i := range p.shards {
		p.shards[i].recs = make(map[string]*presenceRecord)
	}
	return p
}

func (p *Presence) shard(userID string) *presenceShard {
	return &p.shards[shardOf(userID, len(p.shards))]
}

// OnChange adds a sink. Sinks run on the delivering goroutine, one event at a time.
func (p *Presence) OnChange(fn func(PresenceEvent)) {
	p.deliverMu.Lock()
	p.sinks = append(p.sinks, fn)
	p.deliverMu.Unlock()
}

func (p *Presence) emit(userID string, st Status) {
	p.queue.push(PresenceEvent{UserID: userID, Status: st, At: p.now()})
}

func (p *Presence) onConnectionAdded(userID string) {
	sh := p.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec := sh.recs[userID]
	if rec == nil {
		rec = &presenceRecord{}
		sh.recs[userID] = rec
	}
	rec.count++
	if rec.count == 1 {
		p.emit(userID, StatusOnline)
	}
}

func (p *Presence) onConnectionRemoved(userID string) {
	sh := p.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec := sh.recs[userID]
	if rec == nil {
		return
	}
	rec.count--
	if rec.count <= 0 {
		// the override dies with the last connection
		delete(sh.recs, userID)
		p.emit(userID, StatusOffline)
	}
}

// SetManualStatus sets the override and always emits, even when unchanged.
func (p *Presence) SetManualStatus(userID string, st Status) error {
	if _, err := ParseManualStatus(string(st)); err != nil {
		return err
	}
	sh := p.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec := sh.recs[userID]
	if rec == nil || rec.count == 0 {
		return errs.ErrInvalidState.WrapMsg("user offline", "user", userID)
	}
	rec.override = st
	p.emit(userID, st)
	return nil
}

func (p *Presence) StatusOf(userID string) Status {
	sh := p.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec := sh.recs[userID]
	switch {
	case rec == nil || rec.count == 0:
		return StatusOffline
	case rec.override != "":
		return rec.override
	default:
		return StatusOnline
	}
}

// OnlineUsers lists every user with a live connection on this node.
func (p *Presence) OnlineUsers() []string {
	var out []string
	for i := range p.shards {
		sh := &p.shards[i]
		sh.mu.RLock()
		for u := range sh.recs {
			out = append(out, u)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Flush delivers every queued event on the caller's goroutine.
func (p *Presence) Flush() {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	for {
		batch := p.queue.drain()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			for _, sink := range p.sinks {
				p.deliver(sink, ev)
			}
		}
	}
}

func (p *Presence) deliver(sink func(PresenceEvent), ev PresenceEvent) {
	defer safe.Recover("presence sink")
	sink(ev)
}

// Run delivers events until ctx is done, then flushes what is left.
func (p *Presence) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.Flush()
			return
		case <-p.queue.signal:
			p.Flush()
		}
	}
}
