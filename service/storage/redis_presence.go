package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chatnow/tools/errs"
)

// presence key: im:presence:<user>, a hash {status, node, ts} with a TTL.
func presenceKey(user string) string { return "im:presence:" + user }

// Only the node that wrote the key may clear it, so a late offline from a
// node the user already left cannot wipe a fresher online written elsewhere.
// KEYS[1] = presence key, ARGV[1] = node id
const luaClearIfOwner = `
if redis.call("HGET", KEYS[1], "node") == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Record is what the mirror knows about a user.
type Record struct {
	UserID   string
	Status   string
	Node     string
	LastSeen time.Time
}

// PresenceMirror publishes the node-local presence status to redis so any
// node can answer a status read.
type PresenceMirror struct {
	rdb   *redis.Client
	node  string
	ttl   time.Duration
	clear *redis.Script
}

func NewPresenceMirror(rdb *redis.Client, node string, ttl time.Duration) *PresenceMirror {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &PresenceMirror{rdb: rdb, node: node, ttl: ttl, clear: redis.NewScript(luaClearIfOwner)}
}

// Set records status for user and renews the TTL.
func (p *PresenceMirror) Set(ctx context.Context, user, status string) error {
	key := presenceKey(user)
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "status", status, "node", p.node, "ts", time.Now().UnixMilli())
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	if err != nil {
		return errs.ErrUpstreamUnavailable.WrapMsg("presence set", "user", user, "err", err)
	}
	return nil
}

// Clear removes the record if this node owns it.
func (p *PresenceMirror) Clear(ctx context.Context, user string) error {
	if err := p.clear.Run(ctx, p.rdb, []string{presenceKey(user)}, p.node).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return errs.ErrUpstreamUnavailable.WrapMsg("presence clear", "user", user, "err", err)
	}
	return nil
}

// Touch renews the TTL of every listed user in one round trip.
func (p *PresenceMirror) Touch(ctx context.Context, users []string) error {
	if len(users) == 0 {
		return nil
	}
	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, u := range users {
			pipe.Expire(ctx, presenceKey(u), p.ttl)
		}
		return nil
	})
	if err != nil {
		return errs.ErrUpstreamUnavailable.WrapMsg("presence touch", "err", err)
	}
	return nil
}

// Lookup returns the mirrored record; ok is false when the user is unknown or expired.
func (p *PresenceMirror) Lookup(ctx context.Context, user string) (Record, bool, error) {
	vals, err := p.rdb.HGetAll(ctx, presenceKey(user)).Result()
	if err != nil {
		return Record{}, false, errs.ErrUpstreamUnavailable.WrapMsg("presence lookup", "user", user, "err", err)
	}
	if len(vals) == 0 {
		return Record{}, false, nil
	}
	ms, _ := strconv.ParseInt(vals["ts"], 10, 64)
	return Record{
		UserID:   user,
		Status:   vals["status"],
		Node:     vals["node"],
		LastSeen: time.UnixMilli(ms),
	}, true, nil
}
