package chat

import (
	"hash/fnv"
	"iter"
	"sync"

	"chatnow/tools/errs"
)

// presenceHooks receives count transitions while the user's shard lock is
// held, so a count change and its zero check are one atomic step.
type presenceHooks interface {
	onConnectionAdded(userID string)
	onConnectionRemoved(userID string)
}

type userShard struct {
	mu     sync.RWMutex
	byUser map[string]map[string]struct{} // user 索引: 用户 -> 连接ID
}

type ownerShard struct {
	mu    sync.RWMutex
	owner map[string]string // 连接ID -> 用户
}

// Registry maps users to their live connection ids. Mutation is serialized
// per user through striped locks; unrelated users never contend.
type Registry struct {
	users  []userShard
	owners []ownerShard
	hooks  presenceHooks
}

func NewRegistry(shards int, hooks presenceHooks) *Registry {
	if shards <= 0 {
		shards = 64
	}
	r := &Registry{
		users:  make([]userShard, shards),
		owners: make([]ownerShard, shards),
		hooks:  hooks,
	}
	for i := range r.users {
		r.users[i].byUser = make(map[string]map[string]struct{})
		r.owners[i].owner = make(map[string]string)
	}
	return r
}

func shardOf(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (r *Registry) userShard(userID string) *userShard {
	return &r.users[shardOf(userID, len(r.users))]
}

func (r *Registry) ownerShard(connID string) *ownerShard {
	return &r.owners[shardOf(connID, len(r.owners))]
}

// Register adds connID under userID. Register and Unregister of one
// connection must not race each other; the session calls both from its own goroutine.
func (r *Registry) Register(connID, userID string) error {
	if connID == "" || userID == "" {
		return errs.ErrInvalidArgument.WrapMsg("register", "conn", connID, "user", userID)
	}
	ow := r.ownerShard(connID)
	ow.mu.Lock()
	if _, dup := ow.owner[connID]; dup {
		ow.mu.Unlock()
		return errs.ErrDuplicateConnection.WrapMsg("register", "conn", connID)
	}
	ow.owner[connID] = userID
	ow.mu.Unlock()

	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	set := us.byUser[userID]
	if set == nil {
		set = make(map[string]struct{})
		us.byUser[userID] = set
	}
	set[connID] = struct{}{}
	if r.hooks != nil {
		r.hooks.onConnectionAdded(userID)
	}
	return nil
}

// Unregister is a no-op for unknown ids, so duplicate disconnect signals are harmless.
func (r *Registry) Unregister(connID string) {
	ow := r.ownerShard(connID)
	ow.mu.Lock()
	userID, ok := ow.owner[connID]
	delete(ow.owner, connID)
	ow.mu.Unlock()
	if !ok {
		return
	}

	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	set := us.byUser[userID]
	if _, in := set[connID]; !in {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(us.byUser, userID)
	}
	if r.hooks != nil {
		r.hooks.onConnectionRemoved(userID)
	}
}

// ConnectionsOf yields the user's connection ids. Each iteration re-reads the
// live map; ids are yielded outside the lock.
func (r *Registry) ConnectionsOf(userID string) iter.Seq[string] {
	return func(yield func(string) bool) {
		us := r.userShard(userID)
		us.mu.RLock()
		ids := make([]string, 0, len(us.byUser[userID]))
		for id := range us.byUser[userID] {
			ids = append(ids, id)
		}
		us.mu.RUnlock()
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

func (r *Registry) IsOnline(userID string) bool {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.byUser[userID]) > 0
}

// OwnerOf returns the user a connection was registered for.
func (r *Registry) OwnerOf(connID string) (string, bool) {
	ow := r.ownerShard(connID)
	ow.mu.RLock()
	defer ow.mu.RUnlock()
	u, ok := ow.owner[connID]
	return u, ok
}

// Len is the number of registered connections.
func (r *Registry) Len() int {
	n := 0
	for i := range r.owners {
		r.owners[i].mu.RLock()
		n += len(r.owners[i].owner)
		r.owners[i].mu.RUnlock()
	}
	return n
}
