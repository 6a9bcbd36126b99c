package chat

import "sync"

// remotePresence is this node's view of which other nodes hold connections
// of a user, learned from relayed presence transitions.
// TODO: drop a node's entries once discovery stops listing it, so a crashed
// node cannot pin its users online.
type remotePresence struct {
	mu    sync.Mutex
	nodes map[string]map[string]struct{} // user -> nodes
}

func newRemotePresence() *remotePresence {
	return &remotePresence{nodes: make(map[string]map[string]struct{})}
}

// add reports whether user had no other node before. A node already known
// is not counted twice.
func (r *remotePresence) add(userID, node string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.nodes[userID]
	if set == nil {
		set = make(map[string]struct{})
		r.nodes[userID] = set
	}
	if _, ok := set[node]; ok {
		return false
	}
	set[node] = struct{}{}
	return len(set) == 1
}

// remove reports whether node was the last other node holding user.
func (r *remotePresence) remove(userID, node string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.nodes[userID]
	if !ok {
		return false
	}
	if _, ok := set[node]; !ok {
		return false
	}
	delete(set, node)
	if len(set) == 0 {
		delete(r.nodes, userID)
		return true
	}
	return false
}

func (r *remotePresence) count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes[userID])
}
