package gateway

import "sync"

// registry enforces the single-writer rule: at most one live connection
// is bound to a session id at a time. A later attach evicts the prior
// owner, driving it to disconnected before the newcomer's pumps start.
// Single-node by design; a multi-node deployment would need a cache
// lease instead.
type registry struct {
	mu    sync.Mutex
	bound map[string]*termConn
}

func newRegistry() *registry {
	return &registry{bound: make(map[string]*termConn)}
}

// bind registers c as the owner of sessionID, returning the evicted
// prior owner if there was one.
func (r *registry) bind(sessionID string, c *termConn) *termConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.bound[sessionID]
	r.bound[sessionID] = c
	return prev
}

// release drops the binding, but only if c still owns it.
func (r *registry) release(sessionID string, c *termConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound[sessionID] == c {
		delete(r.bound, sessionID)
	}
}

// owner returns the current binding for a session id, or nil.
func (r *registry) owner(sessionID string) *termConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bound[sessionID]
}

// all snapshots every bound connection.
func (r *registry) all() []*termConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*termConn, 0, len(r.bound))
	for _, c := range r.bound {
		out = append(out, c)
	}
	return out
}
