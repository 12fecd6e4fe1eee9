package session

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNoChannel is returned when no live session serves the node.
var ErrNoChannel = errors.New("session: no channel for node")

// Handle is the manager-visible face of one live session: the outbound
// channel plus identity. A freshly accepted session registers itself here
// before the manager observes the Connected event.
type Handle struct {
	NodeID     uint64
	RemoteAddr string
	SessionID  string

	ch   chan OutboundMessage
	done chan struct{}
}

// Send enqueues a message for the session's frame pump. It fails once the
// session closed or when its queue is full.
func (h *Handle) Send(msg OutboundMessage) error {
	select {
	case <-h.done:
		return errors.Wrapf(ErrNoChannel, "node %d closed", h.NodeID)
	default:
	}
	select {
	case h.ch <- msg:
		return nil
	case <-h.done:
		return errors.Wrapf(ErrNoChannel, "node %d closed", h.NodeID)
	default:
		return errors.Wrapf(ErrNoChannel, "node %d queue full", h.NodeID)
	}
}

// Registry maps node IDs to session handles. It is the injected stand-in
// for process-global session state: sessions insert themselves after the
// HELLO is verified and remove themselves on close.
type Registry struct {
	mu sync.RWMutex
	m  map[uint64]*Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[uint64]*Handle)}
}

// Register stores the handle for its node, replacing any previous one.
func (r *Registry) Register(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[h.NodeID] = h
}

// Unregister removes the handle for nodeID if it is still h.
func (r *Registry) Unregister(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.m[h.NodeID]; ok && cur == h {
		delete(r.m, h.NodeID)
	}
}

// Get returns the handle for nodeID.
func (r *Registry) Get(nodeID uint64) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.m[nodeID]
	return h, ok
}

// Snapshot returns the current handles.
func (r *Registry) Snapshot() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.m))
	for _, h := range r.m {
		out = append(out, h)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
