// Package routing holds the destination → hop-set table derived from the
// link-state database, and the ECMP selection over it.
package routing

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"meshd/topology"
	"meshd/utils"
)

// Table maps destinations to equal-cost hop sets. Reads are concurrent.
// UpdateFromTopology replaces the routes with Dijkstra output and bumps the
// epoch so readers can detect recomputations; AddRoute and RemoveRoute edit
// single routes and leave the epoch unchanged.
type Table struct {
	localID  uint64
	selector Selector

	mu     sync.RWMutex
	routes map[uint64]HopSet
	epoch  uint32

	decisions atomic.Uint64
	forwards  atomic.Uint64
	local     atomic.Uint64
	drops     atomic.Uint64

	dropMu      sync.Mutex
	dropReasons map[string]uint64
}

// NewTable creates an empty routing table for the local node.
func NewTable(localID uint64) *Table {
	return &Table{
		localID:     localID,
		selector:    NewSelector(),
		routes:      make(map[uint64]HopSet),
		dropReasons: make(map[string]uint64),
	}
}

// LocalNodeID returns the owning node's ID.
func (t *Table) LocalNodeID() uint64 { return t.localID }

// Epoch returns the current recomputation counter.
func (t *Table) Epoch() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epoch
}

// UpdateFromTopology replaces every non-local route with the Dijkstra
// output and increments the epoch.
func (t *Table) UpdateFromTopology(paths map[uint64]topology.Path) {
	routes := make(map[uint64]HopSet, len(paths))
	for dst, p := range paths {
		if dst == t.localID {
			continue
		}
		hs := NewHopSet(p.TotalCost)
		for _, hop := range p.NextHops {
			hs.Add(NextHop{NodeID: hop, Cost: p.TotalCost})
		}
		if !hs.IsEmpty() {
			routes[dst] = hs
		}
	}

	t.mu.Lock()
	t.routes = routes
	t.epoch++
	epoch := t.epoch
	t.mu.Unlock()

	utils.Logger.Debug("routing table refreshed",
		zap.Int("routes", len(routes)), zap.Uint32("epoch", epoch))
}

// Route returns a copy of the hop set for dst.
func (t *Table) Route(dst uint64) (HopSet, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hs, ok := t.routes[dst]
	if !ok {
		return HopSet{}, false
	}
	return hs.clone(), true
}

// AddRoute inserts or replaces one route without touching the epoch. Used
// by tests and manual overrides.
func (t *Table) AddRoute(dst uint64, hs HopSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[dst] = hs
}

// RemoveRoute deletes one route.
func (t *Table) RemoveRoute(dst uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, dst)
}

// IsReachable reports whether the table can deliver to dst at all.
func (t *Table) IsReachable(dst uint64) bool {
	if dst == t.localID {
		return true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.routes[dst]
	return ok
}

// Decide resolves a routing context into forward/local/drop.
func (t *Table) Decide(ctx RoutingContext) RoutingDecision {
	t.decisions.Add(1)

	if ctx.DstNode == t.localID {
		t.local.Add(1)
		return RoutingDecision{Action: ActionLocal}
	}
	if ctx.TTL == 0 {
		return t.drop(DropTTLExpired)
	}

	t.mu.RLock()
	hs, ok := t.routes[ctx.DstNode]
	t.mu.RUnlock()
	if !ok {
		return t.drop(DropNoRoute)
	}

	hop, ok := t.selector.Select(&hs, ctx.DstNode, ctx.CorrID)
	if !ok {
		return t.drop(DropNoRoute)
	}
	t.forwards.Add(1)
	return RoutingDecision{
		Action:  ActionForward,
		Forward: Decision{NextHop: hop, TotalHops: hs.Len(), Cost: hs.Cost},
	}
}

func (t *Table) drop(reason DropReason) RoutingDecision {
	t.drops.Add(1)
	t.dropMu.Lock()
	t.dropReasons[reason.String()]++
	t.dropMu.Unlock()
	return RoutingDecision{Action: ActionDrop, Reason: reason}
}

// GetStats returns a snapshot of routing counters.
func (t *Table) GetStats() Stats {
	t.mu.RLock()
	total := len(t.routes)
	t.mu.RUnlock()

	t.dropMu.Lock()
	reasons := make(map[string]uint64, len(t.dropReasons))
	for k, v := range t.dropReasons {
		reasons[k] = v
	}
	t.dropMu.Unlock()

	return Stats{
		LocalNodeID:      t.localID,
		TotalRoutes:      total,
		DecisionsMade:    t.decisions.Load(),
		PacketsForwarded: t.forwards.Load(),
		PacketsLocal:     t.local.Load(),
		PacketsDropped:   t.drops.Load(),
		DropReasons:      reasons,
	}
}
