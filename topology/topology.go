// Package topology maintains the link-state database: one record per known
// node, refreshed by flooded updates and aged out after five minutes.
// Shortest paths are recomputed with Dijkstra after every accepted change,
// keeping every equal-cost first hop for ECMP.
package topology

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"meshd/utils"
	"meshd/wire"
)

// MaxAge evicts records not refreshed within this window (local excluded).
const MaxAge = 300 * time.Second

// DefaultUpdateTTL is the flood TTL on locally originated updates.
const DefaultUpdateTTL uint8 = 8

// LinkInfo describes one directed adjacency.
type LinkInfo struct {
	Cost     uint32
	Addr     string
	LastSeen uint64
}

// NodeInfo is the stored link-state record for one node.
type NodeInfo struct {
	NodeID         uint64
	SequenceNumber uint64
	LastUpdated    uint64
	Neighbors      map[uint64]LinkInfo
}

// Path is the Dijkstra result for one destination: the minimum cost plus
// every first hop achieving it.
type Path struct {
	DstNode   uint64
	TotalCost uint32
	HopCount  uint8
	NextHops  []uint64
}

// Stats summarizes the database.
type Stats struct {
	TotalNodes    int
	TotalRoutes   int
	LocalSequence uint64
}

// Database is the link-state store. Updates are serialized; reads take the
// shared lock.
type Database struct {
	localID uint64

	mu       sync.RWMutex
	nodes    map[uint64]*NodeInfo
	paths    map[uint64]Path
	localSeq uint64
}

// NewDatabase creates an empty database for the local node.
func NewDatabase(localID uint64) *Database {
	return &Database{
		localID:  localID,
		nodes:    make(map[uint64]*NodeInfo),
		paths:    make(map[uint64]Path),
		localSeq: 1,
	}
}

// LocalNodeID returns the node this database computes paths from.
func (d *Database) LocalNodeID() uint64 { return d.localID }

func nowUnix() uint64 { return uint64(time.Now().Unix()) }

// nextSequence hands out the strictly increasing local sequence number.
func (d *Database) nextSequence() uint64 {
	seq := d.localSeq
	d.localSeq++
	return seq
}

// UpdateLocalNeighbors replaces the local record's adjacency set and
// returns the update to flood.
func (d *Database) UpdateLocalNeighbors(neighbors []wire.NeighborInfo) *wire.TopologyUpdate {
	d.mu.Lock()
	defer d.mu.Unlock()

	seq := d.nextSequence()
	now := nowUnix()
	links := make(map[uint64]LinkInfo, len(neighbors))
	for _, n := range neighbors {
		links[n.NodeID] = LinkInfo{Cost: n.Cost, Addr: n.Addr, LastSeen: now}
	}
	d.nodes[d.localID] = &NodeInfo{
		NodeID:         d.localID,
		SequenceNumber: seq,
		LastUpdated:    now,
		Neighbors:      links,
	}
	d.recompute()

	return &wire.TopologyUpdate{
		OriginatorNode: d.localID,
		SequenceNumber: seq,
		Neighbors:      neighbors,
		TTL:            DefaultUpdateTTL,
		Timestamp:      now,
	}
}

// ProcessUpdate applies a flooded update. It returns false for stale or
// aged updates; acceptance triggers a recompute.
func (d *Database) ProcessUpdate(u *wire.TopologyUpdate) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := nowUnix()
	if now > u.Timestamp && time.Duration(now-u.Timestamp)*time.Second > MaxAge {
		utils.Logger.Debug("ignoring aged topology update",
			zap.Uint64("originator", u.OriginatorNode),
			zap.Uint64("age_secs", now-u.Timestamp))
		return false
	}
	if existing, ok := d.nodes[u.OriginatorNode]; ok {
		if !u.IsNewerThan(existing.SequenceNumber) {
			return false
		}
	}

	links := make(map[uint64]LinkInfo, len(u.Neighbors))
	for _, n := range u.Neighbors {
		links[n.NodeID] = LinkInfo{Cost: n.Cost, Addr: n.Addr, LastSeen: now}
	}
	d.nodes[u.OriginatorNode] = &NodeInfo{
		NodeID:         u.OriginatorNode,
		SequenceNumber: u.SequenceNumber,
		LastUpdated:    now,
		Neighbors:      links,
	}
	d.recompute()

	utils.Logger.Info("accepted topology update",
		zap.Uint64("originator", u.OriginatorNode),
		zap.Uint64("seq", u.SequenceNumber),
		zap.Int("neighbors", len(u.Neighbors)))
	return true
}

// distEntry is a Dijkstra frontier item.
type distEntry struct {
	cost uint32
	node uint64
}

type distHeap []distEntry

func (h distHeap) Len() int      { return len(h) }
func (h distHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h distHeap) Less(i, j int) bool {
	if h[i].cost != h[j].cost {
		return h[i].cost < h[j].cost
	}
	return h[i].node < h[j].node
}
func (h *distHeap) Push(x any) { *h = append(*h, x.(distEntry)) }
func (h *distHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func saturatingAdd(a, b uint32) uint32 {
	if s := a + b; s >= a {
		return s
	}
	return ^uint32(0)
}

// recompute runs Dijkstra from the local node, tracking every equal-cost
// first hop. Callers hold the write lock.
func (d *Database) recompute() {
	d.paths = make(map[uint64]Path)

	dist := map[uint64]uint32{d.localID: 0}
	hops := map[uint64]uint8{d.localID: 0}
	firstHops := map[uint64]mapset.Set[uint64]{}

	frontier := &distHeap{{cost: 0, node: d.localID}}
	heap.Init(frontier)

	for frontier.Len() > 0 {
		cur := heap.Pop(frontier).(distEntry)
		if cur.cost > dist[cur.node] {
			continue
		}
		info, ok := d.nodes[cur.node]
		if !ok {
			continue
		}
		for neighbor, link := range info.Neighbors {
			next := saturatingAdd(cur.cost, link.Cost)
			prev, seen := dist[neighbor]
			switch {
			case !seen || next < prev:
				dist[neighbor] = next
				hops[neighbor] = hops[cur.node] + 1
				firstHops[neighbor] = d.firstHopsVia(cur.node, neighbor, firstHops)
				heap.Push(frontier, distEntry{cost: next, node: neighbor})
			case next == prev:
				// Equal cost: merge the alternative first hops.
				firstHops[neighbor] = firstHops[neighbor].Union(d.firstHopsVia(cur.node, neighbor, firstHops))
			}
		}
	}

	for node, cost := range dist {
		if node == d.localID {
			continue
		}
		fh := firstHops[node]
		if fh == nil || fh.Cardinality() == 0 {
			continue
		}
		next := fh.ToSlice()
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		d.paths[node] = Path{
			DstNode:   node,
			TotalCost: cost,
			HopCount:  hops[node],
			NextHops:  next,
		}
	}
}

// firstHopsVia resolves the first-hop set reaching neighbor through cur.
func (d *Database) firstHopsVia(cur, neighbor uint64, firstHops map[uint64]mapset.Set[uint64]) mapset.Set[uint64] {
	if cur == d.localID {
		return mapset.NewThreadUnsafeSet(neighbor)
	}
	if fh, ok := firstHops[cur]; ok {
		return fh.Clone()
	}
	return mapset.NewThreadUnsafeSet[uint64]()
}

// Paths returns a copy of the computed routes.
func (d *Database) Paths() map[uint64]Path {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[uint64]Path, len(d.paths))
	for k, v := range d.paths {
		out[k] = v
	}
	return out
}

// Path returns the computed route to one destination.
func (d *Database) Path(dst uint64) (Path, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.paths[dst]
	return p, ok
}

// Contains reports whether the database knows the node, as an originator or
// as someone's neighbor. Used for the send-time destination check.
func (d *Database) Contains(node uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if node == d.localID {
		return true
	}
	if _, ok := d.nodes[node]; ok {
		return true
	}
	for _, info := range d.nodes {
		if _, ok := info.Neighbors[node]; ok {
			return true
		}
	}
	return false
}

// SnapshotUpdates returns one update per known non-local record, TTL
// reduced by one, for synchronizing a freshly connected peer.
func (d *Database) SnapshotUpdates() []*wire.TopologyUpdate {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*wire.TopologyUpdate
	for id, info := range d.nodes {
		if id == d.localID {
			continue
		}
		neighbors := make([]wire.NeighborInfo, 0, len(info.Neighbors))
		for nid, link := range info.Neighbors {
			neighbors = append(neighbors, wire.NeighborInfo{NodeID: nid, Cost: link.Cost, Addr: link.Addr})
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].NodeID < neighbors[j].NodeID })
		out = append(out, &wire.TopologyUpdate{
			OriginatorNode: id,
			SequenceNumber: info.SequenceNumber,
			Neighbors:      neighbors,
			TTL:            DefaultUpdateTTL - 1,
			Timestamp:      info.LastUpdated,
		})
	}
	return out
}

// EvictStale removes non-local records older than MaxAge and recomputes
// when anything was dropped. It returns the evicted node IDs.
func (d *Database) EvictStale() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := nowUnix()
	var evicted []uint64
	for id, info := range d.nodes {
		if id == d.localID {
			continue
		}
		if now > info.LastUpdated && time.Duration(now-info.LastUpdated)*time.Second > MaxAge {
			delete(d.nodes, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		d.recompute()
		utils.Logger.Info("evicted stale topology records", zap.Int("count", len(evicted)))
	}
	return evicted
}

// Node returns a copy of one stored record.
func (d *Database) Node(id uint64) (NodeInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	out := *info
	out.Neighbors = make(map[uint64]LinkInfo, len(info.Neighbors))
	for k, v := range info.Neighbors {
		out.Neighbors[k] = v
	}
	return out, true
}

// GetStats returns summary counters.
func (d *Database) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Stats{
		TotalNodes:    len(d.nodes),
		TotalRoutes:   len(d.paths),
		LocalSequence: d.localSeq,
	}
}
