package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshd/wire"
)

func neighbors(pairs ...[2]uint64) []wire.NeighborInfo {
	out := make([]wire.NeighborInfo, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, wire.NeighborInfo{NodeID: p[0], Cost: uint32(p[1])})
	}
	return out
}

func update(origin, seq uint64, ns []wire.NeighborInfo) *wire.TopologyUpdate {
	return &wire.TopologyUpdate{
		OriginatorNode: origin,
		SequenceNumber: seq,
		Neighbors:      ns,
		TTL:            DefaultUpdateTTL,
		Timestamp:      nowUnix(),
	}
}

func TestLocalNeighborUpdateEmitsIncreasingSeq(t *testing.T) {
	db := NewDatabase(1)

	u1 := db.UpdateLocalNeighbors(neighbors([2]uint64{2, 10}))
	u2 := db.UpdateLocalNeighbors(neighbors([2]uint64{2, 10}, [2]uint64{3, 10}))

	assert.Equal(t, uint64(1), u1.OriginatorNode)
	assert.Greater(t, u2.SequenceNumber, u1.SequenceNumber)
	assert.Equal(t, DefaultUpdateTTL, u1.TTL)
}

func TestProcessUpdateFreshness(t *testing.T) {
	db := NewDatabase(1)

	require.True(t, db.ProcessUpdate(update(5, 3, nil)))
	// Same or older sequence: rejected.
	assert.False(t, db.ProcessUpdate(update(5, 3, nil)))
	assert.False(t, db.ProcessUpdate(update(5, 2, nil)))
	// Strictly newer: accepted, stored seq advances.
	require.True(t, db.ProcessUpdate(update(5, 4, nil)))

	info, ok := db.Node(5)
	require.True(t, ok)
	assert.Equal(t, uint64(4), info.SequenceNumber)
}

func TestProcessUpdateRejectsAged(t *testing.T) {
	db := NewDatabase(1)
	u := update(5, 1, nil)
	u.Timestamp = nowUnix() - 400
	assert.False(t, db.ProcessUpdate(u))
}

func TestProcessUpdateWraparound(t *testing.T) {
	db := NewDatabase(1)
	require.True(t, db.ProcessUpdate(update(5, ^uint64(0), nil)))
	// Post-wrap sequence 1 is strictly newer than MaxUint64.
	assert.True(t, db.ProcessUpdate(update(5, 1, nil)))
}

func TestDijkstraLinearChain(t *testing.T) {
	db := NewDatabase(1)
	// 1 -10- 2 -10- 3
	db.UpdateLocalNeighbors(neighbors([2]uint64{2, 10}))
	require.True(t, db.ProcessUpdate(update(2, 1, neighbors([2]uint64{1, 10}, [2]uint64{3, 10}))))
	require.True(t, db.ProcessUpdate(update(3, 1, neighbors([2]uint64{2, 10}))))

	p, ok := db.Path(3)
	require.True(t, ok)
	assert.Equal(t, uint32(20), p.TotalCost)
	assert.Equal(t, uint8(2), p.HopCount)
	assert.Equal(t, []uint64{2}, p.NextHops)

	p, ok = db.Path(2)
	require.True(t, ok)
	assert.Equal(t, uint32(10), p.TotalCost)
	assert.Equal(t, []uint64{2}, p.NextHops)
}

func TestDijkstraEqualCostHops(t *testing.T) {
	db := NewDatabase(1)
	// Diamond: 1 -> {2,3} -> 4, all edges cost 10. Both first hops survive.
	db.UpdateLocalNeighbors(neighbors([2]uint64{2, 10}, [2]uint64{3, 10}))
	require.True(t, db.ProcessUpdate(update(2, 1, neighbors([2]uint64{4, 10}))))
	require.True(t, db.ProcessUpdate(update(3, 1, neighbors([2]uint64{4, 10}))))

	p, ok := db.Path(4)
	require.True(t, ok)
	assert.Equal(t, uint32(20), p.TotalCost)
	assert.Equal(t, []uint64{2, 3}, p.NextHops)
}

func TestDijkstraPrefersCheaperPath(t *testing.T) {
	db := NewDatabase(1)
	db.UpdateLocalNeighbors(neighbors([2]uint64{2, 1}, [2]uint64{3, 100}))
	require.True(t, db.ProcessUpdate(update(2, 1, neighbors([2]uint64{3, 1}))))

	p, ok := db.Path(3)
	require.True(t, ok)
	assert.Equal(t, uint32(2), p.TotalCost)
	assert.Equal(t, []uint64{2}, p.NextHops)
}

func TestContains(t *testing.T) {
	db := NewDatabase(1)
	assert.True(t, db.Contains(1))
	assert.False(t, db.Contains(9999))

	db.UpdateLocalNeighbors(neighbors([2]uint64{2, 10}))
	assert.True(t, db.Contains(2))
}

func TestSnapshotUpdatesSkipsLocal(t *testing.T) {
	db := NewDatabase(1)
	db.UpdateLocalNeighbors(neighbors([2]uint64{2, 10}))
	require.True(t, db.ProcessUpdate(update(2, 1, neighbors([2]uint64{1, 10}))))
	require.True(t, db.ProcessUpdate(update(3, 1, nil)))

	snap := db.SnapshotUpdates()
	require.Len(t, snap, 2)
	for _, u := range snap {
		assert.NotEqual(t, uint64(1), u.OriginatorNode)
		assert.Equal(t, DefaultUpdateTTL-1, u.TTL)
	}
}

func TestStats(t *testing.T) {
	db := NewDatabase(1)
	db.UpdateLocalNeighbors(neighbors([2]uint64{2, 10}))
	s := db.GetStats()
	assert.Equal(t, 1, s.TotalNodes)
	assert.Equal(t, 1, s.TotalRoutes)
	assert.Greater(t, s.LocalSequence, uint64(1))
}
