package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshd/topology"
)

func TestHopSetKeepsMinimumCost(t *testing.T) {
	hs := HopSetOf(
		NextHop{NodeID: 1001, Cost: 10},
		NextHop{NodeID: 2002, Cost: 10},
		NextHop{NodeID: 3003, Cost: 15},
	)
	assert.Equal(t, uint32(10), hs.Cost)
	assert.Equal(t, 2, hs.Len())
	assert.True(t, hs.Contains(1001))
	assert.False(t, hs.Contains(3003))
}

func TestHopSetAddRemove(t *testing.T) {
	hs := NewHopSet(10)
	assert.True(t, hs.Add(NextHop{NodeID: 1, Cost: 10}))
	assert.False(t, hs.Add(NextHop{NodeID: 2, Cost: 15}))
	assert.Equal(t, 1, hs.Len())

	assert.False(t, hs.Remove(1))
	assert.True(t, hs.IsEmpty())
}

func TestHopSetMembersSorted(t *testing.T) {
	hs := HopSetOf(
		NextHop{NodeID: 30, Cost: 5},
		NextHop{NodeID: 10, Cost: 5},
		NextHop{NodeID: 20, Cost: 5},
	)
	members := hs.Members()
	require.Len(t, members, 3)
	assert.Equal(t, uint64(10), members[0].NodeID)
	assert.Equal(t, uint64(20), members[1].NodeID)
	assert.Equal(t, uint64(30), members[2].NodeID)
}

func TestSelectorConsistency(t *testing.T) {
	sel := NewSelector()
	hs := HopSetOf(
		NextHop{NodeID: 1001, Cost: 10},
		NextHop{NodeID: 2002, Cost: 10},
		NextHop{NodeID: 3003, Cost: 10},
	)

	first, ok := sel.Select(&hs, 5005, 12345)
	require.True(t, ok)
	for i := 0; i < 50; i++ {
		again, ok := sel.Select(&hs, 5005, 12345)
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

func TestSelectorSpreadsFlows(t *testing.T) {
	sel := NewSelector()
	hs := HopSetOf(
		NextHop{NodeID: 1001, Cost: 10},
		NextHop{NodeID: 2002, Cost: 10},
	)
	chosen := map[uint64]int{}
	for corr := uint64(0); corr < 256; corr++ {
		hop, ok := sel.Select(&hs, 5005, corr)
		require.True(t, ok)
		chosen[hop.NodeID]++
	}
	assert.Len(t, chosen, 2)
}

func TestSelectorSameSeedSameChoice(t *testing.T) {
	a := NewSelectorWithSeed(1)
	b := NewSelectorWithSeed(1)
	hs := HopSetOf(NextHop{NodeID: 1, Cost: 1}, NextHop{NodeID: 2, Cost: 1})

	x, _ := a.Select(&hs, 9, 9)
	y, _ := b.Select(&hs, 9, 9)
	assert.Equal(t, x, y)
}

func TestSelectorEmptySet(t *testing.T) {
	sel := NewSelector()
	hs := NewHopSet(10)
	_, ok := sel.Select(&hs, 1, 1)
	assert.False(t, ok)
}

func TestDecideLocal(t *testing.T) {
	tbl := NewTable(1001)
	d := tbl.Decide(NewRoutingContext(5, 1001, 9))
	assert.Equal(t, ActionLocal, d.Action)
}

func TestDecideTTLExpired(t *testing.T) {
	tbl := NewTable(1001)
	tbl.AddRoute(2002, SingleHop(NextHop{NodeID: 2002, Cost: 1}))
	ctx := RoutingContext{SrcNode: 1, DstNode: 2002, TTL: 0, CorrID: 1}
	d := tbl.Decide(ctx)
	assert.Equal(t, ActionDrop, d.Action)
	assert.Equal(t, DropTTLExpired, d.Reason)
}

func TestDecideNoRoute(t *testing.T) {
	tbl := NewTable(1001)
	d := tbl.Decide(NewRoutingContext(1, 9999, 1))
	assert.Equal(t, ActionDrop, d.Action)
	assert.Equal(t, DropNoRoute, d.Reason)

	// Present but empty hop set also drops.
	tbl.AddRoute(4004, NewHopSet(10))
	d = tbl.Decide(NewRoutingContext(1, 4004, 1))
	assert.Equal(t, ActionDrop, d.Action)
	assert.Equal(t, DropNoRoute, d.Reason)
}

func TestDecideForward(t *testing.T) {
	tbl := NewTable(1001)
	tbl.AddRoute(2002, SingleHop(NextHop{NodeID: 7007, Cost: 3}))

	d := tbl.Decide(NewRoutingContext(1001, 2002, 42))
	require.Equal(t, ActionForward, d.Action)
	assert.Equal(t, uint64(7007), d.Forward.NextHop.NodeID)
	assert.Equal(t, 1, d.Forward.TotalHops)
	assert.Equal(t, uint32(3), d.Forward.Cost)
}

func TestUpdateFromTopologyBumpsEpoch(t *testing.T) {
	tbl := NewTable(1)
	require.Zero(t, tbl.Epoch())

	tbl.UpdateFromTopology(map[uint64]topology.Path{
		2: {DstNode: 2, TotalCost: 10, HopCount: 1, NextHops: []uint64{2}},
		4: {DstNode: 4, TotalCost: 20, HopCount: 2, NextHops: []uint64{2, 3}},
	})
	assert.Equal(t, uint32(1), tbl.Epoch())

	hs, ok := tbl.Route(4)
	require.True(t, ok)
	assert.Equal(t, 2, hs.Len())

	// A second recomputation replaces everything.
	tbl.UpdateFromTopology(map[uint64]topology.Path{
		2: {DstNode: 2, TotalCost: 10, HopCount: 1, NextHops: []uint64{2}},
	})
	assert.Equal(t, uint32(2), tbl.Epoch())
	_, ok = tbl.Route(4)
	assert.False(t, ok)
}

func TestStatsCounters(t *testing.T) {
	tbl := NewTable(1)
	tbl.AddRoute(2, SingleHop(NextHop{NodeID: 2, Cost: 1}))

	tbl.Decide(NewRoutingContext(1, 2, 1)) // forward
	tbl.Decide(NewRoutingContext(1, 1, 1)) // local
	tbl.Decide(NewRoutingContext(1, 3, 1)) // drop no-route

	s := tbl.GetStats()
	assert.Equal(t, uint64(3), s.DecisionsMade)
	assert.Equal(t, uint64(1), s.PacketsForwarded)
	assert.Equal(t, uint64(1), s.PacketsLocal)
	assert.Equal(t, uint64(1), s.PacketsDropped)
	assert.Equal(t, uint64(1), s.DropReasons[DropNoRoute.String()])
}
