package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshd/routing"
	"meshd/topology"
	"meshd/wire"
)

func newTestManager(localID uint64, delivery chan InboundMessage, feedback chan RoutingFeedback) *Manager {
	return NewManager(ManagerConfig{
		LocalNodeID: localID,
		Table:       routing.NewTable(localID),
		Topology:    topology.NewDatabase(localID),
		Registry:    NewRegistry(),
		Delivery:    delivery,
		Feedback:    feedback,
	})
}

func fakeHandle(nodeID uint64) *Handle {
	return &Handle{
		NodeID: nodeID,
		ch:     make(chan OutboundMessage, 64),
		done:   make(chan struct{}),
	}
}

func TestOutboundLocalDelivery(t *testing.T) {
	delivery := make(chan InboundMessage, 8)
	feedback := make(chan RoutingFeedback, 8)
	m := newTestManager(1, delivery, feedback)

	m.handleOutbound(OutboundMessage{SrcNode: 1, DstNode: 1, Payload: []byte("x"), TrackID: 9})

	got := <-delivery
	assert.Equal(t, uint64(1), got.SrcNode)
	fb := <-feedback
	assert.Equal(t, FeedbackLocal, fb.Decision)
	assert.Equal(t, uint64(9), fb.TrackID)
}

func TestOutboundForward(t *testing.T) {
	delivery := make(chan InboundMessage, 8)
	feedback := make(chan RoutingFeedback, 8)
	m := newTestManager(1, delivery, feedback)

	h := fakeHandle(2)
	m.registry.Register(h)
	m.table.AddRoute(3, routing.SingleHop(routing.NextHop{NodeID: 2, Cost: 1}))

	m.handleOutbound(OutboundMessage{SrcNode: 1, DstNode: 3, Payload: []byte("x"), TrackID: 9})

	fwd := <-h.ch
	assert.Equal(t, uint64(3), fwd.DstNode)
	fb := <-feedback
	assert.Equal(t, FeedbackForwarded, fb.Decision)
	assert.Equal(t, uint64(2), fb.NextHop)
}

func TestOutboundNoRouteFeedback(t *testing.T) {
	delivery := make(chan InboundMessage, 8)
	feedback := make(chan RoutingFeedback, 8)
	m := newTestManager(1, delivery, feedback)

	m.handleOutbound(OutboundMessage{SrcNode: 1, DstNode: 404, TrackID: 9})

	fb := <-feedback
	assert.Equal(t, FeedbackNoRoute, fb.Decision)
}

func TestOutboundMissingSessionFeedback(t *testing.T) {
	delivery := make(chan InboundMessage, 8)
	feedback := make(chan RoutingFeedback, 8)
	m := newTestManager(1, delivery, feedback)

	// Route exists, but no session serves the next hop.
	m.table.AddRoute(3, routing.SingleHop(routing.NextHop{NodeID: 2, Cost: 1}))
	m.handleOutbound(OutboundMessage{SrcNode: 1, DstNode: 3, TrackID: 9})

	fb := <-feedback
	assert.Equal(t, FeedbackSendFailed, fb.Decision)
	assert.Equal(t, uint32(1), m.failures.FailureCount(2))
}

func TestBroadcastSuppression(t *testing.T) {
	delivery := make(chan InboundMessage, 8)
	m := newTestManager(1, delivery, nil)

	h2 := fakeHandle(2)
	h3 := fakeHandle(3)
	m.registry.Register(h2)
	m.registry.Register(h3)

	msg := OutboundMessage{
		SrcNode: 5, IsBroadcast: true, BroadcastID: 42, BroadcastTTL: 4,
		Payload: []byte("event"),
	}
	m.handleBroadcast(msg)

	// Delivered locally once, forwarded to both peers with ttl-1.
	local := <-delivery
	assert.Equal(t, uint64(1), local.DstNode)
	fwd := <-h2.ch
	assert.Equal(t, uint8(3), fwd.BroadcastTTL)
	<-h3.ch

	// Second arrival is suppressed entirely.
	m.handleBroadcast(msg)
	assert.Empty(t, delivery)
	assert.Empty(t, h2.ch)
	assert.True(t, m.BroadcastSeen(5, 42))
}

func TestBroadcastZeroIDNotSuppressed(t *testing.T) {
	delivery := make(chan InboundMessage, 8)
	m := newTestManager(1, delivery, nil)

	msg := OutboundMessage{SrcNode: 5, IsBroadcast: true, BroadcastID: 0, BroadcastTTL: 2}
	m.handleBroadcast(msg)
	m.handleBroadcast(msg)
	assert.Len(t, delivery, 2)
	assert.False(t, m.BroadcastSeen(5, 0))
}

func TestBroadcastTTLZeroNotForwarded(t *testing.T) {
	delivery := make(chan InboundMessage, 8)
	m := newTestManager(1, delivery, nil)
	h2 := fakeHandle(2)
	m.registry.Register(h2)

	m.handleBroadcast(OutboundMessage{SrcNode: 5, IsBroadcast: true, BroadcastID: 7, BroadcastTTL: 0})

	// Still delivered locally once, never forwarded.
	assert.Len(t, delivery, 1)
	assert.Empty(t, h2.ch)
}

func TestBroadcastSkipsOriginator(t *testing.T) {
	delivery := make(chan InboundMessage, 8)
	m := newTestManager(1, delivery, nil)
	hSrc := fakeHandle(5)
	hOther := fakeHandle(6)
	m.registry.Register(hSrc)
	m.registry.Register(hOther)

	m.handleBroadcast(OutboundMessage{SrcNode: 5, IsBroadcast: true, BroadcastID: 8, BroadcastTTL: 3})

	assert.Empty(t, hSrc.ch)
	assert.Len(t, hOther.ch, 1)
}

func TestTransitTTLExpiry(t *testing.T) {
	delivery := make(chan InboundMessage, 8)
	feedback := make(chan RoutingFeedback, 8)
	m := newTestManager(1, delivery, feedback)
	m.table.AddRoute(3, routing.SingleHop(routing.NextHop{NodeID: 2, Cost: 1}))
	h := fakeHandle(2)
	m.registry.Register(h)

	// TTL 1 on arrival for a non-local destination: dropped, not forwarded.
	m.onMessage(&InboundMessage{SrcNode: 9, DstNode: 3, TTL: 1})
	assert.Empty(t, h.ch)

	// TTL 2 forwards.
	m.onMessage(&InboundMessage{SrcNode: 9, DstNode: 3, TTL: 2})
	assert.Len(t, h.ch, 1)

	// Local destination with TTL 1 still delivers.
	m.onMessage(&InboundMessage{SrcNode: 9, DstNode: 1, TTL: 1})
	assert.Len(t, delivery, 1)
}

func TestTopologyUpdateFloodForward(t *testing.T) {
	delivery := make(chan InboundMessage, 8)
	m := newTestManager(1, delivery, nil)
	hB := fakeHandle(2)
	hC := fakeHandle(3)
	m.registry.Register(hB)
	m.registry.Register(hC)

	update := &wire.TopologyUpdate{
		OriginatorNode: 9,
		SequenceNumber: 1,
		Neighbors:      []wire.NeighborInfo{{NodeID: 2, Cost: 10}},
		TTL:            4,
		Timestamp:      uint64(time.Now().Unix()),
	}
	m.onTopologyUpdate(2, update)

	// Forwarded to C but not back to the sender B.
	assert.Empty(t, hB.ch)
	require.Len(t, hC.ch, 1)
	fwd := <-hC.ch
	decoded, err := wire.DecodeTopologyUpdate(fwd.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), decoded.TTL)

	// Stale duplicate is not reflooded.
	m.onTopologyUpdate(3, update)
	assert.Empty(t, hB.ch)
	assert.Empty(t, hC.ch)
}

func TestConnectedEmitsTopologyAndSnapshot(t *testing.T) {
	delivery := make(chan InboundMessage, 8)
	m := newTestManager(1, delivery, nil)

	// Seed a known remote record so the snapshot has content.
	m.topo.ProcessUpdate(&wire.TopologyUpdate{
		OriginatorNode: 9, SequenceNumber: 1, TTL: 4,
		Timestamp: uint64(time.Now().Unix()),
	})

	h := fakeHandle(2)
	m.registry.Register(h)
	m.handleEvent(Event{Type: EventConnected, NodeID: 2, RemoteAddr: "127.0.0.1:9"})

	// The new peer gets the local update plus one snapshot record.
	assert.GreaterOrEqual(t, len(h.ch), 2)

	// The neighbor set now contains the peer and routes resolve to it.
	hs, ok := m.table.Route(2)
	require.True(t, ok)
	assert.True(t, hs.Contains(2))
}
