package session

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"meshd/routing"
	"meshd/topology"
	"meshd/utils"
	"meshd/wire"
)

// Broadcast cache retention mirrors the topology record age limit.
const (
	broadcastCacheTTL     = 5 * time.Minute
	broadcastCacheCleanup = time.Minute
)

// DefaultNeighborCost is the link cost advertised for every connected peer;
// measured RTTs do not change it.
const DefaultNeighborCost uint32 = 100

// EventHandler receives mesh state change notifications.
type EventHandler interface {
	NotifySessionAdded(peerNodeID uint64, remoteAddr string)
	NotifySessionRemoved(peerNodeID uint64, reason string)
	NotifySessionRecovered(peerNodeID uint64)
	NotifyRoutingFailure(dstNode uint64, reason string, consecutiveFailures uint32)
	NotifyNodeRoutable(nodeID uint64)
}

// Manager owns every session of the node: it routes outbound messages,
// dispatches inbound ones, floods broadcasts and topology updates, and
// tracks routing failures.
type Manager struct {
	localID  uint64
	table    *routing.Table
	topo     *topology.Database
	registry *Registry
	failures *FailureTracker
	bcast    *cache.Cache

	// Events receives every session's events; sessions are handed this
	// channel at construction.
	Events chan Event

	outbound chan OutboundMessage
	delivery chan<- InboundMessage
	feedback chan<- RoutingFeedback
	handler  EventHandler

	neighbors map[uint64]wire.NeighborInfo
	reachable mapset.Set[uint64]

	recomputeInterval time.Duration
}

// ManagerConfig wires a Manager to its collaborators.
type ManagerConfig struct {
	LocalNodeID       uint64
	Table             *routing.Table
	Topology          *topology.Database
	Registry          *Registry
	Delivery          chan<- InboundMessage
	Feedback          chan<- RoutingFeedback
	Handler           EventHandler
	RecomputeInterval time.Duration
}

// NewManager builds a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.RecomputeInterval <= 0 {
		cfg.RecomputeInterval = 30 * time.Second
	}
	return &Manager{
		localID:           cfg.LocalNodeID,
		table:             cfg.Table,
		topo:              cfg.Topology,
		registry:          cfg.Registry,
		failures:          NewFailureTracker(DefaultFailureThreshold, DefaultFailureWindow),
		bcast:             cache.New(broadcastCacheTTL, broadcastCacheCleanup),
		Events:            make(chan Event, 256),
		outbound:          make(chan OutboundMessage, 1024),
		delivery:          cfg.Delivery,
		feedback:          cfg.Feedback,
		handler:           cfg.Handler,
		neighbors:         make(map[uint64]wire.NeighborInfo),
		reachable:         mapset.NewThreadUnsafeSet[uint64](),
		recomputeInterval: cfg.RecomputeInterval,
	}
}

// Outbound is the channel the message queue feeds.
func (m *Manager) Outbound() chan<- OutboundMessage { return m.outbound }

// Enqueue submits an outbound message without blocking.
func (m *Manager) Enqueue(msg OutboundMessage) error {
	select {
	case m.outbound <- msg:
		return nil
	default:
		return ErrNoChannel
	}
}

// Run processes events and messages until the context ends.
func (m *Manager) Run(ctx context.Context) error {
	utils.Logger.Info("session manager started", zap.Uint64("node", m.localID))

	recompute := time.NewTicker(m.recomputeInterval)
	defer recompute.Stop()
	failureCleanup := time.NewTicker(DefaultFailureWindow)
	defer failureCleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.outbound:
			m.handleOutbound(msg)
		case ev := <-m.Events:
			m.handleEvent(ev)
		case <-recompute.C:
			if evicted := m.topo.EvictStale(); len(evicted) > 0 {
				m.refreshTable()
			}
		case <-failureCleanup.C:
			m.failures.Cleanup()
		}
	}
}

// handleOutbound dispatches one message: broadcast flood, local delivery,
// or unicast forward through the routing table.
func (m *Manager) handleOutbound(msg OutboundMessage) {
	if msg.DstNode == 0 || msg.IsBroadcast {
		m.handleBroadcast(msg)
		return
	}
	if msg.DstNode == m.localID {
		m.deliverLocally(InboundMessage{
			SrcNode:    msg.SrcNode,
			DstNode:    msg.DstNode,
			Payload:    msg.Payload,
			Headers:    msg.Headers,
			CorrID:     msg.CorrID,
			TrackID:    msg.TrackID,
			RequireAck: msg.RequireAck,
		})
		m.sendFeedback(msg.TrackID, RoutingFeedback{Decision: FeedbackLocal, Message: "delivered locally"})
		return
	}

	decision := m.table.Decide(routing.NewRoutingContext(m.localID, msg.DstNode, msg.CorrID))
	switch decision.Action {
	case routing.ActionLocal:
		m.deliverLocally(InboundMessage{
			SrcNode:    msg.SrcNode,
			DstNode:    msg.DstNode,
			Payload:    msg.Payload,
			Headers:    msg.Headers,
			CorrID:     msg.CorrID,
			TrackID:    msg.TrackID,
			RequireAck: msg.RequireAck,
		})
		m.sendFeedback(msg.TrackID, RoutingFeedback{Decision: FeedbackLocal, Message: "delivered locally"})

	case routing.ActionForward:
		m.forwardTo(decision.Forward.NextHop.NodeID, msg)

	case routing.ActionDrop:
		fb := RoutingFeedback{Decision: FeedbackDropped, Message: decision.Reason.String()}
		if decision.Reason == routing.DropNoRoute {
			fb.Decision = FeedbackNoRoute
			m.recordFailure(msg.DstNode, "routing_drop: "+decision.Reason.String())
		}
		m.sendFeedback(msg.TrackID, fb)
		utils.Logger.Warn("dropping message",
			zap.Uint64("dst", msg.DstNode),
			zap.String("reason", decision.Reason.String()))
	}
}

func (m *Manager) forwardTo(nextHop uint64, msg OutboundMessage) {
	h, ok := m.registry.Get(nextHop)
	if !ok {
		m.recordFailure(nextHop, "no_session")
		m.sendFeedback(msg.TrackID, RoutingFeedback{
			Decision: FeedbackSendFailed, NextHop: nextHop, Message: "no session for next hop",
		})
		return
	}
	if err := h.Send(msg); err != nil {
		m.recordFailure(nextHop, "session_send_failed")
		m.sendFeedback(msg.TrackID, RoutingFeedback{
			Decision: FeedbackSendFailed, NextHop: nextHop, Message: err.Error(),
		})
		return
	}
	if m.failures.RecordSuccess(nextHop) && m.handler != nil {
		m.handler.NotifySessionRecovered(nextHop)
	}
	m.sendFeedback(msg.TrackID, RoutingFeedback{
		Decision: FeedbackForwarded, NextHop: nextHop,
		Message: fmt.Sprintf("forwarded to next hop %d", nextHop),
	})
}

func (m *Manager) recordFailure(dstNode uint64, reason string) {
	count, notify := m.failures.RecordFailure(dstNode)
	if notify && m.handler != nil {
		m.handler.NotifyRoutingFailure(dstNode, reason, count)
	}
}

// handleBroadcast floods a message: suppress duplicates through the cache,
// deliver locally, and forward to every session except the originator.
func (m *Manager) handleBroadcast(msg OutboundMessage) {
	// Broadcast id zero means "unset": no suppression.
	if msg.BroadcastID != 0 {
		key := broadcastKey(msg.SrcNode, msg.BroadcastID)
		if _, seen := m.bcast.Get(key); seen {
			utils.Logger.Debug("suppressing duplicate broadcast",
				zap.Uint64("src", msg.SrcNode), zap.Uint64("broadcast_id", msg.BroadcastID))
			return
		}
		m.bcast.SetDefault(key, time.Now().Unix())
	}

	m.deliverLocally(InboundMessage{
		SrcNode:    msg.SrcNode,
		DstNode:    m.localID,
		Payload:    msg.Payload,
		Headers:    msg.Headers,
		CorrID:     msg.CorrID,
		TrackID:    msg.TrackID,
		RequireAck: msg.RequireAck,
	})

	if msg.BroadcastTTL == 0 {
		return
	}

	forwarded := 0
	for _, h := range m.registry.Snapshot() {
		if h.NodeID == msg.SrcNode {
			continue
		}
		fwd := msg
		fwd.DstNode = h.NodeID
		fwd.BroadcastTTL = msg.BroadcastTTL - 1
		if err := h.Send(fwd); err != nil {
			utils.Logger.Warn("broadcast forward failed",
				zap.Uint64("node", h.NodeID), zap.Error(err))
			continue
		}
		forwarded++
	}
	utils.Logger.Debug("broadcast flooded",
		zap.Uint64("src", msg.SrcNode), zap.Int("forwarded", forwarded))
}

func broadcastKey(src, id uint64) string {
	return fmt.Sprintf("%d:%d", src, id)
}

// BroadcastSeen reports whether the suppression cache holds the pair.
func (m *Manager) BroadcastSeen(src, id uint64) bool {
	_, ok := m.bcast.Get(broadcastKey(src, id))
	return ok
}

func (m *Manager) handleEvent(ev Event) {
	switch ev.Type {
	case EventConnected:
		m.onConnected(ev)
	case EventDisconnected:
		m.onDisconnected(ev)
	case EventPong:
		utils.Logger.Debug("pong",
			zap.Uint64("node", ev.NodeID), zap.Duration("rtt", ev.RTT))
	case EventMessage:
		m.onMessage(ev.Message)
	case EventTopologyUpdate:
		m.onTopologyUpdate(ev.NodeID, ev.Update)
	case EventTopologyRequest:
		// Receipt is acknowledged in the log only; no response frame is
		// defined for the core.
		utils.Logger.Debug("topology request received",
			zap.Uint64("from", ev.Request.RequestingNode),
			zap.Uint64("request_id", ev.Request.RequestID))
	}
}

func (m *Manager) onConnected(ev Event) {
	utils.Logger.Info("session connected",
		zap.Uint64("node", ev.NodeID), zap.String("addr", ev.RemoteAddr))

	m.neighbors[ev.NodeID] = wire.NeighborInfo{
		NodeID: ev.NodeID,
		Cost:   DefaultNeighborCost,
		Addr:   ev.RemoteAddr,
	}
	m.emitLocalTopology()

	// Bring the new peer up to date with a compact snapshot.
	if h, ok := m.registry.Get(ev.NodeID); ok {
		for _, u := range m.topo.SnapshotUpdates() {
			if payload, err := wire.EncodeTopologyUpdate(u); err == nil {
				_ = h.Send(OutboundMessage{
					SrcNode: m.localID,
					DstNode: ev.NodeID,
					Payload: payload,
					Headers: map[string][]byte{headerFrameType: []byte(frameTypeTopologyUpdate)},
					CorrID:  CorrIDTopologyUpdate,
				})
			}
		}
	}

	if m.handler != nil {
		m.handler.NotifySessionAdded(ev.NodeID, ev.RemoteAddr)
	}
}

func (m *Manager) onDisconnected(ev Event) {
	if ev.NodeID == 0 {
		return
	}
	utils.Logger.Info("session disconnected", zap.Uint64("node", ev.NodeID))
	delete(m.neighbors, ev.NodeID)
	m.emitLocalTopology()
	if m.handler != nil {
		m.handler.NotifySessionRemoved(ev.NodeID, "session_disconnected")
	}
}

// onMessage dispatches an inbound Data message: local delivery or transit
// forwarding with TTL decrement.
func (m *Manager) onMessage(msg *InboundMessage) {
	if msg == nil {
		return
	}
	// A flooded message re-enters the broadcast path: the cache keeps the
	// delivery exactly-once and the TTL bounds propagation.
	if msg.BroadcastID != 0 {
		m.handleBroadcast(OutboundMessage{
			SrcNode:      msg.SrcNode,
			DstNode:      0,
			Payload:      msg.Payload,
			Headers:      msg.Headers,
			CorrID:       msg.CorrID,
			TrackID:      msg.TrackID,
			RequireAck:   msg.RequireAck,
			BroadcastID:  msg.BroadcastID,
			BroadcastTTL: msg.BroadcastTTL,
			IsBroadcast:  true,
		})
		return
	}
	if msg.DstNode == m.localID {
		m.deliverLocally(*msg)
		return
	}
	if msg.TTL <= 1 {
		utils.Logger.Warn("dropping transit message, ttl expired",
			zap.Uint64("src", msg.SrcNode), zap.Uint64("dst", msg.DstNode))
		return
	}
	m.handleOutbound(OutboundMessage{
		SrcNode:    msg.SrcNode,
		DstNode:    msg.DstNode,
		Payload:    msg.Payload,
		Headers:    msg.Headers,
		CorrID:     msg.CorrID,
		TrackID:    msg.TrackID,
		RequireAck: msg.RequireAck,
		TTL:        msg.TTL - 1,
	})
}

// onTopologyUpdate integrates a flooded update and refloods it.
func (m *Manager) onTopologyUpdate(from uint64, update *wire.TopologyUpdate) {
	if update == nil || update.OriginatorNode == m.localID {
		return
	}
	if !m.topo.ProcessUpdate(update) {
		return
	}
	m.refreshTable()

	fwd := *update
	fwd.DecrementTTL()
	if !fwd.ShouldForward() {
		return
	}
	payload, err := wire.EncodeTopologyUpdate(&fwd)
	if err != nil {
		return
	}
	for _, h := range m.registry.Snapshot() {
		if h.NodeID == from || h.NodeID == update.OriginatorNode {
			continue
		}
		_ = h.Send(OutboundMessage{
			SrcNode: m.localID,
			DstNode: h.NodeID,
			Payload: payload,
			Headers: map[string][]byte{headerFrameType: []byte(frameTypeTopologyUpdate)},
			CorrID:  CorrIDTopologyUpdate,
		})
	}
}

// emitLocalTopology advertises the current neighbor set and floods it.
func (m *Manager) emitLocalTopology() {
	neighbors := make([]wire.NeighborInfo, 0, len(m.neighbors))
	for _, n := range m.neighbors {
		neighbors = append(neighbors, n)
	}
	update := m.topo.UpdateLocalNeighbors(neighbors)
	m.refreshTable()

	payload, err := wire.EncodeTopologyUpdate(update)
	if err != nil {
		return
	}
	for _, h := range m.registry.Snapshot() {
		_ = h.Send(OutboundMessage{
			SrcNode: m.localID,
			DstNode: h.NodeID,
			Payload: payload,
			Headers: map[string][]byte{headerFrameType: []byte(frameTypeTopologyUpdate)},
			CorrID:  CorrIDTopologyUpdate,
		})
	}
}

// refreshTable replaces the routing table from the topology database and
// notifies the handler about destinations that just became routable.
func (m *Manager) refreshTable() {
	paths := m.topo.Paths()
	m.table.UpdateFromTopology(paths)

	now := mapset.NewThreadUnsafeSet[uint64]()
	for dst := range paths {
		now.Add(dst)
	}
	if m.handler != nil {
		for _, dst := range now.Difference(m.reachable).ToSlice() {
			m.handler.NotifyNodeRoutable(dst)
		}
	}
	m.reachable = now
}

func (m *Manager) deliverLocally(msg InboundMessage) {
	if m.delivery == nil {
		utils.Logger.Warn("no delivery channel, dropping local message")
		return
	}
	select {
	case m.delivery <- msg:
	default:
		utils.Logger.Warn("delivery channel full, dropping local message",
			zap.Uint64("src", msg.SrcNode))
	}
}

func (m *Manager) sendFeedback(trackID uint64, fb RoutingFeedback) {
	if trackID == 0 || m.feedback == nil {
		return
	}
	fb.TrackID = trackID
	select {
	case m.feedback <- fb:
	default:
		utils.Logger.Warn("feedback channel full", zap.Uint64("track_id", trackID))
	}
}

// TerminateSession asks the session serving nodeID to close cleanly.
func (m *Manager) TerminateSession(nodeID uint64) error {
	h, ok := m.registry.Get(nodeID)
	if !ok {
		return ErrNoChannel
	}
	return h.Send(NewTerminationMessage(m.localID, nodeID))
}

// Sessions returns the connected peer node IDs.
func (m *Manager) Sessions() []uint64 {
	handles := m.registry.Snapshot()
	out := make([]uint64, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.NodeID)
	}
	return out
}
