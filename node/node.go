// Package node assembles the mesh engine and offers the local API surface:
// send, subscribe, ack, and status queries. Transports, storage, and the
// session manager are wired here from configuration.
package node

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshd/config"
	"meshd/metrics"
	"meshd/queue"
	"meshd/reliability"
	"meshd/routing"
	"meshd/session"
	"meshd/storage"
	"meshd/topology"
	"meshd/utils"
	"meshd/wire"
)

// Internal message envelopes carried in Data headers.
const (
	headerMessageType = "message_type"

	messageTypeDeliveryStatus = "delivery_status"
	messageTypeStateEvent     = "mesh_state_event"
	messageTypeDBSyncRequest  = "db_sync_request"
)

// API errors.
var (
	ErrEmptyPayload       = errors.New("node: empty payload rejected")
	ErrUnknownDestination = errors.New("node: destination not in topology")
	ErrAckNotPending      = errors.New("node: no ack pending for message")
	ErrAckModeNeedsAck    = errors.New("node: wait-for-ack mode requires require_ack")
)

// deliveryStatusMessage is the payload of the internal status report a
// receiver returns to the source.
type deliveryStatusMessage struct {
	OriginalMsgID uint64 `json:"original_msg_id"`
	Status        int    `json:"status"`
	StatusMessage string `json:"status_message"`
}

// dbSyncRequest is the envelope payload of RequestDatabaseSync.
type dbSyncRequest struct {
	TableName        string `json:"table_name"`
	LastKnownVersion uint64 `json:"last_known_version"`
}

// SendRequest is the input of Send and SendWithStatusStream.
type SendRequest struct {
	DstNode    uint64
	Headers    map[string][]byte
	Payload    []byte
	CorrID     uint64
	RequireAck bool
	Mode       queue.SendMode
	Timeout    time.Duration
}

// SendResult reports the outcome visible to the caller.
type SendResult struct {
	MsgID         uint64
	Status        queue.Status
	StatusMessage string
}

// Node is one mesh participant.
type Node struct {
	cfg config.NodeConfig

	store     *storage.Storage
	rel       *reliability.Manager
	topo      *topology.Database
	table     *routing.Table
	registry  *session.Registry
	manager   *session.Manager
	tracker   *queue.Tracker
	queue     *queue.Queue
	delivery  *queue.DeliveryQueue
	transport session.Transport
	collect   *metrics.Collectors

	inbound  chan session.InboundMessage
	feedback chan session.RoutingFeedback

	nextTrackID     atomic.Uint64
	nextBroadcastID atomic.Uint64

	// pendingAcks holds (src, track id) pairs delivered with require_ack
	// and not yet acked by the subscriber.
	ackMu       sync.Mutex
	pendingAcks map[ackKey]struct{}

	sessionCfg session.Config
}

type ackKey struct {
	srcNode uint64
	msgID   uint64
}

// New wires a node from configuration. Fatal configuration problems (bad
// TLS material, invalid storage mode) surface here.
func New(cfg config.NodeConfig) (*Node, error) {
	store, err := storage.Open(storage.Mode{
		Kind:         cfg.Storage.Mode,
		DataDir:      cfg.Storage.DataDir,
		SegmentBytes: cfg.Storage.SegmentBytes,
		FsyncEvery:   cfg.Storage.FsyncEvery,
	})
	if err != nil {
		return nil, err
	}

	var tlsCfg *session.TLSConfig
	if cfg.Transport == "tls" || cfg.Transport == "quic" {
		tlsCfg = &session.TLSConfig{
			CertFile:     cfg.TLS.CertFile,
			KeyFile:      cfg.TLS.KeyFile,
			CAFile:       cfg.TLS.CAFile,
			SNI:          cfg.TLS.SNI,
			VerifyNodeID: cfg.TLS.VerifyNodeID,
		}
	}
	transport, err := session.NewTransport(cfg.Transport, tlsCfg)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:         cfg,
		store:       store,
		topo:        topology.NewDatabase(cfg.NodeID),
		table:       routing.NewTable(cfg.NodeID),
		registry:    session.NewRegistry(),
		tracker:     queue.NewTracker(),
		delivery:    queue.NewDeliveryQueue(),
		transport:   transport,
		collect:     metrics.New(cfg.NodeID),
		inbound:     make(chan session.InboundMessage, 1024),
		feedback:    make(chan session.RoutingFeedback, 1024),
		pendingAcks: make(map[ackKey]struct{}),
	}

	n.rel = reliability.NewManager(store, reliability.Config{
		AckInterval:  time.Duration(cfg.AckIntervalMs) * time.Millisecond,
		AckBatchSize: cfg.AckBatchSize,
		RecvWindow:   cfg.RecvWindow,
		MaxFrame:     cfg.MaxFrameSize,
	})

	n.manager = session.NewManager(session.ManagerConfig{
		LocalNodeID:       cfg.NodeID,
		Table:             n.table,
		Topology:          n.topo,
		Registry:          n.registry,
		Delivery:          n.inbound,
		Feedback:          n.feedback,
		Handler:           (*managerEvents)(n),
		RecomputeInterval: time.Duration(cfg.TopologyRecomputeIntervalMs) * time.Millisecond,
	})

	n.queue = queue.New(queue.Config{
		OnRetry: n.collect.RetriesTotal.Inc,
	}, n.tracker, func(msg session.OutboundMessage) error {
		return n.manager.Enqueue(msg)
	})

	n.sessionCfg = session.Config{
		LocalNodeID:  cfg.NodeID,
		PingInterval: time.Duration(cfg.PingIntervalMs) * time.Millisecond,
		IdleTimeout:  time.Duration(cfg.IdleTimeoutMs) * time.Millisecond,
		VerifyNodeID: cfg.TLS.VerifyNodeID,
		MaxFrame:     cfg.MaxFrameSize,
		Observer:     (*trafficObserver)(n),
	}

	return n, nil
}

// LocalNodeID returns the node's routing identity.
func (n *Node) LocalNodeID() uint64 { return n.cfg.NodeID }

// drainTimeout bounds how long shutdown waits for sessions to write their
// Bye frames and unregister.
const drainTimeout = 5 * time.Second

// Run starts every long-lived task and blocks until the context ends or a
// fatal error occurs. Cancellation drains the sessions first: every
// connected peer gets the terminate instruction so its session closes with
// a Bye frame before the task group tears down.
func (n *Node) Run(ctx context.Context) error {
	// The task group runs on its own context so that cancellation of the
	// caller's context reaches the sessions only after the drain.
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	g, runCtx := errgroup.WithContext(runCtx)

	g.Go(func() error { return n.manager.Run(runCtx) })
	g.Go(func() error { return n.queue.Run(runCtx) })
	g.Go(func() error { return n.dispatchInbound(runCtx) })
	g.Go(func() error { return n.dispatchFeedback(runCtx) })
	g.Go(func() error {
		return n.collect.RunCollection(runCtx, n.tracker, n.table, n.topo, 15*time.Second)
	})

	if n.cfg.ListenAddr != "" {
		acceptor, err := n.transport.Listen(n.cfg.ListenAddr)
		if err != nil {
			return errors.Wrapf(err, "bind %s", n.cfg.ListenAddr)
		}
		utils.Logger.Info("mesh listener started",
			zap.Uint64("node", n.cfg.NodeID),
			zap.String("addr", acceptor.Addr().String()))
		g.Go(func() error {
			defer acceptor.Close()
			return n.acceptLoop(runCtx, acceptor)
		})
	}

	for _, addr := range n.cfg.ConnectAddrs {
		addr := addr
		g.Go(func() error {
			session.RunOutbound(runCtx, n.sessionCfg, n.transport, addr, n.rel, n.registry, n.manager.Events)
			return nil
		})
	}

	if n.cfg.MetricsAddr != "" {
		g.Go(func() error { return n.collect.Serve(runCtx, n.cfg.MetricsAddr) })
	}

	// Periodic dedup snapshots bound replay after a crash.
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return runCtx.Err()
			case <-ticker.C:
				if err := n.store.Dedup.Snapshot(); err != nil {
					utils.Logger.Warn("dedup snapshot failed", zap.Error(err))
				}
			}
		}
	})

	// Shutdown watcher: drain on caller cancellation, then stop the group.
	g.Go(func() error {
		select {
		case <-ctx.Done():
			n.drainSessions()
			stop()
			return ctx.Err()
		case <-runCtx.Done():
			return runCtx.Err()
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drainSessions asks every connected session to close cleanly and waits,
// bounded by drainTimeout, for the Bye frames to go out. Sessions that
// appear mid-drain (a dialer reconnecting) are terminated as well.
func (n *Node) drainSessions() {
	peers := n.manager.Sessions()
	if len(peers) == 0 {
		return
	}
	utils.Logger.Info("draining sessions", zap.Int("count", len(peers)))
	for _, id := range peers {
		if err := n.manager.TerminateSession(id); err != nil {
			utils.Logger.Debug("terminate session failed", zap.Uint64("peer", id), zap.Error(err))
		}
	}

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		remaining := n.manager.Sessions()
		if len(remaining) == 0 {
			utils.Logger.Info("all sessions drained")
			return
		}
		for _, id := range remaining {
			_ = n.manager.TerminateSession(id)
		}
		time.Sleep(50 * time.Millisecond)
	}
	utils.Logger.Warn("drain timeout, closing remaining sessions",
		zap.Int("remaining", len(n.manager.Sessions())))
}

func (n *Node) acceptLoop(ctx context.Context, acceptor session.Acceptor) error {
	for {
		conn, peerCert, err := acceptor.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			utils.Logger.Warn("accept failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		n.collect.SessionsActive.Inc()
		sess := session.New(n.sessionCfg, conn, peerCert, n.rel, n.registry, n.manager.Events)
		go func() {
			defer n.collect.SessionsActive.Dec()
			if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				utils.Logger.Warn("inbound session ended", zap.Error(err))
			}
		}()
	}
}

// Send queues a message per the requested mode. dst_node zero broadcasts.
func (n *Node) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if len(req.Payload) == 0 {
		return SendResult{}, ErrEmptyPayload
	}
	if req.Mode == queue.WaitForAck && !req.RequireAck {
		return SendResult{}, ErrAckModeNeedsAck
	}
	msgID := n.allocTrackID()

	// Destination validity gate: unknown nodes fail immediately instead
	// of queueing forever.
	if req.DstNode != 0 && req.DstNode != n.cfg.NodeID && !n.topo.Contains(req.DstNode) {
		n.tracker.Track(msgID, queue.StatusUndeliverable,
			"destination node not known to topology", req.RequireAck)
		return SendResult{
			MsgID:         msgID,
			Status:        queue.StatusUndeliverable,
			StatusMessage: "destination node not known to topology",
		}, nil
	}

	msg := n.buildOutbound(req, msgID)
	if _, err := n.queue.Enqueue(msg, req.Mode, false); err != nil {
		rec, _ := n.tracker.Get(msgID)
		return SendResult{MsgID: msgID, Status: rec.Status, StatusMessage: rec.StatusMessage}, nil
	}

	switch req.Mode {
	case queue.WaitForDelivery:
		timeout := req.Timeout
		if timeout <= 0 {
			timeout = queue.DefaultDeliveryTimeout
		}
		rec, _ := n.queue.WaitForStatus(ctx, msgID,
			[]queue.Status{queue.StatusDelivered, queue.StatusPendingClient, queue.StatusUndeliverable},
			timeout)
		return SendResult{MsgID: msgID, Status: rec.Status, StatusMessage: rec.StatusMessage}, nil

	case queue.WaitForAck:
		timeout := req.Timeout
		if timeout <= 0 {
			timeout = queue.DefaultAckTimeout
		}
		rec, _ := n.queue.WaitForStatus(ctx, msgID,
			[]queue.Status{queue.StatusAckSuccess, queue.StatusAckFailure, queue.StatusUndeliverable},
			timeout)
		return SendResult{MsgID: msgID, Status: rec.Status, StatusMessage: rec.StatusMessage}, nil

	default:
		rec, _ := n.tracker.Get(msgID)
		return SendResult{MsgID: msgID, Status: rec.Status, StatusMessage: rec.StatusMessage}, nil
	}
}

// SendWithStatusStream queues a message and returns a stream of status
// transitions that closes on the terminal state.
func (n *Node) SendWithStatusStream(req SendRequest) (uint64, <-chan queue.StatusUpdate, error) {
	if len(req.Payload) == 0 {
		return 0, nil, ErrEmptyPayload
	}
	msgID := n.allocTrackID()
	if req.DstNode != 0 && req.DstNode != n.cfg.NodeID && !n.topo.Contains(req.DstNode) {
		n.tracker.Track(msgID, queue.StatusUndeliverable,
			"destination node not known to topology", req.RequireAck)
		return msgID, nil, ErrUnknownDestination
	}
	stream, err := n.queue.Enqueue(n.buildOutbound(req, msgID), req.Mode, true)
	return msgID, stream, err
}

func (n *Node) buildOutbound(req SendRequest, msgID uint64) session.OutboundMessage {
	corr := req.CorrID
	if corr == 0 {
		corr = msgID
	}
	msg := session.OutboundMessage{
		SrcNode:    n.cfg.NodeID,
		DstNode:    req.DstNode,
		Payload:    req.Payload,
		Headers:    req.Headers,
		CorrID:     corr,
		TrackID:    msgID,
		RequireAck: req.RequireAck,
	}
	if req.DstNode == 0 {
		msg.IsBroadcast = true
		msg.BroadcastID = n.nextBroadcastID.Add(1)
		msg.BroadcastTTL = topology.DefaultUpdateTTL
	}
	return msg
}

// Subscribe registers a filtered subscriber. Messages parked on
// PendingClient for this node wake immediately.
func (n *Node) Subscribe(filter queue.Filter) *queue.Subscription {
	sub := n.delivery.Subscribe(filter)
	n.queue.NotifyClientSubscribed(n.cfg.NodeID)
	return sub
}

// Ack lets a subscriber confirm a require_ack message. The outcome travels
// back to the source as a delivery-status report.
func (n *Node) Ack(srcNode, msgID uint64, success bool, message string) error {
	n.ackMu.Lock()
	_, ok := n.pendingAcks[ackKey{srcNode: srcNode, msgID: msgID}]
	if ok {
		delete(n.pendingAcks, ackKey{srcNode: srcNode, msgID: msgID})
	}
	n.ackMu.Unlock()
	if !ok {
		return ErrAckNotPending
	}

	status := queue.StatusAckSuccess
	if !success {
		status = queue.StatusAckFailure
	}
	if srcNode == n.cfg.NodeID {
		n.queue.UpdateStatus(msgID, status, message)
		return nil
	}
	n.sendDeliveryStatus(srcNode, msgID, status, message)
	return nil
}

// QueryMessageStatus returns the current record for each known ID.
func (n *Node) QueryMessageStatus(msgIDs []uint64) []queue.Record {
	return n.tracker.GetAll(msgIDs)
}

// BroadcastStateEvent floods an application state event to every node.
func (n *Node) BroadcastStateEvent(ctx context.Context, payload []byte) (SendResult, error) {
	return n.Send(ctx, SendRequest{
		DstNode: 0,
		Headers: map[string][]byte{headerMessageType: []byte(messageTypeStateEvent)},
		Payload: payload,
		Mode:    queue.FireAndForget,
	})
}

// RequestDatabaseSync broadcasts a database sync request envelope.
func (n *Node) RequestDatabaseSync(ctx context.Context, tableName string, lastKnownVersion uint64) (SendResult, error) {
	payload, err := json.Marshal(dbSyncRequest{TableName: tableName, LastKnownVersion: lastKnownVersion})
	if err != nil {
		return SendResult{}, err
	}
	return n.Send(ctx, SendRequest{
		DstNode: 0,
		Headers: map[string][]byte{headerMessageType: []byte(messageTypeDBSyncRequest)},
		Payload: payload,
		Mode:    queue.FireAndForget,
	})
}

// Tracker exposes the status tracker (status query surfaces, tests).
func (n *Node) Tracker() *queue.Tracker { return n.tracker }

// Topology exposes the link-state database.
func (n *Node) Topology() *topology.Database { return n.topo }

// Manager exposes the session manager.
func (n *Node) Manager() *session.Manager { return n.manager }

func (n *Node) allocTrackID() uint64 {
	return n.nextTrackID.Add(1)
}

// dispatchInbound consumes locally destined messages from the manager:
// delivery-status reports feed the tracker, everything else fans out to
// subscribers and produces a delivery report for the source.
func (n *Node) dispatchInbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-n.inbound:
			n.handleInbound(&msg)
		}
	}
}

func (n *Node) handleInbound(msg *session.InboundMessage) {
	if string(msg.Headers[headerMessageType]) == messageTypeDeliveryStatus {
		n.handleDeliveryStatus(msg)
		return
	}

	route := wire.UnpackRoute(msg.Route)
	received := queue.Received{
		SrcNode:    msg.SrcNode,
		DstNode:    msg.DstNode,
		MsgID:      msg.TrackID,
		CorrID:     msg.CorrID,
		Headers:    msg.Headers,
		Payload:    msg.Payload,
		RequireAck: msg.RequireAck,
		Partition:  uint32(route.Partition),
		QosClass:   uint32(route.Class),
	}

	delivered := n.delivery.Deliver(received)

	// Internal envelopes are not acknowledged back to the source.
	if msg.TrackID == 0 {
		return
	}

	switch {
	case delivered == 0:
		n.reportDelivery(msg, queue.StatusPendingClient,
			"no subscribers matched the message")
	case msg.RequireAck:
		n.ackMu.Lock()
		n.pendingAcks[ackKey{srcNode: msg.SrcNode, msgID: msg.TrackID}] = struct{}{}
		n.ackMu.Unlock()
		n.reportDelivery(msg, queue.StatusWaitingForClientAck,
			"delivered, waiting for client acknowledgment")
	default:
		n.reportDelivery(msg, queue.StatusDelivered,
			"delivered to subscribers")
	}
}

// reportDelivery routes the status to the local tracker for loopback
// messages, or back to the source node as a delivery-status frame.
func (n *Node) reportDelivery(msg *session.InboundMessage, status queue.Status, text string) {
	if msg.SrcNode == n.cfg.NodeID {
		n.queue.UpdateStatus(msg.TrackID, status, text)
		return
	}
	n.sendDeliveryStatus(msg.SrcNode, msg.TrackID, status, text)
}

// sendDeliveryStatus emits the internal untracked report message.
func (n *Node) sendDeliveryStatus(dst uint64, originalMsgID uint64, status queue.Status, text string) {
	payload, err := json.Marshal(deliveryStatusMessage{
		OriginalMsgID: originalMsgID,
		Status:        int(status),
		StatusMessage: text,
	})
	if err != nil {
		return
	}
	err = n.manager.Enqueue(session.OutboundMessage{
		SrcNode: n.cfg.NodeID,
		DstNode: dst,
		Payload: payload,
		Headers: map[string][]byte{headerMessageType: []byte(messageTypeDeliveryStatus)},
	})
	if err != nil {
		utils.Logger.Warn("failed to send delivery status",
			zap.Uint64("dst", dst), zap.Uint64("original_msg_id", originalMsgID))
	}
}

func (n *Node) handleDeliveryStatus(msg *session.InboundMessage) {
	var report deliveryStatusMessage
	if err := json.Unmarshal(msg.Payload, &report); err != nil {
		utils.Logger.Warn("undecodable delivery status", zap.Error(err))
		return
	}
	status := queue.Status(report.Status)
	switch status {
	case queue.StatusDelivered, queue.StatusPendingClient,
		queue.StatusWaitingForClientAck, queue.StatusAckSuccess,
		queue.StatusAckFailure, queue.StatusUndeliverable:
	default:
		utils.Logger.Warn("unknown delivery status code", zap.Int("code", report.Status))
		return
	}
	n.queue.UpdateStatus(report.OriginalMsgID, status, report.StatusMessage)
}

// dispatchFeedback maps routing feedback onto status transitions.
func (n *Node) dispatchFeedback(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fb := <-n.feedback:
			n.handleFeedback(fb)
		}
	}
}

func (n *Node) handleFeedback(fb session.RoutingFeedback) {
	switch fb.Decision {
	case session.FeedbackForwarded:
		// In flight; the destination's delivery report decides the next
		// transition.
	case session.FeedbackLocal:
		// Local delivery produces its own report through handleInbound.
	case session.FeedbackNoRoute, session.FeedbackSendFailed:
		n.queue.UpdateStatus(fb.TrackID, queue.StatusPendingNode, fb.Message)
	case session.FeedbackDropped:
		n.queue.UpdateStatus(fb.TrackID, queue.StatusUndeliverable, fb.Message)
	}
}

// trafficObserver adapts Node to session.TrafficObserver.
type trafficObserver Node

func (o *trafficObserver) FrameIn(bytes int) {
	o.collect.FramesIn.Inc()
	o.collect.BytesIn.Add(float64(bytes))
}

func (o *trafficObserver) FrameOut(bytes int) {
	o.collect.FramesOut.Inc()
	o.collect.BytesOut.Add(float64(bytes))
}

// managerEvents adapts Node to the session.EventHandler interface.
type managerEvents Node

func (e *managerEvents) NotifySessionAdded(peerNodeID uint64, remoteAddr string) {
	utils.Logger.Info("mesh session added",
		zap.Uint64("peer", peerNodeID), zap.String("addr", remoteAddr))
}

func (e *managerEvents) NotifySessionRemoved(peerNodeID uint64, reason string) {
	utils.Logger.Info("mesh session removed",
		zap.Uint64("peer", peerNodeID), zap.String("reason", reason))
}

func (e *managerEvents) NotifySessionRecovered(peerNodeID uint64) {
	utils.Logger.Info("mesh session recovered", zap.Uint64("peer", peerNodeID))
}

func (e *managerEvents) NotifyRoutingFailure(dstNode uint64, reason string, consecutiveFailures uint32) {
	utils.Logger.Warn("routing failure threshold crossed",
		zap.Uint64("dst", dstNode),
		zap.String("reason", reason),
		zap.Uint32("consecutive", consecutiveFailures))
}

func (e *managerEvents) NotifyNodeRoutable(nodeID uint64) {
	(*Node)(e).queue.NotifyNodeOnline(nodeID)
}
