package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshd/session"
	"meshd/utils"
)

// SendMode selects the caller-visible blocking behavior of Send.
type SendMode int

const (
	// FireAndForget returns as soon as the message is queued.
	FireAndForget SendMode = iota
	// WaitForDelivery blocks until delivered / pending-client /
	// undeliverable, or timeout.
	WaitForDelivery
	// WaitForAck blocks until the subscriber acked, or timeout. Only
	// valid with require_ack.
	WaitForAck
)

// Default wait timeouts per mode.
const (
	DefaultDeliveryTimeout = 300 * time.Second
	DefaultAckTimeout      = 600 * time.Second
)

// Config tunes the retry scheduler.
type Config struct {
	MaxRetryAttempts   uint32
	BaseRetryInterval  time.Duration
	MaxRetryInterval   time.Duration
	RetryCheckInterval time.Duration
	// OnRetry is invoked once per retry attempt (metrics hook).
	OnRetry func()
}

func (c *Config) fill() {
	if c.MaxRetryAttempts == 0 {
		c.MaxRetryAttempts = 10
	}
	if c.BaseRetryInterval <= 0 {
		c.BaseRetryInterval = time.Second
	}
	if c.MaxRetryInterval <= 0 {
		c.MaxRetryInterval = 60 * time.Second
	}
	if c.RetryCheckInterval <= 0 {
		c.RetryCheckInterval = 5 * time.Second
	}
}

// StatusUpdate is one streamed status transition.
type StatusUpdate struct {
	MsgID         uint64
	Status        Status
	StatusMessage string
	Timestamp     uint64
	RequireAck    bool
}

// WaitKind classifies a message's wake condition.
type WaitKind int

const (
	// WaitNodeOnline wakes when the destination becomes routable.
	WaitNodeOnline WaitKind = iota
	// WaitClientSubscription wakes when a subscriber appears on the
	// destination node.
	WaitClientSubscription
)

type waitCondition struct {
	kind WaitKind
	node uint64
}

type queuedMessage struct {
	message     session.OutboundMessage
	retryCount  uint32
	queuedAt    time.Time
	nextRetryAt time.Time
	mode        SendMode
	// settled stops retries without closing the status stream, used when
	// delivery happened but the client ack is still outstanding.
	settled  bool
	statusCh chan StatusUpdate
}

// Queue owns pending messages: it retries them with exponential backoff,
// indexes wake conditions, and streams status transitions to callers.
type Queue struct {
	cfg     Config
	tracker *Tracker
	send    func(session.OutboundMessage) error

	mu      sync.Mutex
	pending map[uint64]*queuedMessage
	waiting map[waitCondition][]uint64
}

// New builds a queue that submits messages through send (normally the
// session manager's Enqueue).
func New(cfg Config, tracker *Tracker, send func(session.OutboundMessage) error) *Queue {
	cfg.fill()
	return &Queue{
		cfg:     cfg,
		tracker: tracker,
		send:    send,
		pending: make(map[uint64]*queuedMessage),
		waiting: make(map[waitCondition][]uint64),
	}
}

// Enqueue tracks a message, submits the first attempt, and registers it
// for retries. withStream attaches a status stream returned to the caller.
func (q *Queue) Enqueue(msg session.OutboundMessage, mode SendMode, withStream bool) (<-chan StatusUpdate, error) {
	if msg.TrackID == 0 {
		return nil, fmt.Errorf("queue: message must carry a track id")
	}

	qm := &queuedMessage{
		message:     msg,
		queuedAt:    time.Now(),
		nextRetryAt: time.Now().Add(q.retryDelay(1)),
		mode:        mode,
	}
	if withStream {
		qm.statusCh = make(chan StatusUpdate, 16)
	}

	q.tracker.Track(msg.TrackID, StatusQueued, "message queued for delivery", msg.RequireAck)

	q.mu.Lock()
	q.pending[msg.TrackID] = qm
	q.mu.Unlock()

	if err := q.send(msg); err != nil {
		q.UpdateStatus(msg.TrackID, StatusUndeliverable, "failed to submit: "+err.Error())
		return qm.statusCh, err
	}
	q.notifyStream(msg.TrackID)
	if qm.statusCh != nil {
		return qm.statusCh, nil
	}
	return nil, nil
}

// Run drives the retry scheduler until the context ends.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.RetryCheckInterval)
	defer ticker.Stop()
	utils.Logger.Info("message queue retry scheduler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.retryPass()
		}
	}
}

func (q *Queue) retryDelay(attempt uint32) time.Duration {
	if attempt == 0 {
		attempt = 1
	}
	d := q.cfg.BaseRetryInterval << (attempt - 1)
	if d > q.cfg.MaxRetryInterval || d <= 0 {
		d = q.cfg.MaxRetryInterval
	}
	return d
}

// retryPass retries every due message, moving exhausted ones to
// Undeliverable.
func (q *Queue) retryPass() {
	now := time.Now()

	q.mu.Lock()
	var due []uint64
	for id, qm := range q.pending {
		if qm.settled {
			continue
		}
		if !now.Before(qm.nextRetryAt) {
			due = append(due, id)
		}
	}
	q.mu.Unlock()

	for _, id := range due {
		q.mu.Lock()
		qm, ok := q.pending[id]
		if !ok || qm.settled {
			q.mu.Unlock()
			continue
		}
		qm.retryCount++
		count := qm.retryCount
		exhausted := count > q.cfg.MaxRetryAttempts
		if !exhausted {
			qm.nextRetryAt = now.Add(q.retryDelay(count))
		}
		msg := qm.message
		q.mu.Unlock()

		if exhausted {
			q.UpdateStatus(id, StatusUndeliverable,
				fmt.Sprintf("max retry attempts (%d) exceeded", q.cfg.MaxRetryAttempts))
			continue
		}

		q.UpdateStatus(id, StatusQueued,
			fmt.Sprintf("retry attempt %d of %d", count, q.cfg.MaxRetryAttempts))

		if q.cfg.OnRetry != nil {
			q.cfg.OnRetry()
		}
		if err := q.send(msg); err != nil {
			utils.Logger.Warn("retry submit failed",
				zap.Uint64("msg_id", id), zap.Error(err))
		}
	}
}

// UpdateStatus is the single entry point for status transitions: it moves
// the tracker, notifies streams, maintains wake-condition indexes, and
// drops completed messages from the pending set.
func (q *Queue) UpdateStatus(msgID uint64, status Status, statusMessage string) {
	q.tracker.Update(msgID, status, statusMessage)
	q.notifyStream(msgID)

	switch status {
	case StatusPendingNode:
		q.registerWait(msgID, WaitNodeOnline)
	case StatusPendingClient:
		q.registerWait(msgID, WaitClientSubscription)
	case StatusDelivered, StatusAckSuccess, StatusAckFailure, StatusUndeliverable:
		q.complete(msgID)
	case StatusWaitingForClientAck:
		// Delivery is done; retries stop, but the stream stays open for
		// the ack transition.
		q.settle(msgID)
	case StatusQueued:
		q.mu.Lock()
		if qm, ok := q.pending[msgID]; ok {
			qm.settled = false
		}
		q.mu.Unlock()
	}
}

func (q *Queue) registerWait(msgID uint64, kind WaitKind) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qm, ok := q.pending[msgID]
	if !ok {
		return
	}
	cond := waitCondition{kind: kind, node: qm.message.DstNode}
	for _, id := range q.waiting[cond] {
		if id == msgID {
			return
		}
	}
	q.waiting[cond] = append(q.waiting[cond], msgID)
}

// settle marks a message delivered-but-unacked: no more retries.
func (q *Queue) settle(msgID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if qm, ok := q.pending[msgID]; ok {
		qm.settled = true
	}
}

// complete removes a message from retry scheduling and closes its stream.
func (q *Queue) complete(msgID uint64) {
	q.mu.Lock()
	qm, ok := q.pending[msgID]
	if ok {
		delete(q.pending, msgID)
	}
	q.mu.Unlock()
	if ok && qm.statusCh != nil {
		close(qm.statusCh)
	}
}

func (q *Queue) notifyStream(msgID uint64) {
	q.mu.Lock()
	qm, ok := q.pending[msgID]
	q.mu.Unlock()
	if !ok || qm.statusCh == nil {
		return
	}
	rec, ok := q.tracker.Get(msgID)
	if !ok {
		return
	}
	select {
	case qm.statusCh <- StatusUpdate{
		MsgID:         rec.MsgID,
		Status:        rec.Status,
		StatusMessage: rec.StatusMessage,
		Timestamp:     rec.Timestamp,
		RequireAck:    rec.RequireAck,
	}:
	default:
	}
}

// NotifyNodeOnline wakes every message waiting for node to be routable.
func (q *Queue) NotifyNodeOnline(node uint64) {
	q.wake(waitCondition{kind: WaitNodeOnline, node: node})
}

// NotifyClientSubscribed wakes every message waiting for a subscriber on
// node.
func (q *Queue) NotifyClientSubscribed(node uint64) {
	q.wake(waitCondition{kind: WaitClientSubscription, node: node})
}

func (q *Queue) wake(cond waitCondition) {
	q.mu.Lock()
	ids := q.waiting[cond]
	delete(q.waiting, cond)
	now := time.Now()
	woken := 0
	for _, id := range ids {
		if qm, ok := q.pending[id]; ok {
			qm.nextRetryAt = now
			woken++
		}
	}
	q.mu.Unlock()
	if woken > 0 {
		utils.Logger.Info("wake condition fired",
			zap.Int("kind", int(cond.kind)),
			zap.Uint64("node", cond.node),
			zap.Int("messages", woken))
	}
}

// WaitForStatus polls the tracker until the record reaches one of the
// wanted statuses or the timeout expires. It returns the final record.
func (q *Queue) WaitForStatus(ctx context.Context, msgID uint64, wanted []Status, timeout time.Duration) (Record, bool) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if rec, ok := q.tracker.Get(msgID); ok {
			for _, want := range wanted {
				if rec.Status == want {
					return rec, true
				}
			}
		}
		if time.Now().After(deadline) {
			rec, _ := q.tracker.Get(msgID)
			return rec, false
		}
		select {
		case <-ctx.Done():
			rec, _ := q.tracker.Get(msgID)
			return rec, false
		case <-ticker.C:
		}
	}
}

// PendingCount returns the number of messages under retry management.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// WaitingCount returns the number of wait-indexed message IDs.
func (q *Queue) WaitingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ids := range q.waiting {
		n += len(ids)
	}
	return n
}
