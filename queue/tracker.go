// Package queue implements the application-visible delivery semantics: the
// message status state machine, the retry scheduler with wake conditions,
// and the local delivery queue with filtered subscribers.
package queue

import (
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Status is the message lifecycle state.
type Status int

const (
	StatusQueued Status = iota
	StatusPendingNode
	StatusPendingClient
	StatusDelivered
	StatusWaitingForClientAck
	StatusAckSuccess
	StatusAckFailure
	StatusUndeliverable
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusPendingNode:
		return "pending_node"
	case StatusPendingClient:
		return "pending_client"
	case StatusDelivered:
		return "delivered"
	case StatusWaitingForClientAck:
		return "waiting_for_client_ack"
	case StatusAckSuccess:
		return "ack_success"
	case StatusAckFailure:
		return "ack_failure"
	case StatusUndeliverable:
		return "undeliverable"
	}
	return "unknown"
}

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusAckSuccess, StatusAckFailure, StatusUndeliverable:
		return true
	}
	return false
}

// Record is the tracked state of one message.
type Record struct {
	MsgID         uint64
	Status        Status
	StatusMessage string
	// Timestamp is the unix time of the last transition.
	Timestamp  uint64
	RequireAck bool
	CreatedAt  time.Time
}

// Completed-record retention for late status queries.
const completedRetention = 5 * time.Minute

// TrackerStats counts records per status.
type TrackerStats struct {
	Total         int
	Queued        int
	PendingNode   int
	PendingClient int
	Delivered     int
	WaitingForAck int
	AckSuccess    int
	AckFailure    int
	Undeliverable int
}

// Tracker holds per-message status records. Active records live in a map;
// records reaching a terminal status move to an expiring cache that serves
// late queries for five minutes.
type Tracker struct {
	mu     sync.Mutex
	active map[uint64]*Record
	done   *cache.Cache
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active: make(map[uint64]*Record),
		done:   cache.New(completedRetention, time.Minute),
	}
}

// Track registers a new message.
func (t *Tracker) Track(msgID uint64, status Status, statusMessage string, requireAck bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := &Record{
		MsgID:         msgID,
		Status:        status,
		StatusMessage: statusMessage,
		Timestamp:     uint64(time.Now().Unix()),
		RequireAck:    requireAck,
		CreatedAt:     time.Now(),
	}
	if status.Terminal() {
		t.done.SetDefault(trackerKey(msgID), *rec)
		return
	}
	t.active[msgID] = rec
}

// Update transitions a message's status. A record already in a terminal
// status is never modified. It returns false for unknown messages.
func (t *Tracker) Update(msgID uint64, status Status, statusMessage string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.active[msgID]
	if !ok {
		// Late transitions on completed records are ignored.
		_, done := t.done.Get(trackerKey(msgID))
		return done
	}
	rec.Status = status
	rec.StatusMessage = statusMessage
	rec.Timestamp = uint64(time.Now().Unix())
	if status.Terminal() {
		delete(t.active, msgID)
		t.done.SetDefault(trackerKey(msgID), *rec)
	}
	return true
}

// Get returns a copy of the record for msgID.
func (t *Tracker) Get(msgID uint64) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.active[msgID]; ok {
		return *rec, true
	}
	if v, ok := t.done.Get(trackerKey(msgID)); ok {
		return v.(Record), true
	}
	return Record{}, false
}

// GetAll returns records for each requested ID, skipping unknown ones.
func (t *Tracker) GetAll(msgIDs []uint64) []Record {
	out := make([]Record, 0, len(msgIDs))
	for _, id := range msgIDs {
		if rec, ok := t.Get(id); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Pending returns every non-terminal record.
func (t *Tracker) Pending() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.active))
	for _, rec := range t.active {
		out = append(out, *rec)
	}
	return out
}

// GetStats tallies records by status, terminal ones included while they
// remain in the retention window.
func (t *Tracker) GetStats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s TrackerStats
	count := func(rec Record) {
		s.Total++
		switch rec.Status {
		case StatusQueued:
			s.Queued++
		case StatusPendingNode:
			s.PendingNode++
		case StatusPendingClient:
			s.PendingClient++
		case StatusDelivered:
			s.Delivered++
		case StatusWaitingForClientAck:
			s.WaitingForAck++
		case StatusAckSuccess:
			s.AckSuccess++
		case StatusAckFailure:
			s.AckFailure++
		case StatusUndeliverable:
			s.Undeliverable++
		}
	}
	for _, rec := range t.active {
		count(*rec)
	}
	for _, item := range t.done.Items() {
		count(item.Object.(Record))
	}
	return s
}

// Count returns the number of live records (active + retained).
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active) + t.done.ItemCount()
}

func trackerKey(msgID uint64) string {
	return strconv.FormatUint(msgID, 10)
}
