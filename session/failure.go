package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"meshd/utils"
)

// Failure tracker defaults: three consecutive failures inside a 30 second
// window mark the destination interrupted.
const (
	DefaultFailureThreshold = 3
	DefaultFailureWindow    = 30 * time.Second
)

type failureInfo struct {
	count        uint32
	firstFailure time.Time
	lastFailure  time.Time
	notified     bool
}

// FailureTracker counts consecutive routing failures per destination to
// detect interrupted sessions, and the recovery after them.
type FailureTracker struct {
	mu        sync.Mutex
	failures  map[uint64]*failureInfo
	threshold uint32
	window    time.Duration
}

// NewFailureTracker builds a tracker with the given threshold and window.
func NewFailureTracker(threshold uint32, window time.Duration) *FailureTracker {
	if threshold == 0 {
		threshold = DefaultFailureThreshold
	}
	if window <= 0 {
		window = DefaultFailureWindow
	}
	return &FailureTracker{
		failures:  make(map[uint64]*failureInfo),
		threshold: threshold,
		window:    window,
	}
}

// RecordFailure counts one failure for dstNode. It returns the running
// count and whether the interruption threshold was crossed just now.
func (t *FailureTracker) RecordFailure(dstNode uint64) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	info, ok := t.failures[dstNode]
	if !ok {
		info = &failureInfo{firstFailure: now}
		t.failures[dstNode] = info
	}
	if now.Sub(info.firstFailure) > t.window {
		info.count = 1
		info.firstFailure = now
		info.notified = false
	} else {
		info.count++
	}
	info.lastFailure = now

	notify := info.count >= t.threshold && !info.notified
	if notify {
		info.notified = true
		utils.Logger.Warn("session interruption detected",
			zap.Uint64("node", dstNode), zap.Uint32("failures", info.count))
	}
	return info.count, notify
}

// RecordSuccess clears the failure record, reporting whether the node had
// been marked interrupted (i.e. this is a recovery).
func (t *FailureTracker) RecordSuccess(dstNode uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.failures[dstNode]
	if !ok {
		return false
	}
	delete(t.failures, dstNode)
	return info.notified
}

// FailureCount returns the running count for dstNode.
func (t *FailureTracker) FailureCount(dstNode uint64) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.failures[dstNode]; ok {
		return info.count
	}
	return 0
}

// IsInterrupted reports whether dstNode crossed the threshold.
func (t *FailureTracker) IsInterrupted(dstNode uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.failures[dstNode]; ok {
		return info.notified
	}
	return false
}

// Cleanup drops records whose last failure is older than twice the window.
func (t *FailureTracker) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-2 * t.window)
	for node, info := range t.failures {
		if info.lastFailure.Before(cutoff) {
			delete(t.failures, node)
		}
	}
}
