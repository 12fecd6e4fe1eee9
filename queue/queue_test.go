package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshd/session"
)

type captureSink struct {
	mu   sync.Mutex
	sent []session.OutboundMessage
	fail bool
}

func (c *captureSink) send(msg session.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return assert.AnError
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestQueue(cfg Config) (*Queue, *Tracker, *captureSink) {
	tr := NewTracker()
	sink := &captureSink{}
	return New(cfg, tr, sink.send), tr, sink
}

func msgTo(dst uint64, trackID uint64) session.OutboundMessage {
	return session.OutboundMessage{
		SrcNode: 1, DstNode: dst, TrackID: trackID, CorrID: trackID,
		Payload: []byte("x"),
	}
}

func TestEnqueueSubmitsAndTracks(t *testing.T) {
	q, tr, sink := newTestQueue(Config{})

	_, err := q.Enqueue(msgTo(2, 10), FireAndForget, false)
	require.NoError(t, err)
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 1, q.PendingCount())

	rec, ok := tr.Get(10)
	require.True(t, ok)
	assert.Equal(t, StatusQueued, rec.Status)
}

func TestEnqueueRequiresTrackID(t *testing.T) {
	q, _, _ := newTestQueue(Config{})
	_, err := q.Enqueue(session.OutboundMessage{DstNode: 2}, FireAndForget, false)
	assert.Error(t, err)
}

func TestRetryBackoffAndExhaustion(t *testing.T) {
	q, tr, sink := newTestQueue(Config{
		MaxRetryAttempts:  2,
		BaseRetryInterval: time.Millisecond,
		MaxRetryInterval:  2 * time.Millisecond,
	})

	_, err := q.Enqueue(msgTo(2, 10), FireAndForget, false)
	require.NoError(t, err)

	// Drive retry passes manually past exhaustion.
	for i := 0; i < 5; i++ {
		time.Sleep(3 * time.Millisecond)
		q.retryPass()
	}

	rec, ok := tr.Get(10)
	require.True(t, ok)
	assert.Equal(t, StatusUndeliverable, rec.Status)
	assert.Zero(t, q.PendingCount())

	// initial send + at most MaxRetryAttempts retries
	assert.LessOrEqual(t, sink.count(), 3)
}

func TestRetryDelayCaps(t *testing.T) {
	q, _, _ := newTestQueue(Config{
		BaseRetryInterval: time.Second,
		MaxRetryInterval:  60 * time.Second,
	})
	assert.Equal(t, time.Second, q.retryDelay(1))
	assert.Equal(t, 2*time.Second, q.retryDelay(2))
	assert.Equal(t, 32*time.Second, q.retryDelay(6))
	assert.Equal(t, 60*time.Second, q.retryDelay(7))
	assert.Equal(t, 60*time.Second, q.retryDelay(40))
}

func TestDeliveredStopsRetries(t *testing.T) {
	q, tr, sink := newTestQueue(Config{BaseRetryInterval: time.Millisecond, MaxRetryInterval: time.Millisecond})

	_, err := q.Enqueue(msgTo(2, 10), WaitForDelivery, false)
	require.NoError(t, err)

	q.UpdateStatus(10, StatusDelivered, "delivered to 1 subscribers")
	assert.Zero(t, q.PendingCount())

	sent := sink.count()
	time.Sleep(3 * time.Millisecond)
	q.retryPass()
	assert.Equal(t, sent, sink.count())

	rec, _ := tr.Get(10)
	assert.Equal(t, StatusDelivered, rec.Status)
}

func TestWakeOnNodeOnline(t *testing.T) {
	q, _, sink := newTestQueue(Config{BaseRetryInterval: time.Hour, MaxRetryInterval: time.Hour})

	_, err := q.Enqueue(msgTo(2002, 10), FireAndForget, false)
	require.NoError(t, err)
	q.UpdateStatus(10, StatusPendingNode, "no route to destination")
	assert.Equal(t, 1, q.WaitingCount())

	// Next retry is an hour away; the wake pulls it to now.
	q.retryPass()
	assert.Equal(t, 1, sink.count())

	q.NotifyNodeOnline(2002)
	assert.Zero(t, q.WaitingCount())
	q.retryPass()
	assert.Equal(t, 2, sink.count())
}

func TestWakeOnClientSubscription(t *testing.T) {
	q, _, sink := newTestQueue(Config{BaseRetryInterval: time.Hour, MaxRetryInterval: time.Hour})

	_, err := q.Enqueue(msgTo(2002, 11), FireAndForget, false)
	require.NoError(t, err)
	q.UpdateStatus(11, StatusPendingClient, "no subscribers")

	q.NotifyClientSubscribed(2002)
	q.retryPass()
	assert.Equal(t, 2, sink.count())
}

func TestStatusStreamEmitsTransitions(t *testing.T) {
	q, _, _ := newTestQueue(Config{})

	stream, err := q.Enqueue(msgTo(2, 10), FireAndForget, true)
	require.NoError(t, err)
	require.NotNil(t, stream)

	first := <-stream
	assert.Equal(t, StatusQueued, first.Status)

	q.UpdateStatus(10, StatusDelivered, "done")
	second := <-stream
	assert.Equal(t, StatusDelivered, second.Status)

	// Terminal status closes the stream.
	_, open := <-stream
	assert.False(t, open)
}

func TestStatusStreamStaysOpenForAck(t *testing.T) {
	q, _, _ := newTestQueue(Config{})

	msg := msgTo(2, 10)
	msg.RequireAck = true
	stream, err := q.Enqueue(msg, WaitForAck, true)
	require.NoError(t, err)

	<-stream // queued
	q.UpdateStatus(10, StatusWaitingForClientAck, "waiting")
	up := <-stream
	assert.Equal(t, StatusWaitingForClientAck, up.Status)

	q.UpdateStatus(10, StatusAckSuccess, "client acked")
	up = <-stream
	assert.Equal(t, StatusAckSuccess, up.Status)
	_, open := <-stream
	assert.False(t, open)
}

func TestWaitForStatus(t *testing.T) {
	q, _, _ := newTestQueue(Config{})
	_, err := q.Enqueue(msgTo(2, 10), WaitForDelivery, false)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		q.UpdateStatus(10, StatusDelivered, "done")
	}()

	rec, ok := q.WaitForStatus(context.Background(), 10,
		[]Status{StatusDelivered, StatusPendingClient, StatusUndeliverable}, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, StatusDelivered, rec.Status)
}

func TestWaitForStatusTimeout(t *testing.T) {
	q, _, _ := newTestQueue(Config{})
	_, err := q.Enqueue(msgTo(2, 10), WaitForDelivery, false)
	require.NoError(t, err)

	rec, ok := q.WaitForStatus(context.Background(), 10,
		[]Status{StatusDelivered}, 150*time.Millisecond)
	assert.False(t, ok)
	assert.Equal(t, StatusQueued, rec.Status)
}
