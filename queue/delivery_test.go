package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u32p(v uint32) *uint32 { return &v }
func u64p(v uint64) *uint64 { return &v }

func recvOne(t *testing.T, c <-chan Received) Received {
	t.Helper()
	select {
	case msg := <-c:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Received{}
	}
}

func TestSubscribeAndDeliver(t *testing.T) {
	q := NewDeliveryQueue()
	sub := q.Subscribe(Filter{SrcNode: u64p(1001)})

	msg := Received{
		SrcNode: 1001, DstNode: 2002, MsgID: 12345, CorrID: 67890,
		Headers: map[string][]byte{"test": []byte("value")},
		Payload: []byte("Hello, World!"),
	}
	assert.Equal(t, 1, q.Deliver(msg))

	got := recvOne(t, sub.C)
	assert.Equal(t, msg.MsgID, got.MsgID)
	assert.Equal(t, msg.Payload, got.Payload)

	q.Unsubscribe(sub.ID)
	assert.Zero(t, q.SubscriberCount())
}

func TestFilterMatching(t *testing.T) {
	q := NewDeliveryQueue()
	sub := q.Subscribe(Filter{SrcNode: u64p(1001)})

	assert.Equal(t, 1, q.Deliver(Received{SrcNode: 1001, MsgID: 1, Payload: []byte("match")}))
	assert.Equal(t, 0, q.Deliver(Received{SrcNode: 9999, MsgID: 2, Payload: []byte("no match")}))

	got := recvOne(t, sub.C)
	assert.Equal(t, uint64(1), got.MsgID)

	select {
	case m := <-sub.C:
		t.Fatalf("unexpected message %d", m.MsgID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterNilAlwaysMatches(t *testing.T) {
	f := Filter{}
	assert.True(t, f.Matches(&Received{SrcNode: 1, Partition: 5, QosClass: 2}))
}

func TestFilterMissingFieldMatches(t *testing.T) {
	// A message without a partition (zero) matches any partition filter.
	f := Filter{Partition: u32p(7)}
	assert.True(t, f.Matches(&Received{SrcNode: 1}))
	assert.False(t, f.Matches(&Received{SrcNode: 1, Partition: 3}))
	assert.True(t, f.Matches(&Received{SrcNode: 1, Partition: 7}))
}

func TestDeliverToMultipleSubscribers(t *testing.T) {
	q := NewDeliveryQueue()
	a := q.Subscribe(Filter{})
	b := q.Subscribe(Filter{})

	assert.Equal(t, 2, q.Deliver(Received{SrcNode: 1, MsgID: 7}))
	assert.Equal(t, uint64(7), recvOne(t, a.C).MsgID)
	assert.Equal(t, uint64(7), recvOne(t, b.C).MsgID)
}

func TestCanceledSubscriberPruned(t *testing.T) {
	q := NewDeliveryQueue()
	sub := q.Subscribe(Filter{})
	sub.Cancel()

	// The closed subscriber no longer counts as a delivery target.
	require.Eventually(t, func() bool {
		return q.Deliver(Received{SrcNode: 1, MsgID: 1}) == 0
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, q.SubscriberCount())
}

func TestMailboxBuffersWithoutBlocking(t *testing.T) {
	q := NewDeliveryQueue()
	sub := q.Subscribe(Filter{})

	// A slow subscriber never blocks Deliver.
	for i := 0; i < 1000; i++ {
		assert.Equal(t, 1, q.Deliver(Received{SrcNode: 1, MsgID: uint64(i + 1)}))
	}
	for i := 0; i < 1000; i++ {
		got := recvOne(t, sub.C)
		assert.Equal(t, uint64(i+1), got.MsgID)
	}
}
