package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()

	tr.Track(12345, StatusQueued, "message queued for delivery", false)

	rec, ok := tr.Get(12345)
	require.True(t, ok)
	assert.Equal(t, uint64(12345), rec.MsgID)
	assert.Equal(t, StatusQueued, rec.Status)
	assert.False(t, rec.RequireAck)

	require.True(t, tr.Update(12345, StatusDelivered, "delivered"))
	rec, ok = tr.Get(12345)
	require.True(t, ok)
	assert.Equal(t, StatusDelivered, rec.Status)
	assert.Equal(t, "delivered", rec.StatusMessage)

	// Unknown messages are not updatable.
	assert.False(t, tr.Update(99999, StatusDelivered, "x"))
}

func TestTrackerTerminalIsSticky(t *testing.T) {
	tr := NewTracker()
	tr.Track(1, StatusQueued, "q", true)
	require.True(t, tr.Update(1, StatusAckSuccess, "acked"))

	// A terminal record ignores further transitions but stays queryable.
	tr.Update(1, StatusQueued, "retry")
	rec, ok := tr.Get(1)
	require.True(t, ok)
	assert.Equal(t, StatusAckSuccess, rec.Status)
}

func TestTrackerPendingAndStats(t *testing.T) {
	tr := NewTracker()
	tr.Track(1, StatusQueued, "q", false)
	tr.Track(2, StatusDelivered, "d", false)
	tr.Track(3, StatusAckSuccess, "a", true)

	pending := tr.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(1), pending[0].MsgID)

	s := tr.GetStats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Queued)
	assert.Equal(t, 1, s.Delivered)
	assert.Equal(t, 1, s.AckSuccess)
}

func TestTrackerGetAll(t *testing.T) {
	tr := NewTracker()
	tr.Track(1, StatusQueued, "q", false)

	recs := tr.GetAll([]uint64{1, 42})
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].MsgID)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusPendingNode.Terminal())
	assert.False(t, StatusPendingClient.Terminal())
	assert.False(t, StatusWaitingForClientAck.Terminal())
	assert.True(t, StatusDelivered.Terminal())
	assert.True(t, StatusAckSuccess.Terminal())
	assert.True(t, StatusAckFailure.Terminal())
	assert.True(t, StatusUndeliverable.Terminal())
}
