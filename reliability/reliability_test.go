package reliability

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshd/storage"
	"meshd/wire"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *storage.Storage) {
	t.Helper()
	store, err := storage.Open(storage.Mode{Kind: "memory"})
	require.NoError(t, err)
	return NewManager(store, cfg), store
}

func dataFrame(t *testing.T, src, dst, msgID uint64, payload []byte) []byte {
	t.Helper()
	h := wire.NewFastHeader(wire.FrameData, src, dst, msgID)
	buf, err := wire.NewFrameBuilder(h).Payload(payload).Build(wire.DefaultMaxFrame)
	require.NoError(t, err)
	return buf
}

func TestSendWithCredits(t *testing.T) {
	m, store := newTestManager(t, Config{})
	peer := storage.Peer(2002)
	var sock bytes.Buffer

	// Grant credits through an ACK first.
	require.NoError(t, m.ProcessAck(peer, AckMeta{Credits: 1 << 20}, &sock))

	id, err := m.NextMsgID(peer)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	frame := dataFrame(t, 1001, 2002, id, []byte("hi"))
	require.NoError(t, m.SendFrames(peer, id, frame, &sock))

	// Frame hit the socket and the WAL.
	assert.Equal(t, frame, sock.Bytes())
	last, err := store.Wal.LastAppended(peer)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)

	s, _ := m.Snapshot(peer)
	assert.Equal(t, int64(1<<20)-int64(len(frame)), s.CreditsBytes)
	assert.Empty(t, s.Pending)
}

func TestSendWithoutCreditsQueues(t *testing.T) {
	m, store := newTestManager(t, Config{})
	peer := storage.Peer(2002)
	var sock bytes.Buffer

	id, err := m.NextMsgID(peer)
	require.NoError(t, err)
	frame := dataFrame(t, 1, 2002, id, []byte("payload"))
	require.NoError(t, m.SendFrames(peer, id, frame, &sock))

	// Nothing on the wire, but the WAL has the frame.
	assert.Zero(t, sock.Len())
	last, _ := store.Wal.LastAppended(peer)
	assert.Equal(t, uint64(1), last)

	// Credits arrive: the pending queue drains in order.
	require.NoError(t, m.ProcessAck(peer, AckMeta{Credits: 1 << 20}, &sock))
	assert.Equal(t, frame, sock.Bytes())
	s, _ := m.Snapshot(peer)
	assert.Empty(t, s.Pending)
}

func TestAckTruncatesWal(t *testing.T) {
	m, store := newTestManager(t, Config{})
	peer := storage.Peer(7)
	var sock bytes.Buffer
	require.NoError(t, m.ProcessAck(peer, AckMeta{Credits: 1 << 20}, &sock))

	for i := 0; i < 3; i++ {
		id, err := m.NextMsgID(peer)
		require.NoError(t, err)
		require.NoError(t, m.SendFrames(peer, id, dataFrame(t, 1, 7, id, []byte("x")), &sock))
	}

	require.NoError(t, m.ProcessAck(peer, AckMeta{CumAck: 2, Credits: 1 << 20}, &sock))

	entries, err := store.Wal.Range(peer, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(3), entries[0].MsgID)

	ack, err := store.Wal.LoadAck(peer)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ack.CumAcked)
}

func TestProcessDataDedups(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	peer := storage.Peer(9)

	fresh, err := m.ProcessData(peer, 1, 5)
	require.NoError(t, err)
	assert.True(t, fresh)

	// Duplicate: no second upward delivery, but still ACK-pending.
	fresh, err = m.ProcessData(peer, 1, 5)
	require.NoError(t, err)
	assert.False(t, fresh)

	_, r := m.Snapshot(peer)
	assert.True(t, r.AckPending)
	assert.Equal(t, uint64(1), r.CumProcessed)
}

func TestAckSchedulerInterval(t *testing.T) {
	m, _ := newTestManager(t, Config{AckInterval: time.Hour})
	peer := storage.Peer(3)

	_, err := m.ProcessData(peer, 1, 10)
	require.NoError(t, err)

	// Interval not elapsed, batch not reached, credits plentiful: no ACK.
	frame, err := m.MaybeBuildAck(peer, 1001)
	require.NoError(t, err)
	assert.Nil(t, frame)
}

func TestAckSchedulerBatch(t *testing.T) {
	m, _ := newTestManager(t, Config{AckInterval: time.Hour, AckBatchSize: 2})
	peer := storage.Peer(3)

	_, err := m.ProcessData(peer, 1, 1)
	require.NoError(t, err)
	_, err = m.ProcessData(peer, 2, 1)
	require.NoError(t, err)

	frame, err := m.MaybeBuildAck(peer, 1001)
	require.NoError(t, err)
	require.NotNil(t, frame)

	var dec wire.Decoder
	f, _, err := dec.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, wire.FrameAck, f.Fast.Type)

	ack, err := ParseAckMeta(f.MetaRaw)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ack.CumAck)

	// Emitting resets the batch counter.
	frame, err = m.MaybeBuildAck(peer, 1001)
	require.NoError(t, err)
	assert.Nil(t, frame)
}

func TestAckSchedulerLowCreditsRefills(t *testing.T) {
	m, _ := newTestManager(t, Config{AckInterval: time.Hour, RecvWindow: 1000})
	peer := storage.Peer(3)

	// Consume 800 of the 1000-byte window: the 200 left is under a quarter,
	// so the low-credit condition fires and the window refills before the
	// ACK goes out.
	_, err := m.ProcessData(peer, 1, 800)
	require.NoError(t, err)

	frame, err := m.MaybeBuildAck(peer, 1001)
	require.NoError(t, err)
	require.NotNil(t, frame)

	var dec wire.Decoder
	f, _, err := dec.Decode(frame)
	require.NoError(t, err)
	ack, err := ParseAckMeta(f.MetaRaw)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), ack.Credits)
}

func TestResumeRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, Config{RecvWindow: 4096})
	peer := storage.Peer(5)

	frame, err := m.BuildResume(peer, 1001)
	require.NoError(t, err)

	var dec wire.Decoder
	f, _, err := dec.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, wire.FrameResume, f.Fast.Type)

	meta, err := ParseResumeMeta(f.MetaRaw)
	require.NoError(t, err)
	assert.True(t, meta.Resume)
	assert.True(t, meta.HasCredits)
	assert.Equal(t, uint32(4096), meta.StartingCredits)
}

func TestHandleResumeRetransmits(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	peer := storage.Peer(2002)
	var sock bytes.Buffer
	require.NoError(t, m.ProcessAck(peer, AckMeta{Credits: 1 << 20}, &sock))

	var frames [][]byte
	for i := 0; i < 5; i++ {
		id, err := m.NextMsgID(peer)
		require.NoError(t, err)
		fr := dataFrame(t, 1, 2002, id, []byte{byte(i)})
		frames = append(frames, fr)
		require.NoError(t, m.SendFrames(peer, id, fr, &sock))
	}
	sock.Reset()

	// Peer processed 2 of 5; reconnect replays exactly 3..5 in order.
	n, err := m.HandleResume(peer, ResumeMeta{
		Resume:          true,
		ReceiverCumProc: 2,
		StartingCredits: 1 << 20,
		HasCredits:      true,
	}, &sock)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	want := append(append(append([]byte(nil), frames[2]...), frames[3]...), frames[4]...)
	assert.Equal(t, want, sock.Bytes())
}

func TestHandleResumeRespectsCredits(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	peer := storage.Peer(2)
	var sock bytes.Buffer
	require.NoError(t, m.ProcessAck(peer, AckMeta{Credits: 1 << 20}, &sock))

	id, err := m.NextMsgID(peer)
	require.NoError(t, err)
	require.NoError(t, m.SendFrames(peer, id, dataFrame(t, 1, 2, id, []byte("abc")), &sock))
	sock.Reset()

	n, err := m.HandleResume(peer, ResumeMeta{Resume: true, StartingCredits: 1, HasCredits: true}, &sock)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, sock.Len())
}
