// Package reliability implements the per-peer delivery guarantees: WAL
// backed retransmission, receiver-side deduplication, and credit based
// flow control with cumulative ACKs.
package reliability

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"meshd/storage"
	"meshd/utils"
	"meshd/wire"
)

// Defaults for the ACK scheduler and receive window.
const (
	DefaultAckInterval  = 20 * time.Millisecond
	DefaultAckBatchSize = 256
	DefaultRecvWindow   = 32 * 1024 * 1024
)

// SendState tracks the sender side of one peer link.
type SendState struct {
	// NextMsgID is the next per-peer message ID to assign; IDs start at 1.
	NextMsgID uint64
	// CumAcked is the highest contiguous ID the peer confirmed.
	CumAcked uint64
	// CreditsBytes is the spendable window granted by the receiver.
	CreditsBytes int64
	// Pending holds frames waiting for credits, FIFO in msg_id order.
	Pending []PendingFrame
}

// PendingFrame is a serialized frame queued behind the credit gate.
type PendingFrame struct {
	MsgID uint64
	Bytes []byte
}

// RecvState tracks the receiver side of one peer link.
type RecvState struct {
	CumProcessed uint64
	CreditsMax   uint32
	CreditsAvail int64
	AckPending   bool
	LastAckSent  time.Time
	MsgsSinceAck uint32
}

// AckMeta is the content of an ACK frame's metadata.
type AckMeta struct {
	CumAck  uint64
	Credits uint32
}

// ResumeMeta is the content of a RESUME frame's metadata.
type ResumeMeta struct {
	Resume          bool
	SenderCumAck    uint64
	ReceiverCumProc uint64
	StartingCredits uint32
	HasCredits      bool
}

// Config parameterizes a Manager.
type Config struct {
	AckInterval  time.Duration
	AckBatchSize uint32
	RecvWindow   uint32
	MaxFrame     int
}

func (c *Config) fill() {
	if c.AckInterval <= 0 {
		c.AckInterval = DefaultAckInterval
	}
	if c.AckBatchSize == 0 {
		c.AckBatchSize = DefaultAckBatchSize
	}
	if c.RecvWindow == 0 {
		c.RecvWindow = DefaultRecvWindow
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = wire.DefaultMaxFrame
	}
}

// Manager owns the send/receive reliability state for every peer of a node.
// Each method holds the manager lock for its whole body. NextMsgID and
// SendFrames lock separately, so the lock is released between msg_id
// allocation and the WAL append; the WAL rejects an append whose msg_id is
// not the next in sequence.
type Manager struct {
	cfg   Config
	store *storage.Storage

	mu   sync.Mutex
	send map[storage.Peer]*SendState
	recv map[storage.Peer]*RecvState
}

// NewManager builds a manager over the given storage.
func NewManager(store *storage.Storage, cfg Config) *Manager {
	cfg.fill()
	return &Manager{
		cfg:   cfg,
		store: store,
		send:  make(map[storage.Peer]*SendState),
		recv:  make(map[storage.Peer]*RecvState),
	}
}

// sendState loads or initializes the sender state from storage.
func (m *Manager) sendState(peer storage.Peer) (*SendState, error) {
	if s, ok := m.send[peer]; ok {
		return s, nil
	}
	last, err := m.store.Wal.LastAppended(peer)
	if err != nil {
		return nil, err
	}
	ack, err := m.store.Wal.LoadAck(peer)
	if err != nil {
		return nil, err
	}
	s := &SendState{NextMsgID: last + 1, CumAcked: ack.CumAcked}
	m.send[peer] = s
	utils.Logger.Info("initialized send state",
		zap.String("peer", peer.String()),
		zap.Uint64("next_msg_id", s.NextMsgID),
		zap.Uint64("cum_acked", s.CumAcked))
	return s, nil
}

func (m *Manager) recvState(peer storage.Peer) (*RecvState, error) {
	if s, ok := m.recv[peer]; ok {
		return s, nil
	}
	cum, err := m.store.Dedup.CumProcessed(peer)
	if err != nil {
		return nil, err
	}
	s := &RecvState{
		CumProcessed: cum,
		CreditsMax:   m.cfg.RecvWindow,
		CreditsAvail: int64(m.cfg.RecvWindow),
		LastAckSent:  time.Now(),
	}
	m.recv[peer] = s
	return s, nil
}

// NextMsgID allocates the next per-peer wire msg_id without sending. Used
// by callers that build chunked frame sets for a single logical message.
func (m *Manager) NextMsgID(peer storage.Peer) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sendState(peer)
	if err != nil {
		return 0, err
	}
	id := s.NextMsgID
	s.NextMsgID++
	return id, nil
}

// SendFrames appends the serialized frame set for one msg_id to the WAL as
// a single entry and writes it if credits allow; otherwise it is queued on
// the pending list. frames is the concatenated encoding of every frame
// sharing this msg_id (one frame in the common case, N for chunked sends).
// A WAL append failure is fatal for the session.
func (m *Manager) SendFrames(peer storage.Peer, msgID uint64, frames []byte, w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sendState(peer)
	if err != nil {
		return err
	}
	if err := m.store.Wal.Append(peer, msgID, frames); err != nil {
		return errors.Wrap(err, "wal append")
	}
	if s.CreditsBytes >= int64(len(frames)) {
		if _, err := w.Write(frames); err != nil {
			return err
		}
		s.CreditsBytes -= int64(len(frames))
		return nil
	}
	s.Pending = append(s.Pending, PendingFrame{MsgID: msgID, Bytes: frames})
	utils.Logger.Debug("queued frame on credit gate",
		zap.String("peer", peer.String()),
		zap.Uint64("msg_id", msgID),
		zap.Int64("credits", s.CreditsBytes),
		zap.Int("frame_len", len(frames)))
	return nil
}

// ProcessData handles an arriving Data message (post reassembly for chunked
// messages). It returns true when the message is fresh and must be handed
// upward; duplicates still schedule a re-ACK.
func (m *Manager) ProcessData(peer storage.Peer, msgID uint64, payloadLen int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.recvState(peer)
	if err != nil {
		return false, err
	}
	seen, err := m.store.Dedup.IsProcessed(peer, msgID)
	if err != nil {
		return false, err
	}
	if seen {
		r.AckPending = true
		return false, nil
	}
	if err := m.store.Dedup.MarkProcessed(peer, msgID); err != nil {
		return false, err
	}
	cum, err := m.store.Dedup.CumProcessed(peer)
	if err != nil {
		return false, err
	}
	r.CumProcessed = cum
	r.CreditsAvail -= int64(payloadLen)
	r.AckPending = true
	r.MsgsSinceAck++
	return true, nil
}

// ProcessAck applies an incoming ACK: advance the watermark, persist and
// truncate the WAL, refresh credits, then drain the pending queue in FIFO
// order while credits last.
func (m *Manager) ProcessAck(peer storage.Peer, ack AckMeta, w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sendState(peer)
	if err != nil {
		return err
	}
	if ack.CumAck > s.CumAcked {
		s.CumAcked = ack.CumAck
		if err := m.store.Wal.StoreAck(peer, storage.AckState{CumAcked: ack.CumAck}); err != nil {
			return err
		}
		if err := m.store.Wal.TruncateThrough(peer, ack.CumAck); err != nil {
			return err
		}
	}
	s.CreditsBytes = int64(ack.Credits)
	return m.drainPending(peer, s, w)
}

func (m *Manager) drainPending(peer storage.Peer, s *SendState, w io.Writer) error {
	sent := 0
	for _, p := range s.Pending {
		if s.CreditsBytes < int64(len(p.Bytes)) {
			break
		}
		if _, err := w.Write(p.Bytes); err != nil {
			s.Pending = s.Pending[sent:]
			return err
		}
		s.CreditsBytes -= int64(len(p.Bytes))
		sent++
	}
	if sent > 0 {
		s.Pending = append([]PendingFrame(nil), s.Pending[sent:]...)
		utils.Logger.Debug("drained pending frames",
			zap.String("peer", peer.String()), zap.Int("sent", sent))
	}
	return nil
}

// MaybeBuildAck returns a serialized ACK frame when the scheduler decides
// one is due: interval elapsed, batch threshold reached, or credits low.
// When credits are at or below half of the window they refill to the full
// window before the ACK is sent.
func (m *Manager) MaybeBuildAck(peer storage.Peer, localNode uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.recvState(peer)
	if err != nil {
		return nil, err
	}
	due := r.AckPending &&
		(time.Since(r.LastAckSent) >= m.cfg.AckInterval ||
			r.MsgsSinceAck >= m.cfg.AckBatchSize ||
			r.CreditsAvail <= int64(r.CreditsMax)/4)
	if !due {
		return nil, nil
	}
	if r.CreditsAvail <= int64(r.CreditsMax)/2 {
		r.CreditsAvail = int64(r.CreditsMax)
	}

	h := wire.NewFastHeader(wire.FrameAck, localNode, uint64(peer), 0)
	frame, err := wire.NewFrameBuilder(h).
		MetaUint("cum_ack", r.CumProcessed).
		MetaUint("credits", uint64(r.CreditsAvail)).
		Build(m.cfg.MaxFrame)
	if err != nil {
		return nil, err
	}

	r.AckPending = false
	r.LastAckSent = time.Now()
	r.MsgsSinceAck = 0
	return frame, nil
}

// ParseAckMeta extracts ACK fields from frame metadata.
func ParseAckMeta(metaRaw []byte) (AckMeta, error) {
	m, err := wire.ParseMeta(metaRaw)
	if err != nil {
		return AckMeta{}, err
	}
	var ack AckMeta
	ack.CumAck, _ = wire.MetaUint(m, "cum_ack")
	if c, ok := wire.MetaUint(m, "credits"); ok {
		ack.Credits = uint32(c)
	}
	return ack, nil
}

// BuildResume constructs the RESUME frame advertised after a handshake. It
// carries both watermarks plus the credits this side grants the peer.
func (m *Manager) BuildResume(peer storage.Peer, localNode uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sendState(peer)
	if err != nil {
		return nil, err
	}
	r, err := m.recvState(peer)
	if err != nil {
		return nil, err
	}
	h := wire.NewFastHeader(wire.FrameResume, localNode, uint64(peer), 0)
	fb := wire.NewFrameBuilder(h)
	fb.Meta().
		Bool("resume", true).
		Uint("sender_cum_ack", s.CumAcked).
		Uint("receiver_cum_proc", r.CumProcessed).
		Uint("starting_credits", uint64(r.CreditsMax))
	return fb.Build(m.cfg.MaxFrame)
}

// ParseResumeMeta extracts RESUME fields from frame metadata.
func ParseResumeMeta(metaRaw []byte) (ResumeMeta, error) {
	m, err := wire.ParseMeta(metaRaw)
	if err != nil {
		return ResumeMeta{}, err
	}
	var r ResumeMeta
	r.Resume, _ = wire.MetaBool(m, "resume")
	r.SenderCumAck, _ = wire.MetaUint(m, "sender_cum_ack")
	r.ReceiverCumProc, _ = wire.MetaUint(m, "receiver_cum_proc")
	if c, ok := wire.MetaUint(m, "starting_credits"); ok {
		r.StartingCredits = uint32(c)
		r.HasCredits = true
	}
	return r, nil
}

// HandleResume applies a peer's RESUME: take its granted credits and replay
// every WAL entry beyond the peer's processed watermark, in order, subject
// to credit availability. Entries that do not fit are queued on the pending
// list for the next ACK-driven drain.
func (m *Manager) HandleResume(peer storage.Peer, meta ResumeMeta, w io.Writer) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sendState(peer)
	if err != nil {
		return 0, err
	}
	if meta.HasCredits {
		s.CreditsBytes = int64(meta.StartingCredits)
	}
	if meta.ReceiverCumProc > s.CumAcked {
		s.CumAcked = meta.ReceiverCumProc
		if err := m.store.Wal.StoreAck(peer, storage.AckState{CumAcked: s.CumAcked}); err != nil {
			return 0, err
		}
		if err := m.store.Wal.TruncateThrough(peer, s.CumAcked); err != nil {
			return 0, err
		}
	}

	entries, err := m.store.Wal.Range(peer, meta.ReceiverCumProc, 0)
	if err != nil {
		return 0, err
	}
	retransmitted := 0
	for _, e := range entries {
		if s.CreditsBytes < int64(len(e.Bytes)) {
			break
		}
		if _, err := w.Write(e.Bytes); err != nil {
			return retransmitted, err
		}
		s.CreditsBytes -= int64(len(e.Bytes))
		retransmitted++
	}
	// Entries that did not fit wait on the pending queue, in msg_id order;
	// replayed entries are not queued again.
	rest := entries[retransmitted:]
	s.Pending = make([]PendingFrame, 0, len(rest))
	for _, e := range rest {
		s.Pending = append(s.Pending, PendingFrame{MsgID: e.MsgID, Bytes: e.Bytes})
	}
	utils.Logger.Info("resume complete",
		zap.String("peer", peer.String()),
		zap.Int("retransmitted", retransmitted),
		zap.Uint64("receiver_cum_proc", meta.ReceiverCumProc))
	return retransmitted, nil
}

// Snapshot returns copies of the current per-peer states, for inspection.
func (m *Manager) Snapshot(peer storage.Peer) (SendState, RecvState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s SendState
	var r RecvState
	if st, ok := m.send[peer]; ok {
		s = *st
	}
	if rt, ok := m.recv[peer]; ok {
		r = *rt
	}
	return s, r
}

// Forget clears the in-memory state for a peer; durable watermarks stay in
// storage and are reloaded on the next use.
func (m *Manager) Forget(peer storage.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.send, peer)
	delete(m.recv, peer)
}
