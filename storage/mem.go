package storage

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// MemoryWal keeps per-peer logs in process memory. Used by tests and
// ephemeral nodes; a restart loses retransmission state.
type MemoryWal struct {
	mu    sync.Mutex
	peers map[Peer]*memPeerLog
}

type memPeerLog struct {
	entries      []WalEntry
	lastAppended uint64
	ack          AckState
}

// NewMemoryWal returns an empty in-memory WAL.
func NewMemoryWal() *MemoryWal {
	return &MemoryWal{peers: make(map[Peer]*memPeerLog)}
}

func (w *MemoryWal) peer(p Peer) *memPeerLog {
	l, ok := w.peers[p]
	if !ok {
		l = &memPeerLog{}
		w.peers[p] = l
	}
	return l
}

func (w *MemoryWal) Append(peer Peer, msgID uint64, frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	l := w.peer(peer)
	if msgID != l.lastAppended+1 {
		return ErrOutOfOrder
	}
	l.entries = append(l.entries, WalEntry{MsgID: msgID, Bytes: append([]byte(nil), frame...)})
	l.lastAppended = msgID
	return nil
}

func (w *MemoryWal) Range(peer Peer, fromExclusive uint64, limit int) ([]WalEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.peers[peer]
	if !ok {
		return nil, nil
	}
	var out []WalEntry
	for _, e := range l.entries {
		if e.MsgID <= fromExclusive {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (w *MemoryWal) TruncateThrough(peer Peer, upToInclusive uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.peers[peer]
	if !ok {
		return nil
	}
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.MsgID > upToInclusive {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	return nil
}

func (w *MemoryWal) LastAppended(peer Peer) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if l, ok := w.peers[peer]; ok {
		return l.lastAppended, nil
	}
	return 0, nil
}

func (w *MemoryWal) LoadAck(peer Peer) (AckState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if l, ok := w.peers[peer]; ok {
		return l.ack, nil
	}
	return AckState{}, nil
}

func (w *MemoryWal) StoreAck(peer Peer, ack AckState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.peer(peer).ack = ack
	return nil
}

// MemoryDedup tracks per-peer processed watermarks with a bounded gap
// window for out-of-order arrivals.
type MemoryDedup struct {
	mu     sync.Mutex
	peers  map[Peer]*dedupState
	window uint64
}

type dedupState struct {
	cum  uint64
	gaps mapset.Set[uint64]
}

// NewMemoryDedup returns a dedup filter with the given gap window size.
func NewMemoryDedup(window uint64) *MemoryDedup {
	if window == 0 {
		window = DefaultGapWindow
	}
	return &MemoryDedup{peers: make(map[Peer]*dedupState), window: window}
}

func (d *MemoryDedup) peer(p Peer) *dedupState {
	s, ok := d.peers[p]
	if !ok {
		s = &dedupState{gaps: mapset.NewThreadUnsafeSet[uint64]()}
		d.peers[p] = s
	}
	return s
}

func (d *MemoryDedup) IsProcessed(peer Peer, msgID uint64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.peers[peer]
	if !ok {
		s = d.peer(peer)
	}
	return dedupContains(s, msgID, d.window), nil
}

// dedupContains treats ids beyond the gap window as already processed so an
// acknowledged id can never be reported "new" after its gap entry aged out.
func dedupContains(s *dedupState, msgID, window uint64) bool {
	if msgID <= s.cum || msgID > s.cum+window {
		return true
	}
	return s.gaps.Contains(msgID)
}

func (d *MemoryDedup) MarkProcessed(peer Peer, msgID uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	markDedup(d.peer(peer), msgID, d.window)
	return nil
}

// markDedup implements watermark advancement shared by both backends.
func markDedup(s *dedupState, msgID, window uint64) {
	if msgID <= s.cum {
		return
	}
	if msgID == s.cum+1 {
		s.cum = msgID
		// Absorb contiguous gap entries.
		for s.gaps.Contains(s.cum + 1) {
			s.gaps.Remove(s.cum + 1)
			s.cum++
		}
		// Drop anything the watermark has passed.
		for _, id := range s.gaps.ToSlice() {
			if id <= s.cum || id > s.cum+window {
				s.gaps.Remove(id)
			}
		}
		return
	}
	// Out of order: track only within the window. Beyond the window the id
	// is treated as processed to bound memory.
	if msgID <= s.cum+window {
		s.gaps.Add(msgID)
	}
}

func (d *MemoryDedup) CumProcessed(peer Peer) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.peers[peer]; ok {
		return s.cum, nil
	}
	return 0, nil
}

func (d *MemoryDedup) AdvanceCum(peer Peer, id uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.peer(peer)
	if id > s.cum {
		s.cum = id
		for _, gap := range s.gaps.ToSlice() {
			if gap <= id {
				s.gaps.Remove(gap)
			}
		}
	}
	return nil
}

func (d *MemoryDedup) Snapshot() error { return nil }
