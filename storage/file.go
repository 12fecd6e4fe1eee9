package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"meshd/utils"

	"go.uber.org/zap"
)

// Segment record layout, little-endian (file format only, never wire):
//
//	u32 len | u64 msg_id | u32 crc32c(msg_id || frame_bytes) | frame_bytes
const segRecordHeader = 4 + 8 + 4

var fileCrcTable = crc32.MakeTable(crc32.Castagnoli)

func recordCrc(msgID uint64, frame []byte) uint32 {
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], msgID)
	crc := crc32.Update(0, fileCrcTable, idBuf[:])
	return crc32.Update(crc, fileCrcTable, frame)
}

// peerState mirrors <data_dir>/peers/<peer>/state.json.
type peerState struct {
	LastAppended uint64 `json:"last_appended"`
	CumAcked     uint64 `json:"cum_acked"`
	CumProcessed uint64 `json:"cum_processed"`
}

// stateStore owns the per-peer state.json files, shared between the file
// WAL and the file dedup so both halves update one document.
type stateStore struct {
	dataDir string
	mu      sync.Mutex
	states  map[Peer]*peerState
}

func newStateStore(dataDir string) *stateStore {
	return &stateStore{dataDir: dataDir, states: make(map[Peer]*peerState)}
}

func (s *stateStore) peerDir(p Peer) string {
	return filepath.Join(s.dataDir, "peers", strconv.FormatUint(uint64(p), 10))
}

func (s *stateStore) load(p Peer) (*peerState, error) {
	if st, ok := s.states[p]; ok {
		return st, nil
	}
	st := &peerState{}
	path := filepath.Join(s.peerDir(p), "state.json")
	buf, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(buf, st); err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "state file for peer %s: %v", p, err)
		}
	case os.IsNotExist(err):
		// Fresh peer.
	default:
		return nil, err
	}
	s.states[p] = st
	return st, nil
}

func (s *stateStore) flush(p Peer) error {
	st, ok := s.states[p]
	if !ok {
		return nil
	}
	dir := s.peerDir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	buf, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "state.json"), buf, 0o644)
}

// update mutates a peer's state under the store lock and flushes it.
func (s *stateStore) update(p Peer, fn func(*peerState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load(p)
	if err != nil {
		return err
	}
	fn(st)
	return s.flush(p)
}

func (s *stateStore) get(p Peer) (peerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load(p)
	if err != nil {
		return peerState{}, err
	}
	return *st, nil
}

// FileWal is the segment-file WAL. Segments live under
// <data_dir>/peers/<peer>/wal/NNNNNNNN.seg and are bounded by SegmentBytes.
type FileWal struct {
	mode   Mode
	states *stateStore

	mu    sync.Mutex
	peers map[Peer]*filePeerLog
}

type filePeerLog struct {
	active     *os.File
	activeNum  uint64
	activeSize int64
	writes     int
	// lastMsgID per segment number, for compaction.
	segLast map[uint64]uint64
}

// NewFileWal opens the WAL, scanning existing segments to validate CRCs and
// reconstruct per-peer last_appended. A corrupt record is fatal.
func NewFileWal(mode Mode, states *stateStore) (*FileWal, error) {
	w := &FileWal{mode: mode, states: states, peers: make(map[Peer]*filePeerLog)}
	if err := os.MkdirAll(filepath.Join(mode.DataDir, "peers"), 0o755); err != nil {
		return nil, err
	}
	if err := w.recover(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *FileWal) walDir(p Peer) string {
	return filepath.Join(w.states.peerDir(p), "wal")
}

// listSegments returns (segment number, path) pairs sorted by number.
func listSegments(dir string) ([][2]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var segs [][2]string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".seg") {
			continue
		}
		segs = append(segs, [2]string{strings.TrimSuffix(name, ".seg"), filepath.Join(dir, name)})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i][0] < segs[j][0] })
	return segs, nil
}

func (w *FileWal) recover() error {
	peersDir := filepath.Join(w.mode.DataDir, "peers")
	entries, err := os.ReadDir(peersDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		peer := Peer(id)
		last, segLast, err := w.scanPeer(peer)
		if err != nil {
			return err
		}
		if err := w.states.update(peer, func(st *peerState) {
			if last > st.LastAppended {
				st.LastAppended = last
			}
		}); err != nil {
			return err
		}
		w.peers[peer] = &filePeerLog{segLast: segLast}
		utils.Logger.Info("recovered wal peer",
			zap.String("peer", peer.String()),
			zap.Uint64("last_appended", last))
	}
	return nil
}

// scanPeer walks all segments of a peer validating every record.
func (w *FileWal) scanPeer(peer Peer) (uint64, map[uint64]uint64, error) {
	segLast := make(map[uint64]uint64)
	var last uint64
	segs, err := listSegments(w.walDir(peer))
	if err != nil {
		return 0, nil, err
	}
	for _, seg := range segs {
		num, _ := strconv.ParseUint(seg[0], 10, 64)
		err := scanSegment(seg[1], func(msgID uint64, _ []byte) {
			last = msgID
			segLast[num] = msgID
		})
		if err != nil {
			return 0, nil, errors.Wrapf(err, "segment %s", seg[1])
		}
	}
	return last, segLast, nil
}

func scanSegment(path string, fn func(msgID uint64, frame []byte)) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for len(buf) > 0 {
		if len(buf) < segRecordHeader {
			return errors.Wrap(ErrCorrupt, "truncated record header")
		}
		recLen := binary.LittleEndian.Uint32(buf[0:4])
		msgID := binary.LittleEndian.Uint64(buf[4:12])
		crc := binary.LittleEndian.Uint32(buf[12:16])
		buf = buf[segRecordHeader:]
		if uint32(len(buf)) < recLen {
			return errors.Wrap(ErrCorrupt, "truncated record body")
		}
		frame := buf[:recLen]
		if recordCrc(msgID, frame) != crc {
			return errors.Wrapf(ErrCorrupt, "crc mismatch for msg_id %d", msgID)
		}
		fn(msgID, frame)
		buf = buf[recLen:]
	}
	return nil
}

func (w *FileWal) peerLog(p Peer) *filePeerLog {
	l, ok := w.peers[p]
	if !ok {
		l = &filePeerLog{segLast: make(map[uint64]uint64)}
		w.peers[p] = l
	}
	return l
}

// openActive ensures the peer has a writable segment below the size bound.
func (w *FileWal) openActive(p Peer, l *filePeerLog) error {
	if l.active != nil && l.activeSize < w.mode.SegmentBytes {
		return nil
	}
	if l.active != nil {
		if err := l.active.Sync(); err != nil {
			return err
		}
		if err := l.active.Close(); err != nil {
			return err
		}
		l.active = nil
	}
	dir := w.walDir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	segs, err := listSegments(dir)
	if err != nil {
		return err
	}
	num := uint64(1)
	if len(segs) > 0 {
		lastNum, _ := strconv.ParseUint(segs[len(segs)-1][0], 10, 64)
		info, err := os.Stat(segs[len(segs)-1][1])
		if err != nil {
			return err
		}
		if info.Size() < w.mode.SegmentBytes {
			num = lastNum
		} else {
			num = lastNum + 1
		}
	}
	path := filepath.Join(dir, fmt.Sprintf("%08d.seg", num))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	l.active = f
	l.activeNum = num
	l.activeSize = info.Size()
	return nil
}

func (w *FileWal) Append(peer Peer, msgID uint64, frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	st, err := w.states.get(peer)
	if err != nil {
		return err
	}
	if msgID != st.LastAppended+1 {
		return ErrOutOfOrder
	}

	l := w.peerLog(peer)
	if err := w.openActive(peer, l); err != nil {
		return err
	}

	rec := make([]byte, 0, segRecordHeader+len(frame))
	rec = binary.LittleEndian.AppendUint32(rec, uint32(len(frame)))
	rec = binary.LittleEndian.AppendUint64(rec, msgID)
	rec = binary.LittleEndian.AppendUint32(rec, recordCrc(msgID, frame))
	rec = append(rec, frame...)

	if _, err := l.active.Write(rec); err != nil {
		return err
	}
	l.activeSize += int64(len(rec))
	l.segLast[l.activeNum] = msgID

	l.writes++
	if l.writes >= w.mode.FsyncEvery {
		if err := l.active.Sync(); err != nil {
			return err
		}
		l.writes = 0
	}

	return w.states.update(peer, func(st *peerState) { st.LastAppended = msgID })
}

func (w *FileWal) Range(peer Peer, fromExclusive uint64, limit int) ([]WalEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []WalEntry
	segs, err := listSegments(w.walDir(peer))
	if err != nil {
		return nil, err
	}
	st, err := w.states.get(peer)
	if err != nil {
		return nil, err
	}
	for _, seg := range segs {
		if limit > 0 && len(out) >= limit {
			break
		}
		err := scanSegment(seg[1], func(msgID uint64, frame []byte) {
			if msgID <= fromExclusive || msgID <= st.CumAcked {
				return
			}
			if limit > 0 && len(out) >= limit {
				return
			}
			out = append(out, WalEntry{MsgID: msgID, Bytes: append([]byte(nil), frame...)})
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TruncateThrough advances cum_acked and reclaims whole segments whose last
// record is at or below the watermark. The active segment is never removed.
func (w *FileWal) TruncateThrough(peer Peer, upToInclusive uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.states.update(peer, func(st *peerState) {
		if upToInclusive > st.CumAcked {
			st.CumAcked = upToInclusive
		}
	}); err != nil {
		return err
	}

	l := w.peerLog(peer)
	segs, err := listSegments(w.walDir(peer))
	if err != nil {
		return err
	}
	for _, seg := range segs {
		num, _ := strconv.ParseUint(seg[0], 10, 64)
		if num == l.activeNum && l.active != nil {
			continue
		}
		last, ok := l.segLast[num]
		if !ok || last > upToInclusive {
			continue
		}
		if err := os.Remove(seg[1]); err != nil {
			return err
		}
		delete(l.segLast, num)
		utils.Logger.Debug("reclaimed wal segment",
			zap.String("peer", peer.String()),
			zap.Uint64("segment", num))
	}
	return nil
}

func (w *FileWal) LastAppended(peer Peer) (uint64, error) {
	st, err := w.states.get(peer)
	if err != nil {
		return 0, err
	}
	return st.LastAppended, nil
}

func (w *FileWal) LoadAck(peer Peer) (AckState, error) {
	st, err := w.states.get(peer)
	if err != nil {
		return AckState{}, err
	}
	return AckState{CumAcked: st.CumAcked}, nil
}

func (w *FileWal) StoreAck(peer Peer, ack AckState) error {
	return w.states.update(peer, func(st *peerState) {
		if ack.CumAcked > st.CumAcked {
			st.CumAcked = ack.CumAcked
		}
	})
}

// Close syncs and closes all active segments.
func (w *FileWal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for _, l := range w.peers {
		if l.active == nil {
			continue
		}
		if err := l.active.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := l.active.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.active = nil
	}
	return firstErr
}

// FileDedup keeps the gap window in memory and persists the watermark
// through the shared state store.
type FileDedup struct {
	states *stateStore
	window uint64

	mu   sync.Mutex
	gaps map[Peer]*dedupState
}

// NewFileDedup returns a dedup filter backed by the peer state files.
func NewFileDedup(states *stateStore, window uint64) *FileDedup {
	if window == 0 {
		window = DefaultGapWindow
	}
	return &FileDedup{states: states, window: window, gaps: make(map[Peer]*dedupState)}
}

func (d *FileDedup) peer(p Peer) (*dedupState, error) {
	s, ok := d.gaps[p]
	if !ok {
		st, err := d.states.get(p)
		if err != nil {
			return nil, err
		}
		s = &dedupState{cum: st.CumProcessed, gaps: mapset.NewThreadUnsafeSet[uint64]()}
		d.gaps[p] = s
	}
	return s, nil
}

func (d *FileDedup) IsProcessed(peer Peer, msgID uint64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.peer(peer)
	if err != nil {
		return false, err
	}
	return dedupContains(s, msgID, d.window), nil
}

func (d *FileDedup) MarkProcessed(peer Peer, msgID uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.peer(peer)
	if err != nil {
		return err
	}
	before := s.cum
	markDedup(s, msgID, d.window)
	if s.cum == before {
		return nil
	}
	cum := s.cum
	return d.states.update(peer, func(st *peerState) {
		if cum > st.CumProcessed {
			st.CumProcessed = cum
		}
	})
}

func (d *FileDedup) CumProcessed(peer Peer) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.peer(peer)
	if err != nil {
		return 0, err
	}
	return s.cum, nil
}

func (d *FileDedup) AdvanceCum(peer Peer, id uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.peer(peer)
	if err != nil {
		return err
	}
	if id <= s.cum {
		return nil
	}
	s.cum = id
	for _, gap := range s.gaps.ToSlice() {
		if gap <= id {
			s.gaps.Remove(gap)
		}
	}
	return d.states.update(peer, func(st *peerState) {
		if id > st.CumProcessed {
			st.CumProcessed = id
		}
	})
}

func (d *FileDedup) Snapshot() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for peer, s := range d.gaps {
		cum := s.cum
		if err := d.states.update(peer, func(st *peerState) {
			if cum > st.CumProcessed {
				st.CumProcessed = cum
			}
		}); err != nil {
			return err
		}
	}
	return nil
}
