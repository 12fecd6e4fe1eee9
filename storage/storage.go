package storage

import (
	"fmt"

	"github.com/pkg/errors"
)

// Peer is a remote node identifier.
type Peer uint64

func (p Peer) String() string { return fmt.Sprintf("%d", uint64(p)) }

// WalEntry is one stored frame.
type WalEntry struct {
	MsgID uint64
	Bytes []byte
}

// AckState is the sender-side cumulative acknowledgement watermark.
type AckState struct {
	CumAcked uint64 `json:"cum_acked"`
}

// Storage errors.
var (
	ErrCorrupt    = errors.New("storage: corrupt record")
	ErrOutOfOrder = errors.New("storage: msg_id not contiguous")
	ErrInvalid    = errors.New("storage: invalid operation")
)

// Wal is the sender-side per-peer append log that backs retransmission.
// Implementations synchronize per peer; operations on different peers are
// independent.
type Wal interface {
	// Append stores frame bytes under msg_id, which must equal
	// LastAppended(peer)+1.
	Append(peer Peer, msgID uint64, frame []byte) error
	// Range returns entries with msg_id > fromExclusive in order, at most
	// limit entries (limit <= 0 means unbounded).
	Range(peer Peer, fromExclusive uint64, limit int) ([]WalEntry, error)
	// TruncateThrough discards entries with msg_id <= upToInclusive.
	// Idempotent.
	TruncateThrough(peer Peer, upToInclusive uint64) error
	// LastAppended returns the highest appended msg_id, zero if none.
	LastAppended(peer Peer) (uint64, error)
	// LoadAck returns the persisted ACK state.
	LoadAck(peer Peer) (AckState, error)
	// StoreAck persists the ACK state.
	StoreAck(peer Peer, ack AckState) error
}

// Dedup is the receiver-side idempotency filter: a cumulative watermark
// plus a bounded gap window of out-of-order msg_ids.
type Dedup interface {
	// IsProcessed reports whether msg_id was already delivered upward.
	IsProcessed(peer Peer, msgID uint64) (bool, error)
	// MarkProcessed records msg_id, advancing the watermark and absorbing
	// contiguous gap entries. IDs beyond the gap window are dropped.
	MarkProcessed(peer Peer, msgID uint64) error
	// CumProcessed returns the contiguous watermark.
	CumProcessed(peer Peer) (uint64, error)
	// AdvanceCum forces the watermark to id if it is larger.
	AdvanceCum(peer Peer, id uint64) error
	// Snapshot persists state where the backend supports it.
	Snapshot() error
}

// Storage bundles the two halves of the reliability store.
type Storage struct {
	Wal   Wal
	Dedup Dedup
}

// DefaultGapWindow bounds the out-of-order set past the watermark.
const DefaultGapWindow = 65536

// Mode selects and parameterizes a backend.
type Mode struct {
	// Kind is "memory" or "file".
	Kind string
	// DataDir is the base directory for the file backend.
	DataDir string
	// SegmentBytes bounds one WAL segment file (default 128 MiB).
	SegmentBytes int64
	// FsyncEvery syncs the active segment every N appends (default 1).
	FsyncEvery int
}

// Open constructs storage for the given mode.
func Open(mode Mode) (*Storage, error) {
	switch mode.Kind {
	case "", "memory":
		return &Storage{
			Wal:   NewMemoryWal(),
			Dedup: NewMemoryDedup(DefaultGapWindow),
		}, nil
	case "file":
		if mode.DataDir == "" {
			return nil, errors.Wrap(ErrInvalid, "file storage requires data_dir")
		}
		if mode.SegmentBytes <= 0 {
			mode.SegmentBytes = 128 * 1024 * 1024
		}
		if mode.FsyncEvery <= 0 {
			mode.FsyncEvery = 1
		}
		states := newStateStore(mode.DataDir)
		wal, err := NewFileWal(mode, states)
		if err != nil {
			return nil, err
		}
		return &Storage{
			Wal:   wal,
			Dedup: NewFileDedup(states, DefaultGapWindow),
		}, nil
	default:
		return nil, errors.Wrapf(ErrInvalid, "unknown storage mode %q", mode.Kind)
	}
}
