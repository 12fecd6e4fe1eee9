package session

import (
	"sync"
	"time"

	"meshd/wire"
)

// processStart anchors correlation IDs so they are monotonic for the node's
// lifetime: nanoseconds since start, truncated to 64 bits.
var processStart = time.Now()

// NowCorrID returns a monotonically derived correlation ID.
func NowCorrID() uint64 {
	return uint64(time.Since(processStart).Nanoseconds())
}

// BuildPing serializes a Ping frame carrying corrID.
func BuildPing(localNode, corrID uint64) []byte {
	h := wire.NewFastHeader(wire.FramePing, localNode, 0, 0)
	h.CorrID = corrID
	buf, err := wire.NewFrameBuilder(h).Build(wire.DefaultMaxFrame)
	if err != nil {
		// A meta-less control frame cannot exceed any limit.
		panic(err)
	}
	return buf
}

// BuildPong serializes the Pong response mirroring corrID.
func BuildPong(localNode, corrID uint64) []byte {
	h := wire.NewFastHeader(wire.FramePong, localNode, 0, 0)
	h.CorrID = corrID
	buf, err := wire.NewFrameBuilder(h).Build(wire.DefaultMaxFrame)
	if err != nil {
		panic(err)
	}
	return buf
}

// pingTable tracks outstanding pings for RTT measurement. Entries older
// than a minute are discarded on the next record.
type pingTable struct {
	mu          sync.Mutex
	outstanding map[uint64]time.Time
}

func newPingTable() *pingTable {
	return &pingTable{outstanding: make(map[uint64]time.Time)}
}

func (p *pingTable) recordPing(corrID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding[corrID] = time.Now()
	cutoff := time.Now().Add(-time.Minute)
	for id, at := range p.outstanding {
		if at.Before(cutoff) {
			delete(p.outstanding, id)
		}
	}
}

// processPong resolves a pong's RTT; unknown correlation IDs return false.
func (p *pingTable) processPong(corrID uint64) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sent, ok := p.outstanding[corrID]
	if !ok {
		return 0, false
	}
	delete(p.outstanding, corrID)
	return time.Since(sent), true
}
