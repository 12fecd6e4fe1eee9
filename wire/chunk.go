package wire

// DefaultChunkSize leaves room for the length prefix, fast header, and a
// small metadata map inside a default-size frame.
const DefaultChunkSize = DefaultMaxFrame - 1024

// Chunker splits payloads that exceed the chunk size into frames sharing
// one msg_id. FlagChunked is set on every chunk, FlagChunkEnd on the last.
type Chunker struct {
	ChunkSize int
}

// NewChunker returns a chunker with the default chunk size.
func NewChunker() *Chunker {
	return &Chunker{ChunkSize: DefaultChunkSize}
}

// Split slices payload into chunk frames carrying copies of fast. An empty
// payload yields no frames.
func (c *Chunker) Split(fast FastHeader, payload []byte) []*Frame {
	if len(payload) == 0 {
		return nil
	}
	size := c.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	total := (len(payload) + size - 1) / size
	frames := make([]*Frame, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		h := fast
		h.Flags |= FlagChunked
		if i == total-1 {
			h.Flags |= FlagChunkEnd
		}
		frames = append(frames, NewFrame(h, nil, payload[start:end]))
	}
	return frames
}

// Reassembler buffers chunks by msg_id and emits the concatenated payload
// when the end chunk arrives.
type Reassembler struct {
	pending map[uint64][][]byte
}

// NewReassembler returns an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[uint64][][]byte)}
}

// Add buffers one chunk. It returns (payload, true) when f completes the
// message, and (nil, false) for non-chunk frames or incomplete messages.
func (r *Reassembler) Add(f *Frame) ([]byte, bool) {
	if !f.Fast.Flags.Has(FlagChunked) {
		return nil, false
	}
	id := f.Fast.MsgID
	r.pending[id] = append(r.pending[id], f.Payload)
	if !f.Fast.Flags.Has(FlagChunkEnd) {
		return nil, false
	}
	chunks := r.pending[id]
	delete(r.pending, id)
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, true
}

// Drop discards any buffered chunks for msg_id.
func (r *Reassembler) Drop(msgID uint64) {
	delete(r.pending, msgID)
}

// PendingMessages reports how many partially received messages are buffered.
func (r *Reassembler) PendingMessages() int { return len(r.pending) }
