package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkReassembleRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 100)
	c := &Chunker{ChunkSize: 64}
	h := NewFastHeader(FrameData, 1, 2, 77)

	frames := c.Split(h, payload)
	require.Len(t, frames, (len(payload)+63)/64)

	for i, f := range frames {
		assert.True(t, f.Fast.Flags.Has(FlagChunked))
		assert.Equal(t, uint64(77), f.Fast.MsgID)
		if i == len(frames)-1 {
			assert.True(t, f.Fast.Flags.Has(FlagChunkEnd))
		} else {
			assert.False(t, f.Fast.Flags.Has(FlagChunkEnd))
		}
	}

	r := NewReassembler()
	var got []byte
	var done bool
	for _, f := range frames {
		got, done = r.Add(f)
		if done {
			break
		}
	}
	require.True(t, done)
	assert.Equal(t, payload, got)
	assert.Zero(t, r.PendingMessages())
}

func TestChunkSingleChunk(t *testing.T) {
	c := &Chunker{ChunkSize: 1024}
	frames := c.Split(NewFastHeader(FrameData, 1, 2, 5), []byte("small"))
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Fast.Flags.Has(FlagChunked))
	assert.True(t, frames[0].Fast.Flags.Has(FlagChunkEnd))

	r := NewReassembler()
	got, done := r.Add(frames[0])
	require.True(t, done)
	assert.Equal(t, []byte("small"), got)
}

func TestChunkEmptyPayload(t *testing.T) {
	c := NewChunker()
	assert.Nil(t, c.Split(NewFastHeader(FrameData, 1, 2, 5), nil))
}

func TestReassemblerIgnoresUnchunked(t *testing.T) {
	r := NewReassembler()
	f := NewFrame(NewFastHeader(FrameData, 1, 2, 5), nil, []byte("x"))
	got, done := r.Add(f)
	assert.False(t, done)
	assert.Nil(t, got)
	assert.Zero(t, r.PendingMessages())
}

func TestReassemblerDrop(t *testing.T) {
	c := &Chunker{ChunkSize: 2}
	frames := c.Split(NewFastHeader(FrameData, 1, 2, 9), []byte("abcdef"))
	require.Greater(t, len(frames), 1)

	r := NewReassembler()
	r.Add(frames[0])
	assert.Equal(t, 1, r.PendingMessages())
	r.Drop(9)
	assert.Zero(t, r.PendingMessages())
}
