package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMeta(t *testing.T, build func(*MetaBuilder)) []byte {
	t.Helper()
	b := NewMeta()
	build(b)
	raw, err := b.Build()
	require.NoError(t, err)
	return raw
}

func TestFrameRoundTrip(t *testing.T) {
	meta := mustMeta(t, func(b *MetaBuilder) {
		b.Str("content-type", "application/octet-stream")
		b.Uint("version", 1)
	})
	h := NewFastHeader(FrameData, 1001, 2002, 7)
	h.CorrID = 99
	f := NewFrame(h, meta, []byte("hello world"))
	f.Hint = []byte{0x01, 0x02}
	f.Fast.HintLen = 2

	buf, err := f.Encode(DefaultMaxFrame)
	require.NoError(t, err)

	var dec Decoder
	got, consumed, err := dec.Decode(buf)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, f.Fast, got.Fast)
	assert.Equal(t, f.Hint, got.Hint)
	assert.Equal(t, f.MetaRaw, got.MetaRaw)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestDecodeIncomplete(t *testing.T) {
	h := NewFastHeader(FramePing, 1, 2, 0)
	f := NewFrame(h, nil, nil)
	buf, err := f.Encode(DefaultMaxFrame)
	require.NoError(t, err)

	var dec Decoder
	for i := 0; i < len(buf); i++ {
		got, consumed, err := dec.Decode(buf[:i])
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.Zero(t, consumed)
	}

	got, consumed, err := dec.Decode(buf)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, len(buf), consumed)
}

func TestDecodeTwoFramesBackToBack(t *testing.T) {
	h := NewFastHeader(FrameData, 1, 2, 1)
	f1, err := NewFrame(h, nil, []byte("one")).Encode(DefaultMaxFrame)
	require.NoError(t, err)
	h.MsgID = 2
	f2, err := NewFrame(h, nil, []byte("two")).Encode(DefaultMaxFrame)
	require.NoError(t, err)

	stream := append(append([]byte(nil), f1...), f2...)
	var dec Decoder

	got, n, err := dec.Decode(stream)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Fast.MsgID)
	assert.Equal(t, []byte("one"), got.Payload)

	got, _, err = dec.Decode(stream[n:])
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Fast.MsgID)
	assert.Equal(t, []byte("two"), got.Payload)
}

func TestEncodeSizeLimits(t *testing.T) {
	h := NewFastHeader(FrameData, 1, 2, 1)

	// Payload that barely fits under a small max-frame.
	maxFrame := 4096
	overhead := NewFrame(h, []byte{0xA0}, nil).EncodedSize()
	fit := NewFrame(h, []byte{0xA0}, bytes.Repeat([]byte{0xAB}, maxFrame-overhead))
	_, err := fit.Encode(maxFrame)
	require.NoError(t, err)

	over := NewFrame(h, []byte{0xA0}, bytes.Repeat([]byte{0xAB}, maxFrame-overhead+1))
	_, err = over.Encode(maxFrame)
	assert.ErrorIs(t, err, ErrSize)
}

func TestOversizeMetaRejected(t *testing.T) {
	h := NewFastHeader(FrameData, 1, 2, 1)

	// A valid CBOR byte string metadata "map" is rejected purely on size.
	big := NewMeta().Bytes("blob", bytes.Repeat([]byte{0x00}, MaxMetaSize+1))
	_, err := big.Build()
	assert.ErrorIs(t, err, ErrMeta)

	f := NewFrame(h, bytes.Repeat([]byte{0x00}, MaxMetaSize+1), nil)
	_, err = f.Encode(HardMaxFrame)
	assert.ErrorIs(t, err, ErrMeta)
}

func TestDecoderRejectsOversizeFrame(t *testing.T) {
	dec := Decoder{MaxFrame: 1024}
	var prefix [4]byte
	prefix[0] = 0x7F // frame_len far beyond MaxFrame
	_, _, err := dec.Decode(prefix[:])
	assert.ErrorIs(t, err, ErrSize)
}

func TestDecoderRejectsBadMetaCBOR(t *testing.T) {
	h := NewFastHeader(FrameData, 1, 2, 1)
	// Truncated CBOR map claims more pairs than present.
	f := NewFrame(h, []byte{0xA5}, nil)
	buf, err := f.Encode(DefaultMaxFrame)
	require.NoError(t, err)

	var dec Decoder
	_, _, err = dec.Decode(buf)
	assert.ErrorIs(t, err, ErrMeta)
}

func TestVerifyHeaderChecksum(t *testing.T) {
	h := NewFastHeader(FrameData, 10, 20, 5)
	h.Flags |= FlagHdrChecksum
	buf, err := NewFrameBuilder(h).
		MetaStr("content-type", "application/x-data").
		Payload([]byte("payload")).
		Build(DefaultMaxFrame)
	require.NoError(t, err)

	var dec Decoder
	f, _, err := dec.Decode(buf)
	require.NoError(t, err)
	require.NoError(t, f.VerifyHeaderChecksum())

	// Flip a header byte after the fact: checksum must fail.
	f.Fast.DstNode++
	assert.ErrorIs(t, f.VerifyHeaderChecksum(), ErrChecksum)
}
