package wire

import (
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Frame size limits. DefaultMaxFrame bounds a single wire frame; HardMaxFrame
// is the absolute cap regardless of configuration.
const (
	DefaultMaxFrame = 16 * 1024 * 1024
	HardMaxFrame    = 64 * 1024 * 1024
	MaxMetaSize     = 64 * 1024
	MaxHintSize     = 128
)

// Frame is a decoded wire frame. On the wire it is preceded by a big-endian
// u32 frame_len counting every byte that follows.
//
//	u32 frame_len | fast header (48B) | hint (0..128B) |
//	u32 meta_len  | meta (canonical CBOR map)          | payload
type Frame struct {
	Fast    FastHeader
	Hint    []byte
	MetaRaw []byte
	Payload []byte
}

// NewFrame builds a frame with no hint.
func NewFrame(fast FastHeader, metaRaw, payload []byte) *Frame {
	return &Frame{Fast: fast, MetaRaw: metaRaw, Payload: payload}
}

// EncodedSize returns the total on-wire size including the length prefix.
func (f *Frame) EncodedSize() int {
	return 4 + FastHeaderSize + len(f.Hint) + 4 + len(f.MetaRaw) + len(f.Payload)
}

// Encode serializes the frame into a contiguous buffer, enforcing maxFrame.
func (f *Frame) Encode(maxFrame int) ([]byte, error) {
	if maxFrame <= 0 || maxFrame > HardMaxFrame {
		maxFrame = DefaultMaxFrame
	}
	if len(f.Hint) > MaxHintSize {
		return nil, ErrHint
	}
	if len(f.MetaRaw) > MaxMetaSize {
		return nil, ErrMeta
	}
	total := f.EncodedSize()
	if total > maxFrame {
		return nil, errors.Wrapf(ErrSize, "%d > %d", total, maxFrame)
	}

	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint32(buf, uint32(total-4))
	buf = f.Fast.AppendTo(buf)
	buf = append(buf, f.Hint...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.MetaRaw)))
	buf = append(buf, f.MetaRaw...)
	buf = append(buf, f.Payload...)
	return buf, nil
}

// Decoder parses frames out of a byte stream.
type Decoder struct {
	// MaxFrame bounds accepted frame_len values; zero means DefaultMaxFrame.
	MaxFrame int
}

// Decode parses at most one frame from b. It returns the frame and the
// number of bytes consumed, or (nil, 0, nil) when b does not yet hold a
// complete frame. Any non-nil error is fatal for the stream.
func (d *Decoder) Decode(b []byte) (*Frame, int, error) {
	if len(b) < 4 {
		return nil, 0, nil
	}
	maxFrame := d.MaxFrame
	if maxFrame <= 0 || maxFrame > HardMaxFrame {
		maxFrame = DefaultMaxFrame
	}
	frameLen := int(binary.BigEndian.Uint32(b[:4]))
	if frameLen+4 > maxFrame {
		return nil, 0, errors.Wrapf(ErrSize, "frame_len %d", frameLen)
	}
	if len(b) < 4+frameLen {
		return nil, 0, nil
	}

	body := b[4 : 4+frameLen]
	fast, err := DecodeFastHeader(body)
	if err != nil {
		if errors.Is(err, ErrIncomplete) {
			err = ErrMalformed
		}
		return nil, 0, err
	}
	body = body[FastHeaderSize:]

	var hint []byte
	if fast.HintLen > 0 {
		if fast.HintLen > MaxHintSize {
			return nil, 0, ErrHint
		}
		if len(body) < int(fast.HintLen) {
			return nil, 0, ErrMalformed
		}
		hint = append([]byte(nil), body[:fast.HintLen]...)
		body = body[fast.HintLen:]
	}

	if len(body) < 4 {
		return nil, 0, ErrMalformed
	}
	metaLen := int(binary.BigEndian.Uint32(body[:4]))
	body = body[4:]
	if metaLen > MaxMetaSize || len(body) < metaLen {
		return nil, 0, ErrMeta
	}
	metaRaw := append([]byte(nil), body[:metaLen]...)
	if metaLen > 0 {
		if err := cbor.Wellformed(metaRaw); err != nil {
			return nil, 0, errors.Wrap(ErrMeta, err.Error())
		}
	}
	payload := append([]byte(nil), body[metaLen:]...)

	return &Frame{Fast: fast, Hint: hint, MetaRaw: metaRaw, Payload: payload}, 4 + frameLen, nil
}

// VerifyHeaderChecksum validates the hdr_csum metadata entry when the
// FlagHdrChecksum flag is set. Frames without the flag pass trivially.
func (f *Frame) VerifyHeaderChecksum() error {
	if !f.Fast.Flags.Has(FlagHdrChecksum) {
		return nil
	}
	meta, err := ParseMeta(f.MetaRaw)
	if err != nil {
		return err
	}
	want, ok := MetaUint(meta, "hdr_csum")
	if !ok {
		return ErrChecksum
	}
	if uint32(want) != HeaderChecksum(f.Fast, f.Hint) {
		return ErrChecksum
	}
	return nil
}
