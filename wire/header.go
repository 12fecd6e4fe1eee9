package wire

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Version is the wire protocol version carried in every fast header.
const Version uint8 = 1

// FastHeaderSize is the fixed size of the fast header in bytes. A consumer
// that only needs routing information reads this prefix and forwards the
// frame without touching metadata or payload.
const FastHeaderSize = 48

// DefaultTTL is assigned to freshly built fast headers.
const DefaultTTL uint8 = 16

// FrameType identifies the kind of frame.
type FrameType uint8

const (
	FrameData FrameType = iota
	FrameAck
	FrameCredit
	FramePing
	FramePong
	FrameHello
	FrameResume
	FrameDrain
	FrameBye
	FrameTopologyUpdate
	FrameTopologyRequest
)

func (t FrameType) valid() bool { return t <= FrameTopologyRequest }

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "data"
	case FrameAck:
		return "ack"
	case FrameCredit:
		return "credit"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameHello:
		return "hello"
	case FrameResume:
		return "resume"
	case FrameDrain:
		return "drain"
	case FrameBye:
		return "bye"
	case FrameTopologyUpdate:
		return "topology_update"
	case FrameTopologyRequest:
		return "topology_request"
	}
	return "unknown"
}

// Flags is the frame flag bitmask.
type Flags uint16

const (
	// FlagChunked marks the payload as one chunk of a larger message.
	FlagChunked Flags = 1 << 0
	// FlagChunkEnd marks the last chunk for a msg_id.
	FlagChunkEnd Flags = 1 << 1
	// FlagE2EEnc marks the payload as end-to-end encrypted.
	FlagE2EEnc Flags = 1 << 2
	// FlagCompressed marks the payload as compressed; meta declares the codec.
	FlagCompressed Flags = 1 << 3
	// FlagRouteLock disables ECMP rehash on forward.
	FlagRouteLock Flags = 1 << 4
	// FlagHdrChecksum signals that meta carries "hdr_csum".
	FlagHdrChecksum Flags = 1 << 5

	flagsMask = FlagChunked | FlagChunkEnd | FlagE2EEnc | FlagCompressed | FlagRouteLock | FlagHdrChecksum
)

// Has reports whether all bits in f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// StatusCode qualifies control frames and NACK semantics.
type StatusCode uint8

const (
	CodeOk StatusCode = iota
	CodeRetryable
	CodeFatal
	CodeBusy
	CodeUnsupported
)

func (c StatusCode) valid() bool { return c <= CodeUnsupported }

// Route is the unpacked form of the 32-bit route field:
// {prio(3)|class(5)|partition(10)|epoch(14)}.
type Route struct {
	Prio      uint8
	Class     uint8
	Partition uint16
	Epoch     uint16
}

// NewRoute masks each component to its field width.
func NewRoute(prio, class uint8, partition, epoch uint16) Route {
	return Route{
		Prio:      prio & 0x07,
		Class:     class & 0x1F,
		Partition: partition & 0x3FF,
		Epoch:     epoch & 0x3FFF,
	}
}

// Pack packs the route into its 32-bit wire form.
func (r Route) Pack() uint32 {
	return uint32(r.Prio)<<29 | uint32(r.Class)<<24 | uint32(r.Partition)<<14 | uint32(r.Epoch)
}

// UnpackRoute unpacks a 32-bit route field.
func UnpackRoute(v uint32) Route {
	return Route{
		Prio:      uint8(v >> 29 & 0x07),
		Class:     uint8(v >> 24 & 0x1F),
		Partition: uint16(v >> 14 & 0x3FF),
		Epoch:     uint16(v & 0x3FFF),
	}
}

// FastHeader is the fixed 48-byte frame prefix, big-endian on the wire.
type FastHeader struct {
	Ver      uint8
	Type     FrameType
	Flags    Flags
	Code     StatusCode
	TTL      uint8
	Reserved uint16
	MsgID    uint64
	CorrID   uint64
	SrcNode  uint64
	DstNode  uint64
	Route    uint32
	HintLen  uint32
}

// NewFastHeader builds a header with defaults for the given type.
func NewFastHeader(typ FrameType, srcNode, dstNode, msgID uint64) FastHeader {
	return FastHeader{
		Ver:     Version,
		Type:    typ,
		TTL:     DefaultTTL,
		MsgID:   msgID,
		SrcNode: srcNode,
		DstNode: dstNode,
	}
}

// AppendTo appends the 48-byte encoding to b.
func (h FastHeader) AppendTo(b []byte) []byte {
	b = append(b, h.Ver, byte(h.Type))
	b = binary.BigEndian.AppendUint16(b, uint16(h.Flags))
	b = append(b, byte(h.Code), h.TTL)
	b = binary.BigEndian.AppendUint16(b, h.Reserved)
	b = binary.BigEndian.AppendUint64(b, h.MsgID)
	b = binary.BigEndian.AppendUint64(b, h.CorrID)
	b = binary.BigEndian.AppendUint64(b, h.SrcNode)
	b = binary.BigEndian.AppendUint64(b, h.DstNode)
	b = binary.BigEndian.AppendUint32(b, h.Route)
	b = binary.BigEndian.AppendUint32(b, h.HintLen)
	return b
}

// DecodeFastHeader decodes and validates a fast header from b.
func DecodeFastHeader(b []byte) (FastHeader, error) {
	var h FastHeader
	if len(b) < FastHeaderSize {
		return h, ErrIncomplete
	}
	h.Ver = b[0]
	if h.Ver != Version {
		return h, errors.Wrapf(ErrVersion, "got %d", h.Ver)
	}
	h.Type = FrameType(b[1])
	if !h.Type.valid() {
		return h, errors.Wrapf(ErrType, "got %d", b[1])
	}
	h.Flags = Flags(binary.BigEndian.Uint16(b[2:4]))
	if h.Flags&^flagsMask != 0 {
		return h, ErrReserved
	}
	h.Code = StatusCode(b[4])
	if !h.Code.valid() {
		return h, errors.Wrapf(ErrCode, "got %d", b[4])
	}
	h.TTL = b[5]
	h.Reserved = binary.BigEndian.Uint16(b[6:8])
	if h.Reserved != 0 {
		return h, ErrReserved
	}
	if h.TTL == 0 {
		return h, ErrTTL
	}
	h.MsgID = binary.BigEndian.Uint64(b[8:16])
	h.CorrID = binary.BigEndian.Uint64(b[16:24])
	h.SrcNode = binary.BigEndian.Uint64(b[24:32])
	h.DstNode = binary.BigEndian.Uint64(b[32:40])
	h.Route = binary.BigEndian.Uint32(b[40:44])
	h.HintLen = binary.BigEndian.Uint32(b[44:48])
	return h, nil
}

// Validate re-checks the invariants that DecodeFastHeader enforces.
func (h FastHeader) Validate() error {
	switch {
	case h.Ver != Version:
		return ErrVersion
	case h.Reserved != 0:
		return ErrReserved
	case h.TTL == 0:
		return ErrTTL
	case !h.Type.valid():
		return ErrType
	}
	return nil
}

// DecrementTTL decrements the TTL for a forward. The result must remain
// nonzero: a frame whose TTL would hit zero is not forwardable.
func (h *FastHeader) DecrementTTL() error {
	if h.TTL <= 1 {
		return ErrTTL
	}
	h.TTL--
	return nil
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// HeaderChecksum computes CRC32C over the encoded fast header followed by
// the hint bytes. Stored in metadata under "hdr_csum" when FlagHdrChecksum
// is set.
func HeaderChecksum(h FastHeader, hint []byte) uint32 {
	buf := h.AppendTo(make([]byte, 0, FastHeaderSize))
	crc := crc32.Update(0, castagnoli, buf)
	if len(hint) > 0 {
		crc = crc32.Update(crc, castagnoli, hint)
	}
	return crc
}
