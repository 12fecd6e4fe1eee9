package wire

import "github.com/pkg/errors"

// Decode errors. All of them are fatal for the frame; a session that keeps
// producing them is terminated by its owner.
var (
	ErrIncomplete = errors.New("wire: incomplete frame")
	ErrVersion    = errors.New("wire: unsupported version")
	ErrTTL        = errors.New("wire: invalid ttl")
	ErrSize       = errors.New("wire: size limit exceeded")
	ErrMeta       = errors.New("wire: invalid cbor metadata")
	ErrChecksum   = errors.New("wire: header checksum mismatch")
	ErrReserved   = errors.New("wire: reserved bits nonzero")
	ErrType       = errors.New("wire: unknown frame type")
	ErrCode       = errors.New("wire: unknown status code")
	ErrHint       = errors.New("wire: hint too long")
	ErrMalformed  = errors.New("wire: malformed frame")
)
