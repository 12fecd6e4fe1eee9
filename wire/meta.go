package wire

import (
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Canonical metadata encoding: map keys sorted by byte lexicographic order.
var (
	metaEncMode cbor.EncMode
	metaDecMode cbor.DecMode
)

func init() {
	opts := cbor.CTAP2EncOptions()
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	metaEncMode = em

	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}{}),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	metaDecMode = dm
}

// Marshal encodes v with the canonical encoding used for all CBOR payloads
// on the wire (metadata maps, topology records, control meta).
func Marshal(v interface{}) ([]byte, error) {
	return metaEncMode.Marshal(v)
}

// Unmarshal decodes canonical CBOR produced by Marshal.
func Unmarshal(data []byte, v interface{}) error {
	return metaDecMode.Unmarshal(data, v)
}

// MetaBuilder accumulates metadata entries and serializes them as a
// canonical CBOR map. Reserved keys used by the core: "hdr_csum" and
// "require_ack"; applications may add arbitrary keys.
type MetaBuilder struct {
	m map[string]interface{}
}

// NewMeta returns an empty builder.
func NewMeta() *MetaBuilder {
	return &MetaBuilder{m: make(map[string]interface{})}
}

// Str sets a text value.
func (b *MetaBuilder) Str(key, value string) *MetaBuilder {
	b.m[key] = value
	return b
}

// Uint sets an unsigned integer value.
func (b *MetaBuilder) Uint(key string, value uint64) *MetaBuilder {
	b.m[key] = value
	return b
}

// Bytes sets a binary value.
func (b *MetaBuilder) Bytes(key string, value []byte) *MetaBuilder {
	b.m[key] = value
	return b
}

// Bool sets a boolean value.
func (b *MetaBuilder) Bool(key string, value bool) *MetaBuilder {
	b.m[key] = value
	return b
}

// Len returns the number of entries.
func (b *MetaBuilder) Len() int { return len(b.m) }

// Build serializes the map. An empty builder yields the canonical empty map.
func (b *MetaBuilder) Build() ([]byte, error) {
	raw, err := metaEncMode.Marshal(b.m)
	if err != nil {
		return nil, errors.Wrap(ErrMeta, err.Error())
	}
	if len(raw) > MaxMetaSize {
		return nil, ErrMeta
	}
	return raw, nil
}

// ParseMeta decodes a metadata map. Nil or empty input is an empty map.
func ParseMeta(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := metaDecMode.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(ErrMeta, err.Error())
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	return m, nil
}

// MetaString extracts a text value.
func MetaString(m map[string]interface{}, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// MetaUint extracts an unsigned integer value.
func MetaUint(m map[string]interface{}, key string) (uint64, bool) {
	switch v := m[key].(type) {
	case uint64:
		return v, true
	case int64:
		if v >= 0 {
			return uint64(v), true
		}
	}
	return 0, false
}

// MetaBytes extracts a binary value.
func MetaBytes(m map[string]interface{}, key string) ([]byte, bool) {
	b, ok := m[key].([]byte)
	return b, ok
}

// MetaBool extracts a boolean value.
func MetaBool(m map[string]interface{}, key string) (bool, bool) {
	b, ok := m[key].(bool)
	return b, ok
}

// MetaKeys returns the keys in byte lexicographic order.
func MetaKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FrameBuilder assembles a complete frame byte sequence.
type FrameBuilder struct {
	fast    FastHeader
	hint    []byte
	meta    *MetaBuilder
	payload []byte
}

// NewFrameBuilder starts a builder from a fast header.
func NewFrameBuilder(fast FastHeader) *FrameBuilder {
	return &FrameBuilder{fast: fast, meta: NewMeta()}
}

// Hint attaches the header hint and fixes HintLen.
func (b *FrameBuilder) Hint(hint []byte) *FrameBuilder {
	b.fast.HintLen = uint32(len(hint))
	b.hint = hint
	return b
}

// Meta returns the metadata builder for chained inserts.
func (b *FrameBuilder) Meta() *MetaBuilder { return b.meta }

// MetaStr inserts a text metadata entry.
func (b *FrameBuilder) MetaStr(key, value string) *FrameBuilder {
	b.meta.Str(key, value)
	return b
}

// MetaUint inserts an unsigned integer metadata entry.
func (b *FrameBuilder) MetaUint(key string, value uint64) *FrameBuilder {
	b.meta.Uint(key, value)
	return b
}

// MetaBytes inserts a binary metadata entry.
func (b *FrameBuilder) MetaBytes(key string, value []byte) *FrameBuilder {
	b.meta.Bytes(key, value)
	return b
}

// Payload sets the frame payload.
func (b *FrameBuilder) Payload(p []byte) *FrameBuilder {
	b.payload = p
	return b
}

// Build serializes the frame, computing hdr_csum first when the header
// carries FlagHdrChecksum.
func (b *FrameBuilder) Build(maxFrame int) ([]byte, error) {
	if b.fast.Flags.Has(FlagHdrChecksum) {
		b.meta.Uint("hdr_csum", uint64(HeaderChecksum(b.fast, b.hint)))
	}
	metaRaw, err := b.meta.Build()
	if err != nil {
		return nil, err
	}
	f := &Frame{Fast: b.fast, Hint: b.hint, MetaRaw: metaRaw, Payload: b.payload}
	return f.Encode(maxFrame)
}
