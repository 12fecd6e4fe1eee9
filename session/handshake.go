package session

import (
	"io"

	"github.com/pkg/errors"

	"meshd/wire"
)

// SendHello writes the HELLO frame that opens every session. The local node
// ID rides in src_node; dst is unknown at this point.
func SendHello(w io.Writer, localNode uint64) error {
	h := wire.NewFastHeader(wire.FrameHello, localNode, 0, 0)
	buf, err := wire.NewFrameBuilder(h).
		MetaUint("version", uint64(wire.Version)).
		Build(wire.DefaultMaxFrame)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// frameReader pulls complete frames off a byte stream.
type frameReader struct {
	r   io.Reader
	dec wire.Decoder
	buf []byte
}

func newFrameReader(r io.Reader, maxFrame int) *frameReader {
	return &frameReader{r: r, dec: wire.Decoder{MaxFrame: maxFrame}}
}

// next blocks until one full frame is available or the stream errors.
func (fr *frameReader) next() (*wire.Frame, error) {
	for {
		if f, n, err := fr.dec.Decode(fr.buf); err != nil {
			return nil, err
		} else if f != nil {
			fr.buf = fr.buf[n:]
			return f, nil
		}
		chunk := make([]byte, 64*1024)
		n, err := fr.r.Read(chunk)
		if n > 0 {
			fr.buf = append(fr.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// helloVersion extracts the advertised protocol version from HELLO meta.
func helloVersion(f *wire.Frame) uint8 {
	meta, err := wire.ParseMeta(f.MetaRaw)
	if err != nil {
		return wire.Version
	}
	if v, ok := wire.MetaUint(meta, "version"); ok {
		return uint8(v)
	}
	return wire.Version
}
