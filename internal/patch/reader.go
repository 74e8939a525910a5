package patch

import (
	"encoding/binary"

	"github.com/roach88/patchkit/internal/ir"
)

// maxStreamLen bounds every decoded offset and length so that offset
// arithmetic can never overflow uint64.
const maxStreamLen = uint64(1) << 62

// reader is a bounds-checked cursor over a patch buffer.
// base is added to positions in error messages so they refer to the raw file.
type reader struct {
	buf    []byte
	pos    int
	base   int
	format Format
}

func newReader(buf []byte, base int, format Format) *reader {
	return &reader{buf: buf, base: base, format: format}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

// offset returns the current position in raw-file terms.
func (r *reader) offset() int {
	return r.base + r.pos
}

func (r *reader) malformed(format string, args ...any) *ir.Error {
	e := ir.NewError(ir.ErrCodeMalformedPatch, format, args...)
	e.Message = r.format.String() + ": " + e.Message
	return e
}

func (r *reader) take(n uint64) ([]byte, error) {
	if n > uint64(r.remaining()) {
		return nil, r.malformed("at byte %d: need %d bytes, only %d remain", r.offset(), n, r.remaining())
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *reader) u8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16be() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u24be() (uint32, error) {
	b, err := r.take(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

func (r *reader) u32be() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64be() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// varint decodes a BPS variable-length integer: 7-bit groups, least
// significant first, high bit set on the final byte, with the implicit +1
// offset on every continuation so each value has exactly one encoding.
//
// At most 9 bytes are accepted, which keeps the result inside uint64.
func (r *reader) varint() (uint64, error) {
	start := r.offset()
	var data uint64
	shift := uint64(1)
	for i := 0; ; i++ {
		b, err := r.u8()
		if err != nil {
			return 0, err
		}
		data += uint64(b&0x7f) * shift
		if b&0x80 != 0 {
			return data, nil
		}
		if i == 8 {
			return 0, r.malformed("at byte %d: varint longer than 9 bytes", start)
		}
		shift <<= 7
		data += shift
	}
}
