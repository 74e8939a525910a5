package patch

import (
	"bytes"

	"github.com/roach88/patchkit/internal/ir"
)

// PKCP is patchkit's own explicit-triple format, checked after the IPS and
// BPS signatures.
//
//	"PKCP" version:u8 flags:u8 [source-size:u64be] [target-size:u64be] op* 0xFF
//
//	flags bit 0: source-size present
//	flags bit 1: target-size present
//
//	op 0x01 copy:     offset:u64be length:u32be data[length]
//	op 0x02 rle:      offset:u64be count:u32be fill:u8
//	op 0x03 extend:   size:u64be
//	op 0x04 truncate: size:u64be
//	op 0xFF end; no bytes may follow
const (
	CustomVersion = 1

	CustomFlagSourceSize = 1 << 0
	CustomFlagTargetSize = 1 << 1

	CustomOpCopy     = 0x01
	CustomOpRLE      = 0x02
	CustomOpExtend   = 0x03
	CustomOpTruncate = 0x04
	CustomOpEnd      = 0xFF
)

const customKnownFlags = CustomFlagSourceSize | CustomFlagTargetSize

func parseCustom(raw []byte) (*File, error) {
	r := newReader(raw[len(customMagic):], len(customMagic), FormatCustom)
	f := &File{Format: FormatCustom}

	version, err := r.u8()
	if err != nil {
		return nil, err
	}
	if version != CustomVersion {
		return nil, ir.NewError(ir.ErrCodeUnsupportedExtension,
			"CUSTOM: format version %d is not supported", version)
	}
	flags, err := r.u8()
	if err != nil {
		return nil, err
	}
	if flags&^customKnownFlags != 0 {
		return nil, ir.NewError(ir.ErrCodeUnsupportedExtension,
			"CUSTOM: unknown header flags %#02x", flags&^customKnownFlags)
	}
	if flags&CustomFlagSourceSize != 0 {
		size, err := r.u64be()
		if err != nil {
			return nil, err
		}
		f.SourceSize = u64p(size)
	}
	if flags&CustomFlagTargetSize != 0 {
		size, err := r.u64be()
		if err != nil {
			return nil, err
		}
		f.TargetSize = u64p(size)
	}

	for {
		if r.remaining() == 0 {
			return nil, r.malformed("at byte %d: stream ends without terminator", r.offset())
		}
		at := r.offset()
		op, err := r.u8()
		if err != nil {
			return nil, err
		}
		if op == CustomOpEnd {
			break
		}

		switch op {
		case CustomOpCopy:
			offset, err := r.u64be()
			if err != nil {
				return nil, err
			}
			n, err := r.u32be()
			if err != nil {
				return nil, err
			}
			if n == 0 {
				return nil, r.malformed("at byte %d: empty copy record", at)
			}
			if offset > maxStreamLen {
				return nil, r.malformed("at byte %d: offset %d out of range", at, offset)
			}
			data, err := r.take(uint64(n))
			if err != nil {
				return nil, err
			}
			f.Records = append(f.Records, Record{Offset: offset, Kind: KindCopy, Payload: bytes.Clone(data)})

		case CustomOpRLE:
			offset, err := r.u64be()
			if err != nil {
				return nil, err
			}
			count, err := r.u32be()
			if err != nil {
				return nil, err
			}
			fill, err := r.u8()
			if err != nil {
				return nil, err
			}
			if count == 0 {
				return nil, r.malformed("at byte %d: RLE record with zero run length", at)
			}
			if offset > maxStreamLen {
				return nil, r.malformed("at byte %d: offset %d out of range", at, offset)
			}
			f.Records = append(f.Records, Record{Offset: offset, Kind: KindRLEFill, Payload: []byte{fill}, Length: uint64(count)})

		case CustomOpExtend, CustomOpTruncate:
			size, err := r.u64be()
			if err != nil {
				return nil, err
			}
			if size > maxStreamLen {
				return nil, r.malformed("at byte %d: size %d out of range", at, size)
			}
			kind := KindExtend
			if op == CustomOpTruncate {
				kind = KindTruncate
			}
			f.Records = append(f.Records, Record{Offset: size, Kind: kind})

		default:
			return nil, r.malformed("at byte %d: unknown opcode %#02x", at, op)
		}
	}

	if r.remaining() != 0 {
		return nil, r.malformed("at byte %d: %d bytes after terminator", r.offset(), r.remaining())
	}
	return f, nil
}
