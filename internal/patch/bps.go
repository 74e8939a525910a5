package patch

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math"
)

// BPS action commands, encoded in the low two bits of each action varint.
const (
	bpsSourceRead = iota
	bpsTargetRead
	bpsSourceCopy
	bpsTargetCopy
)

// bpsFooterLen is three little-endian CRC32s: source, target, patch.
const bpsFooterLen = 12

// parseBPS decodes a BPS patch.
//
// Layout:
//
//	"BPS1" source-size:varint target-size:varint metadata-size:varint metadata
//	action* source-crc32:u32le target-crc32:u32le patch-crc32:u32le
//
// Each action varint carries the command in bits 0-1 and length-1 above.
// SourceCopy and TargetCopy are followed by a signed relative offset varint
// (bit 0 is the sign) applied to that command's own cursor.
func parseBPS(raw []byte) (*File, error) {
	if len(raw) < len(bpsMagic)+3+bpsFooterLen {
		return nil, newReader(raw, 0, FormatBPS).malformed(
			"patch is %d bytes, shorter than header and footer", len(raw))
	}
	body := raw[:len(raw)-bpsFooterLen]
	r := newReader(body[len(bpsMagic):], len(bpsMagic), FormatBPS)
	f := &File{Format: FormatBPS}

	sourceSize, err := r.varint()
	if err != nil {
		return nil, err
	}
	targetSize, err := r.varint()
	if err != nil {
		return nil, err
	}
	metaSize, err := r.varint()
	if err != nil {
		return nil, err
	}
	meta, err := r.take(metaSize)
	if err != nil {
		return nil, err
	}
	f.SourceSize = u64p(sourceSize)
	f.TargetSize = u64p(targetSize)
	if len(meta) > 0 {
		f.Metadata = bytes.Clone(meta)
	}

	var (
		outPos    uint64
		sourceRel int64
		targetRel int64
	)
	for r.remaining() > 0 {
		at := r.offset()
		v, err := r.varint()
		if err != nil {
			return nil, err
		}
		length := (v >> 2) + 1
		if length > maxStreamLen-outPos {
			return nil, r.malformed("at byte %d: action length %d overflows output", at, length)
		}

		rec := Record{Offset: outPos, Length: length}
		switch v & 3 {
		case bpsSourceRead:
			rec.Kind = KindSourceRead
		case bpsTargetRead:
			data, err := r.take(length)
			if err != nil {
				return nil, err
			}
			rec.Kind = KindCopy
			rec.Payload = bytes.Clone(data)
			rec.Length = 0
		case bpsSourceCopy:
			sourceRel, err = r.relative(sourceRel, length, at)
			if err != nil {
				return nil, err
			}
			rec.Kind = KindSourceCopy
			rec.SourceOffset = uint64(sourceRel)
			sourceRel += int64(length)
		case bpsTargetCopy:
			targetRel, err = r.relative(targetRel, length, at)
			if err != nil {
				return nil, err
			}
			rec.Kind = KindTargetCopy
			rec.SourceOffset = uint64(targetRel)
			targetRel += int64(length)
		}
		f.Records = append(f.Records, rec)
		outPos += length
	}

	footer := raw[len(raw)-bpsFooterLen:]
	f.SourceChecksum = u32p(binary.LittleEndian.Uint32(footer[0:4]))
	f.TargetChecksum = u32p(binary.LittleEndian.Uint32(footer[4:8]))
	f.PatchChecksum = u32p(binary.LittleEndian.Uint32(footer[8:12]))
	f.ComputedPatchChecksum = u32p(crc32.ChecksumIEEE(raw[:len(raw)-4]))

	return f, nil
}

// relative reads a signed offset varint and applies it to cursor.
// The resulting cursor, and the cursor after copying length bytes, must stay
// within [0, maxStreamLen].
func (r *reader) relative(cursor int64, length uint64, at int) (int64, error) {
	d, err := r.varint()
	if err != nil {
		return 0, err
	}
	mag := d >> 1
	if mag > math.MaxInt64/2 {
		return 0, r.malformed("at byte %d: relative offset %d out of range", at, mag)
	}
	if d&1 != 0 {
		cursor -= int64(mag)
	} else {
		cursor += int64(mag)
	}
	if cursor < 0 {
		return 0, r.malformed("at byte %d: relative offset moves cursor before start", at)
	}
	if uint64(cursor) > maxStreamLen-length {
		return 0, r.malformed("at byte %d: relative offset moves cursor past end", at)
	}
	return cursor, nil
}
