package patch

import "bytes"

// ipsEOF is the record offset that terminates an IPS stream ("EOF").
const ipsEOF = 0x454F46

// parseIPS decodes an IPS patch.
//
// Layout after the 5-byte magic:
//
//	record  := offset:u24be size:u16be (size > 0: data[size] | size == 0: count:u16be fill:u8)
//	trailer := "EOF" [truncate:u24be]
func parseIPS(raw []byte) (*File, error) {
	r := newReader(raw[len(ipsMagic):], len(ipsMagic), FormatIPS)
	f := &File{Format: FormatIPS}

	for {
		if r.remaining() < 3 {
			return nil, r.malformed("at byte %d: stream ends without EOF marker", r.offset())
		}
		offset, err := r.u24be()
		if err != nil {
			return nil, err
		}
		if offset == ipsEOF {
			break
		}

		size, err := r.u16be()
		if err != nil {
			return nil, err
		}
		if size > 0 {
			data, err := r.take(uint64(size))
			if err != nil {
				return nil, err
			}
			f.Records = append(f.Records, Record{
				Offset:  uint64(offset),
				Kind:    KindCopy,
				Payload: bytes.Clone(data),
			})
			continue
		}

		count, err := r.u16be()
		if err != nil {
			return nil, err
		}
		fill, err := r.u8()
		if err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, r.malformed("at byte %d: RLE record with zero run length", r.offset()-3)
		}
		f.Records = append(f.Records, Record{
			Offset:  uint64(offset),
			Kind:    KindRLEFill,
			Payload: []byte{fill},
			Length:  uint64(count),
		})
	}

	switch r.remaining() {
	case 0:
	case 3:
		size, err := r.u24be()
		if err != nil {
			return nil, err
		}
		f.Records = append(f.Records, Record{Offset: uint64(size), Kind: KindTruncate})
		f.TargetSize = u64p(uint64(size))
	default:
		return nil, r.malformed("at byte %d: %d unexpected bytes after EOF marker", r.offset(), r.remaining())
	}

	return f, nil
}
