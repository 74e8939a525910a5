package testutil

import (
	"encoding/binary"
	"hash/crc32"
)

// Conforming encoders for the three patch formats.
//
// These exist so tests can produce known-good patch streams from a
// source/target pair and check that parse+apply reproduces the target.
// They deliberately avoid importing internal/patch so that patch's own tests
// can use them.

// IPSRecord describes one IPS record. A non-zero RLECount makes it an RLE run
// of RLEFill; otherwise Data is written verbatim.
type IPSRecord struct {
	Offset   uint32
	Data     []byte
	RLECount uint16
	RLEFill  byte
}

// EncodeIPS produces an IPS stream. A non-nil truncate appends the
// truncation-size extension after the EOF marker.
func EncodeIPS(records []IPSRecord, truncate *uint32) []byte {
	out := []byte("PATCH")
	for _, rec := range records {
		out = append(out, byte(rec.Offset>>16), byte(rec.Offset>>8), byte(rec.Offset))
		if rec.RLECount > 0 {
			out = append(out, 0, 0)
			out = binary.BigEndian.AppendUint16(out, rec.RLECount)
			out = append(out, rec.RLEFill)
			continue
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(rec.Data)))
		out = append(out, rec.Data...)
	}
	out = append(out, 'E', 'O', 'F')
	if truncate != nil {
		t := *truncate
		out = append(out, byte(t>>16), byte(t>>8), byte(t))
	}
	return out
}

// ipsEOF is the offset value IPS reserves as its terminator.
const ipsEOF = 0x454F46

// DiffIPS produces an IPS patch that turns source into target.
//
// Differing runs become Copy records of at most 0xFFFF bytes; a target
// shorter than the source gets a truncation marker.
func DiffIPS(source, target []byte) []byte {
	var records []IPSRecord
	i := 0
	for i < len(target) {
		if i < len(source) && source[i] == target[i] {
			i++
			continue
		}
		start := i
		if start == ipsEOF {
			start--
		}
		end := i
		for end < len(target) && end-start < 0xFFFF && (end >= len(source) || source[end] != target[end]) {
			end++
		}
		records = append(records, IPSRecord{Offset: uint32(start), Data: append([]byte(nil), target[start:end]...)})
		i = end
	}

	var truncate *uint32
	if len(target) < len(source) {
		n := uint32(len(target))
		truncate = &n
	}
	return EncodeIPS(records, truncate)
}

// BPS action commands.
const (
	BPSSourceRead = iota
	BPSTargetRead
	BPSSourceCopy
	BPSTargetCopy
)

// BPSAction describes one BPS action. Data is used by TargetRead; Relative
// is the signed cursor delta used by SourceCopy and TargetCopy.
type BPSAction struct {
	Kind     int
	Length   uint64
	Data     []byte
	Relative int64
}

// EncodeVarint encodes v in the BPS variable-length integer form.
func EncodeVarint(v uint64) []byte {
	var out []byte
	for {
		x := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, 0x80|x)
		}
		out = append(out, x)
		v--
	}
}

func encodeSigned(d int64) []byte {
	if d < 0 {
		return EncodeVarint(uint64(-d)<<1 | 1)
	}
	return EncodeVarint(uint64(d) << 1)
}

// EncodeBPS produces a BPS stream from explicit actions. The footer CRCs are
// computed from source and target.
func EncodeBPS(source, target, metadata []byte, actions []BPSAction) []byte {
	out := []byte("BPS1")
	out = append(out, EncodeVarint(uint64(len(source)))...)
	out = append(out, EncodeVarint(uint64(len(target)))...)
	out = append(out, EncodeVarint(uint64(len(metadata)))...)
	out = append(out, metadata...)

	for _, a := range actions {
		out = append(out, EncodeVarint((a.Length-1)<<2|uint64(a.Kind))...)
		switch a.Kind {
		case BPSTargetRead:
			out = append(out, a.Data...)
		case BPSSourceCopy, BPSTargetCopy:
			out = append(out, encodeSigned(a.Relative)...)
		}
	}

	out = binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(source))
	out = binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(target))
	return binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(out))
}

// DiffBPS produces a BPS patch that turns source into target using
// SourceRead for unchanged runs and TargetRead for changed runs.
func DiffBPS(source, target []byte) []byte {
	var actions []BPSAction
	i := 0
	for i < len(target) {
		same := i < len(source) && source[i] == target[i]
		end := i
		for end < len(target) && (end < len(source) && source[end] == target[end]) == same {
			end++
		}
		if same {
			actions = append(actions, BPSAction{Kind: BPSSourceRead, Length: uint64(end - i)})
		} else {
			actions = append(actions, BPSAction{Kind: BPSTargetRead, Length: uint64(end - i), Data: append([]byte(nil), target[i:end]...)})
		}
		i = end
	}
	return EncodeBPS(source, target, nil, actions)
}

// PKCP opcodes and header flags.
const (
	CustomOpCopy     = 0x01
	CustomOpRLE      = 0x02
	CustomOpExtend   = 0x03
	CustomOpTruncate = 0x04
	CustomOpEnd      = 0xFF
)

// CustomOp describes one PKCP record. Size is used by Extend and Truncate.
type CustomOp struct {
	Op     byte
	Offset uint64
	Data   []byte
	Count  uint32
	Fill   byte
	Size   uint64
}

// EncodeCustom produces a PKCP v1 stream.
func EncodeCustom(sourceSize, targetSize *uint64, ops []CustomOp) []byte {
	out := []byte("PKCP")
	var flags byte
	if sourceSize != nil {
		flags |= 1
	}
	if targetSize != nil {
		flags |= 2
	}
	out = append(out, 1, flags)
	if sourceSize != nil {
		out = binary.BigEndian.AppendUint64(out, *sourceSize)
	}
	if targetSize != nil {
		out = binary.BigEndian.AppendUint64(out, *targetSize)
	}
	for _, op := range ops {
		out = append(out, op.Op)
		switch op.Op {
		case CustomOpCopy:
			out = binary.BigEndian.AppendUint64(out, op.Offset)
			out = binary.BigEndian.AppendUint32(out, uint32(len(op.Data)))
			out = append(out, op.Data...)
		case CustomOpRLE:
			out = binary.BigEndian.AppendUint64(out, op.Offset)
			out = binary.BigEndian.AppendUint32(out, op.Count)
			out = append(out, op.Fill)
		case CustomOpExtend, CustomOpTruncate:
			out = binary.BigEndian.AppendUint64(out, op.Size)
		}
	}
	return append(out, CustomOpEnd)
}

// Size returns a pointer to n, for optional size arguments.
func Size(n uint64) *uint64 {
	return &n
}
