package patch

import "fmt"

// Format identifies the patch file format.
type Format int

const (
	FormatIPS Format = iota + 1
	FormatBPS
	FormatCustom
)

func (f Format) String() string {
	switch f {
	case FormatIPS:
		return "IPS"
	case FormatBPS:
		return "BPS"
	case FormatCustom:
		return "CUSTOM"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Kind is the edit operation a Record performs.
type Kind int

const (
	// KindCopy writes Payload verbatim at Offset.
	KindCopy Kind = iota + 1

	// KindRLEFill writes Payload[0] Length times starting at Offset.
	KindRLEFill

	// KindTruncate shrinks the output to Offset bytes.
	KindTruncate

	// KindExtend grows the output to Offset bytes, zero-filled.
	KindExtend

	// KindSourceRead copies Length bytes from the source at Offset to the output at Offset (BPS).
	KindSourceRead

	// KindSourceCopy copies Length bytes from the source at SourceOffset to the output at Offset (BPS).
	KindSourceCopy

	// KindTargetCopy copies Length bytes from the output at SourceOffset to the output at Offset (BPS).
	// The ranges may overlap; bytes are copied one at a time.
	KindTargetCopy
)

func (k Kind) String() string {
	switch k {
	case KindCopy:
		return "copy"
	case KindRLEFill:
		return "rle"
	case KindTruncate:
		return "truncate"
	case KindExtend:
		return "extend"
	case KindSourceRead:
		return "source_read"
	case KindSourceCopy:
		return "source_copy"
	case KindTargetCopy:
		return "target_copy"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Record is a single edit operation.
//
// For Truncate and Extend, Offset is the resulting output length.
type Record struct {
	Offset       uint64
	Kind         Kind
	Payload      []byte
	Length       uint64
	SourceOffset uint64
}

// Extent returns the number of output bytes the record writes.
func (r Record) Extent() uint64 {
	switch r.Kind {
	case KindCopy:
		return uint64(len(r.Payload))
	case KindRLEFill, KindSourceRead, KindSourceCopy, KindTargetCopy:
		return r.Length
	default:
		return 0
	}
}

// End returns the first output offset past the record's write.
func (r Record) End() uint64 {
	return r.Offset + r.Extent()
}

// IsWrite returns true for records that write bytes rather than resize.
func (r Record) IsWrite() bool {
	return r.Kind != KindTruncate && r.Kind != KindExtend
}

// ByteAt returns the value the record writes at output offset pos.
// Only defined for Copy and RLEFill records with Offset <= pos < End().
func (r Record) ByteAt(pos uint64) byte {
	if r.Kind == KindRLEFill {
		return r.Payload[0]
	}
	return r.Payload[pos-r.Offset]
}

// File is an immutable, decoded patch.
//
// Optional fields are nil when the format does not declare them.
type File struct {
	Format  Format
	Records []Record

	// SourceSize is the declared pre-patch length (BPS, PKCP).
	SourceSize *uint64

	// TargetSize is the declared post-patch length (BPS, PKCP, IPS truncation).
	TargetSize *uint64

	// SourceChecksum, TargetChecksum, and PatchChecksum are the CRC32 values
	// from the BPS footer.
	SourceChecksum *uint32
	TargetChecksum *uint32
	PatchChecksum  *uint32

	// ComputedPatchChecksum is the CRC32 of the BPS patch bytes preceding the
	// patch checksum, for comparison with PatchChecksum.
	ComputedPatchChecksum *uint32

	// Metadata is the BPS metadata block (often XML or JSON).
	Metadata []byte

	// ID is ir.PatchID of the raw bytes.
	ID string

	// Size is the length of the raw patch in bytes.
	Size int
}

func u64p(v uint64) *uint64 { return &v }
func u32p(v uint32) *uint32 { return &v }
