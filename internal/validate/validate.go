// Package validate checks a decoded patch against a candidate target before
// anything is backed up or mutated.
//
// Validation is a mandatory gate: the engine never snapshots or applies a
// patch whose Result is not OK.
package validate

import (
	"fmt"

	"github.com/roach88/patchkit/internal/ir"
	"github.com/roach88/patchkit/internal/patch"
)

// Warning kinds.
const (
	WarnSizeRange  = "size_range"  // IPS writes past the current end of the target
	WarnSizeHint   = "size_hint"   // declared output size differs from current size
	WarnOverlap    = "overlap"     // two records write identical bytes to the same range
	WarnResizeNoop = "resize_noop" // Extend/Truncate that does not change the length
)

// Issue is a non-fatal finding surfaced to the caller.
type Issue struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result holds the outcome of Validate.
//
// Errors holds at most one error: checks stop at the first hard failure.
type Result struct {
	OK       bool    `json:"ok"`
	Warnings []Issue `json:"warnings,omitempty"`
	Errors   []error `json:"-"`
}

// Err returns the first hard error, or nil if the result is OK.
func (r Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// Validate runs, in order: header (size and checksum) compatibility, record
// extents, and overlapping-write detection. The first hard error ends
// validation.
func Validate(p *patch.File, t *patch.Target) Result {
	v := &validator{p: p, t: t, size: uint64(t.Size())}

	checks := []func() error{
		v.checkHeader,
		v.checkExtents,
		v.checkOverlaps,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			v.res.Errors = append(v.res.Errors, err)
			return v.res
		}
	}

	v.res.OK = true
	return v.res
}

type validator struct {
	p    *patch.File
	t    *patch.Target
	size uint64
	res  Result
}

func (v *validator) warn(kind, format string, args ...any) {
	v.res.Warnings = append(v.res.Warnings, Issue{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) mismatch(format string, args ...any) *ir.Error {
	e := ir.NewError(ir.ErrCodeTargetMismatch, format, args...)
	e.Path = v.t.Path
	return e
}

// checkHeader compares declared pre-patch size and checksum with the target.
func (v *validator) checkHeader() error {
	switch v.p.Format {
	case patch.FormatBPS:
		if v.p.PatchChecksum != nil && v.p.ComputedPatchChecksum != nil &&
			*v.p.PatchChecksum != *v.p.ComputedPatchChecksum {
			return ir.NewError(ir.ErrCodeMalformedPatch,
				"BPS patch checksum %08x does not match contents (%08x)",
				*v.p.PatchChecksum, *v.p.ComputedPatchChecksum)
		}
		if v.p.SourceSize != nil && *v.p.SourceSize != v.size {
			return v.mismatch("target is %d bytes, patch expects source of %d bytes", v.size, *v.p.SourceSize)
		}
		if v.p.SourceChecksum != nil {
			crc, err := v.t.CRC32()
			if err != nil {
				return err
			}
			if crc != *v.p.SourceChecksum {
				return v.mismatch("target crc32 %08x does not match patch source crc32 %08x", crc, *v.p.SourceChecksum)
			}
		}
	case patch.FormatCustom:
		if v.p.SourceSize != nil && *v.p.SourceSize != v.size {
			return v.mismatch("target is %d bytes, patch expects source of %d bytes", v.size, *v.p.SourceSize)
		}
	}

	if v.p.TargetSize != nil {
		switch declared := *v.p.TargetSize; {
		case declared < v.size:
			v.warn(WarnSizeHint, "patch declares output of %d bytes, target will shrink from %d", declared, v.size)
		case declared > v.size:
			v.warn(WarnSizeHint, "patch declares output of %d bytes, target will grow from %d", declared, v.size)
		}
	}
	return nil
}

func (v *validator) checkExtents() error {
	if v.p.Format == patch.FormatBPS {
		return v.checkBPSExtents()
	}
	return v.checkRecordExtents()
}

// checkRecordExtents simulates the output length through Extend and Truncate
// records and checks that every write fits the current or declared size.
// IPS without a declared size may grow the target; that is only a warning.
func (v *validator) checkRecordExtents() error {
	cur := v.size
	limit := v.size
	if v.p.TargetSize != nil && *v.p.TargetSize > limit {
		limit = *v.p.TargetSize
	}
	openEnded := v.p.Format == patch.FormatIPS && v.p.TargetSize == nil
	grownTo := v.size

	for i, rec := range v.p.Records {
		switch rec.Kind {
		case patch.KindExtend:
			if rec.Offset <= cur {
				v.warn(WarnResizeNoop, "record %d extends to %d bytes but output is already %d", i, rec.Offset, cur)
				continue
			}
			cur = rec.Offset
			if cur > limit {
				limit = cur
			}
		case patch.KindTruncate:
			if rec.Offset >= cur {
				v.warn(WarnResizeNoop, "record %d truncates to %d bytes but output is only %d", i, rec.Offset, cur)
				continue
			}
			cur = rec.Offset
		case patch.KindCopy, patch.KindRLEFill:
			end := rec.End()
			if end <= cur {
				continue
			}
			if !openEnded && end > limit {
				return v.mismatch("record %d writes [%d,%d) beyond output size %d", i, rec.Offset, end, limit)
			}
			cur = end
			if end > grownTo {
				grownTo = end
			}
		default:
			return ir.NewError(ir.ErrCodeMalformedPatch, "record %d: %s is not valid in %s patches", i, rec.Kind, v.p.Format)
		}
	}

	if openEnded && grownTo > v.size {
		v.warn(WarnSizeRange, "IPS patch writes past end of target, growing it from %d to %d bytes", v.size, grownTo)
	}
	return nil
}

// checkBPSExtents checks source reads against the source size, target copies
// against bytes already written, and the output cursor against the declared
// target size.
func (v *validator) checkBPSExtents() error {
	if v.p.SourceSize == nil || v.p.TargetSize == nil {
		return ir.NewError(ir.ErrCodeMalformedPatch, "BPS patch without declared sizes")
	}
	src, tgt := *v.p.SourceSize, *v.p.TargetSize

	var cursor uint64
	for i, rec := range v.p.Records {
		end := rec.End()
		if end > tgt {
			return v.mismatch("record %d writes [%d,%d) beyond target size %d", i, rec.Offset, end, tgt)
		}
		switch rec.Kind {
		case patch.KindSourceRead:
			if end > src {
				return v.mismatch("record %d reads source [%d,%d) beyond source size %d", i, rec.Offset, end, src)
			}
		case patch.KindSourceCopy:
			if rec.SourceOffset+rec.Length > src {
				return v.mismatch("record %d copies source [%d,%d) beyond source size %d",
					i, rec.SourceOffset, rec.SourceOffset+rec.Length, src)
			}
		case patch.KindTargetCopy:
			if rec.SourceOffset >= rec.Offset {
				return v.mismatch("record %d copies output at %d before it is written (cursor %d)", i, rec.SourceOffset, rec.Offset)
			}
		case patch.KindCopy:
		default:
			return ir.NewError(ir.ErrCodeMalformedPatch, "record %d: %s is not valid in BPS patches", i, rec.Kind)
		}
		cursor = end
	}

	if cursor != tgt {
		return ir.NewError(ir.ErrCodeMalformedPatch, "BPS actions produce %d bytes, header declares %d", cursor, tgt)
	}
	return nil
}
