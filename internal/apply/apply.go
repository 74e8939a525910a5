// Package apply produces patched bytes from a decoded patch and swaps them
// into place.
package apply

import (
	"context"
	"errors"
	"hash/crc32"
	"math"
	"os"
	"slices"

	"github.com/roach88/patchkit/internal/atomicfile"
	"github.com/roach88/patchkit/internal/ir"
	"github.com/roach88/patchkit/internal/patch"
)

// MaxOutputSize bounds the output buffer. Records that would grow the output
// past it fail with APPLY_FAILED instead of exhausting memory. It never
// exceeds math.MaxInt, so every accepted size converts to int.
const MaxOutputSize = min(1<<34, math.MaxInt)

// Result is the patched output.
type Result struct {
	NewBytes    []byte
	NewChecksum string
}

// Apply builds the patched output from source in a scratch buffer. source is
// never modified.
func Apply(p *patch.File, source []byte) (Result, error) {
	var (
		out []byte
		err error
	)
	if p.Format == patch.FormatBPS {
		out, err = applyActions(p, source)
	} else {
		out, err = applyRecords(p, source)
	}
	if err != nil {
		return Result{}, err
	}

	if p.TargetChecksum != nil {
		if got := crc32.ChecksumIEEE(out); got != *p.TargetChecksum {
			return Result{}, ir.NewError(ir.ErrCodePostApplyVerificationFailed,
				"output crc32 %08x does not match declared target crc32 %08x", got, *p.TargetChecksum)
		}
	}
	return Result{NewBytes: out, NewChecksum: ir.ContentID(out)}, nil
}

// applyRecords walks IPS and PKCP records in file order over a copy of source.
func applyRecords(p *patch.File, source []byte) ([]byte, error) {
	out := slices.Clone(source)
	if out == nil {
		out = []byte{}
	}
	for i, rec := range p.Records {
		var err error
		switch rec.Kind {
		case patch.KindCopy:
			if out, err = grow(out, rec.End(), i); err != nil {
				return nil, err
			}
			copy(out[rec.Offset:], rec.Payload)
		case patch.KindRLEFill:
			if out, err = grow(out, rec.End(), i); err != nil {
				return nil, err
			}
			fill := rec.Payload[0]
			for j := rec.Offset; j < rec.End(); j++ {
				out[j] = fill
			}
		case patch.KindExtend:
			if out, err = grow(out, rec.Offset, i); err != nil {
				return nil, err
			}
		case patch.KindTruncate:
			if rec.Offset < uint64(len(out)) {
				out = out[:rec.Offset]
			}
		default:
			return nil, ir.NewError(ir.ErrCodeApplyFailed, "record %d: %s is not valid in %s patches", i, rec.Kind, p.Format)
		}
	}
	return out, nil
}

// grow extends out to n bytes with zeros. Bytes left in the backing array by
// an earlier Truncate are cleared.
func grow(out []byte, n uint64, record int) ([]byte, error) {
	if n <= uint64(len(out)) {
		return out, nil
	}
	if n > MaxOutputSize {
		return nil, ir.NewError(ir.ErrCodeApplyFailed, "record %d grows output to %d bytes, limit is %d", record, n, uint64(MaxOutputSize))
	}
	old := len(out)
	out = slices.Grow(out, int(n)-old)[:n]
	clear(out[old:])
	return out, nil
}

// applyActions runs BPS actions at the output cursor.
func applyActions(p *patch.File, source []byte) ([]byte, error) {
	if p.TargetSize == nil {
		return nil, ir.NewError(ir.ErrCodeApplyFailed, "BPS patch without target size")
	}
	size := *p.TargetSize
	if size > MaxOutputSize {
		return nil, ir.NewError(ir.ErrCodeApplyFailed, "target size %d exceeds limit %d", size, uint64(MaxOutputSize))
	}
	out := make([]byte, size)
	srcLen := uint64(len(source))

	var cursor uint64
	for i, rec := range p.Records {
		end := rec.End()
		if rec.Offset != cursor || end > size {
			return nil, ir.NewError(ir.ErrCodeApplyFailed, "action %d writes [%d,%d) outside output (cursor %d, size %d)",
				i, rec.Offset, end, cursor, size)
		}
		switch rec.Kind {
		case patch.KindCopy:
			copy(out[rec.Offset:end], rec.Payload)
		case patch.KindSourceRead:
			if end > srcLen {
				return nil, ir.NewError(ir.ErrCodeApplyFailed, "action %d reads source past %d bytes", i, srcLen)
			}
			copy(out[rec.Offset:end], source[rec.Offset:end])
		case patch.KindSourceCopy:
			from := rec.SourceOffset
			if from+rec.Length > srcLen {
				return nil, ir.NewError(ir.ErrCodeApplyFailed, "action %d copies source past %d bytes", i, srcLen)
			}
			copy(out[rec.Offset:end], source[from:from+rec.Length])
		case patch.KindTargetCopy:
			from := rec.SourceOffset
			if from >= rec.Offset {
				return nil, ir.NewError(ir.ErrCodeApplyFailed, "action %d copies unwritten output at %d", i, from)
			}
			// Byte at a time: the ranges may overlap to repeat a pattern.
			for j := uint64(0); j < rec.Length; j++ {
				out[rec.Offset+j] = out[from+j]
			}
		default:
			return nil, ir.NewError(ir.ErrCodeApplyFailed, "action %d: %s is not valid in BPS patches", i, rec.Kind)
		}
		cursor = end
	}
	if cursor != size {
		return nil, ir.NewError(ir.ErrCodeApplyFailed, "actions end at %d, target size is %d", cursor, size)
	}
	return out, nil
}

// readBack re-reads a written destination for verification.
var readBack = os.ReadFile

// ApplyFile applies p to t and atomically writes the result to dest, or over
// t.Path when dest is empty. The written file is re-read and compared to the
// expected checksum; on mismatch the original bytes are restored (in place)
// or the output is removed (dest) and POST_APPLY_VERIFICATION_FAILED is
// returned.
func ApplyFile(ctx context.Context, p *patch.File, t *patch.Target, dest string) (Result, error) {
	source, err := t.Bytes()
	if err != nil {
		return Result{}, err
	}
	res, err := Apply(p, source)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	inPlace := dest == "" || dest == t.Path
	if inPlace {
		dest = t.Path
	}
	perm := atomicfile.ModeOf(t.Path, 0o644)
	if err := atomicfile.WriteBytes(ctx, dest, res.NewBytes, perm); err != nil {
		return Result{}, ir.WrapError(ir.ErrCodeIOFailure, dest, err, "write patched output")
	}

	written, err := readBack(dest)
	if err == nil && ir.ContentID(written) == res.NewChecksum {
		return res, nil
	}

	verr := ir.WrapError(ir.ErrCodePostApplyVerificationFailed, dest, err, "patched output does not read back as written")
	var rerr error
	if inPlace {
		rerr = atomicfile.WriteBytes(context.WithoutCancel(ctx), dest, source, perm)
	} else {
		rerr = os.Remove(dest)
	}
	if rerr != nil {
		return Result{}, errors.Join(verr, ir.WrapError(ir.ErrCodeIOFailure, dest, rerr, "roll back patched output"))
	}
	return Result{}, verr
}
