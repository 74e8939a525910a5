package validate

import (
	"sort"

	"github.com/roach88/patchkit/internal/ir"
	"github.com/roach88/patchkit/internal/patch"
)

// write is a Copy or RLEFill record tagged with its position in the file.
type write struct {
	index int
	rec   patch.Record
}

// checkOverlaps finds IPS/PKCP records that write the same output bytes.
// Identical bytes are a warning; differing bytes are CONFLICTING_EDIT.
// BPS output is written strictly in cursor order and cannot overlap.
func (v *validator) checkOverlaps() error {
	if v.p.Format == patch.FormatBPS {
		return nil
	}

	var writes []write
	for i, rec := range v.p.Records {
		if rec.Kind == patch.KindCopy || rec.Kind == patch.KindRLEFill {
			writes = append(writes, write{index: i, rec: rec})
		}
	}
	sort.SliceStable(writes, func(a, b int) bool {
		return writes[a].rec.Offset < writes[b].rec.Offset
	})

	var active []write
	for _, w := range writes {
		kept := active[:0]
		for _, a := range active {
			if a.rec.End() > w.rec.Offset {
				kept = append(kept, a)
			}
		}
		active = kept

		for _, a := range active {
			lo := w.rec.Offset
			hi := min(a.rec.End(), w.rec.End())
			first, second := a, w
			if second.index < first.index {
				first, second = second, first
			}
			if pos, differ := firstDifference(a.rec, w.rec, lo, hi); differ {
				e := ir.NewError(ir.ErrCodeConflictingEdit,
					"records %d and %d write different bytes at offset %d (%#02x vs %#02x)",
					first.index, second.index, pos, first.rec.ByteAt(pos), second.rec.ByteAt(pos))
				e.Path = v.t.Path
				return e
			}
			v.warn(WarnOverlap, "records %d and %d both write identical bytes to [%d,%d)",
				first.index, second.index, lo, hi)
		}
		active = append(active, w)
	}
	return nil
}

// firstDifference compares the bytes two records write over [lo, hi).
func firstDifference(a, b patch.Record, lo, hi uint64) (uint64, bool) {
	if a.Kind == patch.KindRLEFill && b.Kind == patch.KindRLEFill {
		return lo, a.Payload[0] != b.Payload[0]
	}
	for pos := lo; pos < hi; pos++ {
		if a.ByteAt(pos) != b.ByteAt(pos) {
			return pos, true
		}
	}
	return 0, false
}
