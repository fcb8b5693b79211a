// Package diff implements the diff/patch algebra over series.Series values:
// computing the minimal sparse change set between two revisions of a
// series, and applying such a change set back onto a base.
//
// Pure functions only: no I/O, no logging. This is a hot path (every
// insert computes a diff) so it stays allocation-conscious and silent,
// matching the teacher's "no logging inside tight loops" principle.
package diff

import "tshgo/internal/series"

// Epsilon is the absolute tolerance used for float equality when deciding
// whether an overlapping value changed. Hard-coded per spec.md §4.2 and
// §9 (float comparison tolerance is an accepted open question, not
// reconsidered here).
const Epsilon = 1e-14

// Diff computes the minimal set of (value_date, value) pairs needed to
// transform base into other.
//
//   - If base is empty, the result is other with nulls removed.
//   - An overlapping entry (index present in both) is retained only if
//     the value differs (float: |a-b| > Epsilon; text/null: not equal;
//     null == null).
//   - A new entry (index absent from base) is retained only if non-null;
//     inserting a new null is a no-op.
//
// Diff is not symmetric: Diff(a, b) != Diff(b, a) in general.
func Diff(base, other series.Series) series.Series {
	if base.Len() == 0 {
		return other.DropNulls()
	}

	baseIdx := base.IndexSet()
	out := series.Series{Name: other.Name, Kind: other.Kind}

	for i, idx := range other.Index {
		if bi, ok := baseIdx[idx]; ok {
			if !valueEqual(base, bi, other, i) {
				appendEntry(&out, other, i)
			}
			continue
		}
		if !other.IsNull(i) {
			appendEntry(&out, other, i)
		}
	}
	return out
}

// Patch returns a series whose index is base.index ∪ diff.index, with
// values from diff overriding values from base. Null entries remain
// present (callers strip nulls with Series.DropNulls for external
// consumption). Patch is total: it always produces a valid result, even
// for an empty diff (Patch(x, ∅) == x).
func Patch(base, d series.Series) series.Series {
	kind := base.Kind
	if base.Len() == 0 {
		kind = d.Kind
	}
	out := series.Series{Name: base.Name, Kind: kind}

	diffIdx := d.IndexSet()
	for i, idx := range base.Index {
		if di, ok := diffIdx[idx]; ok {
			appendEntry(&out, d, di)
			continue
		}
		appendEntry(&out, base, i)
	}

	baseIdx := base.IndexSet()
	for i, idx := range d.Index {
		if _, ok := baseIdx[idx]; ok {
			continue
		}
		appendEntry(&out, d, i)
	}

	return out.Sort()
}

func valueEqual(a series.Series, ai int, b series.Series, bi int) bool {
	aNull, bNull := a.IsNull(ai), b.IsNull(bi)
	if aNull || bNull {
		return aNull == bNull
	}
	switch a.Kind {
	case series.KindFloat:
		d := a.Floats[ai] - b.Floats[bi]
		if d < 0 {
			d = -d
		}
		return d <= Epsilon
	default:
		return *a.Texts[ai] == *b.Texts[bi]
	}
}

func appendEntry(out *series.Series, src series.Series, i int) {
	out.Index = append(out.Index, src.Index[i])
	switch src.Kind {
	case series.KindFloat:
		out.Floats = append(out.Floats, src.Floats[i])
		out.Valid = append(out.Valid, src.Valid[i])
	case series.KindText:
		out.Texts = append(out.Texts, src.Texts[i])
	}
}
