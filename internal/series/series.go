// Package series defines the in-memory representation of a time-indexed
// value sequence: the unit of data the codec, diff engine, and snapshot
// store all operate on.
package series

import (
	"errors"
	"sort"
)

// Kind discriminates the two value types a series may hold.
type Kind int

const (
	// KindFloat marks a series of 64-bit floats.
	KindFloat Kind = iota
	// KindText marks a series of UTF-8 strings.
	KindText
)

func (k Kind) String() string {
	if k == KindText {
		return "text"
	}
	return "float"
}

var (
	// ErrDuplicateIndex is returned when an input series has a repeated value_date.
	ErrDuplicateIndex = errors.New("series: duplicate index entry")
	// ErrMixedKind describes a mix of float and text values. No function in
	// this package returns it, and diff.Patch does not check for such a mix.
	ErrMixedKind = errors.New("series: mismatched value kind")
	// ErrLengthMismatch is returned when index and values disagree in length.
	ErrLengthMismatch = errors.New("series: index/values length mismatch")
)

// Series is an ordered, time-indexed sequence of homogeneous values.
// Index holds nanoseconds-since-epoch, UTC-naive (tz-awareness is a
// registry-level metadata flag, not carried in the value itself).
// Texts[i] may be nil for Kind == KindText (a null marks a deletion in a
// diff, or simply a missing value once null-stripped); a Kind == KindFloat
// null is represented with Valid[i] == false.
type Series struct {
	Name   string
	Kind   Kind
	Index  []int64
	Floats []float64 // len == len(Index) when Kind == KindFloat
	Texts  []*string // len == len(Index) when Kind == KindText; nil entry == null
	Valid  []bool    // len == len(Index) when Kind == KindFloat; false entry == null
}

// Len returns the number of entries, regardless of null-ness.
func (s Series) Len() int {
	return len(s.Index)
}

// Validate checks the structural invariants spec.md §3 demands: no
// duplicate index entries, and index/value slices of matching length.
// It does not require monotonicity; callers normalize with Sort first.
func (s Series) Validate() error {
	switch s.Kind {
	case KindFloat:
		if len(s.Floats) != len(s.Index) || len(s.Valid) != len(s.Index) {
			return ErrLengthMismatch
		}
	case KindText:
		if len(s.Texts) != len(s.Index) {
			return ErrLengthMismatch
		}
	}
	seen := make(map[int64]struct{}, len(s.Index))
	for _, idx := range s.Index {
		if _, ok := seen[idx]; ok {
			return ErrDuplicateIndex
		}
		seen[idx] = struct{}{}
	}
	return nil
}

// Sort returns a copy of s with entries reordered to strictly increasing
// index order. It does not mutate s.
func (s Series) Sort() Series {
	n := len(s.Index)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return s.Index[order[i]] < s.Index[order[j]]
	})
	out := Series{Name: s.Name, Kind: s.Kind, Index: make([]int64, n)}
	switch s.Kind {
	case KindFloat:
		out.Floats = make([]float64, n)
		out.Valid = make([]bool, n)
		for i, j := range order {
			out.Index[i] = s.Index[j]
			out.Floats[i] = s.Floats[j]
			out.Valid[i] = s.Valid[j]
		}
	case KindText:
		out.Texts = make([]*string, n)
		for i, j := range order {
			out.Index[i] = s.Index[j]
			out.Texts[i] = s.Texts[j]
		}
	}
	return out
}

// IsMonotonic reports whether the index is strictly increasing.
func (s Series) IsMonotonic() bool {
	for i := 1; i < len(s.Index); i++ {
		if s.Index[i] <= s.Index[i-1] {
			return false
		}
	}
	return true
}

// IsNull reports whether entry i is null (a deletion marker, or a value
// that has not yet been overridden).
func (s Series) IsNull(i int) bool {
	if s.Kind == KindFloat {
		return !s.Valid[i]
	}
	return s.Texts[i] == nil
}

// DropNulls returns a copy with null entries removed, for external
// consumption (spec.md §4.2: "caller strips nulls").
func (s Series) DropNulls() Series {
	out := Series{Name: s.Name, Kind: s.Kind}
	for i := range s.Index {
		if s.IsNull(i) {
			continue
		}
		out.Index = append(out.Index, s.Index[i])
		switch s.Kind {
		case KindFloat:
			out.Floats = append(out.Floats, s.Floats[i])
			out.Valid = append(out.Valid, true)
		case KindText:
			out.Texts = append(out.Texts, s.Texts[i])
		}
	}
	return out
}

// Bounds returns the index of the first and last non-null entries, and
// ok == false if every entry is null (or the series is empty).
func (s Series) Bounds() (first, last int64, ok bool) {
	found := false
	for i := range s.Index {
		if s.IsNull(i) {
			continue
		}
		if !found {
			first = s.Index[i]
			found = true
		}
		last = s.Index[i]
	}
	return first, last, found
}

// Slice returns the subsequence with from <= index <= to. A zero bound
// (hasFrom/hasTo false) leaves that side unbounded.
func (s Series) Slice(from, to int64, hasFrom, hasTo bool) Series {
	out := Series{Name: s.Name, Kind: s.Kind}
	for i, idx := range s.Index {
		if hasFrom && idx < from {
			continue
		}
		if hasTo && idx > to {
			continue
		}
		out.Index = append(out.Index, idx)
		switch s.Kind {
		case KindFloat:
			out.Floats = append(out.Floats, s.Floats[i])
			out.Valid = append(out.Valid, s.Valid[i])
		case KindText:
			out.Texts = append(out.Texts, s.Texts[i])
		}
	}
	return out
}

// IndexSet returns a map from index value to position, for membership tests.
func (s Series) IndexSet() map[int64]int {
	m := make(map[int64]int, len(s.Index))
	for i, idx := range s.Index {
		m[idx] = i
	}
	return m
}
