package diff

import (
	"testing"

	"tshgo/internal/series"
)

func floats(idx []int64, vals []float64, nulls ...int) series.Series {
	valid := make([]bool, len(vals))
	for i := range valid {
		valid[i] = true
	}
	for _, n := range nulls {
		valid[n] = false
	}
	return series.Series{Kind: series.KindFloat, Index: idx, Floats: vals, Valid: valid}
}

func TestDiffAgainstEmptyBaseStripsNulls(t *testing.T) {
	other := floats([]int64{1, 2, 3}, []float64{1, 2, 3}, 1)
	got := Diff(series.Series{Kind: series.KindFloat}, other)
	if got.Len() != 2 {
		t.Fatalf("expected 2 non-null entries, got %d", got.Len())
	}
}

func TestDiffOverlapRetainedOnlyIfChanged(t *testing.T) {
	base := floats([]int64{1, 2, 3}, []float64{1, 2, 3})
	other := floats([]int64{1, 2, 3}, []float64{1, 99, 3})
	got := Diff(base, other)
	if got.Len() != 1 || got.Index[0] != 2 || got.Floats[0] != 99 {
		t.Fatalf("unexpected diff: %+v", got)
	}
}

func TestDiffNewNullIsNoOp(t *testing.T) {
	base := floats([]int64{1}, []float64{1})
	other := floats([]int64{1, 2}, []float64{1, 0}, 1)
	got := Diff(base, other)
	if got.Len() != 0 {
		t.Fatalf("expected empty diff, got %+v", got)
	}
}

func TestDiffXXIsEmpty(t *testing.T) {
	x := floats([]int64{1, 2, 3}, []float64{1, 2, 3})
	got := Diff(x, x)
	if got.Len() != 0 {
		t.Fatalf("diff(x,x) should be empty, got %d entries", got.Len())
	}
}

func TestPatchEmptyDiffIsIdentity(t *testing.T) {
	x := floats([]int64{1, 2, 3}, []float64{1, 2, 3})
	got := Patch(x, series.Series{Kind: series.KindFloat})
	if got.Len() != 3 {
		t.Fatalf("patch(x, empty) should equal x, got %d entries", got.Len())
	}
	for i, v := range x.Floats {
		if got.Floats[i] != v {
			t.Fatalf("value mismatch at %d: got %v want %v", i, got.Floats[i], v)
		}
	}
}

func TestPatchBaseThenDiffRoundTrips(t *testing.T) {
	base := floats([]int64{1, 2, 3}, []float64{1, 2, 3})
	other := floats([]int64{2, 3, 4}, []float64{20, 3, 40})
	d := Diff(base, other)
	patched := Patch(base, d).DropNulls()

	want := map[int64]float64{1: 1, 2: 20, 3: 3, 4: 40}
	if patched.Len() != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), patched.Len())
	}
	for i, idx := range patched.Index {
		if patched.Floats[i] != want[idx] {
			t.Fatalf("index %d: got %v want %v", idx, patched.Floats[i], want[idx])
		}
	}
}

func TestPatchPreservesNullEntries(t *testing.T) {
	base := floats([]int64{1, 2}, []float64{1, 2})
	d := floats([]int64{1}, []float64{0}, 0) // delete index 1
	patched := Patch(base, d)
	if patched.Len() != 2 {
		t.Fatalf("patch must keep null entries present, got %d", patched.Len())
	}
	if !patched.IsNull(0) {
		t.Fatal("expected index 1 (position 0) to be null after patch")
	}
}

func TestDiffNotSymmetric(t *testing.T) {
	a := floats([]int64{1, 2}, []float64{1, 2})
	b := floats([]int64{1, 2}, []float64{1, 99})
	ab := Diff(a, b)
	ba := Diff(b, a)
	if ab.Len() != 1 || ba.Len() != 1 {
		t.Fatalf("expected single-entry diffs both ways")
	}
	if ab.Floats[0] == ba.Floats[0] {
		t.Fatal("diff(a,b) and diff(b,a) should disagree on the overridden value")
	}
}
