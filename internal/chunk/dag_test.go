package chunk

import (
	"testing"

	"tshgo/internal/series"
)

func floatSeries(idx []int64, vals []float64) series.Series {
	valid := make([]bool, len(vals))
	for i := range valid {
		valid[i] = true
	}
	return series.Series{Kind: series.KindFloat, Index: idx, Floats: vals, Valid: valid}
}

func TestBucketizeSplitsIntoContiguousRuns(t *testing.T) {
	s := floatSeries([]int64{1, 2, 3, 4, 5}, []float64{0, 1, 2, 3, 4})
	buckets := Bucketize(s, 2)
	if len(buckets) != 3 {
		t.Fatalf("got %d buckets, want 3", len(buckets))
	}
	wantLens := []int{2, 2, 1}
	for i, b := range buckets {
		if b.Len() != wantLens[i] {
			t.Fatalf("bucket %d: got len %d, want %d", i, b.Len(), wantLens[i])
		}
	}
	if buckets[2].Index[0] != 5 {
		t.Fatalf("last bucket should hold the tail point, got index %d", buckets[2].Index[0])
	}
}

func TestBucketizeEmptySeries(t *testing.T) {
	if got := Bucketize(series.Series{Kind: series.KindFloat}, MaxBucket); got != nil {
		t.Fatalf("expected nil for empty series, got %v", got)
	}
}
