// Package chunk implements the immutable snapshot chain a series' values
// are stored in: reverse-linked chunks identified by a freshly generated
// UUIDv7-derived ChunkID (not derived from the chunk's content), and the
// bucketing that splits a series into
// chain-sized runs.
package chunk

import "tshgo/internal/series"

// Bucket size bounds for the snapshot DAG. Non-root chunks hold between
// MinBucket and MaxBucket points; the last chunk of an append chain may
// fall short of MinBucket.
const (
	MinBucket = 10
	MaxBucket = 250
)

// Chunk is one immutable node in a series' reverse-linked snapshot chain.
// Parent is nil for a root chunk. Payload is the codec-encoded, compressed
// (index, values) pair spanning [CStart, CEnd] inclusive.
type Chunk struct {
	ID      ChunkID
	Parent  *ChunkID
	CStart  int64
	CEnd    int64
	Payload []byte
}

// Bucketize splits s (assumed sorted, non-null) into contiguous runs of at
// most maxBucket points, in order. It never returns an empty bucket, and
// returns nil for an empty series.
func Bucketize(s series.Series, maxBucket int) []series.Series {
	n := s.Len()
	if n == 0 {
		return nil
	}
	var out []series.Series
	for start := 0; start < n; start += maxBucket {
		end := min(start+maxBucket, n)
		out = append(out, sliceByPosition(s, start, end))
	}
	return out
}

func sliceByPosition(s series.Series, start, end int) series.Series {
	out := series.Series{Name: s.Name, Kind: s.Kind}
	out.Index = append(out.Index, s.Index[start:end]...)
	switch s.Kind {
	case series.KindFloat:
		out.Floats = append(out.Floats, s.Floats[start:end]...)
		out.Valid = append(out.Valid, s.Valid[start:end]...)
	case series.KindText:
		out.Texts = append(out.Texts, s.Texts[start:end]...)
	}
	return out
}
