package snapshot

import (
	"context"
	"testing"

	"tshgo/internal/chunk"
	"tshgo/internal/db"
	"tshgo/internal/series"
)

// memStore is a minimal in-memory ChunkStore fake, keyed by table name,
// used to unit test the DAG-walk logic without a real Postgres instance.
type memStore struct {
	tables map[string]map[chunk.ChunkID]chunk.Chunk
}

func newMemStore() *memStore {
	return &memStore{tables: make(map[string]map[chunk.ChunkID]chunk.Chunk)}
}

func (m *memStore) table(ns, table string) map[chunk.ChunkID]chunk.Chunk {
	key := ns + "." + table
	t, ok := m.tables[key]
	if !ok {
		t = make(map[chunk.ChunkID]chunk.Chunk)
		m.tables[key] = t
	}
	return t
}

func (m *memStore) InsertChunks(_ context.Context, _ db.Tx, ns, table string, chunks []chunk.Chunk) error {
	t := m.table(ns, table)
	for _, c := range chunks {
		t[c.ID] = c
	}
	return nil
}

func (m *memStore) LoadChunks(_ context.Context, _ db.Tx, ns, table string, ids []chunk.ChunkID) (map[chunk.ChunkID]chunk.Chunk, error) {
	t := m.table(ns, table)
	out := make(map[chunk.ChunkID]chunk.Chunk, len(ids))
	for _, id := range ids {
		if c, ok := t[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (m *memStore) DeleteChunks(_ context.Context, _ db.Tx, ns, table string, ids []chunk.ChunkID) error {
	t := m.table(ns, table)
	for _, id := range ids {
		delete(t, id)
	}
	return nil
}

func (m *memStore) AllChunkIDs(_ context.Context, _ db.Tx, ns, table string) ([]chunk.ChunkID, error) {
	t := m.table(ns, table)
	out := make([]chunk.ChunkID, 0, len(t))
	for id := range t {
		out = append(out, id)
	}
	return out, nil
}

func floatSeries(idx []int64, vals []float64) series.Series {
	valid := make([]bool, len(vals))
	for i := range valid {
		valid[i] = true
	}
	return series.Series{Kind: series.KindFloat, Index: idx, Floats: vals, Valid: valid}
}

func textSeries(idx []int64, vals []*string) series.Series {
	return series.Series{Kind: series.KindText, Index: idx, Texts: vals}
}

func strp(s string) *string { return &s }

// deleteFloat builds a diff that deletes the point at idx: a null entry
// (Valid == false) at an existing index.
func deleteFloat(idx int64) series.Series {
	return series.Series{Kind: series.KindFloat, Index: []int64{idx}, Floats: []float64{0}, Valid: []bool{false}}
}

func deleteText(idx int64) series.Series {
	return series.Series{Kind: series.KindText, Index: []int64{idx}, Texts: []*string{nil}}
}

func TestCreateAndReconstructRoundTrip(t *testing.T) {
	st := New(newMemStore())
	ctx := context.Background()
	s := floatSeries([]int64{1, 2, 3, 4, 5}, []float64{0, 1, 2, 3, 4})

	head, err := st.Create(ctx, nil, "tsh", "x", s)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if head == nil {
		t.Fatal("expected non-nil head")
	}

	got, err := st.Reconstruct(ctx, nil, "tsh", "x", *head, "x", series.KindFloat, 0, 0, false, false)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if got.Len() != 5 {
		t.Fatalf("expected 5 points after reconstruct, got %d", got.Len())
	}
	for i, idx := range got.Index {
		if idx != s.Index[i] || got.Floats[i] != s.Floats[i] {
			t.Fatalf("entry %d mismatch: got (%d,%v) want (%d,%v)", i, idx, got.Floats[i], s.Index[i], s.Floats[i])
		}
	}
}

func TestUpdateAppendFastPath(t *testing.T) {
	st := New(newMemStore())
	ctx := context.Background()
	base := floatSeries([]int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})

	head, err := st.Create(ctx, nil, "tsh", "x", base)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	d := floatSeries([]int64{11, 12}, []float64{11, 12})
	newHead, err := st.Update(ctx, nil, "tsh", "x", *head, "x", series.KindFloat, d)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := st.Reconstruct(ctx, nil, "tsh", "x", *newHead, "x", series.KindFloat, 0, 0, false, false)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if got.Len() != 12 {
		t.Fatalf("expected 12 points, got %d", got.Len())
	}
	if got.Index[11] != 12 || got.Floats[11] != 12 {
		t.Fatalf("unexpected tail: %+v", got.Index)
	}
}

func TestUpdateRewritePath(t *testing.T) {
	st := New(newMemStore())
	ctx := context.Background()
	base := floatSeries([]int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})

	head, err := st.Create(ctx, nil, "tsh", "x", base)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	d := floatSeries([]int64{5}, []float64{500})
	newHead, err := st.Update(ctx, nil, "tsh", "x", *head, "x", series.KindFloat, d)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := st.Reconstruct(ctx, nil, "tsh", "x", *newHead, "x", series.KindFloat, 0, 0, false, false)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if got.Len() != 10 {
		t.Fatalf("expected 10 points, got %d", got.Len())
	}
	for i, idx := range got.Index {
		if idx == 5 {
			if got.Floats[i] != 500 {
				t.Fatalf("override did not take effect: got %v", got.Floats[i])
			}
		}
	}
}

// TestUpdateRewritePathDeletePointIsNotPersisted is the delete-then-get
// round-trip for float series: deleting an existing point must not
// leave a phantom value in the chunk chain a later Reconstruct reads
// back.
func TestUpdateRewritePathDeletePointIsNotPersisted(t *testing.T) {
	st := New(newMemStore())
	ctx := context.Background()
	base := floatSeries([]int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})

	head, err := st.Create(ctx, nil, "tsh", "x", base)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	newHead, err := st.Update(ctx, nil, "tsh", "x", *head, "x", series.KindFloat, deleteFloat(5))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := st.Reconstruct(ctx, nil, "tsh", "x", *newHead, "x", series.KindFloat, 0, 0, false, false)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if got.Len() != 9 {
		t.Fatalf("expected 9 points after deleting one, got %d: %+v", got.Len(), got.Index)
	}
	for i, idx := range got.Index {
		if idx == 5 {
			t.Fatalf("deleted index 5 reappeared at position %d with value %v", i, got.Floats[i])
		}
	}
}

// TestUpdateRewritePathDeleteTextPointIsNotPersisted is the text-series
// counterpart: a deleted text point must not survive as a null entry.
func TestUpdateRewritePathDeleteTextPointIsNotPersisted(t *testing.T) {
	st := New(newMemStore())
	ctx := context.Background()
	base := textSeries([]int64{1, 2, 3}, []*string{strp("a"), strp("b"), strp("c")})

	head, err := st.Create(ctx, nil, "tsh", "y", base)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	newHead, err := st.Update(ctx, nil, "tsh", "y", *head, "y", series.KindText, deleteText(2))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := st.Reconstruct(ctx, nil, "tsh", "y", *newHead, "y", series.KindText, 0, 0, false, false)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("expected 2 points after deleting one, got %d: %+v", got.Len(), got.Index)
	}
	for _, idx := range got.Index {
		if idx == 2 {
			t.Fatalf("deleted index 2 reappeared as a null entry")
		}
	}
}

func TestReclaimRemovesUnreachableChunks(t *testing.T) {
	mem := newMemStore()
	st := New(mem)
	ctx := context.Background()
	base := floatSeries([]int64{1, 2, 3}, []float64{1, 2, 3})

	head, err := st.Create(ctx, nil, "tsh", "x", base)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d := floatSeries([]int64{2}, []float64{200})
	newHead, err := st.Update(ctx, nil, "tsh", "x", *head, "x", series.KindFloat, d)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	before, _ := st.chunks.AllChunkIDs(ctx, nil, "tsh", "x")
	removed, err := st.Reclaim(ctx, nil, "tsh", "x", []chunk.ChunkID{*newHead})
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	after, _ := st.chunks.AllChunkIDs(ctx, nil, "tsh", "x")
	if len(after) != len(before)-removed {
		t.Fatalf("chunk count mismatch: before=%d removed=%d after=%d", len(before), removed, len(after))
	}

	got, err := st.Reconstruct(ctx, nil, "tsh", "x", *newHead, "x", series.KindFloat, 0, 0, false, false)
	if err != nil {
		t.Fatalf("Reconstruct after reclaim: %v", err)
	}
	if got.Len() != 3 {
		t.Fatalf("live head must still reconstruct fully, got %d points", got.Len())
	}
}
