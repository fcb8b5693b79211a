// Package snapshot maintains, per series, the set of immutable chunks
// forming a DAG of reverse-linked chains: Create splits a first revision
// into buckets, Update appends or rewrites the tail depending on where a
// diff lands, and Reconstruct/MultiHeadWalk read one or many heads back
// with O(distinct chunks) work regardless of chain depth.
package snapshot

import (
	"context"
	"fmt"

	"tshgo/internal/chunk"
	"tshgo/internal/codec"
	"tshgo/internal/db"
	"tshgo/internal/diff"
	"tshgo/internal/series"
)

// ChunkStore is the storage port the snapshot algorithms are written
// against. The production implementation is internal/pgstore; tests use
// an in-memory fake, keeping the DAG-walk logic itself free of SQL.
type ChunkStore interface {
	InsertChunks(ctx context.Context, tx db.Tx, ns, table string, chunks []chunk.Chunk) error
	LoadChunks(ctx context.Context, tx db.Tx, ns, table string, ids []chunk.ChunkID) (map[chunk.ChunkID]chunk.Chunk, error)
	DeleteChunks(ctx context.Context, tx db.Tx, ns, table string, ids []chunk.ChunkID) error
	AllChunkIDs(ctx context.Context, tx db.Tx, ns, table string) ([]chunk.ChunkID, error)
}

// Store drives the chunk DAG algorithms against a ChunkStore port.
type Store struct {
	chunks ChunkStore
}

// New returns a Store backed by the given ChunkStore.
func New(chunks ChunkStore) *Store {
	return &Store{chunks: chunks}
}

// Create splits s into contiguous buckets of at most chunk.MaxBucket
// points, inserts them in order each chained to the previous, and
// returns the id of the last (the new head). s must be sorted and
// null-free.
func (st *Store) Create(ctx context.Context, tx db.Tx, ns, table string, s series.Series) (*chunk.ChunkID, error) {
	buckets := chunk.Bucketize(s, chunk.MaxBucket)
	if len(buckets) == 0 {
		return nil, nil
	}

	chunks := make([]chunk.Chunk, 0, len(buckets))
	var parent *chunk.ChunkID
	for _, b := range buckets {
		payload, err := codec.Encode(b)
		if err != nil {
			return nil, fmt.Errorf("snapshot: encode bucket: %w", err)
		}
		id := chunk.NewChunkID()
		c := chunk.Chunk{
			ID:      id,
			Parent:  parent,
			CStart:  b.Index[0],
			CEnd:    b.Index[b.Len()-1],
			Payload: payload,
		}
		chunks = append(chunks, c)
		idCopy := id
		parent = &idCopy
	}

	if err := st.chunks.InsertChunks(ctx, tx, ns, table, chunks); err != nil {
		return nil, err
	}
	head := chunks[len(chunks)-1].ID
	return &head, nil
}

// walkChain loads every chunk from head back through parent to the root,
// returning them ordered oldest-first. stopBefore, if non-nil, halts the
// walk at (and excludes) the first chunk whose CEnd < *stopBefore.
func (st *Store) walkChain(ctx context.Context, tx db.Tx, ns, table string, head chunk.ChunkID, stopBefore *int64) ([]chunk.Chunk, error) {
	var reversed []chunk.Chunk
	cur := &head
	for cur != nil {
		loaded, err := st.chunks.LoadChunks(ctx, tx, ns, table, []chunk.ChunkID{*cur})
		if err != nil {
			return nil, err
		}
		c, ok := loaded[*cur]
		if !ok {
			return nil, fmt.Errorf("snapshot: chunk %s not found", cur)
		}
		if stopBefore != nil && c.CEnd < *stopBefore {
			break
		}
		reversed = append(reversed, c)
		cur = c.Parent
	}
	out := make([]chunk.Chunk, len(reversed))
	for i, c := range reversed {
		out[len(reversed)-1-i] = c
	}
	return out, nil
}

// findSharedBoundary walks back from head looking for the first chunk
// (nearest the head, since CEnd strictly decreases walking backward)
// whose CEnd < dStart. That chunk, and every chunk before it, are shared
// unchanged with the new chain built by rewritePath. Returns nil if no
// chunk qualifies (dStart precedes the entire existing series).
func (st *Store) findSharedBoundary(ctx context.Context, tx db.Tx, ns, table string, head chunk.ChunkID, dStart int64) (*chunk.Chunk, error) {
	cur := &head
	for cur != nil {
		loaded, err := st.chunks.LoadChunks(ctx, tx, ns, table, []chunk.ChunkID{*cur})
		if err != nil {
			return nil, err
		}
		c, ok := loaded[*cur]
		if !ok {
			return nil, fmt.Errorf("snapshot: chunk %s not found", cur)
		}
		if c.CEnd < dStart {
			return &c, nil
		}
		cur = c.Parent
	}
	return nil, nil
}

// Reconstruct decodes and concatenates the full chain rooted at head,
// optionally sliced to [from, to].
func (st *Store) Reconstruct(ctx context.Context, tx db.Tx, ns, table string, head chunk.ChunkID, name string, kind series.Kind, from, to int64, hasFrom, hasTo bool) (series.Series, error) {
	var stop *int64
	if hasFrom {
		stop = &from
	}
	chunks, err := st.walkChain(ctx, tx, ns, table, head, stop)
	if err != nil {
		return series.Series{}, err
	}

	out := series.Series{Name: name, Kind: kind}
	for _, c := range chunks {
		decoded, err := codec.Decode(name, kind, c.Payload)
		if err != nil {
			return series.Series{}, err
		}
		out.Index = append(out.Index, decoded.Index...)
		switch kind {
		case series.KindFloat:
			out.Floats = append(out.Floats, decoded.Floats...)
			out.Valid = append(out.Valid, decoded.Valid...)
		case series.KindText:
			out.Texts = append(out.Texts, decoded.Texts...)
		}
	}
	return out.Slice(from, to, hasFrom, hasTo), nil
}

// Update applies diff d on top of the series reachable from head,
// choosing the append fast path when the diff lands strictly after the
// current tail and the reconstructed chain is at least chunk.MinBucket
// long, or the rewrite path otherwise. It returns the new head.
func (st *Store) Update(ctx context.Context, tx db.Tx, ns, table string, head chunk.ChunkID, name string, kind series.Kind, d series.Series) (*chunk.ChunkID, error) {
	reconstructed, err := st.Reconstruct(ctx, tx, ns, table, head, name, kind, 0, 0, false, false)
	if err != nil {
		return nil, err
	}
	dSorted := d.Sort()
	dStart := dSorted.Index[0]
	_, oldTail, hasTail := reconstructed.Bounds()

	if reconstructed.Len() >= chunk.MinBucket && hasTail && dStart > oldTail {
		return st.appendFastPath(ctx, tx, ns, table, head, dSorted)
	}
	return st.rewritePath(ctx, tx, ns, table, head, reconstructed, dSorted, dStart)
}

func (st *Store) appendFastPath(ctx context.Context, tx db.Tx, ns, table string, head chunk.ChunkID, d series.Series) (*chunk.ChunkID, error) {
	buckets := chunk.Bucketize(d, chunk.MaxBucket)
	parent := head
	chunks := make([]chunk.Chunk, 0, len(buckets))
	for _, b := range buckets {
		payload, err := codec.Encode(b)
		if err != nil {
			return nil, fmt.Errorf("snapshot: encode bucket: %w", err)
		}
		id := chunk.NewChunkID()
		chunks = append(chunks, chunk.Chunk{
			ID:      id,
			Parent:  &parent,
			CStart:  b.Index[0],
			CEnd:    b.Index[b.Len()-1],
			Payload: payload,
		})
		parent = id
	}
	if err := st.chunks.InsertChunks(ctx, tx, ns, table, chunks); err != nil {
		return nil, err
	}
	newHead := chunks[len(chunks)-1].ID
	return &newHead, nil
}

// rewritePath walks back from head to find the deepest chunk whose CEnd
// precedes dStart, shares every chunk up to and including it, and
// re-buckets the patched tail on top.
func (st *Store) rewritePath(ctx context.Context, tx db.Tx, ns, table string, head chunk.ChunkID, reconstructed, d series.Series, dStart int64) (*chunk.ChunkID, error) {
	newSeries := diff.Patch(reconstructed, d).DropNulls()

	shared, err := st.findSharedBoundary(ctx, tx, ns, table, head, dStart)
	if err != nil {
		return nil, err
	}

	var tailStart int64
	var parent *chunk.ChunkID
	if shared != nil {
		tailStart = shared.CEnd + 1
		parent = &shared.ID
	}

	tail := newSeries.Slice(tailStart, 0, shared != nil, false)
	buckets := chunk.Bucketize(tail, chunk.MaxBucket)
	if len(buckets) == 0 {
		if shared == nil {
			return nil, nil
		}
		return &shared.ID, nil
	}

	chunks := make([]chunk.Chunk, 0, len(buckets))
	for _, b := range buckets {
		payload, err := codec.Encode(b)
		if err != nil {
			return nil, fmt.Errorf("snapshot: encode bucket: %w", err)
		}
		id := chunk.NewChunkID()
		chunks = append(chunks, chunk.Chunk{
			ID:      id,
			Parent:  parent,
			CStart:  b.Index[0],
			CEnd:    b.Index[b.Len()-1],
			Payload: payload,
		})
		idCopy := id
		parent = &idCopy
	}
	if err := st.chunks.InsertChunks(ctx, tx, ns, table, chunks); err != nil {
		return nil, err
	}
	newHead := chunks[len(chunks)-1].ID
	return &newHead, nil
}

// MultiHeadWalk loads the union of the chains rooted at heads in
// O(distinct chunks): rather than walking each head's chain
// independently, it expands the frontier of not-yet-loaded chunks in
// batches, deduplicating by id across heads.
func (st *Store) MultiHeadWalk(ctx context.Context, tx db.Tx, ns, table string, heads []chunk.ChunkID) (map[chunk.ChunkID]chunk.Chunk, error) {
	all := make(map[chunk.ChunkID]chunk.Chunk)
	frontier := append([]chunk.ChunkID(nil), heads...)

	for len(frontier) > 0 {
		seen := make(map[chunk.ChunkID]bool, len(frontier))
		var need []chunk.ChunkID
		for _, id := range frontier {
			if _, loaded := all[id]; loaded || seen[id] {
				continue
			}
			need = append(need, id)
			seen[id] = true
		}
		if len(need) == 0 {
			break
		}

		loaded, err := st.chunks.LoadChunks(ctx, tx, ns, table, need)
		if err != nil {
			return nil, err
		}
		var next []chunk.ChunkID
		for id, c := range loaded {
			all[id] = c
			if c.Parent != nil {
				next = append(next, *c.Parent)
			}
		}
		frontier = next
	}
	return all, nil
}

// ReconstructHeads reassembles one series per labeled head from an
// already-loaded chunk set (as returned by MultiHeadWalk), used by
// history queries that need several revisions' full series at once.
func ReconstructHeads(heads map[string]chunk.ChunkID, loaded map[chunk.ChunkID]chunk.Chunk, name string, kind series.Kind) (map[string]series.Series, error) {
	out := make(map[string]series.Series, len(heads))
	for label, head := range heads {
		var chain []chunk.Chunk
		cur := &head
		for cur != nil {
			c, ok := loaded[*cur]
			if !ok {
				return nil, fmt.Errorf("snapshot: chunk %s missing from loaded set", cur)
			}
			chain = append(chain, c)
			cur = c.Parent
		}

		s := series.Series{Name: name, Kind: kind}
		for i := len(chain) - 1; i >= 0; i-- {
			decoded, err := codec.Decode(name, kind, chain[i].Payload)
			if err != nil {
				return nil, err
			}
			s.Index = append(s.Index, decoded.Index...)
			switch kind {
			case series.KindFloat:
				s.Floats = append(s.Floats, decoded.Floats...)
				s.Valid = append(s.Valid, decoded.Valid...)
			case series.KindText:
				s.Texts = append(s.Texts, decoded.Texts...)
			}
		}
		out[label] = s
	}
	return out, nil
}

// Reclaim computes the live set (the reflexive-transitive closure of
// parent starting from every currently-referenced revision head) and
// deletes every stored chunk outside it. It is safe under concurrent
// readers: each reader holds the revision rows it needs consistent
// within its own transaction, so a reclaim sweep never removes a chunk a
// live transaction still reaches.
func (st *Store) Reclaim(ctx context.Context, tx db.Tx, ns, table string, liveHeads []chunk.ChunkID) (int, error) {
	live, err := st.MultiHeadWalk(ctx, tx, ns, table, liveHeads)
	if err != nil {
		return 0, err
	}
	all, err := st.chunks.AllChunkIDs(ctx, tx, ns, table)
	if err != nil {
		return 0, err
	}

	var dead []chunk.ChunkID
	for _, id := range all {
		if _, ok := live[id]; !ok {
			dead = append(dead, id)
		}
	}
	if len(dead) == 0 {
		return 0, nil
	}
	if err := st.chunks.DeleteChunks(ctx, tx, ns, table, dead); err != nil {
		return 0, err
	}
	return len(dead), nil
}
