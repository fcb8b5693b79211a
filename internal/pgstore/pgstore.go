// Package pgstore implements snapshot.ChunkStore against Postgres: each
// series gets its own ns."snapshot_<table>" table, and a batch of chunk ids
// is loaded with a single WHERE id = ANY($1) per frontier, matching the
// multi-head-walk's O(distinct chunks) guarantee.
package pgstore

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"tshgo/internal/chunk"
	"tshgo/internal/db"
)

// Store is the Postgres-backed chunk.ChunkStore.
type Store struct{}

// New returns a Store. It holds no state: every call takes the table name
// and transaction explicitly, since a series' snapshot table is chosen by
// the registry, not by this package.
func New() *Store {
	return &Store{}
}

// SnapshotTable returns the qualified, quoted name of a series' snapshot table.
func SnapshotTable(ns, table string) string {
	return fmt.Sprintf("%s.%s", pq.QuoteIdentifier(ns), pq.QuoteIdentifier("snapshot_"+table))
}

// InsertChunks writes a batch of new chunks in one multi-row insert.
func (s *Store) InsertChunks(ctx context.Context, tx db.Tx, ns, table string, chunks []chunk.Chunk) error {
	if err := db.RequireTx(tx); err != nil {
		return err
	}
	for _, c := range chunks {
		var parent any
		if c.Parent != nil {
			parent = c.Parent.String()
		}
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (id, parent, cstart, cend, chunk) VALUES ($1, $2, $3, $4, $5)`, SnapshotTable(ns, table)),
			c.ID.String(), parent, c.CStart, c.CEnd, c.Payload,
		)
		if err != nil {
			return fmt.Errorf("pgstore: insert chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

// LoadChunks loads every requested id in a single query, returning a map
// keyed by id; ids with no matching row are simply absent from the map.
func (s *Store) LoadChunks(ctx context.Context, tx db.Tx, ns, table string, ids []chunk.ChunkID) (map[chunk.ChunkID]chunk.Chunk, error) {
	if err := db.RequireTx(tx); err != nil {
		return nil, err
	}
	out := make(map[chunk.ChunkID]chunk.Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}

	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, parent, cstart, cend, chunk FROM %s WHERE id = ANY($1)`, SnapshotTable(ns, table)),
		pq.Array(strs),
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idStr string
		var parentStr *string
		var cstart, cend int64
		var payload []byte
		if err := rows.Scan(&idStr, &parentStr, &cstart, &cend, &payload); err != nil {
			return nil, fmt.Errorf("pgstore: scan chunk row: %w", err)
		}
		id, err := chunk.ParseChunkID(idStr)
		if err != nil {
			return nil, fmt.Errorf("pgstore: parse chunk id: %w", err)
		}
		c := chunk.Chunk{ID: id, CStart: cstart, CEnd: cend, Payload: payload}
		if parentStr != nil {
			p, err := chunk.ParseChunkID(*parentStr)
			if err != nil {
				return nil, fmt.Errorf("pgstore: parse parent id: %w", err)
			}
			c.Parent = &p
		}
		out[id] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate chunk rows: %w", err)
	}
	return out, nil
}

// DeleteChunks removes the given chunk ids from a series' snapshot table,
// used by reclaim once reachability analysis has determined they are dead.
func (s *Store) DeleteChunks(ctx context.Context, tx db.Tx, ns, table string, ids []chunk.ChunkID) error {
	if err := db.RequireTx(tx); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, SnapshotTable(ns, table)),
		pq.Array(strs),
	)
	if err != nil {
		return fmt.Errorf("pgstore: delete chunks: %w", err)
	}
	return nil
}

// AllChunkIDs returns every chunk id stored for a series, the starting
// universe for a reclaim sweep's reachability analysis.
func (s *Store) AllChunkIDs(ctx context.Context, tx db.Tx, ns, table string) ([]chunk.ChunkID, error) {
	if err := db.RequireTx(tx); err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s`, SnapshotTable(ns, table)))
	if err != nil {
		return nil, fmt.Errorf("pgstore: list chunk ids: %w", err)
	}
	defer rows.Close()

	var out []chunk.ChunkID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("pgstore: scan chunk id: %w", err)
		}
		id, err := chunk.ParseChunkID(idStr)
		if err != nil {
			return nil, fmt.Errorf("pgstore: parse chunk id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate chunk ids: %w", err)
	}
	return out, nil
}

// CreateSnapshotTable issues the DDL for a new series' snapshot table,
// called once by the registry when a series is first created.
func CreateSnapshotTable(ctx context.Context, tx db.Tx, ns, table string) error {
	if err := db.RequireTx(tx); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id     TEXT PRIMARY KEY,
		parent TEXT REFERENCES %s(id),
		cstart BIGINT NOT NULL,
		cend   BIGINT NOT NULL,
		chunk  BYTEA NOT NULL
	)`, SnapshotTable(ns, table), SnapshotTable(ns, table)))
	if err != nil {
		return fmt.Errorf("pgstore: create snapshot table: %w", err)
	}
	return nil
}

// TimeserieTable returns the qualified name of a series' revision table.
func TimeserieTable(ns, table string) string {
	return fmt.Sprintf("%s.%s", pq.QuoteIdentifier(ns), pq.QuoteIdentifier("timeserie_"+table))
}

// CreateTimeserieTable issues the DDL for a new series' revision table,
// called once by the registry alongside CreateSnapshotTable.
func CreateTimeserieTable(ctx context.Context, tx db.Tx, ns, table string) error {
	if err := db.RequireTx(tx); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id       BIGSERIAL PRIMARY KEY,
		cset     BIGINT NOT NULL REFERENCES tsh.changeset(id),
		snapshot TEXT NOT NULL,
		tsstart  BIGINT NOT NULL,
		tsend    BIGINT NOT NULL
	)`, TimeserieTable(ns, table)))
	if err != nil {
		return fmt.Errorf("pgstore: create timeserie table: %w", err)
	}
	return nil
}
