// Package revision implements the changeset/revision log: allocating a
// changeset per atomic multi-series insertion, recording each touched
// series' new head and logical span, and answering point-in-time,
// history, and staircase queries against that log.
package revision

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"tshgo/internal/chunk"
	"tshgo/internal/db"
	"tshgo/internal/diff"
	"tshgo/internal/pgstore"
	"tshgo/internal/series"
	"tshgo/internal/snapshot"
)

// Row is one revision of one series: the changeset that produced it, its
// new snapshot head, and the logical span [TSStart, TSEnd] of the full
// series at that revision (not just the diff).
type Row struct {
	ID       int64
	Cset     int64
	Snapshot chunk.ChunkID
	TSStart  int64
	TSEnd    int64
}

// Changeset is a changeset row: a monotonic id shared by every series
// written atomically together.
type Changeset struct {
	ID            int64
	Author        string
	InsertionDate time.Time
	Metadata      []byte
	Stripped      bool
}

// Log drives changeset allocation and revision bookkeeping against a
// series' tsh.timeserie_<table> table, and the snapshot store for the
// chunk-chain side of each revision.
type Log struct {
	snap *snapshot.Store
}

// New returns a Log backed by the given snapshot store.
func New(snap *snapshot.Store) *Log {
	return &Log{snap: snap}
}

// OpenChangeset allocates a new changeset id via the database sequence.
// Callers may write several series' revisions under the same changeset
// id for an atomic multi-series insertion. insertionDate, if non-zero,
// pins the changeset's insertion_date explicitly (for backfills and
// point-in-time replays); otherwise the column takes its default of
// now().
func (l *Log) OpenChangeset(ctx context.Context, tx db.Tx, author string, metadata []byte, insertionDate time.Time) (int64, error) {
	if err := db.RequireTx(tx); err != nil {
		return 0, err
	}
	var id int64
	var err error
	if insertionDate.IsZero() {
		err = tx.QueryRowContext(ctx,
			`INSERT INTO tsh.changeset (author, metadata) VALUES ($1, $2) RETURNING id`,
			author, metadata,
		).Scan(&id)
	} else {
		err = tx.QueryRowContext(ctx,
			`INSERT INTO tsh.changeset (author, metadata, insertion_date) VALUES ($1, $2, $3) RETURNING id`,
			author, metadata, insertionDate,
		).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("revision: open changeset: %w", err)
	}
	return id, nil
}

// LinkSeries records that changeset cset touched seriesID, for
// changeset_series and the strip detach step.
func (l *Log) LinkSeries(ctx context.Context, tx db.Tx, cset, seriesID int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tsh.changeset_series (cset, serie) VALUES ($1, $2) ON CONFLICT DO NOTHING`, cset, seriesID)
	if err != nil {
		return fmt.Errorf("revision: link series to changeset: %w", err)
	}
	return nil
}

// latestRow returns the most recent revision row for table, or ok=false
// if the series has no revisions yet.
func (l *Log) latestRow(ctx context.Context, tx db.Tx, ns, table string) (Row, bool, error) {
	var r Row
	var snapStr string
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, cset, snapshot, tsstart, tsend FROM %s ORDER BY id DESC LIMIT 1`, pgstore.TimeserieTable(ns, table)),
	).Scan(&r.ID, &r.Cset, &snapStr, &r.TSStart, &r.TSEnd)
	if err != nil {
		return Row{}, false, nil //nolint:nilerr // absence of a prior revision is not an error here
	}
	id, err := chunk.ParseChunkID(snapStr)
	if err != nil {
		return Row{}, false, fmt.Errorf("revision: parse snapshot head: %w", err)
	}
	r.Snapshot = id
	return r, true, nil
}

// InsertRevision applies diff d on top of the series' current head
// (creating the series if it has none yet), inserts the resulting
// revision row, and returns it. Callers are responsible for having
// already verified d is non-empty (no-op detection happens one layer up,
// in the engine, which has access to the pre-diff computation).
func (l *Log) InsertRevision(ctx context.Context, tx db.Tx, ns, table string, cset int64, name string, kind series.Kind, d series.Series) (Row, error) {
	prev, hasPrev, err := l.latestRow(ctx, tx, ns, table)
	if err != nil {
		return Row{}, err
	}

	var newHead *chunk.ChunkID
	if !hasPrev {
		newHead, err = l.snap.Create(ctx, tx, ns, table, d.Sort())
	} else {
		newHead, err = l.snap.Update(ctx, tx, ns, table, prev.Snapshot, name, kind, d)
	}
	if err != nil {
		return Row{}, err
	}
	if newHead == nil {
		return Row{}, fmt.Errorf("revision: update produced no head for series %s", name)
	}

	tsstart, tsend, err := l.computeSpan(ctx, tx, ns, table, *newHead, name, kind, prev, hasPrev, d)
	if err != nil {
		return Row{}, err
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (cset, snapshot, tsstart, tsend) VALUES ($1, $2, $3, $4) RETURNING id`, pgstore.TimeserieTable(ns, table)),
		cset, newHead.String(), tsstart, tsend,
	).Scan(&id)
	if err != nil {
		return Row{}, fmt.Errorf("revision: insert revision row: %w", err)
	}

	return Row{ID: id, Cset: cset, Snapshot: *newHead, TSStart: tsstart, TSEnd: tsend}, nil
}

// computeSpan recomputes tsstart/tsend per spec: extend the previous
// span by the diff's first/last non-null index, unless the diff deletes
// (sets to null) either boundary point, in which case the patched series
// is reconstructed to find the true new span. A non-null override of a
// boundary point keeps the previous span.
func (l *Log) computeSpan(ctx context.Context, tx db.Tx, ns, table string, head chunk.ChunkID, name string, kind series.Kind, prev Row, hasPrev bool, d series.Series) (int64, int64, error) {
	dFirst, dLast, dHasBounds := d.Bounds()

	if !hasPrev {
		if !dHasBounds {
			return 0, 0, fmt.Errorf("revision: cannot create a series from an all-null diff")
		}
		return dFirst, dLast, nil
	}

	touchesBoundary := false
	for i, idx := range d.Index {
		if (idx == prev.TSStart || idx == prev.TSEnd) && d.IsNull(i) {
			touchesBoundary = true
			break
		}
	}
	if touchesBoundary {
		full, err := l.snap.Reconstruct(ctx, tx, ns, table, head, name, kind, 0, 0, false, false)
		if err != nil {
			return 0, 0, err
		}
		first, last, ok := full.Bounds()
		if !ok {
			return 0, 0, fmt.Errorf("revision: patched series has no remaining points")
		}
		return first, last, nil
	}

	tsstart, tsend := prev.TSStart, prev.TSEnd
	if dHasBounds {
		if dFirst < tsstart {
			tsstart = dFirst
		}
		if dLast > tsend {
			tsend = dLast
		}
	}
	return tsstart, tsend, nil
}

// Get returns the full series at the most recent revision whose
// changeset.insertion_date <= asOf (or the latest revision if asOf is
// zero), sliced to [from, to].
func (l *Log) Get(ctx context.Context, tx db.Tx, ns, table, name string, kind series.Kind, asOf time.Time, from, to int64, hasFrom, hasTo bool) (series.Series, bool, error) {
	query := fmt.Sprintf(`SELECT t.snapshot FROM %s t JOIN tsh.changeset c ON c.id = t.cset`, pgstore.TimeserieTable(ns, table))
	args := []any{}
	if !asOf.IsZero() {
		query += ` WHERE c.insertion_date <= $1`
		args = append(args, asOf)
	}
	query += ` ORDER BY t.id DESC LIMIT 1`

	var snapStr string
	err := tx.QueryRowContext(ctx, query, args...).Scan(&snapStr)
	if err != nil {
		return series.Series{}, false, nil //nolint:nilerr // no matching revision is a valid "nothing" result
	}
	head, err := chunk.ParseChunkID(snapStr)
	if err != nil {
		return series.Series{}, false, fmt.Errorf("revision: parse snapshot head: %w", err)
	}

	got, err := l.snap.Reconstruct(ctx, tx, ns, table, head, name, kind, from, to, hasFrom, hasTo)
	if err != nil {
		return series.Series{}, false, err
	}
	return got.DropNulls(), true, nil
}

// History returns, for every revision whose changeset.insertion_date
// falls in [fromIdate, toIdate] and whose [tsstart,tsend] overlaps
// [fromVdate, toVdate], the series at that revision, keyed by
// insertion_date. With diffmode false this is the full reconstructed
// snapshot, sliced to the value-date range; with diffmode true it is the
// diff against the series' immediately preceding revision (even one
// outside the filtered range), matching the original's diffmode
// parameter on history — the first selected revision diffs against
// whatever came before it, or against the empty series if there is no
// earlier revision at all.
func (l *Log) History(ctx context.Context, tx db.Tx, ns, table, name string, kind series.Kind, fromIdate, toIdate time.Time, fromVdate, toVdate int64, hasFromV, hasToV bool, diffmode bool) (map[time.Time]series.Series, error) {
	query := fmt.Sprintf(`
		SELECT t.id, c.insertion_date, t.snapshot
		FROM %s t
		JOIN tsh.changeset c ON c.id = t.cset
		WHERE ($1::timestamptz IS NULL OR c.insertion_date >= $1)
		  AND ($2::timestamptz IS NULL OR c.insertion_date <= $2)
		  AND ($3::bigint IS NULL OR t.tsend >= $3)
		  AND ($4::bigint IS NULL OR t.tsstart <= $4)
		ORDER BY t.id ASC`, pgstore.TimeserieTable(ns, table))

	var fromIdateArg, toIdateArg any
	if !fromIdate.IsZero() {
		fromIdateArg = fromIdate
	}
	if !toIdate.IsZero() {
		toIdateArg = toIdate
	}
	var fromVArg, toVArg any
	if hasFromV {
		fromVArg = fromVdate
	}
	if hasToV {
		toVArg = toVdate
	}

	rows, err := tx.QueryContext(ctx, query, fromIdateArg, toIdateArg, fromVArg, toVArg)
	if err != nil {
		return nil, fmt.Errorf("revision: query history: %w", err)
	}
	defer rows.Close()

	type selectedRow struct {
		id    int64
		idate time.Time
		head  chunk.ChunkID
	}
	var selected []selectedRow
	for rows.Next() {
		var r selectedRow
		var snapStr string
		if err := rows.Scan(&r.id, &r.idate, &snapStr); err != nil {
			return nil, fmt.Errorf("revision: scan history row: %w", err)
		}
		head, err := chunk.ParseChunkID(snapStr)
		if err != nil {
			return nil, fmt.Errorf("revision: parse snapshot head: %w", err)
		}
		r.head = head
		selected = append(selected, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("revision: iterate history rows: %w", err)
	}
	if len(selected) == 0 {
		return map[time.Time]series.Series{}, nil
	}

	heads := make(map[string]chunk.ChunkID, len(selected)+1)
	for _, r := range selected {
		heads[strconv.FormatInt(r.id, 10)] = r.head
	}

	const baselineLabel = "baseline"
	haveBaseline := false
	if diffmode {
		var prevSnapStr string
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT snapshot FROM %s WHERE id < $1 ORDER BY id DESC LIMIT 1`, pgstore.TimeserieTable(ns, table)),
			selected[0].id,
		).Scan(&prevSnapStr)
		if err == nil {
			head, perr := chunk.ParseChunkID(prevSnapStr)
			if perr != nil {
				return nil, fmt.Errorf("revision: parse baseline snapshot head: %w", perr)
			}
			heads[baselineLabel] = head
			haveBaseline = true
		}
	}

	headList := make([]chunk.ChunkID, 0, len(heads))
	for _, h := range heads {
		headList = append(headList, h)
	}
	loaded, err := l.snap.MultiHeadWalk(ctx, tx, ns, table, headList)
	if err != nil {
		return nil, err
	}
	reconstructed, err := snapshot.ReconstructHeads(heads, loaded, name, kind)
	if err != nil {
		return nil, err
	}

	prevFull := series.Series{Name: name, Kind: kind}
	if haveBaseline {
		prevFull = reconstructed[baselineLabel].Slice(fromVdate, toVdate, hasFromV, hasToV)
	}

	out := make(map[time.Time]series.Series, len(selected))
	for _, r := range selected {
		sliced := reconstructed[strconv.FormatInt(r.id, 10)].Slice(fromVdate, toVdate, hasFromV, hasToV)
		if diffmode {
			out[r.idate] = diff.Diff(prevFull, sliced)
		} else {
			out[r.idate] = sliced
		}
		prevFull = sliced
	}
	return out, nil
}

// Strip deletes every revision row with cset >= targetCset, marks the
// affected changesets stripped, detaches the changeset_series linkage,
// and reclaims now-unreachable chunks.
func (l *Log) Strip(ctx context.Context, tx db.Tx, ns, table string, seriesID, targetCset int64) (int, error) {
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT cset FROM %s WHERE cset >= $1`, pgstore.TimeserieTable(ns, table)), targetCset)
	if err != nil {
		return 0, fmt.Errorf("revision: query stripped changesets: %w", err)
	}
	var csets []int64
	for rows.Next() {
		var c int64
		if err := rows.Scan(&c); err != nil {
			rows.Close()
			return 0, fmt.Errorf("revision: scan stripped cset: %w", err)
		}
		csets = append(csets, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("revision: iterate stripped changesets: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE cset >= $1`, pgstore.TimeserieTable(ns, table)), targetCset); err != nil {
		return 0, fmt.Errorf("revision: delete revision rows: %w", err)
	}

	for _, c := range csets {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tsh.changeset SET metadata = jsonb_set(coalesce(metadata, '{}'::jsonb), '{stripped}', 'true') WHERE id = $1`, c); err != nil {
			return 0, fmt.Errorf("revision: mark changeset stripped: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tsh.changeset_series WHERE cset = $1 AND serie = $2`, c, seriesID); err != nil {
			return 0, fmt.Errorf("revision: detach changeset_series: %w", err)
		}
	}

	live, err := l.liveHeads(ctx, tx, ns, table)
	if err != nil {
		return 0, err
	}
	return l.snap.Reclaim(ctx, tx, ns, table, live)
}

// Reclaim runs an out-of-band garbage collection pass over a series'
// snapshot table: every chunk unreachable from any live revision head is
// deleted. Strip already does this after detaching its own stripped
// revisions; Reclaim is for administrative sweeps run independently of
// any strip (e.g. after a bulk delete left a series with many stale
// intermediate heads).
func (l *Log) Reclaim(ctx context.Context, tx db.Tx, ns, table string) (int, error) {
	live, err := l.liveHeads(ctx, tx, ns, table)
	if err != nil {
		return 0, err
	}
	return l.snap.Reclaim(ctx, tx, ns, table, live)
}

func (l *Log) liveHeads(ctx context.Context, tx db.Tx, ns, table string) ([]chunk.ChunkID, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT snapshot FROM %s`, pgstore.TimeserieTable(ns, table)))
	if err != nil {
		return nil, fmt.Errorf("revision: query live heads: %w", err)
	}
	defer rows.Close()

	var out []chunk.ChunkID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("revision: scan live head: %w", err)
		}
		id, err := chunk.ParseChunkID(s)
		if err != nil {
			return nil, fmt.Errorf("revision: parse live head: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("revision: iterate live heads: %w", err)
	}
	return out, nil
}

// LatestInsertionDate returns the insertion_date of the most recent
// changeset that touched the series.
func (l *Log) LatestInsertionDate(ctx context.Context, tx db.Tx, ns, table string) (time.Time, bool, error) {
	var t time.Time
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT c.insertion_date FROM %s t
		JOIN tsh.changeset c ON c.id = t.cset
		ORDER BY c.insertion_date DESC LIMIT 1`, pgstore.TimeserieTable(ns, table)),
	).Scan(&t)
	if err != nil {
		return time.Time{}, false, nil //nolint:nilerr // no revisions yet is a valid "nothing" result
	}
	return t, true, nil
}

// InsertionDates returns every insertion_date that touched the series in
// [from, to], ascending.
func (l *Log) InsertionDates(ctx context.Context, tx db.Tx, ns, table string, from, to time.Time) ([]time.Time, error) {
	query := fmt.Sprintf(`
		SELECT c.insertion_date FROM %s t
		JOIN tsh.changeset c ON c.id = t.cset
		WHERE ($1::timestamptz IS NULL OR c.insertion_date >= $1)
		  AND ($2::timestamptz IS NULL OR c.insertion_date <= $2)
		ORDER BY c.insertion_date ASC`, pgstore.TimeserieTable(ns, table))
	var fromArg, toArg any
	if !from.IsZero() {
		fromArg = from
	}
	if !to.IsZero() {
		toArg = to
	}
	rows, err := tx.QueryContext(ctx, query, fromArg, toArg)
	if err != nil {
		return nil, fmt.Errorf("revision: query insertion dates: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("revision: scan insertion date: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("revision: iterate insertion dates: %w", err)
	}
	return out, nil
}

// Interval returns the series' full [tsstart, tsend] span at its latest
// revision.
func (l *Log) Interval(ctx context.Context, tx db.Tx, ns, table string) (int64, int64, bool, error) {
	row, ok, err := l.latestRow(ctx, tx, ns, table)
	if err != nil || !ok {
		return 0, 0, false, err
	}
	return row.TSStart, row.TSEnd, true, nil
}

// ChangesetAt returns the revision row whose changeset is exactly
// csetID, if any.
func (l *Log) ChangesetAt(ctx context.Context, tx db.Tx, ns, table string, csetID int64) (Row, bool, error) {
	var r Row
	var snapStr string
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, cset, snapshot, tsstart, tsend FROM %s WHERE cset = $1`, pgstore.TimeserieTable(ns, table)),
		csetID,
	).Scan(&r.ID, &r.Cset, &snapStr, &r.TSStart, &r.TSEnd)
	if err != nil {
		return Row{}, false, nil //nolint:nilerr // unknown changeset is a valid "nothing" result
	}
	id, err := chunk.ParseChunkID(snapStr)
	if err != nil {
		return Row{}, false, fmt.Errorf("revision: parse snapshot head: %w", err)
	}
	r.Snapshot = id
	return r, true, nil
}

// Staircase produces a synthetic series where each value-date v carries
// the value from the most recent revision whose insertion_date <= v -
// delta: it walks History's results and, for each value-date in range,
// keeps the value from the latest covering insertion.
func Staircase(history map[time.Time]series.Series, delta time.Duration, from, to int64, hasFrom, hasTo bool) series.Series {
	type point struct {
		idate time.Time
		value float64
		valid bool
		text  *string
	}

	var kind series.Kind
	pointsByIndex := make(map[int64]point)
	for idate, s := range history {
		for i, idx := range s.Index {
			if hasFrom && idx < from {
				continue
			}
			if hasTo && idx > to {
				continue
			}
			needBy := time.Unix(0, idx).Add(-delta)
			if idate.After(needBy) {
				continue
			}
			existing, ok := pointsByIndex[idx]
			if ok && existing.idate.After(idate) {
				continue
			}
			kind = s.Kind
			p := point{idate: idate}
			switch s.Kind {
			case series.KindFloat:
				p.value = s.Floats[i]
				p.valid = s.Valid[i]
			case series.KindText:
				p.text = s.Texts[i]
			}
			pointsByIndex[idx] = p
		}
	}

	out := series.Series{Kind: kind}
	for idx, p := range pointsByIndex {
		out.Index = append(out.Index, idx)
		switch kind {
		case series.KindFloat:
			out.Floats = append(out.Floats, p.value)
			out.Valid = append(out.Valid, p.valid)
		case series.KindText:
			out.Texts = append(out.Texts, p.text)
		}
	}
	return out.Sort()
}
