// Package engine wires together the registry, revision log, snapshot
// store, diff engine and codec into the library API surface: insert,
// get, history, staircase, exists, list_series, latest_insertion_date,
// insertion_dates, interval, changeset_at, metadata, update_metadata,
// rename, delete, strip, log, info.
//
// Every method takes the caller's db.Tx and runs inside that one
// transaction; mutating methods reject a nil Tx with TxRequired before
// any I/O. Engine.WithTx opens a fresh transaction for callers that do
// not already hold one.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tshgo/internal/codec"
	"tshgo/internal/db"
	"tshgo/internal/diff"
	"tshgo/internal/pgstore"
	"tshgo/internal/registry"
	"tshgo/internal/revision"
	"tshgo/internal/series"
	"tshgo/internal/snapshot"
)

// ErrorKind discriminates the six ways an engine call can fail.
type ErrorKind int

const (
	// BadInput marks a duplicated index or a malformed argument. A
	// series.Series carries a single index column, so a multi-level index
	// cannot be expressed at all.
	BadInput ErrorKind = iota
	// TypeMismatch marks an insert whose value kind disagrees with the
	// series' registered value_type.
	TypeMismatch
	// EmptyErasure marks a diff that would remove every remaining point;
	// use Delete instead.
	EmptyErasure
	// UnknownSeries marks an operation on a series with no registry entry.
	UnknownSeries
	// CodecCorrupt marks a chunk payload that failed to decode, or a value
	// the codec refused to encode (codec.ErrInvariant).
	CodecCorrupt
	// TxRequired marks a mutating call made without an active transaction.
	TxRequired
)

func (k ErrorKind) String() string {
	switch k {
	case BadInput:
		return "bad_input"
	case TypeMismatch:
		return "type_mismatch"
	case EmptyErasure:
		return "empty_erasure"
	case UnknownSeries:
		return "unknown_series"
	case CodecCorrupt:
		return "codec_corrupt"
	case TxRequired:
		return "tx_required"
	default:
		return "unknown"
	}
}

// EngineError is the typed error every public Engine method returns on
// failure. Kind lets callers branch on error category without parsing
// messages; Err carries the underlying sentinel or wrapped cause.
type EngineError struct {
	Kind ErrorKind
	Err  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine: %s: %v", e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Kind: kind, Err: err}
}

// classify maps a lower-layer sentinel to its engine error kind.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, registry.ErrUnknownSeries):
		return UnknownSeries
	case errors.Is(err, registry.ErrTypeMismatch):
		return TypeMismatch
	case errors.Is(err, series.ErrDuplicateIndex), errors.Is(err, series.ErrLengthMismatch):
		return BadInput
	case errors.Is(err, codec.ErrCorrupt), errors.Is(err, codec.ErrInvariant):
		return CodecCorrupt
	case errors.Is(err, db.ErrTxRequired):
		return TxRequired
	default:
		return BadInput
	}
}

// ErrEmptyErasure is the sentinel behind an EmptyErasure EngineError: the
// caller tried to erase every remaining point of a series via insert
// rather than the explicit Delete operation.
var ErrEmptyErasure = errors.New("engine: insert would erase the entire series; use delete")

// Namespace is the schema prefix every table lives under (spec.md §6
// default "tsh").
const Namespace = "tsh"

// Options configures an Engine beyond its *db.DB, mirroring the
// teacher's Config-struct-with-injectable-clock convention
// (chunk/memory.Config's Now field). The zero Options is the production
// default: real wall-clock time.
type Options struct {
	// Now, if set, is used as the default insertion_date for an Insert
	// call that doesn't pin one explicitly. Defaults to time.Now.
	Now func() time.Time
}

// Engine is the top-level library handle: a *db.DB plus the component
// stores built on top of it.
type Engine struct {
	db   *db.DB
	reg  *registry.Registry
	snap *snapshot.Store
	rev  *revision.Log
	now  func() time.Time
}

// New wires an Engine from an opened *db.DB, using the production
// default clock.
func New(database *db.DB) *Engine {
	return NewWithOptions(database, Options{})
}

// NewWithOptions wires an Engine with explicit Options, primarily so
// tests and backfill tools can inject a deterministic clock.
func NewWithOptions(database *db.DB, opts Options) *Engine {
	snap := snapshot.New(pgstore.New())
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		db:   database,
		reg:  registry.New(),
		snap: snap,
		rev:  revision.New(snap),
		now:  now,
	}
}

// WithTx runs fn inside a fresh transaction, committing if fn returns
// nil and rolling back otherwise. It always begins a new transaction;
// callers that already hold a db.Tx pass it to the methods directly.
func (e *Engine) WithTx(ctx context.Context, fn func(ctx context.Context, tx db.Tx) error) error {
	return e.db.WithTx(ctx, fn)
}

// Insert writes series s under name, attributed to author, returning the
// diff that was actually applied, or nil if the insertion was a no-op
// (spec.md §4.2's no-op detection: insert returns nothing on empty
// diff and allocates no changeset). insertionDate pins the changeset's
// insertion_date explicitly (spec.md §6's optional insert(...,
// insertion_date?) parameter, for backfills and point-in-time replays);
// the zero time.Time defers to the engine's clock (Options.Now, or
// time.Now by default).
func (e *Engine) Insert(ctx context.Context, tx db.Tx, name string, s series.Series, author string, metadata []byte, insertionDate time.Time) (*series.Series, error) {
	if err := db.RequireTx(tx); err != nil {
		return nil, wrap(TxRequired, err)
	}
	if err := s.Validate(); err != nil {
		return nil, wrap(classify(err), err)
	}

	entry, err := e.reg.EnsureCreated(ctx, tx, name, s.Kind, false)
	if err != nil {
		return nil, wrap(classify(err), err)
	}

	sorted := s.Sort()
	existing, hasExisting, err := e.rev.Get(ctx, tx, Namespace, entry.TableName, name, s.Kind, time.Time{}, 0, 0, false, false)
	if err != nil {
		return nil, wrap(classify(err), err)
	}
	if !hasExisting {
		existing = series.Series{Kind: s.Kind}
	}

	d := diff.Diff(existing, sorted)
	if d.Len() == 0 {
		return nil, nil
	}

	if hasExisting {
		patched := diff.Patch(existing, d).DropNulls()
		if patched.Len() == 0 {
			return nil, wrap(EmptyErasure, ErrEmptyErasure)
		}
	}

	if insertionDate.IsZero() {
		insertionDate = e.now()
	}
	cset, err := e.rev.OpenChangeset(ctx, tx, author, metadata, insertionDate)
	if err != nil {
		return nil, wrap(classify(err), err)
	}
	if err := e.rev.LinkSeries(ctx, tx, cset, entry.ID); err != nil {
		return nil, wrap(classify(err), err)
	}

	if _, err := e.rev.InsertRevision(ctx, tx, Namespace, entry.TableName, cset, name, s.Kind, d.Sort()); err != nil {
		return nil, wrap(classify(err), err)
	}
	return &d, nil
}

// Get returns the series as of revisionDate (zero for "latest"), sliced
// to [fromVdate, toVdate]. ok is false for an unknown or empty series.
func (e *Engine) Get(ctx context.Context, tx db.Tx, name string, revisionDate time.Time, fromVdate, toVdate int64, hasFrom, hasTo bool) (series.Series, bool, error) {
	entry, err := e.reg.Lookup(ctx, tx, name)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownSeries) {
			return series.Series{}, false, nil
		}
		return series.Series{}, false, wrap(classify(err), err)
	}
	got, ok, err := e.rev.Get(ctx, tx, Namespace, entry.TableName, name, kindFromMetadata(entry), revisionDate, fromVdate, toVdate, hasFrom, hasTo)
	if err != nil {
		return series.Series{}, false, wrap(classify(err), err)
	}
	return got, ok, nil
}

// History returns every revision of name whose insertion_date falls in
// [fromIdate, toIdate] and whose span overlaps [fromVdate, toVdate]. With
// diffmode true, each entry is the diff against the series' immediately
// preceding revision rather than the full reconstructed snapshot
// (spec.md §6's optional history(..., diffmode?) parameter).
func (e *Engine) History(ctx context.Context, tx db.Tx, name string, fromIdate, toIdate time.Time, fromVdate, toVdate int64, hasFromV, hasToV, diffmode bool) (map[time.Time]series.Series, error) {
	entry, err := e.reg.Lookup(ctx, tx, name)
	if err != nil {
		return nil, wrap(classify(err), err)
	}
	out, err := e.rev.History(ctx, tx, Namespace, entry.TableName, name, kindFromMetadata(entry), fromIdate, toIdate, fromVdate, toVdate, hasFromV, hasToV, diffmode)
	if err != nil {
		return nil, wrap(classify(err), err)
	}
	return out, nil
}

// Staircase produces the synthetic as-of-delta series described in
// spec.md §4.4, backed by a full (non-diffmode) History call.
func (e *Engine) Staircase(ctx context.Context, tx db.Tx, name string, delta time.Duration, fromVdate, toVdate int64, hasFrom, hasTo bool) (series.Series, error) {
	hist, err := e.History(ctx, tx, name, time.Time{}, time.Time{}, 0, 0, false, false, false)
	if err != nil {
		return series.Series{}, err
	}
	return revision.Staircase(hist, delta, fromVdate, toVdate, hasFrom, hasTo), nil
}

// Exists reports whether name has a registry entry.
func (e *Engine) Exists(ctx context.Context, tx db.Tx, name string) (bool, error) {
	ok, err := e.reg.Exists(ctx, tx, name)
	if err != nil {
		return false, wrap(classify(err), err)
	}
	return ok, nil
}

// ListSeries returns every registered series name.
func (e *Engine) ListSeries(ctx context.Context, tx db.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT seriename FROM tsh.registry ORDER BY seriename`)
	if err != nil {
		return nil, wrap(BadInput, fmt.Errorf("engine: list series: %w", err))
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrap(BadInput, fmt.Errorf("engine: scan series name: %w", err))
		}
		out = append(out, name)
	}
	return out, nil
}

// LatestInsertionDate returns the most recent insertion_date that
// touched name.
func (e *Engine) LatestInsertionDate(ctx context.Context, tx db.Tx, name string) (time.Time, bool, error) {
	entry, err := e.reg.Lookup(ctx, tx, name)
	if err != nil {
		return time.Time{}, false, wrap(classify(err), err)
	}
	t, ok, err := e.rev.LatestInsertionDate(ctx, tx, Namespace, entry.TableName)
	if err != nil {
		return time.Time{}, false, wrap(classify(err), err)
	}
	return t, ok, nil
}

// InsertionDates returns every insertion_date that touched name in
// [from, to].
func (e *Engine) InsertionDates(ctx context.Context, tx db.Tx, name string, from, to time.Time) ([]time.Time, error) {
	entry, err := e.reg.Lookup(ctx, tx, name)
	if err != nil {
		return nil, wrap(classify(err), err)
	}
	out, err := e.rev.InsertionDates(ctx, tx, Namespace, entry.TableName, from, to)
	if err != nil {
		return nil, wrap(classify(err), err)
	}
	return out, nil
}

// Interval returns name's full logical [from, to] span at its latest
// revision. interval raises UnknownSeries rather than returning nothing,
// per spec.md §7.
func (e *Engine) Interval(ctx context.Context, tx db.Tx, name string) (int64, int64, error) {
	entry, err := e.reg.Lookup(ctx, tx, name)
	if err != nil {
		return 0, 0, wrap(classify(err), err)
	}
	from, to, ok, err := e.rev.Interval(ctx, tx, Namespace, entry.TableName)
	if err != nil {
		return 0, 0, wrap(classify(err), err)
	}
	if !ok {
		return 0, 0, wrap(UnknownSeries, fmt.Errorf("%w: %s has no revisions", registry.ErrUnknownSeries, name))
	}
	return from, to, nil
}

// ChangesetAt returns the series at the revision written by changeset
// cset. ok is false if that changeset did not touch name; an earlier
// revision is not substituted.
func (e *Engine) ChangesetAt(ctx context.Context, tx db.Tx, name string, cset int64) (series.Series, bool, error) {
	entry, err := e.reg.Lookup(ctx, tx, name)
	if err != nil {
		return series.Series{}, false, wrap(classify(err), err)
	}
	row, ok, err := e.rev.ChangesetAt(ctx, tx, Namespace, entry.TableName, cset)
	if err != nil {
		return series.Series{}, false, wrap(classify(err), err)
	}
	if !ok {
		return series.Series{}, false, nil
	}
	got, err := e.snap.Reconstruct(ctx, tx, Namespace, entry.TableName, row.Snapshot, name, kindFromMetadata(entry), 0, 0, false, false)
	if err != nil {
		return series.Series{}, false, wrap(classify(err), err)
	}
	return got, true, nil
}

// Metadata returns name's registry metadata.
func (e *Engine) Metadata(ctx context.Context, tx db.Tx, name string) (registry.Metadata, error) {
	entry, err := e.reg.Lookup(ctx, tx, name)
	if err != nil {
		return registry.Metadata{}, wrap(classify(err), err)
	}
	return entry.Metadata, nil
}

// UpdateMetadata merges extra into name's extension metadata.
func (e *Engine) UpdateMetadata(ctx context.Context, tx db.Tx, name string, extra map[string]any) error {
	if err := db.RequireTx(tx); err != nil {
		return wrap(TxRequired, err)
	}
	if err := e.reg.UpdateMetadata(ctx, tx, name, extra); err != nil {
		return wrap(classify(err), err)
	}
	return nil
}

// Rename changes a series' external name.
func (e *Engine) Rename(ctx context.Context, tx db.Tx, oldName, newName string) error {
	if err := db.RequireTx(tx); err != nil {
		return wrap(TxRequired, err)
	}
	if err := e.reg.Rename(ctx, tx, oldName, newName); err != nil {
		return wrap(classify(err), err)
	}
	return nil
}

// Delete is the explicit administrative cascade: drops the series'
// snapshot and revision tables and its registry entry. Unlike insert's
// EmptyErasure guard, this is the sanctioned way to erase a series
// entirely (spec.md §3 "Lifecycles").
func (e *Engine) Delete(ctx context.Context, tx db.Tx, name string) error {
	if err := db.RequireTx(tx); err != nil {
		return wrap(TxRequired, err)
	}
	entry, err := e.reg.Lookup(ctx, tx, name)
	if err != nil {
		return wrap(classify(err), err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pgstore.TimeserieTable(Namespace, entry.TableName))); err != nil {
		return wrap(BadInput, fmt.Errorf("engine: drop timeserie table: %w", err))
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pgstore.SnapshotTable(Namespace, entry.TableName))); err != nil {
		return wrap(BadInput, fmt.Errorf("engine: drop snapshot table: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tsh.changeset_series WHERE serie = $1`, entry.ID); err != nil {
		return wrap(BadInput, fmt.Errorf("engine: detach changeset_series: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tsh.registry WHERE id = $1`, entry.ID); err != nil {
		return wrap(BadInput, fmt.Errorf("engine: delete registry entry: %w", err))
	}
	return nil
}

// Strip deletes revision rows with cset >= targetCset, marks the
// affected changesets stripped, and reclaims now-unreachable chunks.
func (e *Engine) Strip(ctx context.Context, tx db.Tx, name string, targetCset int64) (int, error) {
	if err := db.RequireTx(tx); err != nil {
		return 0, wrap(TxRequired, err)
	}
	entry, err := e.reg.Lookup(ctx, tx, name)
	if err != nil {
		return 0, wrap(classify(err), err)
	}
	n, err := e.rev.Strip(ctx, tx, Namespace, entry.TableName, entry.ID, targetCset)
	if err != nil {
		return 0, wrap(classify(err), err)
	}
	return n, nil
}

// Reclaim runs an out-of-band garbage collection sweep over name's
// snapshot table, deleting any chunk unreachable from a live revision
// head. It is the operation internal/batch's reclaim sweep drives across
// every registered series on a schedule.
func (e *Engine) Reclaim(ctx context.Context, tx db.Tx, name string) (int, error) {
	if err := db.RequireTx(tx); err != nil {
		return 0, wrap(TxRequired, err)
	}
	entry, err := e.reg.Lookup(ctx, tx, name)
	if err != nil {
		return 0, wrap(classify(err), err)
	}
	n, err := e.rev.Reclaim(ctx, tx, Namespace, entry.TableName)
	if err != nil {
		return 0, wrap(classify(err), err)
	}
	return n, nil
}

// Log returns every changeset id that touched name, ascending, matching
// the database sequence order regardless of commit interleaving.
func (e *Engine) Log(ctx context.Context, tx db.Tx, name string) ([]int64, error) {
	entry, err := e.reg.Lookup(ctx, tx, name)
	if err != nil {
		return nil, wrap(classify(err), err)
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT cset FROM tsh.changeset_series WHERE serie = $1 ORDER BY cset ASC`, entry.ID)
	if err != nil {
		return nil, wrap(BadInput, fmt.Errorf("engine: query log: %w", err))
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrap(BadInput, fmt.Errorf("engine: scan changeset id: %w", err))
		}
		out = append(out, id)
	}
	return out, nil
}

// Info returns a human-oriented summary for name, in the spirit of the
// teacher's cmd/gastrolog info output: name, table, metadata, and span.
type Info struct {
	Name      string
	TableName string
	Metadata  registry.Metadata
	TSStart   int64
	TSEnd     int64
}

// Info assembles the Info summary for name.
func (e *Engine) Info(ctx context.Context, tx db.Tx, name string) (Info, error) {
	entry, err := e.reg.Lookup(ctx, tx, name)
	if err != nil {
		return Info{}, wrap(classify(err), err)
	}
	from, to, _, err := e.rev.Interval(ctx, tx, Namespace, entry.TableName)
	if err != nil {
		return Info{}, wrap(classify(err), err)
	}
	return Info{Name: name, TableName: entry.TableName, Metadata: entry.Metadata, TSStart: from, TSEnd: to}, nil
}

func kindFromMetadata(entry registry.Entry) series.Kind {
	if entry.Metadata.ValueType == series.KindText.String() {
		return series.KindText
	}
	return series.KindFloat
}
