// Package registry maps external series names to storage table names and
// carries their type/metadata record: the table_name derivation rule,
// the reserved-key metadata schema, and the two-layered advisory lock
// that serializes concurrent first-creation of the same series.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"tshgo/internal/callgroup"
	"tshgo/internal/db"
	"tshgo/internal/pgstore"
	"tshgo/internal/series"
)

// maxTableNameBytes is the Postgres identifier length limit; a seriename
// longer than this is hashed instead of used verbatim.
const maxTableNameBytes = 63

// reservedKeys are the metadata fields owned by the registry itself; a
// caller's extension keys must not collide with them.
var reservedKeys = map[string]bool{
	"tzaware":     true,
	"index_type":  true,
	"index_dtype": true,
	"value_type":  true,
	"value_dtype": true,
	"index_names": true,
}

var (
	// ErrUnknownSeries is returned for operations on a series with no
	// registry entry.
	ErrUnknownSeries = errors.New("registry: unknown series")
	// ErrReservedKey is returned when a caller attempts to set a reserved
	// metadata key via UpdateMetadata.
	ErrReservedKey = errors.New("registry: metadata key is reserved")
	// ErrTypeMismatch is returned when an insertion's kind disagrees with
	// the registered value_type.
	ErrTypeMismatch = errors.New("registry: value type mismatch")
)

// Metadata is a series' registry metadata record.
type Metadata struct {
	TZAware    bool           `json:"tzaware"`
	IndexType  string         `json:"index_type"`
	IndexDtype string         `json:"index_dtype"`
	ValueType  string         `json:"value_type"`
	ValueDtype string         `json:"value_dtype"`
	IndexNames []string       `json:"index_names,omitempty"`
	Extra      map[string]any `json:"-"`
}

// Entry is a registry row: the stable id, external name, derived storage
// table name, and metadata.
type Entry struct {
	ID        int64
	Name      string
	TableName string
	Metadata  Metadata
}

// Registry resolves series names to table names and metadata, serializing
// concurrent first-creation with a two-layered lock: an in-process
// callgroup.Group collapses concurrent callers within this process onto
// one creation attempt, and a Postgres advisory transaction lock
// (pg_advisory_xact_lock, keyed by an xxhash of the name) serializes
// across processes.
type Registry struct {
	creates callgroup.Group[string]
}

// New returns a Registry.
func New() *Registry {
	return &Registry{}
}

// TableName derives the storage table name for a series name: the name
// itself if it fits in maxTableNameBytes, otherwise a sha256 hex digest.
// Callers that hit a collision against an existing different series fall
// back to a fresh UUID (handled by EnsureCreated, which has registry
// visibility).
func TableName(name string) string {
	if len(name) <= maxTableNameBytes {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}

// lockKey returns the advisory-lock key for a series name: an xxhash of
// the name, computed in-process rather than with Postgres's hashtext.
// The in-process callgroup is keyed by the name itself, not this hash.
func lockKey(name string) int64 {
	return int64(xxhash.Sum64String(name)) //nolint:gosec // G115: advisory lock keys are intentionally reinterpreted as signed
}

// Lookup returns the registry entry for name, or ErrUnknownSeries.
func (r *Registry) Lookup(ctx context.Context, tx db.Tx, name string) (Entry, error) {
	var e Entry
	var metaJSON []byte
	row := tx.QueryRowContext(ctx,
		`SELECT id, seriename, table_name, metadata FROM tsh.registry WHERE seriename = $1`, name)
	if err := row.Scan(&e.ID, &e.Name, &e.TableName, &metaJSON); err != nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownSeries, name)
	}
	if err := unmarshalMetadata(metaJSON, &e.Metadata); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Exists reports whether a series is registered.
func (r *Registry) Exists(ctx context.Context, tx db.Tx, name string) (bool, error) {
	_, err := r.Lookup(ctx, tx, name)
	if err != nil {
		if errors.Is(err, ErrUnknownSeries) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// EnsureCreated registers name if it is not already present, deriving its
// table name and creating its backing snapshot table, under the
// two-layered advisory lock. It returns the (possibly pre-existing)
// registry entry.
func (r *Registry) EnsureCreated(ctx context.Context, tx db.Tx, name string, kind series.Kind, tzaware bool) (Entry, error) {
	if err := db.RequireTx(tx); err != nil {
		return Entry{}, err
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey(name)); err != nil {
		return Entry{}, fmt.Errorf("registry: acquire advisory lock: %w", err)
	}

	var result Entry
	err := <-r.creates.DoChan(name, func() error {
		existing, lookupErr := r.Lookup(ctx, tx, name)
		if lookupErr == nil {
			if existing.Metadata.ValueType != kind.String() {
				return fmt.Errorf("%w: series %q is %s, got %s", ErrTypeMismatch, name, existing.Metadata.ValueType, kind.String())
			}
			result = existing
			return nil
		}
		if !errors.Is(lookupErr, ErrUnknownSeries) {
			return lookupErr
		}

		table := TableName(name)
		if collided, _ := r.tableNameTaken(ctx, tx, table, name); collided {
			table = uuid.Must(uuid.NewV7()).String()
		}

		meta := Metadata{
			TZAware:    tzaware,
			IndexType:  "timestamp",
			IndexDtype: "int64",
			ValueType:  kind.String(),
			ValueDtype: valueDtype(kind),
		}
		metaJSON, marshalErr := marshalMetadata(meta)
		if marshalErr != nil {
			return marshalErr
		}

		var id int64
		insertErr := tx.QueryRowContext(ctx,
			`INSERT INTO tsh.registry (seriename, table_name, metadata) VALUES ($1, $2, $3) RETURNING id`,
			name, table, metaJSON,
		).Scan(&id)
		if insertErr != nil {
			return fmt.Errorf("registry: insert entry: %w", insertErr)
		}

		if err := pgstore.CreateSnapshotTable(ctx, tx, "tsh", table); err != nil {
			return err
		}
		if err := pgstore.CreateTimeserieTable(ctx, tx, "tsh", table); err != nil {
			return err
		}

		result = Entry{ID: id, Name: name, TableName: table, Metadata: meta}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return result, nil
}

func (r *Registry) tableNameTaken(ctx context.Context, tx db.Tx, table, excludeName string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM tsh.registry WHERE table_name = $1 AND seriename != $2`, table, excludeName,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("registry: check table name collision: %w", err)
	}
	return count > 0, nil
}

// UpdateMetadata merges extra into a series' extension metadata. Reserved
// keys are rejected with ErrReservedKey; they are immutable post-creation.
func (r *Registry) UpdateMetadata(ctx context.Context, tx db.Tx, name string, extra map[string]any) error {
	for k := range extra {
		if reservedKeys[k] {
			return fmt.Errorf("%w: %s", ErrReservedKey, k)
		}
	}
	entry, err := r.Lookup(ctx, tx, name)
	if err != nil {
		return err
	}
	if entry.Metadata.Extra == nil {
		entry.Metadata.Extra = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		entry.Metadata.Extra[k] = v
	}
	metaJSON, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tsh.registry SET metadata = $1 WHERE seriename = $2`, metaJSON, name)
	if err != nil {
		return fmt.Errorf("registry: update metadata: %w", err)
	}
	return nil
}

// Rename updates a series' external name without touching its storage
// table name.
func (r *Registry) Rename(ctx context.Context, tx db.Tx, oldName, newName string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tsh.registry SET seriename = $1 WHERE seriename = $2`, newName, oldName)
	if err != nil {
		return fmt.Errorf("registry: rename: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: rename rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSeries, oldName)
	}
	return nil
}

func valueDtype(kind series.Kind) string {
	if kind == series.KindText {
		return "object"
	}
	return "float64"
}

func marshalMetadata(m Metadata) ([]byte, error) {
	raw := map[string]any{
		"tzaware":     m.TZAware,
		"index_type":  m.IndexType,
		"index_dtype": m.IndexDtype,
		"value_type":  m.ValueType,
		"value_dtype": m.ValueDtype,
	}
	if len(m.IndexNames) > 0 {
		raw["index_names"] = m.IndexNames
	}
	for k, v := range m.Extra {
		raw[k] = v
	}
	return json.Marshal(raw)
}

func unmarshalMetadata(data []byte, out *Metadata) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("registry: unmarshal metadata: %w", err)
	}
	out.Extra = make(map[string]any)
	for k, v := range raw {
		switch k {
		case "tzaware":
			if b, ok := v.(bool); ok {
				out.TZAware = b
			}
		case "index_type":
			out.IndexType, _ = v.(string)
		case "index_dtype":
			out.IndexDtype, _ = v.(string)
		case "value_type":
			out.ValueType, _ = v.(string)
		case "value_dtype":
			out.ValueDtype, _ = v.(string)
		case "index_names":
			if arr, ok := v.([]any); ok {
				for _, e := range arr {
					if s, ok := e.(string); ok {
						out.IndexNames = append(out.IndexNames, s)
					}
				}
			}
		default:
			out.Extra[k] = v
		}
	}
	return nil
}
