package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/diamond/internal/diamond"
)

const (
	metaFrozen = "frozen"
	metaOwner  = "owner"
)

// Postgres implements Store backed by PostgreSQL.
type Postgres struct {
	db *sqlx.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Store using the provided database handle. The
// schema is expected to exist; see Apply.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects to dsn and applies the migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("storage: postgres dsn is required")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}
	if err := Apply(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgres(db), nil
}

type routeRow struct {
	Module    string         `db:"module"`
	Selectors pq.StringArray `db:"selectors"`
}

func (s *Postgres) LoadRoutes(ctx context.Context) (diamond.Snapshot, error) {
	snap := diamond.Snapshot{Facets: []diamond.Facet{}}

	frozen, ok, err := s.meta(ctx, metaFrozen)
	if err != nil {
		return diamond.Snapshot{}, err
	}
	if ok {
		id, err := diamond.ParseModuleID(frozen)
		if err != nil {
			return diamond.Snapshot{}, fmt.Errorf("storage: frozen facet: %w", err)
		}
		snap.Frozen = &id
	}

	var rows []routeRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT module, selectors FROM diamond_routes`); err != nil {
		return diamond.Snapshot{}, fmt.Errorf("storage: load routes: %w", err)
	}
	for _, row := range rows {
		id, err := diamond.ParseModuleID(row.Module)
		if err != nil {
			return diamond.Snapshot{}, fmt.Errorf("storage: load routes: %w", err)
		}
		sels := make([]diamond.Selector, 0, len(row.Selectors))
		for _, raw := range row.Selectors {
			sel, err := diamond.ParseSelector(raw)
			if err != nil {
				return diamond.Snapshot{}, fmt.Errorf("storage: load routes: %w", err)
			}
			sels = append(sels, sel)
		}
		snap.Facets = append(snap.Facets, diamond.Facet{Module: id, Selectors: sels})
	}
	snap.Facets = sortedFacets(snap.Facets)
	return snap, nil
}

// SaveRoutes replaces the stored table in one transaction.
func (s *Postgres) SaveRoutes(ctx context.Context, snap diamond.Snapshot) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: save routes: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM diamond_routes`); err != nil {
		return fmt.Errorf("storage: save routes: %w", err)
	}
	for _, f := range sortedFacets(snap.Facets) {
		sels := make([]string, 0, len(f.Selectors))
		for _, sel := range f.Selectors {
			sels = append(sels, sel.String())
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO diamond_routes (module, selectors)
			VALUES ($1, $2)
		`, hexID(f.Module), pq.Array(sels)); err != nil {
			return fmt.Errorf("storage: save routes: %w", err)
		}
	}
	if snap.Frozen != nil {
		err = putMeta(ctx, tx, metaFrozen, hexID(*snap.Frozen))
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM diamond_meta WHERE key = $1`, metaFrozen)
	}
	if err != nil {
		return fmt.Errorf("storage: save routes: %w", err)
	}
	return tx.Commit()
}

type stateRow struct {
	Key   string `db:"key"`
	Value []byte `db:"value"`
}

func (s *Postgres) LoadState(ctx context.Context) (map[string][]byte, error) {
	var rows []stateRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT key, value FROM diamond_state`); err != nil {
		return nil, fmt.Errorf("storage: load state: %w", err)
	}
	out := make(map[string][]byte, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

func (s *Postgres) ApplyState(ctx context.Context, delta StateDelta) error {
	if delta.Empty() {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: apply state: %w", err)
	}
	defer tx.Rollback()

	keys := make([]string, 0, len(delta.Puts))
	for k := range delta.Puts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO diamond_state (key, value)
			VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
		`, k, delta.Puts[k]); err != nil {
			return fmt.Errorf("storage: apply state: %w", err)
		}
	}
	if len(delta.Deletes) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM diamond_state WHERE key = ANY($1)`, pq.Array(delta.Deletes)); err != nil {
			return fmt.Errorf("storage: apply state: %w", err)
		}
	}
	return tx.Commit()
}

type moduleRow struct {
	ID     string `db:"id"`
	Name   string `db:"name"`
	Source string `db:"source"`
}

func (s *Postgres) LoadModules(ctx context.Context) ([]ModuleRecord, error) {
	var rows []moduleRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name, source FROM diamond_modules ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("storage: load modules: %w", err)
	}
	out := make([]ModuleRecord, 0, len(rows))
	for _, row := range rows {
		id, err := diamond.ParseModuleID(row.ID)
		if err != nil {
			return nil, fmt.Errorf("storage: load modules: %w", err)
		}
		out = append(out, ModuleRecord{ID: id, Name: row.Name, Source: row.Source})
	}
	return out, nil
}

func (s *Postgres) SaveModule(ctx context.Context, rec ModuleRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO diamond_modules (id, name, source)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, hexID(rec.ID), rec.Name, rec.Source)
	if err != nil {
		return fmt.Errorf("storage: save module: %w", err)
	}
	return nil
}

func (s *Postgres) LoadOwner(ctx context.Context) (*OwnerRecord, error) {
	raw, ok, err := s.meta(ctx, metaOwner)
	if err != nil || !ok {
		return nil, err
	}
	if raw == "" {
		return &OwnerRecord{}, nil
	}
	owner, err := diamond.ParseModuleID(raw)
	if err != nil {
		return nil, fmt.Errorf("storage: owner: %w", err)
	}
	return &OwnerRecord{Owner: &owner}, nil
}

func (s *Postgres) SaveOwner(ctx context.Context, rec OwnerRecord) error {
	value := ""
	if rec.Owner != nil {
		value = hexID(*rec.Owner)
	}
	if err := putMeta(ctx, s.db, metaOwner, value); err != nil {
		return fmt.Errorf("storage: save owner: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Postgres) Close() error {
	return s.db.Close()
}

func (s *Postgres) meta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM diamond_meta WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return value, true, nil
}

func putMeta(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO diamond_meta (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}

func hexID(id util.Uint160) string {
	return "0x" + id.StringLE()
}
