package storage

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/diamond/internal/diamond"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgres(sqlx.NewDb(db, "postgres")), mock
}

func TestApplyExecutesAllMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	for range migrations {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if err := Apply(context.Background(), db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyStopsOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))

	if err := Apply(context.Background(), db); err == nil {
		t.Fatal("expected migration error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLoadRoutes(t *testing.T) {
	store, mock := newMockStore(t)
	frozen := util.Uint160{0xF0}

	mock.ExpectQuery("SELECT value FROM diamond_meta").
		WithArgs(metaFrozen).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(hexID(frozen)))
	mock.ExpectQuery("SELECT module, selectors FROM diamond_routes").
		WillReturnRows(sqlmock.NewRows([]string{"module", "selectors"}).
			AddRow(hexID(util.Uint160{0x02}), "{0xaabbccdd}").
			AddRow(hexID(util.Uint160{0x01}), "{0x01020304,0x05060708}"))

	snap, err := store.LoadRoutes(context.Background())
	if err != nil {
		t.Fatalf("LoadRoutes: %v", err)
	}
	if snap.Frozen == nil || *snap.Frozen != frozen {
		t.Errorf("Frozen = %v, want %v", snap.Frozen, frozen)
	}
	if len(snap.Facets) != 2 || snap.Facets[0].Module != (util.Uint160{0x01}) {
		t.Fatalf("Facets = %+v", snap.Facets)
	}
	want := []diamond.Selector{{1, 2, 3, 4}, {5, 6, 7, 8}}
	for i, sel := range snap.Facets[0].Selectors {
		if sel != want[i] {
			t.Errorf("selector %d = %s, want %s", i, sel, want[i])
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLoadRoutesEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT value FROM diamond_meta").WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectQuery("SELECT module, selectors FROM diamond_routes").
		WillReturnRows(sqlmock.NewRows([]string{"module", "selectors"}))

	snap, err := store.LoadRoutes(context.Background())
	if err != nil {
		t.Fatalf("LoadRoutes: %v", err)
	}
	if snap.Frozen != nil || len(snap.Facets) != 0 {
		t.Errorf("snapshot = %+v, want empty", snap)
	}
}

func TestPostgresSaveRoutes(t *testing.T) {
	store, mock := newMockStore(t)
	snap := sampleSnapshot()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM diamond_routes").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO diamond_routes").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO diamond_routes").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO diamond_meta").
		WithArgs(metaFrozen, hexID(*snap.Frozen)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.SaveRoutes(context.Background(), snap); err != nil {
		t.Fatalf("SaveRoutes: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresSaveRoutesRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM diamond_routes").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO diamond_routes").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	snap := diamond.Snapshot{Facets: []diamond.Facet{{Module: util.Uint160{1}, Selectors: []diamond.Selector{{1}}}}}
	if err := store.SaveRoutes(context.Background(), snap); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresApplyState(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO diamond_state").WithArgs("a", []byte("1")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO diamond_state").WithArgs("b", []byte("2")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM diamond_state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	delta := StateDelta{
		Puts:    map[string][]byte{"b": []byte("2"), "a": []byte("1")},
		Deletes: []string{"c"},
	}
	if err := store.ApplyState(context.Background(), delta); err != nil {
		t.Fatalf("ApplyState: %v", err)
	}
	if err := store.ApplyState(context.Background(), StateDelta{}); err != nil {
		t.Fatalf("empty ApplyState: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresOwner(t *testing.T) {
	store, mock := newMockStore(t)
	owner := util.Uint160{0xAD}

	mock.ExpectExec("INSERT INTO diamond_meta").
		WithArgs(metaOwner, hexID(owner)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT value FROM diamond_meta").
		WithArgs(metaOwner).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(hexID(owner)))
	mock.ExpectQuery("SELECT value FROM diamond_meta").
		WithArgs(metaOwner).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(""))

	ctx := context.Background()
	if err := store.SaveOwner(ctx, OwnerRecord{Owner: &owner}); err != nil {
		t.Fatalf("SaveOwner: %v", err)
	}
	rec, err := store.LoadOwner(ctx)
	if err != nil {
		t.Fatalf("LoadOwner: %v", err)
	}
	if rec == nil || rec.Owner == nil || *rec.Owner != owner {
		t.Errorf("owner = %+v, want %v", rec, owner)
	}
	rec, err = store.LoadOwner(ctx)
	if err != nil {
		t.Fatalf("LoadOwner: %v", err)
	}
	if rec == nil || rec.Owner != nil {
		t.Errorf("owner = %+v, want renounced", rec)
	}
}

func TestPostgresModules(t *testing.T) {
	store, mock := newMockStore(t)
	id := util.Uint160{0x07}

	mock.ExpectExec("INSERT INTO diamond_modules").
		WithArgs(hexID(id), "counter", "function inc() {}").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, name, source FROM diamond_modules").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "source"}).AddRow(hexID(id), "counter", "function inc() {}"))

	ctx := context.Background()
	if err := store.SaveModule(ctx, ModuleRecord{ID: id, Name: "counter", Source: "function inc() {}"}); err != nil {
		t.Fatalf("SaveModule: %v", err)
	}
	mods, err := store.LoadModules(ctx)
	if err != nil {
		t.Fatalf("LoadModules: %v", err)
	}
	if len(mods) != 1 || mods[0].ID != id || mods[0].Name != "counter" {
		t.Errorf("modules = %+v", mods)
	}
}

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	store, err := OpenPostgres(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, stmt := range []string{`DELETE FROM diamond_routes`, `DELETE FROM diamond_meta`, `DELETE FROM diamond_state`, `DELETE FROM diamond_modules`} {
		if _, err := store.db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("reset: %v", err)
		}
	}
	exerciseStore(t, store)
}
