package sqlitemigrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func TestApplyRecordsMigrations(t *testing.T) {
	db := openInMemoryDB(t)
	migrations := fstest.MapFS{
		"migrations/001_create.sql": &fstest.MapFile{
			Data: []byte("-- +migrate Up\nCREATE TABLE items(id TEXT PRIMARY KEY);\n-- +migrate Down\nDROP TABLE items;"),
		},
		"migrations/notes.txt": &fstest.MapFile{Data: []byte("ignored")},
	}

	if err := Apply(context.Background(), db, migrations, "migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if got := countRows(t, db, "schema_migrations"); got != 1 {
		t.Fatalf("expected 1 migration row, got %d", got)
	}
	if got := countRows(t, db, "items"); got != 0 {
		t.Fatalf("expected empty items table, got %d rows", got)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	db := openInMemoryDB(t)
	migrations := fstest.MapFS{
		"001_create.sql": &fstest.MapFile{Data: []byte("CREATE TABLE items(id TEXT PRIMARY KEY);")},
		"002_seed.sql":   &fstest.MapFile{Data: []byte("-- +migrate Up\nINSERT INTO items(id) VALUES ('a');")},
	}
	for i := 0; i < 2; i++ {
		if err := Apply(context.Background(), db, migrations, ""); err != nil {
			t.Fatalf("apply pass %d: %v", i, err)
		}
	}
	if got := countRows(t, db, "items"); got != 1 {
		t.Fatalf("expected seed to run once, got %d rows", got)
	}
}

func TestApplyRejectsNilDB(t *testing.T) {
	if err := Apply(context.Background(), nil, fstest.MapFS{}, ""); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestLoadSortsByName(t *testing.T) {
	fsys := fstest.MapFS{
		"b.sql": &fstest.MapFile{Data: []byte("SELECT 2;")},
		"a.sql": &fstest.MapFile{Data: []byte("SELECT 1;")},
	}
	migrations, err := Load(fsys, ".")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Name != "a.sql" || migrations[1].Name != "b.sql" {
		t.Fatalf("unexpected order: %+v", migrations)
	}
}

func TestExtractUp(t *testing.T) {
	got := ExtractUp("-- +migrate Up\nCREATE TABLE x(id INT);\n-- +migrate Down\nDROP TABLE x;")
	if got != "\nCREATE TABLE x(id INT);\n" {
		t.Fatalf("unexpected up section %q", got)
	}
	if got := ExtractUp("SELECT 1;"); got != "SELECT 1;" {
		t.Fatalf("expected whole file without markers, got %q", got)
	}
}

func openInMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func countRows(t *testing.T, db *sql.DB, table string) int64 {
	t.Helper()
	var count int64
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}
