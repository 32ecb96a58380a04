package sqlitemigrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T, name string) *sql.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return sqlDB
}

func TestApply_RunsInOrderOnce(t *testing.T) {
	sqlDB := openTestDB(t, "migrate_order")
	migrationFS := fstest.MapFS{
		"0002_add_column.sql": {Data: []byte("ALTER TABLE items ADD COLUMN name TEXT;")},
		"0001_create.sql":     {Data: []byte("CREATE TABLE items (id TEXT PRIMARY KEY);")},
		"notes.txt":           {Data: []byte("ignored")},
	}

	if err := Apply(context.Background(), sqlDB, migrationFS, "."); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// A second run must be a no-op.
	if err := Apply(context.Background(), sqlDB, migrationFS, "."); err != nil {
		t.Fatalf("re-apply: %v", err)
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("applied migrations = %d, want 2", count)
	}

	if _, err := sqlDB.Exec("INSERT INTO items (id, name) VALUES ('a', 'n')"); err != nil {
		t.Fatalf("schema should include both migrations: %v", err)
	}
}

func TestApply_FailedMigrationRollsBack(t *testing.T) {
	sqlDB := openTestDB(t, "migrate_rollback")
	migrationFS := fstest.MapFS{
		"0001_bad.sql": {Data: []byte("CREATE BROKEN SYNTAX;")},
	}

	if err := Apply(context.Background(), sqlDB, migrationFS, "."); err == nil {
		t.Fatal("expected error from broken migration")
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 0 {
		t.Fatalf("failed migration should not be recorded, got %d rows", count)
	}
}
