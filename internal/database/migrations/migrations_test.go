package migrations

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	for _, table := range []string{"items", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s was not created: %v", table, err)
		}
	}
}

func TestCheckDBMigrationStatus(t *testing.T) {
	t.Run("fresh database needs migration", func(t *testing.T) {
		db := openTestDB(t)
		if err := CheckDBMigrationStatus(db); !errors.Is(err, ErrNeedsMigration) {
			t.Errorf("CheckDBMigrationStatus() error = %v, want ErrNeedsMigration", err)
		}
	})

	t.Run("up to date after migration", func(t *testing.T) {
		db := openTestDB(t)
		if err := MigrateUp(db); err != nil {
			t.Fatalf("MigrateUp() failed: %v", err)
		}
		if err := CheckDBMigrationStatus(db); err != nil {
			t.Errorf("CheckDBMigrationStatus() error = %v", err)
		}
	})
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("first MigrateUp() failed: %v", err)
	}
	if err := MigrateUp(db); err != nil {
		t.Errorf("second MigrateUp() failed: %v", err)
	}
}

func TestLatestVersion(t *testing.T) {
	v, err := LatestVersion()
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if v != 1 {
		t.Errorf("LatestVersion() = %d, want 1", v)
	}
}

func TestSchema_Items(t *testing.T) {
	db := openTestDB(t)
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	insert := `INSERT INTO items (id, object_key, display_name, size, created_at) VALUES (?, ?, ?, ?, datetime('now'))`
	if _, err := db.Exec(insert, "item-1", "objects/a.jpg", "a.jpg", 10); err != nil {
		t.Fatalf("inserting item: %v", err)
	}

	t.Run("object keys are unique", func(t *testing.T) {
		if _, err := db.Exec(insert, "item-2", "objects/a.jpg", "copy.jpg", 10); err == nil {
			t.Error("expected unique constraint violation for duplicate object key")
		}
	})

	t.Run("size cannot be negative", func(t *testing.T) {
		if _, err := db.Exec(insert, "item-3", "objects/c.jpg", "c.jpg", -1); err == nil {
			t.Error("expected check constraint violation for negative size")
		}
	})

	t.Run("content type has a default", func(t *testing.T) {
		var ct string
		if err := db.QueryRow("SELECT content_type FROM items WHERE id = 'item-1'").Scan(&ct); err != nil {
			t.Fatal(err)
		}
		if ct != "application/octet-stream" {
			t.Errorf("content_type = %q, want application/octet-stream", ct)
		}
	})
}

// openTestDB opens an in-memory SQLite database for testing.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// Every pooled connection to :memory: is its own database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
