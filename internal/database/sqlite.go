package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"photodrop/internal/bundle"
	"photodrop/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// maxQueryParams keeps IN lists under SQLite's bound parameter limit.
const maxQueryParams = 500

// ErrDuplicateItem is returned by CreateItem when the id or object key is taken.
var ErrDuplicateItem = errors.New("item already exists")

// SQLiteDatabase stores item metadata in SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens the database at path and applies pending
// migrations. path can be a file path or ":memory:".
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing, already migrated connection.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// Every pooled connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return db, nil
}

// ListItemsByIDs returns the items whose ids are in ids. Unknown ids are
// omitted.
func (s *SQLiteDatabase) ListItemsByIDs(ctx context.Context, ids []string) ([]*bundle.Item, error) {
	items := make([]*bundle.Item, 0, len(ids))
	for start := 0; start < len(ids); start += maxQueryParams {
		end := min(start+maxQueryParams, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := `SELECT id, object_key, display_name, content_type, size, created_at
			FROM items WHERE id IN (?` + strings.Repeat(", ?", len(chunk)-1) + `)`

		found, err := s.queryItems(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("listing items by id: %w", err)
		}
		items = append(items, found...)
	}
	return items, nil
}

// CreateItem records a new item. A zero CreatedAt is set to now.
func (s *SQLiteDatabase) CreateItem(ctx context.Context, item *bundle.Item) error {
	if item.ID == "" || item.ObjectKey == "" {
		return errors.New("item needs an id and an object key")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	contentType := item.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (id, object_key, display_name, content_type, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.ObjectKey, item.DisplayName, contentType, item.Size, item.CreatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
		}
		return fmt.Errorf("creating item: %w", err)
	}
	item.ContentType = contentType
	return nil
}

// ListItems returns up to limit items, newest first.
func (s *SQLiteDatabase) ListItems(ctx context.Context, limit int) ([]*bundle.Item, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	items, err := s.queryItems(ctx,
		`SELECT id, object_key, display_name, content_type, size, created_at
		FROM items ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	return items, nil
}

func (s *SQLiteDatabase) queryItems(ctx context.Context, query string, args ...any) ([]*bundle.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*bundle.Item
	for rows.Next() {
		var item bundle.Item
		if err := rows.Scan(&item.ID, &item.ObjectKey, &item.DisplayName, &item.ContentType, &item.Size, &item.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ bundle.MetadataStore = (*SQLiteDatabase)(nil)
