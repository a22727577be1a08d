package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/schaermu/gitcloudd/internal/repo"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore keeps the repository list in a SQLite database. The list order
// is preserved through the position column.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the schema
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Load returns the stored list in insertion order
func (s *SQLiteStore) Load(ctx context.Context) ([]repo.Repo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, url, disabled, rdonly, branch, last_sync_time FROM repos ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query repositories: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	repos := []repo.Repo{}
	for rows.Next() {
		var r repo.Repo
		if err := rows.Scan(&r.Name, &r.URL, &r.Disabled, &r.ReadOnly, &r.Branch, &r.LastSyncTime); err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		repos = append(repos, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read repositories: %w", err)
	}
	return repos, nil
}

// Save replaces the stored list in one transaction
func (s *SQLiteStore) Save(ctx context.Context, repos []repo.Repo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM repos`); err != nil {
		return fmt.Errorf("failed to clear repositories: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO repos (position, name, url, disabled, rdonly, branch, last_sync_time) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	for i, r := range repos {
		if _, err := stmt.ExecContext(ctx, i, r.Name, r.URL, r.Disabled, r.ReadOnly, r.Branch, r.LastSyncTime); err != nil {
			return fmt.Errorf("failed to store repository %s: %w", r.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit repositories: %w", err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
