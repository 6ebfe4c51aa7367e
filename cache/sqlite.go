package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteCache stores values in a SQLite database.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
// A positive maxPages caps the database size (in pages); writes beyond it
// fail with ErrQuotaExceeded.
func NewSQLiteCache(filename string, maxPages int) (*SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	// the in-memory database only lives as long as its connections
	db.SetMaxOpenConns(1)
	statements := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			PRIMARY KEY (partition, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	if maxPages > 0 {
		statements = append(statements, fmt.Sprintf("PRAGMA max_page_count=%d", maxPages))
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}
	return &SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteCache) Get(ctx context.Context, partition, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM entries WHERE partition = ? AND key = ?", partition, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *SQLiteCache) Put(ctx context.Context, partition, key string, value []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (partition, key, value) VALUES (?, ?, ?)", partition, key, value)
	if err != nil && isFull(err) {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}

func (s *SQLiteCache) Delete(ctx context.Context, partition, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE partition = ? AND key = ?", partition, key)
	return err
}

func (s *SQLiteCache) Keys(ctx context.Context, partition string, cb func(string)) error {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM entries WHERE partition = ? ORDER BY key", partition)
	if err != nil {
		return err
	}
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	// callbacks may write, so the single connection must be released first
	for _, key := range keys {
		cb(key)
	}
	return rows.Err()
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}

// isFull matches SQLITE_FULL, which is how the driver reports max_page_count.
func isFull(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_FULL") || strings.Contains(msg, "database or disk is full")
}
