package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps download counters in a SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// - _journal_mode=WAL: readers do not block the single writer
	// - _busy_timeout=10000: wait up to 10 seconds when database is locked
	// - _txlock=immediate: acquire write lock at transaction start
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS downloads (
		name TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0,
		last_downloaded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_count ON downloads(count DESC, name);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RecordDownload increments the counter for name
func (s *SQLiteStore) RecordDownload(name string) error {
	if name == "" {
		return ErrEmptyName
	}

	_, err := s.db.Exec(`
		INSERT INTO downloads (name, count, last_downloaded_at)
		VALUES (?, 1, ?)
		ON CONFLICT(name) DO UPDATE SET
			count = count + 1,
			last_downloaded_at = excluded.last_downloaded_at
	`, name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record download of %s: %w", name, err)
	}
	return nil
}

// Count returns the counter for name, 0 if never downloaded
func (s *SQLiteStore) Count(name string) (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT count FROM downloads WHERE name = ?`, name).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query count of %s: %w", name, err)
	}
	return count, nil
}

// All returns every counter
func (s *SQLiteStore) All() (map[string]int64, error) {
	return queryAll(s.db)
}

// MostDownloaded returns the file with the highest counter
func (s *SQLiteStore) MostDownloaded() (string, int64, error) {
	return queryMostDownloaded(s.db, `
		SELECT name, count FROM downloads
		WHERE count > 0
		ORDER BY count DESC, name ASC
		LIMIT 1
	`)
}

// Delete drops the counter for name
func (s *SQLiteStore) Delete(name string) error {
	_, err := s.db.Exec(`DELETE FROM downloads WHERE name = ?`, name)
	return err
}

// Reset drops every counter
func (s *SQLiteStore) Reset() error {
	_, err := s.db.Exec(`DELETE FROM downloads`)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies database connectivity
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// Vacuum reclaims space left by deleted rows
func (s *SQLiteStore) Vacuum() error {
	_, err := s.db.Exec(`VACUUM`)
	return err
}

// queryAll and queryMostDownloaded are shared with the PostgreSQL store
func queryAll(db *sql.DB) (map[string]int64, error) {
	rows, err := db.Query(`SELECT name, count FROM downloads`)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("failed to scan download row: %w", err)
		}
		out[name] = count
	}
	return out, rows.Err()
}

func queryMostDownloaded(db *sql.DB, query string) (string, int64, error) {
	var name string
	var count int64
	err := db.QueryRow(query).Scan(&name, &count)
	if err == sql.ErrNoRows {
		name, count = pickMostDownloaded(nil)
		return name, count, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to query most downloaded: %w", err)
	}
	return name, count, nil
}
