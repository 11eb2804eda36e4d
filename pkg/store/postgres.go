package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgreSQLStore implements Store interface using PostgreSQL
type PostgreSQLStore struct {
	db *sql.DB
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS downloads (
		name TEXT PRIMARY KEY,
		count BIGINT NOT NULL DEFAULT 0,
		last_downloaded_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_count ON downloads(count DESC, name);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RecordDownload increments the counter for name
func (s *PostgreSQLStore) RecordDownload(name string) error {
	if name == "" {
		return ErrEmptyName
	}

	_, err := s.db.Exec(`
		INSERT INTO downloads (name, count, last_downloaded_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (name) DO UPDATE SET
			count = downloads.count + 1,
			last_downloaded_at = EXCLUDED.last_downloaded_at
	`, name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record download of %s: %w", name, err)
	}
	return nil
}

// Count returns the counter for name, 0 if never downloaded
func (s *PostgreSQLStore) Count(name string) (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT count FROM downloads WHERE name = $1`, name).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query count of %s: %w", name, err)
	}
	return count, nil
}

// All returns every counter
func (s *PostgreSQLStore) All() (map[string]int64, error) {
	return queryAll(s.db)
}

// MostDownloaded returns the file with the highest counter
func (s *PostgreSQLStore) MostDownloaded() (string, int64, error) {
	// Byte order on names so ties resolve the same way as the other stores
	return queryMostDownloaded(s.db, `
		SELECT name, count FROM downloads
		WHERE count > 0
		ORDER BY count DESC, name COLLATE "C" ASC
		LIMIT 1
	`)
}

// Delete drops the counter for name
func (s *PostgreSQLStore) Delete(name string) error {
	_, err := s.db.Exec(`DELETE FROM downloads WHERE name = $1`, name)
	return err
}

// Reset drops every counter
func (s *PostgreSQLStore) Reset() error {
	_, err := s.db.Exec(`TRUNCATE downloads`)
	return err
}

// Close closes the database connection
func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies database connectivity
func (s *PostgreSQLStore) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Vacuum reclaims dead tuples in the downloads table
func (s *PostgreSQLStore) Vacuum() error {
	_, err := s.db.Exec(`VACUUM ANALYZE downloads`)
	return err
}
