package store

import (
	"errors"
	"sort"
	"time"

	"github.com/psantana5/fileserver/pkg/protocol"
)

// Store persists per-file download counters.
// Memory, SQLite and PostgreSQL implement this interface.
type Store interface {
	// RecordDownload increments the counter for name
	RecordDownload(name string) error
	Count(name string) (int64, error)
	All() (map[string]int64, error)
	// MostDownloaded returns protocol.NoFiles and 0 when nothing was downloaded
	MostDownloaded() (string, int64, error)
	Delete(name string) error
	Reset() error

	// Lifecycle
	Close() error
	HealthCheck() error
	Vacuum() error
}

// Config holds database configuration
type Config struct {
	Type string `mapstructure:"type" json:"type" yaml:"type"` // "memory", "sqlite" or "postgres"
	DSN  string `mapstructure:"dsn" json:"dsn,omitempty" yaml:"dsn,omitempty"`

	// PostgreSQL specific
	MaxOpenConns    int           `mapstructure:"max_open_conns" json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" json:"conn_max_lifetime" yaml:"conn_max_lifetime"`

	// SQLite specific
	Path string `mapstructure:"path" json:"path,omitempty" yaml:"path,omitempty"`
}

var (
	ErrUnsupportedDatabase = errors.New("unsupported database type")
	ErrEmptyName           = errors.New("empty file name")
)

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "fileserver.db"
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

// SupportedTypes lists the accepted Config.Type values
func SupportedTypes() []string {
	return []string{"memory", "sqlite", "sqlite3", "postgres", "postgresql"}
}

// pickMostDownloaded selects the highest count, breaking ties by name
func pickMostDownloaded(counts map[string]int64) (string, int64) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	best, top := protocol.NoFiles, int64(0)
	for _, name := range names {
		if counts[name] > top {
			best, top = name, counts[name]
		}
	}
	return best, top
}
