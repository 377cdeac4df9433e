package store

import (
	"fmt"
	"strings"
)

// Config selects the storage backend.
type Config struct {
	Type string // "sqlite" or "postgres"
	DSN  string // file path for SQLite, connection string for Postgres
}

// New creates a Store from configuration. SQLite is the default.
func New(cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "postgres", "postgresql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres connection string is required")
		}
		return NewPostgresStore(cfg.DSN)
	case "sqlite", "sqlite3", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ".aicode.db"
		}
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
