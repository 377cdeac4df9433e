package store

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // Postgres driver
)

// NewPostgresStore connects to Postgres with the given DSN and applies
// migrations.
func NewPostgresStore(dsn string) (Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &sqlStore{db: db, postgres: true}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}
