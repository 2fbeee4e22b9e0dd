// Package postgres implements the engine's Datastore plus the CRUD
// surface the HTTP API needs, against PostgreSQL via database/sql and
// lib/pq.
package postgres

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Store is the Postgres-backed datastore. It satisfies
// engine.Datastore; the extra exported methods serve the API layer.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

// DB exposes the underlying handle for components that manage their
// own statements, like the quota limiter.
func (s *Store) DB() *sql.DB { return s.db }

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// jsonColumn marshals v for a JSONB column, defaulting empty
// collections to the given literal so the column never stores SQL
// NULL.
func jsonColumn(v interface{}, empty string) []byte {
	b, err := json.Marshal(v)
	if err != nil || b == nil || string(b) == "null" {
		return []byte(empty)
	}
	return b
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
