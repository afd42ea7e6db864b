// Package artifacts indexes screenshot files written by the operator CLI so
// earlier captures can be located without trawling the scratch directory.
package artifacts

import (
	"database/sql"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL CHECK (kind IN ('screenshot', 'context')),
    request_id  TEXT NOT NULL,
    path        TEXT NOT NULL,
    width       INTEGER NOT NULL DEFAULT 0,
    height      INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created_at);
`

// Artifact is one recorded capture.
type Artifact struct {
	ID        string
	Kind      string
	RequestID string
	Path      string
	Width     int
	Height    int
	CreatedAt time.Time
}

// Store is the SQLite-backed artifact index.
type Store struct {
	db *sql.DB
}

// Open opens or creates the index at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open artifact index: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma: %w", err)
		}
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one artifact row. A zero CreatedAt is filled with now.
func (s *Store) Record(a Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO artifacts (id, kind, request_id, path, width, height, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Kind, a.RequestID, a.Path, a.Width, a.Height,
		a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	return nil
}

// Recent returns up to limit artifacts, newest first.
func (s *Store) Recent(limit int) ([]Artifact, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, request_id, path, width, height, created_at
         FROM artifacts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		var a Artifact
		var created string
		if err := rows.Scan(&a.ID, &a.Kind, &a.RequestID, &a.Path, &a.Width, &a.Height, &created); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			a.CreatedAt = t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewID generates a sortable artifact id.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
