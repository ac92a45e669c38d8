// Package checkpoint persists continuation tokens in SQLite so a query can
// be resumed by name from another process.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kartikbazzad/docquery/internal/errors"
)

// ErrNotFound is returned when no checkpoint exists under a name.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is one saved query position.
type Checkpoint struct {
	Name         string
	Collection   string
	Continuation string
	Rows         int64
	Charge       float64
	UpdatedAt    time.Time
}

// Store manages checkpoints in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the checkpoint database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	// one connection keeps an in-memory database alive and serialises writers
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		name TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		continuation TEXT NOT NULL,
		rows INTEGER NOT NULL DEFAULT 0,
		charge REAL NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_collection ON checkpoints(collection);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save writes cp, replacing any checkpoint with the same name. Rows and
// charge accumulate across saves of the same name.
func (s *Store) Save(ctx context.Context, cp Checkpoint) error {
	if cp.Name == "" {
		return fmt.Errorf("%w: checkpoint name is required", errors.ErrInvalidConfig)
	}
	query := `
		INSERT INTO checkpoints (name, collection, continuation, rows, charge, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			collection = excluded.collection,
			continuation = excluded.continuation,
			rows = checkpoints.rows + excluded.rows,
			charge = excluded.charge,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, cp.Name, cp.Collection, cp.Continuation, cp.Rows, cp.Charge, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.Name, err)
	}
	return nil
}

// Load returns the checkpoint saved under name.
func (s *Store) Load(ctx context.Context, name string) (*Checkpoint, error) {
	query := `
		SELECT name, collection, continuation, rows, charge, updated_at
		FROM checkpoints WHERE name = ?
	`
	var (
		cp      Checkpoint
		updated int64
	)
	err := s.db.QueryRowContext(ctx, query, name).Scan(&cp.Name, &cp.Collection, &cp.Continuation, &cp.Rows, &cp.Charge, &updated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", name, err)
	}
	cp.UpdatedAt = time.Unix(0, updated)
	return &cp, nil
}

// List returns every checkpoint of a collection, most recent first.
func (s *Store) List(ctx context.Context, collection string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, collection, continuation, rows, charge, updated_at
		FROM checkpoints WHERE collection = ? ORDER BY updated_at DESC, name
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var (
			cp      Checkpoint
			updated int64
		)
		if err := rows.Scan(&cp.Name, &cp.Collection, &cp.Continuation, &cp.Rows, &cp.Charge, &updated); err != nil {
			return nil, err
		}
		cp.UpdatedAt = time.Unix(0, updated)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Delete removes the checkpoint saved under name.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
