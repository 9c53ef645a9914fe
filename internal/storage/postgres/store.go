// Package postgres stores document snapshots and the operations committed
// after them in PostgreSQL. Snapshots are overwritten in place; saving one
// drops the operations it already contains.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/boardroom/collab/internal/document"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements document.Store and document.OperationLog.
type Store struct {
	db  *sql.DB
	dsn string // kept for migrations, which use their own connection
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := NewStore(db)
	s.dsn = dsn
	return s, nil
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies every pending migration. It is a no-op when the schema is
// current.
func (s *Store) Migrate() error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	return nil
}

// MigrateDown reverts every migration.
func (s *Store) MigrateDown() error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: migrate down: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	defer m.Close()
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func (s *Store) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("postgres: load migrations: %w", err)
	}
	if s.dsn == "" {
		return nil, errors.New("postgres: migrations need a store opened from a DSN")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: migrator: %w", err)
	}
	return m, nil
}

// LoadSnapshot returns document.ErrNotFound for a document never saved.
func (s *Store) LoadSnapshot(ctx context.Context, docID string) (document.Snapshot, error) {
	const query = `
		SELECT title, mode, version, content, elements, updated_at
		FROM document_snapshots
		WHERE document_id = $1`

	snap := document.Snapshot{DocumentID: docID}
	var (
		mode     string
		elements []byte
	)
	err := s.db.QueryRowContext(ctx, query, docID).Scan(
		&snap.Title, &mode, &snap.Version, &snap.Content, &elements, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return document.Snapshot{}, document.ErrNotFound
	}
	if err != nil {
		return document.Snapshot{}, fmt.Errorf("postgres: load snapshot %s: %w", docID, err)
	}
	snap.Mode = document.Mode(mode)
	if len(elements) > 0 {
		if err := json.Unmarshal(elements, &snap.Elements); err != nil {
			return document.Snapshot{}, fmt.Errorf("postgres: decode elements of %s: %w", docID, err)
		}
	}
	return snap, nil
}

// SaveSnapshot stores snap unless a newer snapshot is already saved, and
// drops the operations it covers.
func (s *Store) SaveSnapshot(ctx context.Context, snap document.Snapshot) error {
	var elements []byte
	if len(snap.Elements) > 0 {
		var err error
		if elements, err = json.Marshal(snap.Elements); err != nil {
			return fmt.Errorf("postgres: encode elements of %s: %w", snap.DocumentID, err)
		}
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	const upsert = `
		INSERT INTO document_snapshots (document_id, title, mode, version, content, elements, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (document_id) DO UPDATE
		SET title = EXCLUDED.title, mode = EXCLUDED.mode, version = EXCLUDED.version,
		    content = EXCLUDED.content, elements = EXCLUDED.elements, updated_at = EXCLUDED.updated_at
		WHERE document_snapshots.version <= EXCLUDED.version`

	if _, err := tx.ExecContext(ctx, upsert,
		snap.DocumentID, snap.Title, string(snap.Mode), snap.Version, snap.Content, elements, snap.UpdatedAt,
	); err != nil {
		return fmt.Errorf("postgres: save snapshot %s: %w", snap.DocumentID, err)
	}

	const compact = `DELETE FROM document_operations WHERE document_id = $1 AND version <= $2`
	if _, err := tx.ExecContext(ctx, compact, snap.DocumentID, snap.Version); err != nil {
		return fmt.Errorf("postgres: compact %s: %w", snap.DocumentID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit snapshot %s: %w", snap.DocumentID, err)
	}
	return nil
}

// AppendOperation stores a sequenced operation. Storing a revision twice
// keeps the first copy.
func (s *Store) AppendOperation(ctx context.Context, docID string, op document.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("postgres: encode operation %s: %w", op.ID, err)
	}

	const query = `
		INSERT INTO document_operations (document_id, version, operation)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, version) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, docID, op.Version, data); err != nil {
		return fmt.Errorf("postgres: append operation %s to %s: %w", op.ID, docID, err)
	}
	return nil
}

// OperationsSince returns the stored operations of docID above version, in
// revision order.
func (s *Store) OperationsSince(ctx context.Context, docID string, version int64) ([]document.Operation, error) {
	const query = `
		SELECT operation
		FROM document_operations
		WHERE document_id = $1 AND version > $2
		ORDER BY version`

	rows, err := s.db.QueryContext(ctx, query, docID, version)
	if err != nil {
		return nil, fmt.Errorf("postgres: operations of %s: %w", docID, err)
	}
	defer rows.Close()

	var out []document.Operation
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: scan operation of %s: %w", docID, err)
		}
		var op document.Operation
		if err := json.Unmarshal(data, &op); err != nil {
			return nil, fmt.Errorf("postgres: decode operation of %s: %w", docID, err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
