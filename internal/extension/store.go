package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Binding routes a caller on a shared number to one extension.
type Binding struct {
	SharedNumber  string
	Caller        string
	Code          string
	IntegrationID string
	CreatedAt     time.Time
}

// Store persists caller→extension bindings. There is at most one binding
// per (shared number, caller).
type Store interface {
	// Get returns the binding, or (nil, nil) when the caller is unbound.
	Get(ctx context.Context, sharedNumber, caller string) (*Binding, error)

	// Bind creates the binding or replaces the existing one.
	Bind(ctx context.Context, b *Binding) error

	// Unbind deletes the binding and reports whether one existed.
	Unbind(ctx context.Context, sharedNumber, caller string) (bool, error)
}

// ── In-memory ────────────────────────────────────────────────────────────────

type bindingKey struct{ shared, caller string }

// MemStore is an in-memory [Store].
type MemStore struct {
	mu       sync.Mutex
	bindings map[bindingKey]Binding
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{bindings: make(map[bindingKey]Binding)}
}

func (s *MemStore) Get(_ context.Context, sharedNumber, caller string) (*Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[bindingKey{sharedNumber, caller}]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *MemStore) Bind(_ context.Context, b *Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	s.bindings[bindingKey{b.SharedNumber, b.Caller}] = *b
	return nil
}

func (s *MemStore) Unbind(_ context.Context, sharedNumber, caller string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := bindingKey{sharedNumber, caller}
	_, ok := s.bindings[k]
	delete(s.bindings, k)
	return ok, nil
}

// ── PostgreSQL ───────────────────────────────────────────────────────────────

// Schema is the SQL DDL for the bindings table.
const Schema = `
CREATE TABLE IF NOT EXISTS extension_bindings (
    shared_number  TEXT NOT NULL,
    caller         TEXT NOT NULL,
    code           TEXT NOT NULL,
    integration_id TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (shared_number, caller)
);
`

// DB is the subset of *pgxpool.Pool used by [PostgresStore].
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore].
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes [Schema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("extension: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sharedNumber, caller string) (*Binding, error) {
	b := Binding{SharedNumber: sharedNumber, Caller: caller}
	err := s.db.QueryRow(ctx, `
		SELECT code, integration_id, created_at FROM extension_bindings
		WHERE shared_number = $1 AND caller = $2`, sharedNumber, caller,
	).Scan(&b.Code, &b.IntegrationID, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("extension: get binding: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) Bind(ctx context.Context, b *Binding) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO extension_bindings (shared_number, caller, code, integration_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (shared_number, caller)
		DO UPDATE SET code = EXCLUDED.code, integration_id = EXCLUDED.integration_id
		RETURNING created_at`,
		b.SharedNumber, b.Caller, b.Code, b.IntegrationID,
	).Scan(&b.CreatedAt)
	if err != nil {
		return fmt.Errorf("extension: bind: %w", err)
	}
	return nil
}

func (s *PostgresStore) Unbind(ctx context.Context, sharedNumber, caller string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM extension_bindings WHERE shared_number = $1 AND caller = $2`, sharedNumber, caller)
	if err != nil {
		return false, fmt.Errorf("extension: unbind: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
