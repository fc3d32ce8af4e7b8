package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// RunStatus is the lifecycle state of a [Run].
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// Run is one workflow execution counted by the gates.
type Run struct {
	ID         string
	WorkflowID string
	UserKey    string
	Tier       Tier
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
}

// RunLog stores runs and answers the counting queries of both gates.
type RunLog interface {
	// CountSince returns how many runs of (workflow, user) started after
	// since, and the start time of the oldest of them.
	CountSince(ctx context.Context, workflowID, userKey string, since time.Time) (n int, oldest time.Time, err error)

	// CountInProgress returns how many runs of (workflow, user) started
	// after since are still in progress.
	CountInProgress(ctx context.Context, workflowID, userKey string, since time.Time) (int, error)

	// Start inserts run and assigns its ID.
	Start(ctx context.Context, run *Run) error

	// Finish sets the final status of a run.
	Finish(ctx context.Context, id string, status RunStatus, at time.Time) error
}

// ── In-memory ────────────────────────────────────────────────────────────────

// MemRunLog is an in-memory [RunLog] for tests and single-process setups.
type MemRunLog struct {
	mu   sync.Mutex
	runs []*Run
}

var _ RunLog = (*MemRunLog)(nil)

func (m *MemRunLog) CountSince(_ context.Context, workflowID, userKey string, since time.Time) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		n      int
		oldest time.Time
	)
	for _, r := range m.runs {
		if r.WorkflowID != workflowID || r.UserKey != userKey || !r.StartedAt.After(since) {
			continue
		}
		if n == 0 || r.StartedAt.Before(oldest) {
			oldest = r.StartedAt
		}
		n++
	}
	return n, oldest, nil
}

func (m *MemRunLog) CountInProgress(_ context.Context, workflowID, userKey string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.WorkflowID == workflowID && r.UserKey == userKey &&
			r.Status == RunInProgress && r.StartedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemRunLog) Start(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = uuid.NewString()
	cp := *run
	m.runs = append(m.runs, &cp)
	return nil
}

func (m *MemRunLog) Finish(_ context.Context, id string, status RunStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID == id {
			r.Status = status
			r.FinishedAt = &at
			return nil
		}
	}
	return fmt.Errorf("run %q not found", id)
}

// ── PostgreSQL ───────────────────────────────────────────────────────────────

// RunSchema is the SQL DDL for the runs table.
const RunSchema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL,
    user_key    TEXT NOT NULL,
    tier        TEXT NOT NULL,
    status      TEXT NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_runs_subject ON runs(workflow_id, user_key, started_at);
`

// DB is the subset of *pgxpool.Pool used by [PostgresRunLog].
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRunLog is a [RunLog] backed by the runs table.
type PostgresRunLog struct {
	db DB
}

var _ RunLog = (*PostgresRunLog)(nil)

// NewPostgresRunLog creates a [PostgresRunLog].
func NewPostgresRunLog(db DB) *PostgresRunLog {
	return &PostgresRunLog{db: db}
}

// Migrate executes [RunSchema].
func (p *PostgresRunLog) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, RunSchema); err != nil {
		return fmt.Errorf("ratelimit: migrate: %w", err)
	}
	return nil
}

func (p *PostgresRunLog) CountSince(ctx context.Context, workflowID, userKey string, since time.Time) (int, time.Time, error) {
	var (
		n      int
		oldest *time.Time
	)
	err := p.db.QueryRow(ctx, `
		SELECT count(*), min(started_at) FROM runs
		WHERE workflow_id = $1 AND user_key = $2 AND started_at > $3`,
		workflowID, userKey, since).Scan(&n, &oldest)
	if err != nil {
		return 0, time.Time{}, err
	}
	if oldest == nil {
		return n, time.Time{}, nil
	}
	return n, *oldest, nil
}

func (p *PostgresRunLog) CountInProgress(ctx context.Context, workflowID, userKey string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRow(ctx, `
		SELECT count(*) FROM runs
		WHERE workflow_id = $1 AND user_key = $2 AND status = $3 AND started_at > $4`,
		workflowID, userKey, string(RunInProgress), since).Scan(&n)
	return n, err
}

func (p *PostgresRunLog) Start(ctx context.Context, run *Run) error {
	run.ID = uuid.NewString()
	_, err := p.db.Exec(ctx, `
		INSERT INTO runs (id, workflow_id, user_key, tier, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.WorkflowID, run.UserKey, string(run.Tier), string(run.Status), run.StartedAt)
	return err
}

func (p *PostgresRunLog) Finish(ctx context.Context, id string, status RunStatus, at time.Time) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE runs SET status = $2, finished_at = $3 WHERE id = $1`, id, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("run not found")
	}
	return nil
}
