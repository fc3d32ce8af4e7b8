// Package usage records the cost of realtime voice calls: tokens reported by
// the model and the call duration billed by the telephony provider.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/switchboard/internal/observe"
)

// Record is the usage of one call.
type Record struct {
	ID             string
	IntegrationID  string
	ConversationID string
	CallSID        string
	Model          string

	PromptTokens     int
	CompletionTokens int

	// Duration is the billed call length. Zero when the provider did not
	// report one.
	Duration time.Duration

	RecordedAt time.Time
}

// TotalTokens is the sum of prompt and completion tokens.
func (r Record) TotalTokens() int { return r.PromptTokens + r.CompletionTokens }

// Recorder stores usage records. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// LogRecorder writes usage to the structured log. It is used when no
// database is configured.
type LogRecorder struct{}

var _ Recorder = LogRecorder{}

func (LogRecorder) Record(ctx context.Context, rec Record) error {
	observe.Logger(ctx).Info("call usage",
		"integration", rec.IntegrationID,
		"call_sid", rec.CallSID,
		"model", rec.Model,
		"prompt_tokens", rec.PromptTokens,
		"completion_tokens", rec.CompletionTokens,
		"duration", rec.Duration,
	)
	return nil
}

// ── PostgreSQL ───────────────────────────────────────────────────────────────

// Schema is the SQL DDL for the call_usage table.
const Schema = `
CREATE TABLE IF NOT EXISTS call_usage (
    id                TEXT PRIMARY KEY,
    integration_id    TEXT NOT NULL,
    conversation_id   TEXT,
    call_sid          TEXT NOT NULL,
    model             TEXT NOT NULL DEFAULT '',
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    duration_seconds  INTEGER NOT NULL DEFAULT 0,
    recorded_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_call_usage_integration ON call_usage(integration_id, recorded_at);
`

// DB is the subset of *pgxpool.Pool used by [PostgresRecorder].
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRecorder stores usage in the call_usage table.
type PostgresRecorder struct {
	db  DB
	now func() time.Time
}

var _ Recorder = (*PostgresRecorder)(nil)

// NewPostgresRecorder creates a [PostgresRecorder].
func NewPostgresRecorder(db DB) *PostgresRecorder {
	return &PostgresRecorder{db: db, now: time.Now}
}

// Migrate executes [Schema].
func (p *PostgresRecorder) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("usage: migrate: %w", err)
	}
	return nil
}

func (p *PostgresRecorder) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = p.now()
	}
	var conversationID *string
	if rec.ConversationID != "" {
		conversationID = &rec.ConversationID
	}
	_, err := p.db.Exec(ctx, `
		INSERT INTO call_usage (id, integration_id, conversation_id, call_sid, model,
		                        prompt_tokens, completion_tokens, duration_seconds, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.IntegrationID, conversationID, rec.CallSID, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, int(rec.Duration.Seconds()), rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("usage: record %s: %w", rec.CallSID, err)
	}
	return nil
}
