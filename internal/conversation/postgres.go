package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the conversation tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id             TEXT PRIMARY KEY,
    integration_id TEXT NOT NULL,
    user_key       TEXT NOT NULL,
    platform       TEXT NOT NULL DEFAULT '',
    state          TEXT NOT NULL DEFAULT 'INITIAL',
    blocked        BOOLEAN NOT NULL DEFAULT false,
    reset_at       TIMESTAMPTZ,
    extension      TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (integration_id, user_key)
);
CREATE TABLE IF NOT EXISTS messages (
    seq                 BIGSERIAL,
    id                  TEXT PRIMARY KEY,
    conversation_id     TEXT NOT NULL REFERENCES conversations(id),
    role                TEXT NOT NULL,
    content             TEXT NOT NULL DEFAULT '',
    display_content     TEXT NOT NULL DEFAULT '',
    platform_message_id TEXT,
    run_id              TEXT NOT NULL DEFAULT '',
    response_time_ms    BIGINT NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_platform_id ON messages(conversation_id, platform_message_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages(conversation_id, seq);
CREATE TABLE IF NOT EXISTS attachments (
    id         BIGSERIAL PRIMARY KEY,
    message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    position   INT NOT NULL,
    url        TEXT NOT NULL,
    mime_type  TEXT NOT NULL DEFAULT '',
    kind       TEXT NOT NULL,
    name       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id, position);
CREATE TABLE IF NOT EXISTS feedbacks (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id),
    message_id      TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    rating          TEXT NOT NULL,
    text            TEXT NOT NULL DEFAULT '',
    text_english    TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);
CREATE INDEX IF NOT EXISTS idx_feedbacks_conversation ON feedbacks(conversation_id, created_at);
CREATE TABLE IF NOT EXISTS inbound_events (
    conversation_id     TEXT NOT NULL REFERENCES conversations(id),
    platform_message_id TEXT NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (conversation_id, platform_message_id)
);
`

// DB is the database interface used by [PostgresStore]. *pgxpool.Pool
// satisfies it.
type DB interface {
	querier
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// querier is the subset shared by DB and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// getOrCreateAttempts bounds the select-insert loop in GetOrCreate. Two
// attempts suffice: a unique violation means the row now exists.
const getOrCreateAttempts = 3

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore]. The caller is responsible
// for calling [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("conversation: migrate: %w", err)
	}
	return nil
}

const conversationColumns = `id, integration_id, user_key, platform, state, blocked, reset_at, extension, created_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	var state string
	err := row.Scan(&c.ID, &c.IntegrationID, &c.UserKey, &c.Platform, &state,
		&c.Blocked, &c.ResetAt, &c.Extension, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.State = State(state)
	return &c, nil
}

// GetOrCreate implements [Store]. A concurrent insert for the same key shows
// up as a unique violation, after which the existing row is selected.
func (s *PostgresStore) GetOrCreate(ctx context.Context, key Key, platform string) (*Conversation, error) {
	const selectQ = `SELECT ` + conversationColumns + ` FROM conversations WHERE integration_id = $1 AND user_key = $2`
	const insertQ = `
		INSERT INTO conversations (id, integration_id, user_key, platform)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + conversationColumns

	for range getOrCreateAttempts {
		c, err := scanConversation(s.db.QueryRow(ctx, selectQ, key.IntegrationID, key.UserKey))
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("conversation: get %s: %w", key, err)
		}

		c, err = scanConversation(s.db.QueryRow(ctx, insertQ, uuid.NewString(), key.IntegrationID, key.UserKey, platform))
		if err == nil {
			return c, nil
		}
		if !isDuplicateKeyError(err) {
			return nil, fmt.Errorf("conversation: create %s: %w", key, err)
		}
	}
	return nil, fmt.Errorf("conversation: get or create %s: gave up after %d attempts", key, getOrCreateAttempts)
}

func (s *PostgresStore) exec(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("conversation: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation: %s: %w", op, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetState(ctx context.Context, id string, state State) error {
	return s.exec(ctx, "set state", `UPDATE conversations SET state = $2 WHERE id = $1`, id, string(state))
}

func (s *PostgresStore) SetResetAt(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, "set reset_at", `UPDATE conversations SET reset_at = $2 WHERE id = $1`, id, at)
}

func (s *PostgresStore) SetExtension(ctx context.Context, id, extension string) error {
	return s.exec(ctx, "set extension", `UPDATE conversations SET extension = $2 WHERE id = $1`, id, extension)
}

func (s *PostgresStore) SetBlocked(ctx context.Context, id string, blocked bool) error {
	return s.exec(ctx, "set blocked", `UPDATE conversations SET blocked = $2 WHERE id = $1`, id, blocked)
}

const messageColumns = `m.id, m.conversation_id, m.role, m.content, m.display_content,
	m.platform_message_id, m.run_id, m.response_time_ms, m.created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var (
		m     Message
		role  string
		pmid  *string
		rtime int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.DisplayContent,
		&pmid, &m.RunID, &rtime, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role = Role(role)
	if pmid != nil {
		m.PlatformMessageID = *pmid
	}
	m.ResponseTime = time.Duration(rtime) * time.Millisecond
	return &m, nil
}

// History implements [Store].
func (s *PostgresStore) History(ctx context.Context, id string, limit int) ([]Message, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	const query = `
		SELECT ` + messageColumns + ` FROM (
			SELECT m.* FROM messages m
			JOIN conversations c ON c.id = m.conversation_id
			WHERE m.conversation_id = $1
			  AND (c.reset_at IS NULL OR m.created_at >= c.reset_at)
			ORDER BY m.seq DESC
			LIMIT $2
		) m ORDER BY m.seq ASC`

	rows, err := s.db.Query(ctx, query, id, lim)
	if err != nil {
		return nil, fmt.Errorf("conversation: history %q: %w", id, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: history rows: %w", err)
	}
	if err := s.loadAttachments(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *PostgresStore) loadAttachments(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	index := make(map[string]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		index[m.ID] = i
	}

	rows, err := s.db.Query(ctx, `
		SELECT message_id, url, mime_type, kind, name FROM attachments
		WHERE message_id = ANY($1) ORDER BY message_id, position`, ids)
	if err != nil {
		return fmt.Errorf("conversation: load attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msgID, kind string
			a           Attachment
		)
		if err := rows.Scan(&msgID, &a.URL, &a.MimeType, &kind, &a.Name); err != nil {
			return fmt.Errorf("conversation: scan attachment: %w", err)
		}
		a.Kind = Kind(kind)
		if i, ok := index[msgID]; ok {
			msgs[i].Attachments = append(msgs[i].Attachments, a)
		}
	}
	return rows.Err()
}

// HasPlatformMessage implements [Store].
func (s *PostgresStore) HasPlatformMessage(ctx context.Context, id, platformMessageID string) (bool, error) {
	if platformMessageID == "" {
		return false, nil
	}
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE conversation_id = $1 AND platform_message_id = $2)`,
		id, platformMessageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("conversation: lookup platform id: %w", err)
	}
	return exists, nil
}

// ClaimEvent implements [Store].
func (s *PostgresStore) ClaimEvent(ctx context.Context, id, platformMessageID string) (bool, error) {
	if platformMessageID == "" {
		return true, nil
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO inbound_events (conversation_id, platform_message_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, id, platformMessageID)
	if err != nil {
		return false, fmt.Errorf("conversation: claim event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SaveTurn implements [Store]. Both messages are written in one transaction;
// a conflicting user platform id rolls the whole turn back.
func (s *PostgresStore) SaveTurn(ctx context.Context, id string, user, assistant *Message) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation: begin turn: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, m := range []*Message{user, assistant} {
		if m == nil {
			continue
		}
		if err := insertMessage(ctx, tx, id, m); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversation: commit turn: %w", err)
	}
	return nil
}

// AppendMessages implements [Store].
func (s *PostgresStore) AppendMessages(ctx context.Context, id string, msgs []Message) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := range msgs {
		if err := insertMessage(ctx, tx, id, &msgs[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversation: commit append: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, q querier, conversationID string, m *Message) error {
	const query = `
		INSERT INTO messages (id, conversation_id, role, content, display_content,
		                      platform_message_id, run_id, response_time_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8, COALESCE($9, clock_timestamp()))
		ON CONFLICT (conversation_id, platform_message_id) DO NOTHING
		RETURNING created_at`

	m.ID = uuid.NewString()
	m.ConversationID = conversationID
	err := q.QueryRow(ctx, query,
		m.ID, conversationID, string(m.Role), m.Content, m.DisplayContent,
		nullable(m.PlatformMessageID), m.RunID, m.ResponseTime.Milliseconds(), nullableTime(m.CreatedAt),
	).Scan(&m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("conversation: insert %s message: %w", m.Role, err)
	}

	for pos, a := range m.Attachments {
		kind := a.Kind
		if kind == "" {
			kind = KindFromMIME(a.MimeType)
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO attachments (message_id, position, url, mime_type, kind, name)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			m.ID, pos, a.URL, a.MimeType, string(kind), a.Name); err != nil {
			return fmt.Errorf("conversation: insert attachment: %w", err)
		}
	}
	return nil
}

// SetPlatformMessageID implements [Store].
func (s *PostgresStore) SetPlatformMessageID(ctx context.Context, messageID, platformMessageID string) error {
	err := s.exec(ctx, "set platform id",
		`UPDATE messages SET platform_message_id = $2 WHERE id = $1`, messageID, platformMessageID)
	if err != nil && isDuplicateKeyError(err) {
		return ErrDuplicateMessage
	}
	return err
}

// DeleteMessages implements [Store]. Attachments and feedback cascade.
func (s *PostgresStore) DeleteMessages(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("conversation: delete messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) oneMessage(ctx context.Context, query string, args ...any) (*Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("conversation: get message: %w", err)
	}
	return m, nil
}

// LatestAssistantMessage implements [Store].
func (s *PostgresStore) LatestAssistantMessage(ctx context.Context, id string, before time.Time) (*Message, error) {
	return s.oneMessage(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE m.conversation_id = $1 AND m.role = 'assistant' AND m.created_at <= $2
		ORDER BY m.seq DESC LIMIT 1`, id, before)
}

// MessageByPlatformID implements [Store].
func (s *PostgresStore) MessageByPlatformID(ctx context.Context, id, platformMessageID string) (*Message, error) {
	return s.oneMessage(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE m.conversation_id = $1 AND m.platform_message_id = $2`, id, platformMessageID)
}

// CreateFeedback implements [Store].
func (s *PostgresStore) CreateFeedback(ctx context.Context, fb *Feedback) error {
	fb.ID = uuid.NewString()
	err := s.db.QueryRow(ctx, `
		INSERT INTO feedbacks (id, conversation_id, message_id, rating, text, text_english)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING created_at`,
		fb.ID, fb.ConversationID, fb.MessageID, string(fb.Rating), fb.Text, fb.TextEnglish,
	).Scan(&fb.CreatedAt)
	if err != nil {
		return fmt.Errorf("conversation: create feedback: %w", err)
	}
	return nil
}

// OpenFeedback implements [Store].
func (s *PostgresStore) OpenFeedback(ctx context.Context, id string) (*Feedback, error) {
	var (
		fb     Feedback
		rating string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, conversation_id, message_id, rating, text, text_english, created_at
		FROM feedbacks WHERE conversation_id = $1
		ORDER BY created_at DESC LIMIT 1`, id,
	).Scan(&fb.ID, &fb.ConversationID, &fb.MessageID, &rating, &fb.Text, &fb.TextEnglish, &fb.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("conversation: open feedback: %w", err)
	}
	fb.Rating = Rating(rating)
	return &fb, nil
}

// UpdateFeedbackText implements [Store].
func (s *PostgresStore) UpdateFeedbackText(ctx context.Context, feedbackID, text, textEnglish string) error {
	return s.exec(ctx, "update feedback",
		`UPDATE feedbacks SET text = $2, text_english = $3 WHERE id = $1`, feedbackID, text, textEnglish)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
