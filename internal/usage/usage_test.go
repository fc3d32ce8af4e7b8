package usage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type mockDB struct {
	sql  string
	args []any
	err  error
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.sql, m.args = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), m.err
}

func TestPostgresRecorder_Record(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	r := NewPostgresRecorder(db)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return at }

	err := r.Record(context.Background(), Record{
		IntegrationID:    "voice-de",
		CallSID:          "CA1",
		Model:            "gpt-realtime",
		PromptTokens:     1200,
		CompletionTokens: 300,
		Duration:         95 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(db.sql, "INSERT INTO call_usage") {
		t.Errorf("sql = %s", db.sql)
	}
	if len(db.args) != 9 {
		t.Fatalf("args = %v", db.args)
	}
	if db.args[0] == "" {
		t.Error("id should be generated")
	}
	if db.args[2].(*string) != nil {
		t.Error("empty conversation id should be NULL")
	}
	if db.args[7] != 95 || db.args[8] != at {
		t.Errorf("duration, time = %v, %v", db.args[7], db.args[8])
	}
}

func TestPostgresRecorder_Error(t *testing.T) {
	t.Parallel()
	db := &mockDB{err: errors.New("connection refused")}
	err := NewPostgresRecorder(db).Record(context.Background(), Record{CallSID: "CA2"})
	if err == nil || !strings.Contains(err.Error(), "CA2") {
		t.Errorf("err = %v", err)
	}
	if err := NewPostgresRecorder(db).Migrate(context.Background()); err == nil {
		t.Error("Migrate should fail")
	}
}

func TestRecord_TotalTokens(t *testing.T) {
	t.Parallel()
	if got := (Record{PromptTokens: 10, CompletionTokens: 5}).TotalTokens(); got != 15 {
		t.Errorf("total = %d", got)
	}
	if err := (LogRecorder{}).Record(context.Background(), Record{CallSID: "CA3"}); err != nil {
		t.Error(err)
	}
}
