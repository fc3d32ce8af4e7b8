package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// tick returns a clock that advances one second per call.
func tick(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestMemStore_GetOrCreate_Concurrent(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	ctx := context.Background()
	key := Key{IntegrationID: "wa-support", UserKey: "4915112345"}

	ids := make([]string, 16)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.GetOrCreate(ctx, key, "whatsapp")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			ids[i] = c.ID
		}()
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("got distinct conversations %q and %q for one key", ids[0], id)
		}
	}
	c, _ := s.GetOrCreate(ctx, key, "whatsapp")
	if c.State != StateInitial {
		t.Errorf("state = %q, want INITIAL", c.State)
	}
}

func TestMemStore_SaveTurn_Duplicate(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	ctx := context.Background()
	c, _ := s.GetOrCreate(ctx, Key{"i", "u"}, "web")

	turn := func() error {
		return s.SaveTurn(ctx, c.ID,
			&Message{Role: RoleUser, Content: "hi", PlatformMessageID: "wamid.1"},
			&Message{Role: RoleAssistant, Content: "hello"})
	}
	if err := turn(); err != nil {
		t.Fatalf("first SaveTurn: %v", err)
	}
	if err := turn(); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("second SaveTurn err = %v, want ErrDuplicateMessage", err)
	}

	hist, _ := s.History(ctx, c.ID, 0)
	if len(hist) != 2 {
		t.Fatalf("history = %d messages, want 2 (no partial turn)", len(hist))
	}
}

func TestMemStore_ClaimEvent(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	ctx := context.Background()

	steps := []struct {
		conversation string
		id           string
		want         bool
	}{
		{"c1", "wamid.1", true},
		{"c1", "wamid.1", false},
		{"c2", "wamid.1", true},
		{"c1", "", true},
		{"c1", "", true},
	}
	for i, st := range steps {
		got, err := s.ClaimEvent(ctx, st.conversation, st.id)
		if err != nil {
			t.Fatal(err)
		}
		if got != st.want {
			t.Errorf("step %d: ClaimEvent(%s, %q) = %v, want %v", i, st.conversation, st.id, got, st.want)
		}
	}
}

func TestMemStore_History_LimitAndResetAt(t *testing.T) {
	t.Parallel()
	clock := tick(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewMemStore(WithClock(clock))
	ctx := context.Background()
	c, _ := s.GetOrCreate(ctx, Key{"i", "u"}, "web")

	for i := range 5 {
		_ = s.SaveTurn(ctx, c.ID,
			&Message{Role: RoleUser, Content: fmt.Sprintf("q%d", i)},
			&Message{Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)})
	}

	hist, _ := s.History(ctx, c.ID, 3)
	if len(hist) != 3 {
		t.Fatalf("len = %d, want 3", len(hist))
	}
	if hist[0].Content != "a3" || hist[2].Content != "a4" {
		t.Errorf("history = %q..%q, want newest three oldest first", hist[0].Content, hist[2].Content)
	}

	if err := s.SetResetAt(ctx, c.ID, clock()); err != nil {
		t.Fatal(err)
	}
	_ = s.SaveTurn(ctx, c.ID, &Message{Role: RoleUser, Content: "after"}, nil)

	hist, _ = s.History(ctx, c.ID, 0)
	if len(hist) != 1 || hist[0].Content != "after" {
		t.Fatalf("history after reset = %+v, want only the newer message", hist)
	}
}

func TestMemStore_DeleteMessagesRemovesFeedback(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	ctx := context.Background()
	c, _ := s.GetOrCreate(ctx, Key{"i", "u"}, "slack")
	asst := &Message{Role: RoleAssistant, Content: "hello"}
	_ = s.SaveTurn(ctx, c.ID, &Message{Role: RoleUser, Content: "hi"}, asst)
	_ = s.CreateFeedback(ctx, &Feedback{ConversationID: c.ID, MessageID: asst.ID, Rating: RatingPositive})

	if err := s.DeleteMessages(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if hist, _ := s.History(ctx, c.ID, 0); len(hist) != 0 {
		t.Errorf("history = %d, want 0", len(hist))
	}
	if fb, _ := s.OpenFeedback(ctx, c.ID); fb != nil {
		t.Errorf("expected feedback to be gone, got %+v", fb)
	}
}

func TestMemStore_LatestAssistantMessage(t *testing.T) {
	t.Parallel()
	clock := tick(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewMemStore(WithClock(clock))
	ctx := context.Background()
	c, _ := s.GetOrCreate(ctx, Key{"i", "u"}, "meta")

	if m, err := s.LatestAssistantMessage(ctx, c.ID, clock()); m != nil || err != nil {
		t.Fatalf("empty conversation: got %v, %v", m, err)
	}

	first := &Message{Role: RoleAssistant, Content: "one"}
	_ = s.SaveTurn(ctx, c.ID, &Message{Role: RoleUser, Content: "q"}, first)
	cut := clock()
	_ = s.SaveTurn(ctx, c.ID, &Message{Role: RoleUser, Content: "q2"}, &Message{Role: RoleAssistant, Content: "two"})

	m, err := s.LatestAssistantMessage(ctx, c.ID, cut)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.ID != first.ID {
		t.Fatalf("got %+v, want the reply created before the cut", m)
	}
}

func TestMemStore_SetPlatformMessageID(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	ctx := context.Background()
	c, _ := s.GetOrCreate(ctx, Key{"i", "u"}, "whatsapp")
	asst := &Message{Role: RoleAssistant, Content: "hello"}
	_ = s.SaveTurn(ctx, c.ID, nil, asst)

	if err := s.SetPlatformMessageID(ctx, asst.ID, "wamid.out"); err != nil {
		t.Fatal(err)
	}
	m, _ := s.MessageByPlatformID(ctx, c.ID, "wamid.out")
	if m == nil || m.ID != asst.ID {
		t.Fatalf("lookup by platform id = %+v", m)
	}
	if err := s.SetPlatformMessageID(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestKindFromMIME(t *testing.T) {
	t.Parallel()
	tests := map[string]Kind{
		"image/jpeg":      KindImage,
		"IMAGE/PNG":       KindImage,
		"audio/ogg":       KindAudio,
		"video/mp4":       KindVideo,
		"application/pdf": KindDocument,
		"":                KindDocument,
	}
	for mime, want := range tests {
		if got := KindFromMIME(mime); got != want {
			t.Errorf("KindFromMIME(%q) = %q, want %q", mime, got, want)
		}
	}
}

func TestAttachment_FileName(t *testing.T) {
	t.Parallel()
	if got := (Attachment{URL: "https://cdn.example/files/report.pdf?sig=abc"}).FileName(); got != "report.pdf" {
		t.Errorf("FileName = %q, want report.pdf", got)
	}
	if got := (Attachment{URL: "https://x/y", Name: "invoice.pdf"}).FileName(); got != "invoice.pdf" {
		t.Errorf("FileName = %q, want explicit name", got)
	}
}
