package extension

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/switchboard/internal/conversation"
)

const (
	shared = "+4930000000"
	caller = "+4915112345"
)

func newRouter(t *testing.T) (*Router, *conversation.MemStore) {
	t.Helper()
	convs := conversation.NewMemStore()
	dir := NewDirectory(map[string]map[string]string{
		shared: {"12345": "support", "200": "sales"},
	})
	return NewRouter(NewMemStore(), dir, convs, Config{}), convs
}

func TestRouter_SharedNumberEndToEnd(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(t)
	ctx := context.Background()

	res, err := r.Resolve(ctx, shared, caller)
	if err != nil {
		t.Fatal(err)
	}
	if !res.NeedsExtension() {
		t.Fatalf("first call: %+v, want extension prompt", res)
	}
	doc, _ := r.PromptTwiML().String()
	if !strings.Contains(doc, `<Gather input="dtmf speech" action="/webhooks/twilio/voice/extension"`) {
		t.Errorf("prompt = %s", doc)
	}

	b, err := r.Enter(ctx, shared, caller, "12345", "", "twilio_voice")
	if err != nil {
		t.Fatal(err)
	}
	if b.IntegrationID != "support" {
		t.Errorf("bound to %q, want support", b.IntegrationID)
	}

	for i := range 2 {
		res, err = r.Resolve(ctx, shared, caller)
		if err != nil {
			t.Fatal(err)
		}
		if res.NeedsExtension() || res.IntegrationID != "support" {
			t.Fatalf("call %d after binding: %+v, want routed to support", i+2, res)
		}
	}
}

func TestRouter_EnterBySpeech(t *testing.T) {
	t.Parallel()
	r, convs := newRouter(t)
	ctx := context.Background()

	b, err := r.Enter(ctx, shared, caller, "", "Two zero zero.", "twilio_voice")
	if err != nil {
		t.Fatal(err)
	}
	if b.Code != "200" || b.IntegrationID != "sales" {
		t.Errorf("binding = %+v", b)
	}
	c, _ := convs.GetOrCreate(ctx, conversation.Key{IntegrationID: "sales", UserKey: caller}, "twilio_voice")
	if c.Extension != "200" {
		t.Errorf("conversation extension = %q, want 200", c.Extension)
	}
}

func TestRouter_EnterInvalid(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(t)
	ctx := context.Background()

	for _, tc := range []struct{ digits, speech string }{
		{"999", ""},
		{"", ""},
		{"", "hello there"},
	} {
		if _, err := r.Enter(ctx, shared, caller, tc.digits, tc.speech, "twilio_voice"); !errors.Is(err, ErrInvalidExtension) {
			t.Errorf("Enter(%q, %q) err = %v, want ErrInvalidExtension", tc.digits, tc.speech, err)
		}
	}
	res, _ := r.Resolve(ctx, shared, caller)
	if !res.NeedsExtension() {
		t.Error("invalid entry must not bind")
	}
	doc, _ := r.InvalidTwiML().String()
	if !strings.Contains(doc, "<Hangup></Hangup>") {
		t.Errorf("invalid twiml = %s", doc)
	}
}

func TestRouter_DedicatedNumberPassesThrough(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(t)
	res, err := r.Resolve(context.Background(), "+4940111111", caller)
	if err != nil {
		t.Fatal(err)
	}
	if res.Shared || res.NeedsExtension() {
		t.Errorf("dedicated number resolution = %+v", res)
	}
}

func TestRouter_Disconnect(t *testing.T) {
	t.Parallel()
	convs := conversation.NewMemStore()
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	r := NewRouter(NewMemStore(), NewDirectory(map[string]map[string]string{shared: {"12345": "support"}}),
		convs, Config{DisconnectKeywords: []string{"disconnect", "change extension"}},
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := r.Enter(ctx, shared, caller, "12345", "", "twilio_sms"); err != nil {
		t.Fatal(err)
	}
	if !r.IsDisconnect("  DISCONNECT ", false) {
		t.Fatal("typed keyword not recognized")
	}
	if err := r.Disconnect(ctx, shared, caller, "twilio_sms"); err != nil {
		t.Fatal(err)
	}

	res, _ := r.Resolve(ctx, shared, caller)
	if !res.NeedsExtension() {
		t.Errorf("caller still bound after disconnect: %+v", res)
	}
	c, _ := convs.GetOrCreate(ctx, conversation.Key{IntegrationID: "support", UserKey: caller}, "twilio_sms")
	if c.ResetAt == nil || !c.ResetAt.Equal(now) {
		t.Errorf("reset_at = %v, want %v", c.ResetAt, now)
	}
	if c.Extension != "" {
		t.Errorf("extension = %q, want cleared", c.Extension)
	}

	if err := r.Disconnect(ctx, shared, caller, "twilio_sms"); err != nil {
		t.Errorf("disconnect of unbound caller: %v", err)
	}
}

func TestRouter_RemovedExtensionIsUnbound(t *testing.T) {
	t.Parallel()
	convs := conversation.NewMemStore()
	dir := NewDirectory(map[string]map[string]string{shared: {"12345": "support"}})
	r := NewRouter(NewMemStore(), dir, convs, Config{})
	ctx := context.Background()

	if _, err := r.Enter(ctx, shared, caller, "12345", "", "twilio_voice"); err != nil {
		t.Fatal(err)
	}
	dir.Replace(map[string]map[string]string{shared: {"777": "other"}})
	res, _ := r.Resolve(ctx, shared, caller)
	if !res.NeedsExtension() {
		t.Errorf("binding to removed extension still routes: %+v", res)
	}
}

func TestNormalizeDigits(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"12345":                     "12345",
		"one two three four five":   "12345",
		"Extension: one, two, 3.":   "123",
		"oh eight":                  "08",
		"1-2-3":                     "123",
		"I want to talk to someone": "22",
		"":                          "",
	}
	for in, want := range tests {
		if got := NormalizeDigits(in); got != want {
			t.Errorf("NormalizeDigits(%q) = %q, want %q", in, got, want)
		}
	}
}
