package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/switchboard/internal/channel"
)

func integration(streaming bool) *channel.Integration {
	return &channel.Integration{ID: "web-demo", Platform: channel.PlatformWeb, Features: channel.Features{Streaming: streaming}}
}

func TestParse(t *testing.T) {
	t.Parallel()
	s, err := Parse(context.Background(), integration(false), []byte(`{"user_id":"u-1","message_id":"c-7","text":"hi",
		"image_urls":["https://cdn.example/a.png",""],"button_id":"feedback:skip","reply_to":"m-3"}`))
	if err != nil {
		t.Fatal(err)
	}
	if s.UserKey() != "u-1" || s.PlatformMessageID() != "c-7" {
		t.Errorf("key = %q id = %q", s.UserKey(), s.PlatformMessageID())
	}
	if imgs, _ := s.InputImages(); len(imgs) != 1 {
		t.Errorf("images = %+v", imgs)
	}
	if b := s.InputButton(); b == nil || b.ID != channel.ButtonSkip || b.ReplyTo != "m-3" {
		t.Errorf("button = %+v", b)
	}

	for _, body := range []string{`{`, `{"text":"no user"}`, `{"user_id":"  "}`} {
		_, err := Parse(context.Background(), integration(false), []byte(body))
		var mie *channel.MalformedInputError
		if !errors.As(err, &mie) {
			t.Errorf("Parse(%s) err = %v, want MalformedInputError", body, err)
		}
	}
}

func TestSession_CollectsJSON(t *testing.T) {
	t.Parallel()
	s, _ := Parse(context.Background(), integration(false), []byte(`{"user_id":"u-1","text":"hi"}`))
	rec := httptest.NewRecorder()
	if err := s.Start(rec); err != nil {
		t.Fatal(err)
	}
	if s.Streaming() {
		t.Fatal("non-streaming integration reports streaming")
	}

	id, err := s.Send(context.Background(), channel.Reply{
		Text:    "Hello",
		Buttons: []channel.Button{{ID: channel.ButtonThumbsUp, Label: "👍"}},
	})
	if err != nil || id == "" {
		t.Fatalf("Send = %q, %v", id, err)
	}
	if err := s.SendDelta(context.Background(), "ignored"); err != nil {
		t.Fatal(err)
	}
	if err := s.Finish(rec, nil); err != nil {
		t.Fatal(err)
	}

	var body struct {
		Messages []Message `json:"messages"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Messages) != 1 || body.Messages[0].ID != id || body.Messages[0].Buttons[0].ID != channel.ButtonThumbsUp {
		t.Errorf("messages = %+v", body.Messages)
	}
}

func TestSession_StreamsEvents(t *testing.T) {
	t.Parallel()
	s, _ := Parse(context.Background(), integration(true), []byte(`{"user_id":"u-1","text":"hi"}`))
	rec := httptest.NewRecorder()
	if err := s.Start(rec); err != nil {
		t.Fatal(err)
	}
	if !s.Streaming() {
		t.Fatal("streaming integration not streaming")
	}
	ctx := context.Background()
	_ = s.SendDelta(ctx, "Hel")
	_ = s.SendDelta(ctx, "lo")
	if _, err := s.Send(ctx, channel.Reply{Text: "Hello"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Finish(rec, nil); err != nil {
		t.Fatal(err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	var events []string
	for _, block := range strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n") {
		name, _, _ := strings.Cut(block, "\n")
		events = append(events, strings.TrimPrefix(name, "event: "))
	}
	if got := strings.Join(events, ","); got != "delta,delta,message,done" {
		t.Errorf("events = %s", got)
	}
	if !strings.Contains(rec.Body.String(), `data: {"text":"Hel"}`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestSession_StreamError(t *testing.T) {
	t.Parallel()
	s, _ := Parse(context.Background(), integration(true), []byte(`{"user_id":"u-1"}`))
	rec := httptest.NewRecorder()
	_ = s.Start(rec)
	_ = s.Finish(rec, errors.New("rate limited"))
	if !strings.Contains(rec.Body.String(), "event: error\ndata: {\"message\":\"rate limited\"}") {
		t.Errorf("body = %s", rec.Body.String())
	}
}
