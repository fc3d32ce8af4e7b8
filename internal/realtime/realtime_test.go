package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchboard/internal/channel"
	"github.com/MrWong99/switchboard/internal/conversation"
	"github.com/MrWong99/switchboard/internal/tools"
	"github.com/MrWong99/switchboard/internal/twilio"
	"github.com/MrWong99/switchboard/internal/usage"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

// fakeSocket is an in-memory websocket leg. Frames pushed with send are
// returned by Read; closing the input ends the leg like a peer close.
type fakeSocket struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	out []map[string]any
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (f *fakeSocket) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data, ok := <-f.in:
		if !ok {
			return 0, nil, websocket.CloseError{Code: websocket.StatusNormalClosure}
		}
		return websocket.MessageText, data, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeSocket) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.out = append(f.out, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) Close(websocket.StatusCode, string) error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	f.in <- data
}

func (f *fakeSocket) hangup() { close(f.in) }

func (f *fakeSocket) frames() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.out...)
}

// ofType returns the written frames whose "type" is typ.
func (f *fakeSocket) ofType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range f.frames() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// playback renders the frames written to the telephony leg as
// "media:<payload>", "mark" or "clear".
func (f *fakeSocket) playback() []string {
	var out []string
	for _, m := range f.frames() {
		switch m["event"] {
		case twilio.EventMedia:
			out = append(out, "media:"+m["media"].(map[string]any)["payload"].(string))
		default:
			out = append(out, m["event"].(string))
		}
	}
	return out
}

type fakeTelephony struct {
	mu        sync.Mutex
	hangups   []string
	transfers []string
}

func (f *fakeTelephony) GetCall(_ context.Context, sid string) (*twilio.Call, error) {
	return &twilio.Call{SID: sid, Duration: "42"}, nil
}

func (f *fakeTelephony) HangupCall(_ context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, sid)
	return nil
}

func (f *fakeTelephony) TransferCall(_ context.Context, sid, number string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, sid+"->"+number)
	return nil
}

func (f *fakeTelephony) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

type fakeUsage struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (f *fakeUsage) Record(_ context.Context, rec usage.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

type fakeUnbinder struct {
	mu      sync.Mutex
	unbound []string
}

func (f *fakeUnbinder) IsDisconnect(text string, _ bool) bool {
	return strings.EqualFold(strings.Trim(text, " .!"), "disconnect")
}

func (f *fakeUnbinder) Disconnect(_ context.Context, number, caller, platform string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbound = append(f.unbound, number+"/"+caller+"/"+platform)
	return nil
}

func (f *fakeUnbinder) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unbound...)
}

// ── Harness ──────────────────────────────────────────────────────────────────

var voiceIntegration = channel.Integration{
	ID:           "voice-de",
	Platform:     channel.PlatformVoice,
	Account:      "+4930100",
	Realtime:     true,
	Voice:        "alloy",
	Instructions: "You are the front desk of a dental practice.",
}

type harness struct {
	phone  *fakeSocket
	llm    *fakeSocket
	store  *conversation.MemStore
	tel    *fakeTelephony
	usage  *fakeUsage
	dialed chan struct{}
	done   chan error
}

func newHarness(t *testing.T, in channel.Integration, reg *tools.Registry, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		phone:  newFakeSocket(),
		llm:    newFakeSocket(),
		store:  conversation.NewMemStore(),
		tel:    &fakeTelephony{},
		usage:  &fakeUsage{},
		dialed: make(chan struct{}, 1),
		done:   make(chan error, 1),
	}
	if reg == nil {
		reg = tools.New()
		t.Cleanup(func() { reg.Close() })
		if err := RegisterBuiltins(reg, h.tel); err != nil {
			t.Fatal(err)
		}
	}
	b := New(Config{}, channel.NewDirectory([]channel.Integration{in}), h.store, reg, h.tel,
		WithDialer(func(context.Context, Config) (Socket, error) {
			h.dialed <- struct{}{}
			return h.llm, nil
		}),
		WithUsageRecorder(h.usage),
	)
	for _, o := range opts {
		o(b)
	}
	go func() { h.done <- b.Serve(context.Background(), h.phone) }()
	return h
}

func (h *harness) start(t *testing.T, integrationID string) {
	t.Helper()
	h.startWith(t, map[string]string{"integration": integrationID, "caller": "+4917"})
}

func (h *harness) startWith(t *testing.T, params map[string]string) {
	t.Helper()
	h.phone.send(t, twilio.StreamMessage{Event: twilio.EventConnected})
	h.phone.send(t, twilio.StreamMessage{
		Event:     twilio.EventStart,
		StreamSID: "MZ1",
		Start: &twilio.StreamStart{
			StreamSID:        "MZ1",
			CallSID:          "CA1",
			CustomParameters: params,
		},
	})
}

func (h *harness) media(t *testing.T, ts string) {
	t.Helper()
	h.phone.send(t, twilio.StreamMessage{
		Event:     twilio.EventMedia,
		StreamSID: "MZ1",
		Media:     &twilio.StreamMedia{Timestamp: ts, Payload: "/v8="},
	})
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("call did not end")
		return nil
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func delta(item, audio string) map[string]any {
	return map[string]any{"type": eventAudioDelta, "item_id": item, "delta": audio}
}

func functionCall(name, callID, args string) map[string]any {
	return map[string]any{
		"type": eventOutputItemDone,
		"item": map[string]any{"id": "fc_" + callID, "type": itemTypeFunctionCall, "name": name, "call_id": callID, "arguments": args},
	}
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestServe_BargeInDoesNotBleedAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voiceIntegration, nil)
	h.start(t, "voice-de")

	waitUntil(t, "session update", func() bool { return len(h.llm.ofType(eventSessionUpdate)) == 1 })
	h.media(t, "100")
	waitUntil(t, "first append", func() bool { return len(h.llm.ofType(eventAudioAppend)) == 1 })

	h.llm.send(t, delta("item1", "AAA"))
	h.llm.send(t, delta("item1", "BBB"))
	waitUntil(t, "two deltas", func() bool { return len(h.phone.frames()) == 4 })

	h.media(t, "600")
	waitUntil(t, "second append", func() bool { return len(h.llm.ofType(eventAudioAppend)) == 2 })

	h.llm.send(t, map[string]any{"type": eventSpeechStarted})
	h.llm.send(t, delta("item1", "CCC"))
	h.llm.send(t, delta("item2", "DDD"))
	waitUntil(t, "next item", func() bool { return len(h.phone.frames()) == 7 })

	want := []string{"media:AAA", "mark", "media:BBB", "mark", "clear", "media:DDD", "mark"}
	if got := h.phone.playback(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("playback = %v, want %v", got, want)
	}

	truncs := h.llm.ofType(eventItemTruncate)
	if len(truncs) != 1 {
		t.Fatalf("truncates = %v", truncs)
	}
	if truncs[0]["item_id"] != "item1" || truncs[0]["audio_end_ms"] != float64(500) {
		t.Errorf("truncate = %v", truncs[0])
	}

	h.phone.hangup()
	if err := h.wait(t); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if len(h.usage.recs) != 1 || h.usage.recs[0].CallSID != "CA1" || h.usage.recs[0].Duration != 42*time.Second {
		t.Errorf("usage = %+v", h.usage.recs)
	}
}

func TestServe_SpeechWithoutPlaybackIsNotABargeIn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voiceIntegration, nil)
	h.start(t, "voice-de")

	h.llm.send(t, delta("item1", "AAA"))
	waitUntil(t, "delta", func() bool { return len(h.phone.frames()) == 2 })
	mark := h.phone.frames()[1]["mark"].(map[string]any)["name"].(string)
	h.phone.send(t, twilio.StreamMessage{Event: twilio.EventMark, StreamSID: "MZ1", Mark: &twilio.StreamMark{Name: mark}})
	// The pump handles frames in order, so the append proves the mark was seen.
	h.media(t, "200")
	waitUntil(t, "append", func() bool { return len(h.llm.ofType(eventAudioAppend)) == 1 })

	h.llm.send(t, map[string]any{"type": eventSpeechStarted})
	h.llm.send(t, delta("item2", "BBB"))
	waitUntil(t, "second delta", func() bool { return len(h.phone.frames()) == 4 })

	for _, ev := range h.phone.playback() {
		if ev == twilio.EventClear {
			t.Errorf("clear sent after playback finished: %v", h.phone.playback())
		}
	}
	h.phone.hangup()
	_ = h.wait(t)
}

func TestServe_AwaitAudioToolRunsAfterMark(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voiceIntegration, nil)
	h.start(t, "voice-de")

	h.llm.send(t, delta("item1", "AAA"))
	waitUntil(t, "delta", func() bool { return len(h.phone.frames()) == 2 })
	mark := h.phone.frames()[1]["mark"].(map[string]any)["name"].(string)

	h.llm.send(t, functionCall(EndCallTool, "c1", "{}"))
	// A later frame proves the call was dispatched.
	h.llm.send(t, delta("item1", "BBB"))
	waitUntil(t, "second delta", func() bool { return len(h.phone.frames()) == 4 })
	if n := h.tel.hangupCount(); n != 0 {
		t.Fatalf("hung up %d times before playback finished", n)
	}

	h.phone.send(t, twilio.StreamMessage{Event: twilio.EventMark, StreamSID: "MZ1", Mark: &twilio.StreamMark{Name: mark}})
	waitUntil(t, "hangup", func() bool { return h.tel.hangupCount() == 1 })
	waitUntil(t, "tool result and response request", func() bool {
		frames := h.llm.frames()
		if len(frames) < 2 || frames[len(frames)-1]["type"] != eventResponseCreate {
			return false
		}
		item, ok := frames[len(frames)-2]["item"].(map[string]any)
		return ok && item["call_id"] == "c1" && item["output"] == `{"status":"ended"}`
	})

	h.phone.hangup()
	if err := h.wait(t); err != nil {
		t.Fatal(err)
	}
}

func TestServe_DeferredToolAbandonedOnHangup(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voiceIntegration, nil)
	h.start(t, "voice-de")

	h.llm.send(t, delta("item1", "AAA"))
	h.llm.send(t, functionCall(TransferCallTool, "c1", `{"number":"+4930999"}`))
	h.llm.send(t, delta("item1", "BBB"))
	waitUntil(t, "deltas", func() bool { return len(h.phone.frames()) == 4 })

	h.phone.hangup()
	if err := h.wait(t); err != nil {
		t.Fatal(err)
	}
	h.tel.mu.Lock()
	defer h.tel.mu.Unlock()
	if len(h.tel.transfers) != 0 {
		t.Errorf("transfers = %v, want none", h.tel.transfers)
	}
}

func TestServe_ToolsHistoryTranscriptAndUsage(t *testing.T) {
	t.Parallel()
	tel := &fakeTelephony{}
	reg := tools.New()
	t.Cleanup(func() { reg.Close() })
	if err := RegisterBuiltins(reg, tel); err != nil {
		t.Fatal(err)
	}
	_ = reg.RegisterBuiltin(tools.Builtin{
		Definition: tools.Definition{Name: "lookup_appointment"},
		Handler:    func(_ context.Context, args string) (string, error) { return "found " + args, nil },
	})
	_ = reg.RegisterBuiltin(tools.Builtin{
		Definition: tools.Definition{Name: "not_offered"},
		Handler:    func(context.Context, string) (string, error) { return "secret", nil },
	})

	in := voiceIntegration
	in.Tools = []string{"lookup_appointment"}
	h := newHarness(t, in, reg)

	ctx := context.Background()
	conv, _ := h.store.GetOrCreate(ctx, conversation.Key{IntegrationID: "voice-de", UserKey: "+4917"}, "twilio_voice")
	_ = h.store.SaveTurn(ctx, conv.ID,
		&conversation.Message{Role: conversation.RoleUser, Content: "Do you open on Saturday?"},
		&conversation.Message{Role: conversation.RoleAssistant, Content: "Yes, until noon."})

	h.start(t, "voice-de")
	waitUntil(t, "greeting", func() bool { return len(h.llm.ofType(eventResponseCreate)) == 1 })

	update := h.llm.ofType(eventSessionUpdate)[0]["session"].(map[string]any)
	if update["input_audio_format"] != audioFormat || update["voice"] != "alloy" {
		t.Errorf("session = %v", update)
	}
	var names []string
	for _, tl := range update["tools"].([]any) {
		names = append(names, tl.(map[string]any)["name"].(string))
	}
	if strings.Join(names, ",") != "end_call,lookup_appointment,transfer_call" {
		t.Errorf("offered tools = %v", names)
	}
	items := h.llm.ofType(eventItemCreate)
	if len(items) != 2 || items[0]["item"].(map[string]any)["role"] != "user" {
		t.Errorf("history items = %v", items)
	}

	h.llm.send(t, functionCall("lookup_appointment", "c1", `{"day":"sat"}`))
	h.llm.send(t, functionCall("not_offered", "c2", `{}`))
	waitUntil(t, "tool results", func() bool { return len(h.llm.ofType(eventItemCreate)) == 4 })
	outputs := map[string]string{}
	for _, m := range h.llm.ofType(eventItemCreate)[2:] {
		item := m["item"].(map[string]any)
		outputs[item["call_id"].(string)] = item["output"].(string)
	}
	if outputs["c1"] != `found {"day":"sat"}` {
		t.Errorf("c1 output = %q", outputs["c1"])
	}
	if !strings.Contains(outputs["c2"], "unknown tool") {
		t.Errorf("c2 output = %q", outputs["c2"])
	}

	h.llm.send(t, map[string]any{"type": eventInputTranscript, "transcript": "I need to move"})
	h.llm.send(t, map[string]any{"type": eventInputTranscript, "transcript": "my appointment."})
	h.llm.send(t, map[string]any{"type": eventAudioTranscript, "transcript": "Sure, to which day?"})
	h.llm.send(t, map[string]any{"type": eventResponseDone, "response": map[string]any{"status": "completed", "usage": map[string]any{"input_tokens": 120, "output_tokens": 30}}})
	h.llm.send(t, map[string]any{"type": eventResponseDone, "response": map[string]any{"status": "completed", "usage": map[string]any{"input_tokens": 80, "output_tokens": 20}}})
	h.llm.hangup()
	if err := h.wait(t); err != nil {
		t.Fatal(err)
	}

	msgs, _ := h.store.History(ctx, conv.ID, 0)
	if len(msgs) != 4 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[2].Role != conversation.RoleUser || msgs[2].Content != "I need to move my appointment." {
		t.Errorf("user line = %+v", msgs[2])
	}
	if msgs[3].Role != conversation.RoleAssistant || msgs[3].Content != "Sure, to which day?" {
		t.Errorf("assistant line = %+v", msgs[3])
	}

	rec := h.usage.recs[0]
	if rec.PromptTokens != 200 || rec.CompletionTokens != 50 || rec.ConversationID != conv.ID {
		t.Errorf("usage = %+v", rec)
	}
}

func TestServe_DisconnectKeyword(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		params     map[string]string
		wantUnbind []string
	}{
		{
			name:       "shared number",
			params:     map[string]string{"integration": "voice-de", "caller": "+4917", "extension": "12", "shared": "+4930999"},
			wantUnbind: []string{"+4930999/+4917/twilio_voice"},
		},
		{
			name:   "own number",
			params: map[string]string{"integration": "voice-de", "caller": "+4917"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ub := &fakeUnbinder{}
			h := newHarness(t, voiceIntegration, nil, WithUnbinder(ub))
			h.startWith(t, tt.params)
			waitUntil(t, "greeting", func() bool { return len(h.llm.ofType(eventResponseCreate)) == 1 })

			h.llm.send(t, map[string]any{"type": eventInputTranscript, "transcript": "Disconnect."})
			if tt.wantUnbind == nil {
				// The call goes on until a leg closes.
				time.Sleep(50 * time.Millisecond)
				h.llm.hangup()
			}
			if err := h.wait(t); err != nil {
				t.Fatal(err)
			}

			got := ub.calls()
			if strings.Join(got, ",") != strings.Join(tt.wantUnbind, ",") {
				t.Errorf("unbound = %v, want %v", got, tt.wantUnbind)
			}
			if wantHangups := len(tt.wantUnbind); h.tel.hangupCount() != wantHangups {
				t.Errorf("hangups = %d, want %d", h.tel.hangupCount(), wantHangups)
			}
		})
	}
}

func TestServe_UnknownIntegration(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voiceIntegration, nil)
	h.start(t, "missing")

	var uie *channel.UnknownIntegrationError
	if err := h.wait(t); !errors.As(err, &uie) || uie.Identifier != "missing" {
		t.Errorf("err = %v", err)
	}
	if len(h.dialed) != 0 {
		t.Error("model socket dialed for unknown integration")
	}
}

func TestServe_StopBeforeStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voiceIntegration, nil)
	h.phone.send(t, twilio.StreamMessage{Event: twilio.EventStop})
	if err := h.wait(t); err != nil {
		t.Errorf("err = %v", err)
	}
	if len(h.dialed) != 0 {
		t.Error("model socket dialed before start")
	}
}

func TestTransferCallBuiltin(t *testing.T) {
	t.Parallel()
	tel := &fakeTelephony{}
	reg := tools.New()
	defer reg.Close()
	if err := RegisterBuiltins(reg, tel); err != nil {
		t.Fatal(err)
	}
	ctx := withCall(context.Background(), Call{SID: "CA9"})

	tests := []struct {
		args    string
		wantErr bool
	}{
		{`{"number":"+49 30 123456"}`, false},
		{`{"number":"sip:desk@example.com"}`, false},
		{`{"number":"call me"}`, true},
		{`not json`, true},
	}
	for _, tt := range tests {
		res, err := reg.Execute(ctx, TransferCallTool, tt.args)
		if err != nil {
			t.Fatalf("%s: %v", tt.args, err)
		}
		if res.IsError != tt.wantErr {
			t.Errorf("%s: result = %+v", tt.args, res)
		}
	}
	if len(tel.transfers) != 2 || tel.transfers[0] != "CA9->+4930123456" {
		t.Errorf("transfers = %v", tel.transfers)
	}

	res, _ := reg.Execute(context.Background(), EndCallTool, "{}")
	if !res.IsError {
		t.Error("end_call without a call should fail")
	}
}

func TestTranscript_MergesSameSpeaker(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var tr transcript
	tr.add(conversation.RoleUser, "hello", t0)
	tr.add(conversation.RoleUser, "  ", t0.Add(time.Second))
	tr.add(conversation.RoleUser, "anyone there?", t0.Add(2*time.Second))
	tr.add(conversation.RoleAssistant, "Yes.", t0.Add(3*time.Second))
	tr.add(conversation.RoleUser, "good", t0.Add(4*time.Second))

	msgs := tr.messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Content != "hello anyone there?" || !msgs[0].CreatedAt.Equal(t0) {
		t.Errorf("first = %+v", msgs[0])
	}
}

func TestDial_SendsHeaders(t *testing.T) {
	t.Parallel()
	got := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	}))
	defer srv.Close()

	sock, err := Dial(context.Background(), Config{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime",
		APIKey: "sk-test",
		Model:  "gpt-realtime",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sock.Close(websocket.StatusNormalClosure, "")

	r := <-got
	if r.Header.Get("Authorization") != "Bearer sk-test" || r.Header.Get("OpenAI-Beta") != "realtime=v1" {
		t.Errorf("headers = %v", r.Header)
	}
	if r.URL.Query().Get("model") != "gpt-realtime" {
		t.Errorf("query = %s", r.URL.RawQuery)
	}
}
