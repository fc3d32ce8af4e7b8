package realtime

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/switchboard/internal/channel"
	"github.com/MrWong99/switchboard/internal/channel/twiliovoice"
	"github.com/MrWong99/switchboard/internal/conversation"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/tools"
	"github.com/MrWong99/switchboard/internal/twilio"
)

// toolCall is a function call requested by the model.
type toolCall struct {
	name   string
	callID string
	args   string
}

// session is the state of one call. The pump and the dispatcher share the
// fields guarded by mu; transcript and token totals belong to the
// dispatcher and are read only after both loops have ended.
type session struct {
	b      *Bridge
	in     *channel.Integration
	conv   *conversation.Conversation
	caller string

	// shared is the shared number the caller reached the integration
	// through, or "".
	shared string

	streamSID string
	callSID   string

	phone Socket
	llm   Socket

	// offered are the tools announced to the model.
	offered map[string]tools.Definition

	phoneMu sync.Mutex
	llmMu   sync.Mutex

	mu              sync.Mutex
	lastItem        string
	truncatedItem   string
	responseStartMS int64
	latestMediaMS   int64
	lastMark        string
	marks           map[string]struct{}
	deferred        map[string][]toolCall

	workers sync.WaitGroup

	transcript       transcript
	promptTokens     int
	completionTokens int
}

func newSession(b *Bridge, in *channel.Integration, conv *conversation.Conversation, start *twilio.StreamStart, phone, llm Socket) *session {
	return &session{
		b:         b,
		in:        in,
		conv:      conv,
		caller:    conv.UserKey,
		shared:    start.CustomParameters[twiliovoice.ParamShared],
		streamSID: start.StreamSID,
		callSID:   start.CallSID,
		phone:     phone,
		llm:       llm,
		offered:   make(map[string]tools.Definition),
		marks:     make(map[string]struct{}),
		deferred:  make(map[string][]toolCall),
	}
}

// run configures the model and runs both loops until either socket closes.
func (s *session) run(ctx context.Context) error {
	if err := s.configure(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.pump(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return s.dispatch(gctx)
	})
	err := g.Wait()

	s.abandonDeferred(ctx)
	s.workers.Wait()
	return err
}

// configure sends the session settings, the prior conversation and a
// request for the opening response.
func (s *session) configure(ctx context.Context) error {
	cfg := s.b.cfg

	var defs []tools.Definition
	if s.b.registry != nil {
		names := append([]string{EndCallTool, TransferCallTool}, s.in.Tools...)
		defs = s.b.registry.Definitions(names...)
	}
	for _, d := range defs {
		s.offered[d.Name] = d
	}

	params := sessionParams{
		Modalities:              []string{"text", "audio"},
		Voice:                   cmp.Or(s.in.Voice, cfg.DefaultVoice),
		Instructions:            cmp.Or(s.in.Instructions, cfg.DefaultInstructions),
		InputAudioFormat:        audioFormat,
		OutputAudioFormat:       audioFormat,
		TurnDetection:           turnDetection{Type: "server_vad"},
		InputAudioTranscription: &transcription{Model: cfg.transcriptionModel()},
		Tools:                   toFunctionTools(defs),
	}
	if len(defs) > 0 {
		params.ToolChoice = "auto"
	}
	if err := s.writeLLM(ctx, sessionUpdateMessage{Type: eventSessionUpdate, Session: params}); err != nil {
		return fmt.Errorf("realtime: session update: %w", err)
	}

	history, err := s.b.store.History(ctx, s.conv.ID, cfg.historyLimit())
	if err != nil {
		return fmt.Errorf("realtime: load history: %w", err)
	}
	for _, m := range history {
		part := "input_text"
		if m.Role == conversation.RoleAssistant {
			part = "text"
		}
		item := createItemMessage{
			Type: eventItemCreate,
			Item: conversationItem{
				Type:    "message",
				Role:    string(m.Role),
				Content: []conversationPart{{Type: part, Text: m.Content}},
			},
		}
		if err := s.writeLLM(ctx, item); err != nil {
			return fmt.Errorf("realtime: inject history: %w", err)
		}
	}

	if err := s.writeLLM(ctx, typeOnly{Type: eventResponseCreate}); err != nil {
		return fmt.Errorf("realtime: greet: %w", err)
	}
	return nil
}

// ── Telephony → model ────────────────────────────────────────────────────────

func (s *session) pump(ctx context.Context) error {
	for {
		msg, err := readJSON[twilio.StreamMessage](ctx, s.phone)
		if err != nil {
			if isClosed(ctx, err) {
				return nil
			}
			return fmt.Errorf("realtime: telephony read: %w", err)
		}

		switch msg.Event {
		case twilio.EventMedia:
			if msg.Media == nil {
				continue
			}
			if ts, err := strconv.ParseInt(msg.Media.Timestamp, 10, 64); err == nil {
				s.mu.Lock()
				s.latestMediaMS = ts
				s.mu.Unlock()
			}
			if err := s.writeLLM(ctx, appendAudioMessage{Type: eventAudioAppend, Audio: msg.Media.Payload}); err != nil {
				if isClosed(ctx, err) {
					return nil
				}
				return fmt.Errorf("realtime: forward audio: %w", err)
			}

		case twilio.EventMark:
			if msg.Mark != nil {
				s.markPlayed(ctx, msg.Mark.Name)
			}

		case twilio.EventStop:
			return nil
		}
	}
}

// markPlayed releases the tool calls waiting for the named mark.
func (s *session) markPlayed(ctx context.Context, name string) {
	s.mu.Lock()
	delete(s.marks, name)
	calls := s.deferred[name]
	delete(s.deferred, name)
	s.mu.Unlock()

	for _, c := range calls {
		s.startTool(ctx, c)
	}
}

// ── Model → telephony ────────────────────────────────────────────────────────

func (s *session) dispatch(ctx context.Context) error {
	for {
		evt, err := readJSON[serverEvent](ctx, s.llm)
		if err != nil {
			if isClosed(ctx, err) {
				return nil
			}
			return fmt.Errorf("realtime: model read: %w", err)
		}
		if err := s.handle(ctx, &evt); err != nil {
			if isClosed(ctx, err) || errors.Is(err, errCallerLeft) {
				return nil
			}
			return err
		}
	}
}

// errCallerLeft ends the dispatcher once the caller left the extension.
var errCallerLeft = errors.New("realtime: caller left the extension")

func (s *session) wantsDisconnect(text string) bool {
	return s.shared != "" && s.b.unbinder != nil && s.b.unbinder.IsDisconnect(text, true)
}

// disconnect unbinds the caller from the shared number and hangs up.
func (s *session) disconnect(ctx context.Context) error {
	log := observe.Logger(ctx)
	if err := s.b.unbinder.Disconnect(ctx, s.shared, s.caller, string(channel.PlatformVoice)); err != nil {
		observe.ReportError(ctx, "realtime", err)
	}
	if s.b.telephony != nil {
		if err := s.b.telephony.HangupCall(ctx, s.callSID); err != nil {
			log.Warn("hangup after disconnect failed", "err", err)
		}
	}
	log.Info("caller left the extension", "shared", s.shared)
	return errCallerLeft
}

func (s *session) handle(ctx context.Context, evt *serverEvent) error {
	switch evt.Type {
	case eventAudioDelta:
		return s.forwardAudio(ctx, evt)

	case eventSpeechStarted:
		return s.bargeIn(ctx)

	case eventInputTranscript:
		s.transcript.add(conversation.RoleUser, evt.Transcript, s.b.now())
		if s.wantsDisconnect(evt.Transcript) {
			return s.disconnect(ctx)
		}

	case eventAudioTranscript:
		s.transcript.add(conversation.RoleAssistant, evt.Transcript, s.b.now())

	case eventOutputItemDone:
		if evt.Item != nil && evt.Item.Type == itemTypeFunctionCall {
			s.requestTool(ctx, toolCall{name: evt.Item.Name, callID: evt.Item.CallID, args: evt.Item.Arguments})
		}

	case eventResponseDone:
		if evt.Response != nil && evt.Response.Usage != nil {
			s.promptTokens += evt.Response.Usage.InputTokens
			s.completionTokens += evt.Response.Usage.OutputTokens
		}

	case eventError:
		if evt.Error != nil {
			observe.Logger(ctx).Warn("realtime model error",
				"type", evt.Error.Type, "code", evt.Error.Code, "message", evt.Error.Message)
		}
	}
	return nil
}

// forwardAudio relays one delta and a mark after it. Deltas of the item cut
// by the last barge-in are dropped.
func (s *session) forwardAudio(ctx context.Context, evt *serverEvent) error {
	if evt.Delta == "" {
		return nil
	}
	s.mu.Lock()
	if evt.ItemID != "" && evt.ItemID == s.truncatedItem {
		s.mu.Unlock()
		return nil
	}
	if evt.ItemID != s.lastItem || s.lastItem == "" {
		s.lastItem = evt.ItemID
		s.responseStartMS = s.latestMediaMS
	}
	mark := uuid.NewString()
	s.lastMark = mark
	s.marks[mark] = struct{}{}
	s.mu.Unlock()

	if err := s.writePhone(ctx, twilio.MediaFrame(s.streamSID, evt.Delta)); err != nil {
		return fmt.Errorf("realtime: forward audio: %w", err)
	}
	if err := s.writePhone(ctx, twilio.MarkFrame(s.streamSID, mark)); err != nil {
		return fmt.Errorf("realtime: send mark: %w", err)
	}
	return nil
}

// bargeIn cuts assistant audio that is still playing when the caller starts
// talking: the telephony buffer is cleared and the model's item truncated
// to what the caller heard.
func (s *session) bargeIn(ctx context.Context) error {
	s.mu.Lock()
	item := s.lastItem
	if item == "" || len(s.marks) == 0 {
		s.mu.Unlock()
		return nil
	}
	played := max(s.latestMediaMS-s.responseStartMS, 0)
	s.truncatedItem = item
	s.lastItem = ""
	s.responseStartMS = 0
	s.mu.Unlock()

	s.b.metrics.BargeIns.Add(ctx, 1)
	if err := s.writePhone(ctx, twilio.ClearFrame(s.streamSID)); err != nil {
		return fmt.Errorf("realtime: clear playback: %w", err)
	}
	err := s.writeLLM(ctx, truncateMessage{
		Type:       eventItemTruncate,
		ItemID:     item,
		AudioEndMS: played,
	})
	if err != nil {
		return fmt.Errorf("realtime: truncate: %w", err)
	}
	return nil
}

// ── Tools ────────────────────────────────────────────────────────────────────

// requestTool runs call now, or queues it behind the last mark when the
// tool waits for playback and audio is still playing.
func (s *session) requestTool(ctx context.Context, call toolCall) {
	if def, ok := s.offered[call.name]; ok && def.AwaitAudio {
		s.mu.Lock()
		if _, playing := s.marks[s.lastMark]; playing {
			s.deferred[s.lastMark] = append(s.deferred[s.lastMark], call)
			s.mu.Unlock()
			observe.Logger(ctx).Debug("tool call waits for playback", "tool", call.name)
			return
		}
		s.mu.Unlock()
	}
	s.startTool(ctx, call)
}

func (s *session) startTool(ctx context.Context, call toolCall) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.runTool(ctx, call)
	}()
}

func (s *session) runTool(ctx context.Context, call toolCall) {
	log := observe.Logger(ctx).With("tool", call.name)

	var output string
	if _, ok := s.offered[call.name]; !ok {
		output = errorOutput(fmt.Sprintf("unknown tool %q", call.name))
	} else {
		tctx := withCall(ctx, Call{SID: s.callSID, IntegrationID: s.in.ID, Caller: s.caller})
		res, err := s.b.registry.Execute(tctx, call.name, call.args)
		switch {
		case err != nil:
			observe.ReportError(ctx, "realtime", err, "tool", call.name)
			output = errorOutput(err.Error())
		case res.IsError:
			log.Warn("tool reported an error", "result", res.Content)
			output = errorOutput(res.Content)
		default:
			output = res.Content
		}
	}

	if ctx.Err() != nil {
		return
	}
	err := s.writeLLM(ctx,
		createItemMessage{
			Type: eventItemCreate,
			Item: conversationItem{Type: itemTypeFunctionOutput, CallID: call.callID, Output: output},
		},
		typeOnly{Type: eventResponseCreate},
	)
	if err != nil && !isClosed(ctx, err) {
		log.Warn("failed to return tool result", "err", err)
	}
}

// abandonDeferred drops tool calls whose audio never finished playing.
func (s *session) abandonDeferred(ctx context.Context) {
	s.mu.Lock()
	n := 0
	for _, calls := range s.deferred {
		n += len(calls)
	}
	clear(s.deferred)
	s.mu.Unlock()
	if n > 0 {
		observe.Logger(ctx).Info("call ended before deferred tools ran", "abandoned", n)
	}
}

func errorOutput(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

// ── Socket helpers ───────────────────────────────────────────────────────────

// writeLLM sends msgs back to back on the model socket.
func (s *session) writeLLM(ctx context.Context, msgs ...any) error {
	s.llmMu.Lock()
	defer s.llmMu.Unlock()
	return writeJSON(ctx, s.llm, msgs...)
}

func (s *session) writePhone(ctx context.Context, msgs ...any) error {
	s.phoneMu.Lock()
	defer s.phoneMu.Unlock()
	return writeJSON(ctx, s.phone, msgs...)
}

func writeJSON(ctx context.Context, sock Socket, msgs ...any) error {
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("realtime: marshal: %w", err)
		}
		if err := sock.Write(ctx, websocket.MessageText, data); err != nil {
			return err
		}
	}
	return nil
}

// readJSON returns the next text frame that decodes as T. Undecodable
// frames are skipped.
func readJSON[T any](ctx context.Context, sock Socket) (T, error) {
	for {
		var v T
		typ, data, err := sock.Read(ctx)
		if err != nil {
			return v, err
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := json.Unmarshal(data, &v); err != nil {
			observe.Logger(ctx).Debug("skipping undecodable frame", "err", err)
			continue
		}
		return v, nil
	}
}

// ── Transcript ───────────────────────────────────────────────────────────────

type transcriptLine struct {
	role conversation.Role
	text string
	at   time.Time
}

// transcript merges consecutive lines of the same speaker.
type transcript struct {
	lines []transcriptLine
}

func (t *transcript) add(role conversation.Role, text string, at time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if n := len(t.lines); n > 0 && t.lines[n-1].role == role {
		t.lines[n-1].text += " " + text
		return
	}
	t.lines = append(t.lines, transcriptLine{role: role, text: text, at: at})
}

func (t *transcript) messages() []conversation.Message {
	out := make([]conversation.Message, len(t.lines))
	for i, l := range t.lines {
		out[i] = conversation.Message{
			Role:           l.role,
			Content:        l.text,
			DisplayContent: l.text,
			CreatedAt:      l.at,
		}
	}
	return out
}
