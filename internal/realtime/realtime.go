// Package realtime bridges a Twilio Media Streams call to an LLM realtime
// socket for the lifetime of one call.
//
// A [Bridge] waits for the telephony start event, opens the LLM socket and
// then runs two loops: the pump relays caller audio to the model and the
// dispatcher handles model events (audio deltas, barge-in, transcripts,
// function calls). Audio deltas reach the telephony leg in the order the
// model sent them, and a barge-in clear is issued synchronously in the
// dispatcher, so no delta of a cleared item follows the clear.
//
// When either socket closes both loops unwind, tool calls still waiting for
// audio playback are abandoned, the merged transcript is stored on the
// caller's conversation and the call's usage is recorded.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchboard/internal/channel"
	"github.com/MrWong99/switchboard/internal/channel/twiliovoice"
	"github.com/MrWong99/switchboard/internal/conversation"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/tools"
	"github.com/MrWong99/switchboard/internal/twilio"
	"github.com/MrWong99/switchboard/internal/usage"
)

// DefaultHistoryLimit is the number of prior messages injected into a call.
const DefaultHistoryLimit = 50

// Socket is one leg of a call. *websocket.Conn satisfies it.
type Socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

var _ Socket = (*websocket.Conn)(nil)

// Telephony is the call control API used by the bridge and its built-in
// tools. *twilio.Client satisfies it.
type Telephony interface {
	GetCall(ctx context.Context, callSID string) (*twilio.Call, error)
	HangupCall(ctx context.Context, callSID string) error
	TransferCall(ctx context.Context, callSID, number string) error
}

var _ Telephony = (*twilio.Client)(nil)

// Unbinder ends a caller's extension binding on a shared number.
// *extension.Router satisfies it.
type Unbinder interface {
	IsDisconnect(text string, spoken bool) bool
	Disconnect(ctx context.Context, number, caller, platform string) error
}

// Config configures the LLM leg.
type Config struct {
	URL    string
	APIKey string
	Model  string

	// TranscriptionModel transcribes caller audio. Defaults to whisper-1.
	TranscriptionModel string

	// DefaultVoice and DefaultInstructions apply to integrations that set
	// none.
	DefaultVoice        string
	DefaultInstructions string

	// HistoryLimit caps injected prior messages. Defaults to
	// [DefaultHistoryLimit].
	HistoryLimit int
}

func (c Config) model() string {
	if c.Model == "" {
		return DefaultModel
	}
	return c.Model
}

func (c Config) transcriptionModel() string {
	if c.TranscriptionModel == "" {
		return "whisper-1"
	}
	return c.TranscriptionModel
}

func (c Config) historyLimit() int {
	if c.HistoryLimit <= 0 {
		return DefaultHistoryLimit
	}
	return c.HistoryLimit
}

// DialFunc opens the LLM socket.
type DialFunc func(ctx context.Context, cfg Config) (Socket, error)

// Bridge runs realtime voice calls. A single Bridge serves many calls
// concurrently.
type Bridge struct {
	cfg       Config
	dir       *channel.Directory
	store     conversation.Store
	registry  *tools.Registry
	telephony Telephony
	usage     usage.Recorder
	unbinder  Unbinder
	dial      DialFunc
	now       func() time.Time
	metrics   *observe.Metrics
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithDialer replaces [Dial].
func WithDialer(d DialFunc) Option {
	return func(b *Bridge) { b.dial = d }
}

// WithUsageRecorder sets where call usage goes. Defaults to
// [usage.LogRecorder].
func WithUsageRecorder(r usage.Recorder) Option {
	return func(b *Bridge) { b.usage = r }
}

// WithUnbinder lets callers on a shared number leave their extension by
// saying a disconnect keyword. The call is hung up afterwards.
func WithUnbinder(u Unbinder) Option {
	return func(b *Bridge) { b.unbinder = u }
}

// WithClock overrides time.Now for transcript timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New creates a Bridge.
func New(cfg Config, dir *channel.Directory, store conversation.Store, registry *tools.Registry, tel Telephony, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:       cfg,
		dir:       dir,
		store:     store,
		registry:  registry,
		telephony: tel,
		usage:     usage.LogRecorder{},
		dial:      Dial,
		now:       time.Now,
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Serve runs one call on the telephony socket phone until either leg
// closes. It closes phone before returning. A caller hanging up is not an
// error.
func (b *Bridge) Serve(ctx context.Context, phone Socket) error {
	defer phone.Close(websocket.StatusNormalClosure, "call ended")

	start, err := waitStart(ctx, phone)
	if err != nil {
		return err
	}
	if start == nil {
		return nil
	}

	integrationID := start.CustomParameters[twiliovoice.ParamIntegration]
	in, ok := b.dir.ByID(integrationID)
	if !ok {
		return &channel.UnknownIntegrationError{Platform: channel.PlatformVoice, Identifier: integrationID}
	}
	caller := start.CustomParameters[twiliovoice.ParamCaller]
	if caller == "" {
		caller = start.CallSID
	}

	ctx = observe.WithAttrs(ctx, "call_sid", start.CallSID, "integration", in.ID)
	log := observe.Logger(ctx)

	conv, err := b.store.GetOrCreate(ctx, conversation.Key{IntegrationID: in.ID, UserKey: caller}, string(channel.PlatformVoice))
	if err != nil {
		return fmt.Errorf("realtime: %w", err)
	}
	if conv.Blocked {
		log.Info("blocked caller, ending call")
		return nil
	}
	if ext := start.CustomParameters[twiliovoice.ParamExtension]; ext != "" && ext != conv.Extension {
		if err := b.store.SetExtension(ctx, conv.ID, ext); err != nil {
			log.Warn("failed to store extension", "err", err)
		}
	}

	llmConn, err := b.dial(ctx, b.cfg)
	if err != nil {
		return err
	}
	defer llmConn.Close(websocket.StatusNormalClosure, "call ended")

	s := newSession(b, in, conv, start, phone, llmConn)
	b.metrics.ActiveCalls.Add(ctx, 1)
	defer b.metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)
	log.Info("realtime call started", "caller", caller)

	runErr := s.run(ctx)
	b.finish(context.WithoutCancel(ctx), s)

	if runErr != nil {
		observe.ReportError(ctx, "realtime", runErr)
	}
	log.Info("realtime call ended")
	return runErr
}

// waitStart reads frames until the start event. It returns (nil, nil) when
// the call ends first.
func waitStart(ctx context.Context, phone Socket) (*twilio.StreamStart, error) {
	for {
		msg, err := readJSON[twilio.StreamMessage](ctx, phone)
		if err != nil {
			if isClosed(ctx, err) {
				return nil, nil
			}
			return nil, fmt.Errorf("realtime: wait for start: %w", err)
		}
		switch msg.Event {
		case twilio.EventStart:
			if msg.Start == nil {
				return nil, channel.Malformed(channel.PlatformVoice, "start", "empty start event")
			}
			if msg.Start.StreamSID == "" {
				msg.Start.StreamSID = msg.StreamSID
			}
			return msg.Start, nil
		case twilio.EventStop:
			return nil, nil
		}
	}
}

// finish persists the transcript and records usage. It runs after both
// loops have ended.
func (b *Bridge) finish(ctx context.Context, s *session) {
	log := observe.Logger(ctx)

	if lines := s.transcript.messages(); len(lines) > 0 {
		if err := b.store.AppendMessages(ctx, s.conv.ID, lines); err != nil {
			observe.ReportError(ctx, "realtime", fmt.Errorf("realtime: save transcript: %w", err))
		}
	}

	rec := usage.Record{
		IntegrationID:    s.in.ID,
		ConversationID:   s.conv.ID,
		CallSID:          s.callSID,
		Model:            b.cfg.model(),
		PromptTokens:     s.promptTokens,
		CompletionTokens: s.completionTokens,
	}
	if b.telephony != nil {
		call, err := b.telephony.GetCall(ctx, s.callSID)
		if err != nil {
			log.Warn("failed to fetch call duration", "err", err)
		} else {
			rec.Duration = time.Duration(call.DurationSeconds()) * time.Second
		}
	}
	if err := b.usage.Record(ctx, rec); err != nil {
		observe.ReportError(ctx, "realtime", err)
	}
}

// isClosed reports whether err marks an expected end of session: a close
// frame from the peer or cancellation.
func isClosed(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
