// Package dialog is the conversation state machine shared by every text
// channel.
//
// For each inbound event [Handler.Handle] resolves the conversation, drops
// duplicates, and then either resets the conversation, runs the feedback
// flow, or hands the turn to the integration's workflow and delivers the
// reply. Events of one conversation are processed one at a time so replies
// leave in the order their messages arrived.
//
// States:
//
//	INITIAL ── thumbs up/down ──▶ AWAITING_FEEDBACK_POSITIVE / _NEGATIVE
//	AWAITING_* ── text ──▶ INITIAL (feedback text stored)
//	any ── skip ──▶ INITIAL
//	any ── reset keyword ──▶ INITIAL (history deleted)
package dialog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/switchboard/internal/channel"
	"github.com/MrWong99/switchboard/internal/conversation"
	"github.com/MrWong99/switchboard/internal/keylock"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/ratelimit"
	"github.com/MrWong99/switchboard/internal/translate"
	"github.com/MrWong99/switchboard/internal/workflow"
)

// DefaultHistoryLimit is how many messages of context a workflow receives.
const DefaultHistoryLimit = 100

// Outcomes recorded per inbound event.
const (
	OutcomeWorkflow    = "workflow"
	OutcomeReset       = "reset"
	OutcomeFeedback    = "feedback"
	OutcomeSkip        = "skip"
	OutcomeDuplicate   = "duplicate"
	OutcomeBlocked     = "blocked"
	OutcomeRateLimited = "rate_limited"
	OutcomeIgnored     = "ignored"
	OutcomeError       = "error"
)

// Messages are the gateway-authored texts, written in English and
// translated to the integration language before sending.
type Messages struct {
	ResetConfirmation string

	// FeedbackPositive and FeedbackNegative ask for details after a thumbs
	// press.
	FeedbackPositive string
	FeedbackNegative string
	FeedbackThanks   string
	FeedbackSkipped  string

	// Apology is sent when a turn fails. Every {reset} is replaced by the
	// quoted reset keyword.
	Apology string

	ThumbsUpLabel   string
	ThumbsDownLabel string
	SkipLabel       string
}

// DefaultMessages returns the built-in English texts.
func DefaultMessages() Messages {
	return Messages{
		ResetConfirmation: "Your conversation has been reset.",
		FeedbackPositive:  "Thanks! What did you like about the answer?",
		FeedbackNegative:  "Sorry about that. What went wrong?",
		FeedbackThanks:    "Thank you for your feedback!",
		FeedbackSkipped:   "No problem.",
		Apology:           "Sorry, something went wrong. If this keeps happening, send {reset} to start over.",
		ThumbsUpLabel:     "👍",
		ThumbsDownLabel:   "👎",
		SkipLabel:         "Skip",
	}
}

func (m *Messages) defaults() {
	d := DefaultMessages()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&m.ResetConfirmation, d.ResetConfirmation)
	fill(&m.FeedbackPositive, d.FeedbackPositive)
	fill(&m.FeedbackNegative, d.FeedbackNegative)
	fill(&m.FeedbackThanks, d.FeedbackThanks)
	fill(&m.FeedbackSkipped, d.FeedbackSkipped)
	fill(&m.Apology, d.Apology)
	fill(&m.ThumbsUpLabel, d.ThumbsUpLabel)
	fill(&m.ThumbsDownLabel, d.ThumbsDownLabel)
	fill(&m.SkipLabel, d.SkipLabel)
}

// Config configures a [Handler].
type Config struct {
	// ResetKeyword clears the conversation. Matched case-insensitively on
	// the trimmed text. Defaults to "reset".
	ResetKeyword string

	// HistoryLimit is the number of context messages. Defaults to
	// [DefaultHistoryLimit].
	HistoryLimit int

	Messages Messages
}

// Handler runs the state machine. It is safe for concurrent use.
type Handler struct {
	store      conversation.Store
	invoker    workflow.Invoker
	limiter    *ratelimit.Limiter
	translator translate.Translator
	cfg        Config
	now        func() time.Time
	metrics    *observe.Metrics
	locks      keylock.Map
}

// Option configures a [Handler].
type Option func(*Handler)

// WithLimiter gates workflow runs. Without it runs are unlimited.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// WithTranslator localizes gateway messages and feedback. Defaults to
// [translate.Noop].
func WithTranslator(t translate.Translator) Option {
	return func(h *Handler) { h.translator = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// New creates a Handler.
func New(store conversation.Store, invoker workflow.Invoker, cfg Config, opts ...Option) *Handler {
	if cfg.ResetKeyword == "" {
		cfg.ResetKeyword = "reset"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	cfg.Messages.defaults()
	h := &Handler{
		store:      store,
		invoker:    invoker,
		translator: translate.Noop{},
		cfg:        cfg,
		now:        time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ResetKeyword returns the configured reset keyword.
func (h *Handler) ResetKeyword() string { return h.cfg.ResetKeyword }

// IsReset reports whether text is the reset keyword.
func (h *Handler) IsReset(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), h.cfg.ResetKeyword)
}

// turn is one event being handled.
type turn struct {
	ch   channel.Channel
	in   *channel.Integration
	conv *conversation.Conversation
	text string
	at   time.Time
}

// Handle processes one inbound event. Failures of the workflow or of
// delivery are reported and answered with an apology; only malformed input
// and storage failures before the turn started are returned.
func (h *Handler) Handle(ctx context.Context, ch channel.Channel) error {
	in := ch.Integration()
	key := conversation.Key{IntegrationID: in.ID, UserKey: ch.UserKey()}
	ctx = observe.WithAttrs(ctx, "integration", in.ID, "platform", string(ch.Platform()))

	unlock := h.locks.Lock(key.String())
	defer unlock()

	outcome, err := h.handle(ctx, ch, key)
	if err != nil {
		outcome = OutcomeError
	}
	h.metrics.RecordInbound(ctx, string(ch.Platform()), outcome)
	return err
}

func (h *Handler) handle(ctx context.Context, ch channel.Channel, key conversation.Key) (string, error) {
	conv, err := h.store.GetOrCreate(ctx, key, string(ch.Platform()))
	if err != nil {
		return "", fmt.Errorf("dialog: resolve conversation: %w", err)
	}
	ctx = observe.WithAttrs(ctx, "conversation", conv.ID)
	log := observe.Logger(ctx)

	if conv.Blocked {
		log.Debug("conversation blocked, ignoring event")
		return OutcomeBlocked, nil
	}
	if id := ch.PlatformMessageID(); id != "" {
		dup, err := h.store.HasPlatformMessage(ctx, conv.ID, id)
		if err != nil {
			return "", fmt.Errorf("dialog: duplicate check: %w", err)
		}
		if !dup {
			// Button presses, resets and feedback text leave no message
			// behind, so every handled event id is claimed as well.
			fresh, err := h.store.ClaimEvent(ctx, conv.ID, id)
			if err != nil {
				return "", fmt.Errorf("dialog: claim event: %w", err)
			}
			dup = !fresh
		}
		if dup {
			log.Debug("duplicate platform message dropped", "platform_message_id", id)
			return OutcomeDuplicate, nil
		}
	}

	text, err := ch.InputText()
	if err != nil {
		return "", err
	}
	if err := ch.MarkRead(ctx); err != nil {
		log.Warn("mark read failed", "err", err)
	}

	t := &turn{ch: ch, in: ch.Integration(), conv: conv, text: strings.TrimSpace(text), at: h.now()}

	if h.IsReset(t.text) {
		return OutcomeReset, h.reset(ctx, t)
	}
	if btn := ch.InputButton(); btn != nil {
		switch btn.ID {
		case channel.ButtonThumbsUp:
			return OutcomeFeedback, h.startFeedback(ctx, t, btn, conversation.StateAwaitingFeedbackPositive)
		case channel.ButtonThumbsDown:
			return OutcomeFeedback, h.startFeedback(ctx, t, btn, conversation.StateAwaitingFeedbackNegative)
		case channel.ButtonSkip:
			return OutcomeSkip, h.skip(ctx, t)
		}
		// Other buttons are answers for the workflow.
		if t.text == "" {
			t.text = btn.ID
		}
	}
	if conv.State.AwaitingFeedback() {
		if t.text != "" {
			return OutcomeFeedback, h.completeFeedback(ctx, t)
		}
		// Media instead of feedback text closes the request unanswered.
		if err := h.store.SetState(ctx, conv.ID, conversation.StateInitial); err != nil {
			return "", fmt.Errorf("dialog: set state: %w", err)
		}
	}
	return h.runWorkflow(ctx, t)
}

// ── Reset ────────────────────────────────────────────────────────────────────

func (h *Handler) reset(ctx context.Context, t *turn) error {
	if err := h.store.DeleteMessages(ctx, t.conv.ID); err != nil {
		return h.fail(ctx, t, fmt.Errorf("dialog: reset: %w", err))
	}
	if err := h.store.SetState(ctx, t.conv.ID, conversation.StateInitial); err != nil {
		return h.fail(ctx, t, fmt.Errorf("dialog: reset: %w", err))
	}
	observe.Logger(ctx).Info("conversation reset")
	return h.say(ctx, t, h.cfg.Messages.ResetConfirmation)
}

// ── Feedback ─────────────────────────────────────────────────────────────────

func (h *Handler) startFeedback(ctx context.Context, t *turn, btn *channel.ButtonPress, state conversation.State) error {
	target, err := h.feedbackTarget(ctx, t, btn)
	if err != nil {
		return h.fail(ctx, t, err)
	}
	if target == nil {
		observe.Logger(ctx).Info("feedback without an assistant message, ignoring")
		return nil
	}

	rating := conversation.RatingFor(state)
	fb := &conversation.Feedback{ConversationID: t.conv.ID, MessageID: target.ID, Rating: rating}
	if err := h.store.CreateFeedback(ctx, fb); err != nil {
		return h.fail(ctx, t, fmt.Errorf("dialog: create feedback: %w", err))
	}
	h.metrics.RecordFeedback(ctx, string(rating))

	if !t.in.Features.DetailedFeedback {
		return h.say(ctx, t, h.cfg.Messages.FeedbackThanks)
	}
	if err := h.store.SetState(ctx, t.conv.ID, state); err != nil {
		return h.fail(ctx, t, fmt.Errorf("dialog: set state: %w", err))
	}
	prompt := h.cfg.Messages.FeedbackPositive
	if state == conversation.StateAwaitingFeedbackNegative {
		prompt = h.cfg.Messages.FeedbackNegative
	}
	return h.say(ctx, t, prompt, channel.Button{ID: channel.ButtonSkip, Label: h.cfg.Messages.SkipLabel})
}

// feedbackTarget returns the assistant message the thumbs button belonged
// to, falling back to the newest one before the press.
func (h *Handler) feedbackTarget(ctx context.Context, t *turn, btn *channel.ButtonPress) (*conversation.Message, error) {
	if btn.ReplyTo != "" {
		m, err := h.store.MessageByPlatformID(ctx, t.conv.ID, btn.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("dialog: feedback target: %w", err)
		}
		if m != nil && m.Role == conversation.RoleAssistant {
			return m, nil
		}
	}
	m, err := h.store.LatestAssistantMessage(ctx, t.conv.ID, t.at)
	if err != nil {
		return nil, fmt.Errorf("dialog: feedback target: %w", err)
	}
	return m, nil
}

func (h *Handler) completeFeedback(ctx context.Context, t *turn) error {
	fb, err := h.store.OpenFeedback(ctx, t.conv.ID)
	if err != nil {
		return h.fail(ctx, t, fmt.Errorf("dialog: open feedback: %w", err))
	}
	if fb != nil {
		english := t.text
		if !translate.Same(t.in.Language) {
			english = translate.OrOriginal(ctx, h.translator, t.text, translate.English)
		}
		if err := h.store.UpdateFeedbackText(ctx, fb.ID, t.text, english); err != nil {
			return h.fail(ctx, t, fmt.Errorf("dialog: feedback text: %w", err))
		}
	}
	if err := h.store.SetState(ctx, t.conv.ID, conversation.StateInitial); err != nil {
		return h.fail(ctx, t, fmt.Errorf("dialog: set state: %w", err))
	}
	return h.say(ctx, t, h.cfg.Messages.FeedbackThanks)
}

func (h *Handler) skip(ctx context.Context, t *turn) error {
	if err := h.store.SetState(ctx, t.conv.ID, conversation.StateInitial); err != nil {
		return h.fail(ctx, t, fmt.Errorf("dialog: set state: %w", err))
	}
	return h.say(ctx, t, h.cfg.Messages.FeedbackSkipped)
}

// ── Workflow ─────────────────────────────────────────────────────────────────

func (h *Handler) runWorkflow(ctx context.Context, t *turn) (string, error) {
	atts, err := h.attachments(ctx, t.ch)
	if err != nil {
		return "", err
	}
	if t.text == "" && len(atts) == 0 {
		return OutcomeIgnored, nil
	}

	history, err := h.store.History(ctx, t.conv.ID, h.cfg.HistoryLimit)
	if err != nil {
		return OutcomeError, h.fail(ctx, t, fmt.Errorf("dialog: history: %w", err))
	}

	var permit *ratelimit.Permit
	if h.limiter != nil {
		permit, err = h.limiter.Acquire(ctx, ratelimit.Subject{
			WorkflowID: t.in.WorkflowID,
			UserKey:    t.conv.UserKey,
			Tier:       ratelimit.Tier(t.in.Tier),
			Unlimited:  t.in.Unlimited(t.conv.UserKey),
		})
		var rle *ratelimit.RateLimitExceeded
		if errors.As(err, &rle) {
			observe.Logger(ctx).Info("rate limited", "gate", rle.Gate, "retry_after", rle.RetryAfter)
			return OutcomeRateLimited, h.say(ctx, t, rle.Message)
		}
		if err != nil {
			return OutcomeError, h.fail(ctx, t, err)
		}
	}

	req := workflow.Request{
		WorkflowID:     t.in.WorkflowID,
		IntegrationID:  t.in.ID,
		ConversationID: t.conv.ID,
		UserKey:        t.conv.UserKey,
		Platform:       string(t.ch.Platform()),
		RunID:          permit.RunID(),
		Language:       t.in.Language,
		Instructions:   t.in.Instructions,
		Text:           t.text,
		Attachments:    atts,
		History:        history,
	}
	if s, ok := t.ch.(channel.Streamer); ok && s.Streaming() {
		req.OnDelta = func(delta string) {
			if err := s.SendDelta(ctx, delta); err != nil {
				observe.Logger(ctx).Debug("delta dropped", "err", err)
			}
		}
	}

	start := h.now()
	res, runErr := h.invoker.Invoke(ctx, req)
	if err := permit.Release(ctx, runErr); err != nil {
		observe.Logger(ctx).Warn("release run", "err", err)
	}
	if runErr != nil {
		return OutcomeError, h.fail(ctx, t, runErr)
	}

	runID := res.RunID
	if runID == "" {
		runID = permit.RunID()
	}
	user := &conversation.Message{
		Role:              conversation.RoleUser,
		Content:           t.text,
		DisplayContent:    t.text,
		PlatformMessageID: t.ch.PlatformMessageID(),
		Attachments:       atts,
	}
	assistant := &conversation.Message{
		Role:           conversation.RoleAssistant,
		Content:        res.Text,
		DisplayContent: res.Display(),
		RunID:          runID,
		ResponseTime:   h.now().Sub(start),
		Attachments:    res.Attachments(),
	}
	if err := h.store.SaveTurn(ctx, t.conv.ID, user, assistant); err != nil {
		if errors.Is(err, conversation.ErrDuplicateMessage) {
			observe.Logger(ctx).Debug("duplicate platform message dropped after run")
			return OutcomeDuplicate, nil
		}
		return OutcomeError, h.fail(ctx, t, fmt.Errorf("dialog: save turn: %w", err))
	}

	reply := channel.Reply{
		Text:     res.Display(),
		AudioURL: res.AudioURL,
		VideoURL: res.VideoURL,
	}
	for _, d := range res.Documents {
		reply.Documents = append(reply.Documents, channel.Media{URL: d.URL, MimeType: d.MimeType, Name: d.Name})
	}
	if t.in.Features.FeedbackButtons && t.ch.Platform().SupportsButtons() {
		reply.Buttons = []channel.Button{
			{ID: channel.ButtonThumbsUp, Label: h.cfg.Messages.ThumbsUpLabel},
			{ID: channel.ButtonThumbsDown, Label: h.cfg.Messages.ThumbsDownLabel},
		}
	}
	id, err := t.ch.Send(ctx, reply)
	if err != nil {
		return OutcomeError, h.fail(ctx, t, err)
	}
	if id != "" {
		if err := h.store.SetPlatformMessageID(ctx, assistant.ID, id); err != nil {
			observe.ReportError(ctx, "dialog", fmt.Errorf("dialog: store platform id: %w", err))
		}
	}
	return OutcomeWorkflow, nil
}

// attachments collects the event's media in audio, image, document order.
func (h *Handler) attachments(ctx context.Context, ch channel.Channel) ([]conversation.Attachment, error) {
	type item struct {
		media channel.Media
		kind  conversation.Kind
	}
	var items []item
	audio, err := ch.InputAudio()
	if err != nil {
		return nil, err
	}
	if audio != nil {
		items = append(items, item{*audio, conversation.KindAudio})
	}
	images, err := ch.InputImages()
	if err != nil {
		return nil, err
	}
	for _, m := range images {
		items = append(items, item{m, conversation.KindImage})
	}
	docs, err := ch.InputDocuments()
	if err != nil {
		return nil, err
	}
	for _, m := range docs {
		items = append(items, item{m, ""})
	}

	out := make([]conversation.Attachment, 0, len(items))
	for _, it := range items {
		m := it.media
		if err := ch.ResolveMedia(ctx, &m); err != nil {
			return nil, fmt.Errorf("dialog: resolve media: %w", err)
		}
		if it.kind == "" {
			it.kind = conversation.KindFromMIME(m.MimeType)
		}
		name := m.Name
		if name == "" {
			name = ch.NicknameForUpload(m.MimeType)
		}
		out = append(out, conversation.Attachment{URL: m.URL, MimeType: m.MimeType, Kind: it.kind, Name: name})
	}
	return out, nil
}

// ── Replies ──────────────────────────────────────────────────────────────────

// say sends a gateway-authored message, translated to the integration
// language.
func (h *Handler) say(ctx context.Context, t *turn, text string, buttons ...channel.Button) error {
	if !translate.Same(t.in.Language) {
		text = translate.OrOriginal(ctx, h.translator, text, t.in.Language)
		for i := range buttons {
			buttons[i].Label = translate.OrOriginal(ctx, h.translator, buttons[i].Label, t.in.Language)
		}
	}
	if _, err := t.ch.Send(ctx, channel.Reply{Text: text, Buttons: buttons, ShouldTranslate: true}); err != nil {
		return fmt.Errorf("dialog: send: %w", err)
	}
	return nil
}

// fail reports err and apologizes to the user. It returns an error only
// when the apology cannot be delivered either.
func (h *Handler) fail(ctx context.Context, t *turn, err error) error {
	observe.ReportError(ctx, "dialog", err, "user_key", t.conv.UserKey)
	if sendErr := h.say(ctx, t, h.apology()); sendErr != nil {
		return errors.Join(err, sendErr)
	}
	return nil
}

// resetPlaceholder marks where the apology names the reset keyword.
const resetPlaceholder = "{reset}"

func (h *Handler) apology() string {
	return strings.ReplaceAll(h.cfg.Messages.Apology, resetPlaceholder, strconv.Quote(h.cfg.ResetKeyword))
}
