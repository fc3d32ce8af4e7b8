// Package extension lets many integrations share one public phone number.
//
// A caller on a shared number without a binding is asked for a short
// numeric extension by voice or keypad. A valid entry binds the caller to
// that extension's integration and later calls skip the prompt. A bound
// caller who says or types a disconnect keyword is unbound and the
// conversation's history is cut at that moment.
package extension

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/MrWong99/switchboard/internal/conversation"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/twilio"
)

// ErrInvalidExtension is returned by [Router.Enter] when the input is empty
// or names no extension of the shared number.
var ErrInvalidExtension = errors.New("extension: invalid extension")

// Directory maps shared numbers to their extension codes and integrations.
// It is safe for concurrent use and can be replaced at runtime.
type Directory struct {
	table atomic.Pointer[map[string]map[string]string]
}

// NewDirectory returns a directory for shared number → code → integration.
func NewDirectory(shared map[string]map[string]string) *Directory {
	d := &Directory{}
	d.Replace(shared)
	return d
}

// Replace swaps the whole table.
func (d *Directory) Replace(shared map[string]map[string]string) {
	if shared == nil {
		shared = map[string]map[string]string{}
	}
	d.table.Store(&shared)
}

// IsShared reports whether number is a shared number.
func (d *Directory) IsShared(number string) bool {
	_, ok := (*d.table.Load())[number]
	return ok
}

// Lookup returns the integration behind code on number.
func (d *Directory) Lookup(number, code string) (string, bool) {
	id, ok := (*d.table.Load())[number][code]
	return id, ok
}

// Config holds the caller-facing texts and the gather callback.
type Config struct {
	// ActionURL receives the gathered digits or speech.
	ActionURL string

	// Language is passed to <Say> and speech recognition.
	Language string

	Prompt  string
	Invalid string

	DisconnectKeywords []string
}

func (c *Config) defaults() {
	if c.ActionURL == "" {
		c.ActionURL = "/webhooks/twilio/voice/extension"
	}
	if c.Prompt == "" {
		c.Prompt = "Please enter or say the extension you would like to reach, followed by the pound key."
	}
	if c.Invalid == "" {
		c.Invalid = "Sorry, that extension is not valid. Goodbye."
	}
	if len(c.DisconnectKeywords) == 0 {
		c.DisconnectKeywords = []string{"disconnect"}
	}
}

// Resolution is the routing decision for one inbound event.
type Resolution struct {
	// IntegrationID is set when the event can be routed.
	IntegrationID string

	// Shared reports whether the called number is a shared number.
	Shared bool

	// Binding is the caller's binding on a shared number, if any.
	Binding *Binding
}

// NeedsExtension reports whether the caller must be prompted.
func (r Resolution) NeedsExtension() bool { return r.Shared && r.IntegrationID == "" }

// Router resolves shared-number events and manages bindings.
type Router struct {
	store         Store
	dir           *Directory
	conversations conversation.Store
	matcher       *KeywordMatcher
	cfg           Config
	now           func() time.Time
}

// RouterOption configures a [Router].
type RouterOption func(*Router)

// WithClock overrides the time source.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a Router.
func NewRouter(store Store, dir *Directory, conversations conversation.Store, cfg Config, opts ...RouterOption) *Router {
	cfg.defaults()
	r := &Router{
		store:         store,
		dir:           dir,
		conversations: conversations,
		matcher:       NewKeywordMatcher(cfg.DisconnectKeywords),
		cfg:           cfg,
		now:           time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve decides how an event from caller to number is routed. For a
// number that is not shared the resolution is empty and the caller maps
// the number itself. A binding whose code no longer exists is treated as
// absent.
func (r *Router) Resolve(ctx context.Context, number, caller string) (Resolution, error) {
	if !r.dir.IsShared(number) {
		return Resolution{}, nil
	}
	res := Resolution{Shared: true}
	b, err := r.store.Get(ctx, number, caller)
	if err != nil {
		return res, err
	}
	if b == nil {
		return res, nil
	}
	id, ok := r.dir.Lookup(number, b.Code)
	if !ok {
		observe.Logger(ctx).WarnContext(ctx, "extension: binding points to removed extension",
			"number", number, "code", b.Code)
		return res, nil
	}
	b.IntegrationID = id
	res.IntegrationID = id
	res.Binding = b
	return res, nil
}

// Enter binds caller to the extension given as keypad digits or, when
// digits is empty, as speech. It returns [ErrInvalidExtension] for input
// that names no extension of number. Entering the same extension again
// reuses the binding.
func (r *Router) Enter(ctx context.Context, number, caller, digits, speech, platform string) (*Binding, error) {
	code := digits
	if code == "" {
		code = NormalizeDigits(speech)
	}
	if code == "" {
		return nil, ErrInvalidExtension
	}
	id, ok := r.dir.Lookup(number, code)
	if !ok {
		return nil, fmt.Errorf("%w: %q on %s", ErrInvalidExtension, code, number)
	}

	b := &Binding{SharedNumber: number, Caller: caller, Code: code, IntegrationID: id}
	if err := r.store.Bind(ctx, b); err != nil {
		return nil, err
	}

	conv, err := r.conversations.GetOrCreate(ctx, conversation.Key{IntegrationID: id, UserKey: caller}, platform)
	if err != nil {
		return nil, fmt.Errorf("extension: enter: %w", err)
	}
	if err := r.conversations.SetExtension(ctx, conv.ID, code); err != nil {
		return nil, fmt.Errorf("extension: enter: %w", err)
	}
	observe.Logger(ctx).InfoContext(ctx, "extension: caller bound",
		"number", number, "code", code, "integration", id)
	return b, nil
}

// IsDisconnect reports whether text is a disconnect keyword. spoken enables
// phonetic matching for speech recognition results.
func (r *Router) IsDisconnect(text string, spoken bool) bool {
	return r.matcher.Match(text, spoken)
}

// Disconnect removes the caller's binding on number and sets the bound
// conversation's reset_at to now. It is a no-op for unbound callers.
func (r *Router) Disconnect(ctx context.Context, number, caller, platform string) error {
	b, err := r.store.Get(ctx, number, caller)
	if err != nil || b == nil {
		return err
	}
	if _, err := r.store.Unbind(ctx, number, caller); err != nil {
		return err
	}

	conv, err := r.conversations.GetOrCreate(ctx, conversation.Key{IntegrationID: b.IntegrationID, UserKey: caller}, platform)
	if err != nil {
		return fmt.Errorf("extension: disconnect: %w", err)
	}
	if err := r.conversations.SetResetAt(ctx, conv.ID, r.now()); err != nil {
		return fmt.Errorf("extension: disconnect: %w", err)
	}
	if err := r.conversations.SetExtension(ctx, conv.ID, ""); err != nil {
		return fmt.Errorf("extension: disconnect: %w", err)
	}
	observe.Logger(ctx).InfoContext(ctx, "extension: caller unbound", "number", number, "code", b.Code)
	return nil
}

// PromptTwiML asks for the extension. When the caller enters nothing the
// document falls through to the invalid message and hangs up.
func (r *Router) PromptTwiML() *twilio.Response {
	var resp twilio.Response
	resp.Gather(twilio.Gather{
		Input:       "dtmf speech",
		Action:      r.cfg.ActionURL,
		Method:      http.MethodPost,
		Timeout:     8,
		FinishOnKey: "#",
		Language:    r.cfg.Language,
	}).Say(r.cfg.Prompt, r.cfg.Language)
	resp.Say(r.cfg.Invalid, r.cfg.Language).Hangup()
	return &resp
}

// InvalidTwiML tells the caller the extension is invalid and hangs up.
func (r *Router) InvalidTwiML() *twilio.Response {
	var resp twilio.Response
	resp.Say(r.cfg.Invalid, r.cfg.Language).Hangup()
	return &resp
}
