package app

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchboard/internal/channel"
	"github.com/MrWong99/switchboard/internal/channel/twiliovoice"
	"github.com/MrWong99/switchboard/internal/extension"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/ratelimit"
	"github.com/MrWong99/switchboard/internal/twilio"
)

// Default texts for SMS senders on shared numbers.
const (
	defaultSMSPrompt    = "Please reply with the extension you would like to reach."
	defaultConnected    = "You are now connected. How can I help?"
	defaultDisconnected = "You have been disconnected."
	defaultNotConnected = "Sorry, this number is not connected."
)

// twilioForm parses the webhook form and checks X-Twilio-Signature against
// the public URL.
func (a *App) twilioForm(w http.ResponseWriter, r *http.Request) (url.Values, bool) {
	if !a.cfg.Twilio.SkipSignature && !twilio.ValidateRequest(r, a.cfg.Twilio.AuthToken, a.cfg.Server.PublicURL) {
		observe.Logger(r.Context()).Warn("app: invalid twilio signature", "path", r.URL.Path)
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return nil, false
	}
	if err := r.ParseForm(); err != nil {
		rejectInbound(r.Context(), w, err, http.StatusBadRequest)
		return nil, false
	}
	return r.PostForm, true
}

func writeTwiML(ctx context.Context, w http.ResponseWriter, resp *twilio.Response) {
	if err := resp.Write(w); err != nil {
		observe.Logger(ctx).Debug("app: twiml not delivered", "err", err)
	}
}

// ── SMS ──────────────────────────────────────────────────────────────────────

func (a *App) handleSMS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	form, ok := a.twilioForm(w, r)
	if !ok {
		return
	}
	if a.sms == nil {
		rejectInbound(ctx, w, errors.New("twilio is not configured"), http.StatusServiceUnavailable)
		return
	}
	to, from := form.Get("To"), form.Get("From")
	text := strings.TrimSpace(form.Get("Body"))
	ctx = observe.WithAttrs(ctx, "platform", string(channel.PlatformSMS))

	res, err := a.router.Resolve(ctx, to, from)
	if err != nil {
		observe.ReportError(ctx, "extension", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var in *channel.Integration
	switch {
	case res.NeedsExtension():
		a.enterBySMS(ctx, to, from, text)
		writeTwiML(ctx, w, &twilio.Response{})
		return
	case res.Shared && a.router.IsDisconnect(text, false):
		if err := a.router.Disconnect(ctx, to, from, string(channel.PlatformSMS)); err != nil {
			observe.ReportError(ctx, "extension", err)
		} else {
			a.sendSMS(ctx, to, from, cmp.Or(a.cfg.Gateway.Extension.Disconnected, defaultDisconnected))
		}
		writeTwiML(ctx, w, &twilio.Response{})
		return
	case res.Shared:
		var found bool
		if in, found = a.integrations.ByID(res.IntegrationID); !found {
			err = &channel.UnknownIntegrationError{Platform: channel.PlatformSMS, Identifier: res.IntegrationID}
		}
	default:
		in, err = a.integrations.Resolve(channel.PlatformSMS, to)
	}
	if err != nil {
		observe.Logger(ctx).Info("app: rejecting sms", "err", err)
		a.sendSMS(ctx, to, from, cmp.Or(a.cfg.Gateway.NotConnected, defaultNotConnected))
		writeTwiML(ctx, w, &twilio.Response{})
		return
	}

	msg, err := a.sms.Parse(ctx, in, form)
	if err != nil {
		rejectInbound(ctx, w, err, http.StatusBadRequest)
		return
	}
	a.dispatch(ctx, msg)
	writeTwiML(ctx, w, &twilio.Response{})
}

// enterBySMS treats the text of an unbound sender as an extension code.
func (a *App) enterBySMS(ctx context.Context, shared, sender, text string) {
	ext := a.cfg.Gateway.Extension
	_, err := a.router.Enter(ctx, shared, sender, extension.NormalizeDigits(text), "", string(channel.PlatformSMS))
	switch {
	case err == nil:
		a.sendSMS(ctx, shared, sender, cmp.Or(ext.Connected, defaultConnected))
	case errors.Is(err, extension.ErrInvalidExtension):
		a.sendSMS(ctx, shared, sender, cmp.Or(ext.SMSPrompt, defaultSMSPrompt))
	default:
		observe.ReportError(ctx, "extension", err)
	}
}

// sendSMS texts body from one of our numbers.
func (a *App) sendSMS(ctx context.Context, from, to, body string) {
	if _, err := a.twilio.SendMessage(ctx, twilio.SendMessageParams{From: from, To: to, Body: body}); err != nil {
		observe.ReportError(ctx, "twilio", err)
	}
}

// ── Voice ────────────────────────────────────────────────────────────────────

// handleVoice answers an inbound call turn: the extension prompt on an
// unbound shared number, a media stream for realtime integrations or the
// next classic TwiML step.
func (a *App) handleVoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	form, ok := a.twilioForm(w, r)
	if !ok {
		return
	}
	to, from := form.Get("To"), form.Get("From")
	ctx = observe.WithAttrs(ctx, "platform", string(channel.PlatformVoice), "call_sid", form.Get("CallSid"))

	res, err := a.router.Resolve(ctx, to, from)
	if err != nil {
		observe.ReportError(ctx, "extension", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if res.NeedsExtension() {
		writeTwiML(ctx, w, a.router.PromptTwiML())
		return
	}

	var (
		in   *channel.Integration
		code string
	)
	if res.Shared {
		var found bool
		if in, found = a.integrations.ByID(res.IntegrationID); !found {
			err = &channel.UnknownIntegrationError{Platform: channel.PlatformVoice, Identifier: res.IntegrationID}
		}
		code = res.Binding.Code
	} else {
		in, err = a.integrations.Resolve(channel.PlatformVoice, to)
	}
	if err != nil {
		observe.Logger(ctx).Info("app: rejecting call", "err", err)
		var resp twilio.Response
		writeTwiML(ctx, w, resp.Reject("rejected"))
		return
	}

	call, err := a.voice.Parse(ctx, in, form, code)
	if err != nil {
		rejectInbound(ctx, w, err, http.StatusBadRequest)
		return
	}
	shared := ""
	if res.Shared {
		shared = to
	}
	a.answerCall(ctx, w, call, shared)
}

// handleVoiceExtension receives the gathered extension. A valid entry binds
// the caller and the call proceeds as if it had arrived on the
// integration's own number.
func (a *App) handleVoiceExtension(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	form, ok := a.twilioForm(w, r)
	if !ok {
		return
	}
	to, from := form.Get("To"), form.Get("From")
	ctx = observe.WithAttrs(ctx, "platform", string(channel.PlatformVoice), "call_sid", form.Get("CallSid"))

	b, err := a.router.Enter(ctx, to, from, form.Get("Digits"), form.Get("SpeechResult"), string(channel.PlatformVoice))
	if err != nil {
		if !errors.Is(err, extension.ErrInvalidExtension) {
			observe.ReportError(ctx, "extension", err)
		}
		writeTwiML(ctx, w, a.router.InvalidTwiML())
		return
	}
	in, found := a.integrations.ByID(b.IntegrationID)
	if !found {
		writeTwiML(ctx, w, a.router.InvalidTwiML())
		return
	}

	// The gathered input was the extension, not the first utterance.
	greeting := maps.Clone(form)
	greeting.Del("Digits")
	greeting.Del("SpeechResult")

	call, err := a.voice.Parse(ctx, in, greeting, b.Code)
	if err != nil {
		rejectInbound(ctx, w, err, http.StatusBadRequest)
		return
	}
	a.answerCall(ctx, w, call, to)
}

// answerCall writes the TwiML for one turn of a routed call. shared is the
// shared number the call arrived on, or "".
func (a *App) answerCall(ctx context.Context, w http.ResponseWriter, call *twiliovoice.Call, shared string) {
	in := call.Integration()
	if in.Realtime {
		permit, err := a.limiter.Acquire(ctx, ratelimit.Subject{
			WorkflowID: in.WorkflowID,
			UserKey:    call.UserKey(),
			Tier:       ratelimit.Tier(in.Tier),
			Unlimited:  in.Unlimited(call.UserKey()),
		})
		var rle *ratelimit.RateLimitExceeded
		switch {
		case errors.As(err, &rle):
			var resp twilio.Response
			resp.Say(rle.Message, twiliovoice.SayLanguage(in.Language)).Hangup()
			writeTwiML(ctx, w, &resp)
			return
		case err != nil:
			// The run log is unavailable; the call goes ahead unmetered.
			observe.ReportError(ctx, "ratelimit", err)
		}
		a.calls.Hold(ctx, call.CallSID(), permit)

		if a.tunnelMode() {
			err = a.calls.Start(ctx, CallInfo{CallSID: call.CallSID(), IntegrationID: in.ID, Caller: call.UserKey()})
			if err != nil {
				observe.Logger(ctx).Warn("app: realtime call not started", "err", err)
			}
		}
		writeTwiML(ctx, w, a.voice.StreamAnswer(call))
		return
	}

	if shared != "" && call.Speech() != "" && a.router.IsDisconnect(call.Speech(), true) {
		if err := a.router.Disconnect(ctx, shared, call.UserKey(), string(channel.PlatformVoice)); err != nil {
			observe.ReportError(ctx, "extension", err)
		}
		var resp twilio.Response
		resp.Say(cmp.Or(a.cfg.Gateway.Extension.Disconnected, defaultDisconnected), twiliovoice.SayLanguage(in.Language)).Hangup()
		writeTwiML(ctx, w, &resp)
		return
	}

	if !call.IsGreeting() {
		if err := a.dialog.Handle(ctx, call); err != nil {
			observe.ReportError(ctx, "dialog", err, "integration", in.ID)
		}
	}
	writeTwiML(ctx, w, call.TwiML())
}

// ── Media ────────────────────────────────────────────────────────────────────

// handleMedia accepts a Twilio media stream and runs the realtime bridge on
// it in this process.
func (a *App) handleMedia(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("call")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("app: media stream not accepted", "err", err)
		return
	}
	ctx := observe.WithAttrs(r.Context(), "call_sid", sid)
	if err := a.calls.Serve(ctx, CallInfo{CallSID: sid}, conn); err != nil {
		observe.Logger(ctx).Debug("app: media stream ended with error", "err", err)
	}
}
