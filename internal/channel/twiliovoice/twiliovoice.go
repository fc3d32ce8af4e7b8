// Package twiliovoice adapts Twilio Programmable Voice webhooks to
// [channel.Channel].
//
// In classic mode every caller turn is one webhook: [Call.Send] appends
// <Say> and <Play> verbs and [Call.TwiML] closes the document with a
// <Gather> that posts the next utterance back to the voice webhook. In
// realtime mode [Adapter.StreamAnswer] connects the call to a media stream
// instead and the conversation runs in the realtime bridge.
package twiliovoice

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/MrWong99/switchboard/internal/channel"
	"github.com/MrWong99/switchboard/internal/twilio"
)

// Custom parameters passed to realtime streams in the start frame.
const (
	ParamIntegration = "integration"
	ParamCaller      = "caller"
	ParamExtension   = "extension"
	ParamShared      = "shared"
)

// Config configures an [Adapter].
type Config struct {
	// VoiceURL is the public URL of the voice webhook; gathered speech is
	// posted back to it.
	VoiceURL string

	// MediaURL is the public wss:// base realtime streams connect to. The
	// call SID is appended as the last path segment.
	MediaURL string

	// GatherTimeout is how many seconds to wait for the caller to start
	// speaking. Defaults to 6.
	GatherTimeout int
}

// Adapter builds TwiML responses for voice webhooks.
type Adapter struct {
	cfg Config
}

// New creates an Adapter.
func New(cfg Config) *Adapter {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 6
	}
	cfg.MediaURL = strings.TrimRight(cfg.MediaURL, "/")
	return &Adapter{cfg: cfg}
}

// Parse turns the webhook form into a call turn. extension is the
// extension code the caller is bound to on a shared number, or "".
func (a *Adapter) Parse(_ context.Context, in *channel.Integration, form url.Values, extension string) (*Call, error) {
	from := form.Get("From")
	if from == "" {
		return nil, channel.Malformed(channel.PlatformVoice, "From", "")
	}
	sid := form.Get("CallSid")
	if sid == "" {
		return nil, channel.Malformed(channel.PlatformVoice, "CallSid", "")
	}
	to := form.Get("To")
	if to == "" {
		to = in.Account
	}
	return &Call{
		a:         a,
		in:        in,
		from:      from,
		to:        to,
		sid:       sid,
		extension: extension,
		speech:    form.Get("SpeechResult"),
		digits:    form.Get("Digits"),
		recording: form.Get("RecordingUrl"),
	}, nil
}

// StreamAnswer answers a realtime call with <Connect><Stream> to the media
// endpoint for the call.
func (a *Adapter) StreamAnswer(c *Call) *twilio.Response {
	params := []twilio.Parameter{
		{Name: ParamIntegration, Value: c.in.ID},
		{Name: ParamCaller, Value: c.from},
	}
	if c.extension != "" {
		params = append(params,
			twilio.Parameter{Name: ParamExtension, Value: c.extension},
			twilio.Parameter{Name: ParamShared, Value: c.to},
		)
	}
	var r twilio.Response
	r.ConnectStream(a.cfg.MediaURL+"/"+url.PathEscape(c.sid), params...)
	return &r
}

// ── Call ─────────────────────────────────────────────────────────────────────

// Call is one caller turn of a classic voice call. It accumulates the TwiML
// answer for the webhook response.
type Call struct {
	a         *Adapter
	in        *channel.Integration
	from      string
	to        string
	sid       string
	extension string
	speech    string
	digits    string
	recording string

	mu    sync.Mutex
	twiml twilio.Response
	hangs bool
}

var _ channel.Channel = (*Call)(nil)

func (c *Call) Platform() channel.Platform        { return channel.PlatformVoice }
func (c *Call) Integration() *channel.Integration { return c.in }
func (c *Call) UserKey() string                   { return c.from }

// CallSID identifies the call.
func (c *Call) CallSID() string { return c.sid }

// PlatformMessageID is empty: Twilio has no per-utterance id.
func (c *Call) PlatformMessageID() string { return "" }

// IsGreeting reports whether the turn carries no caller input, as on the
// first webhook of a call.
func (c *Call) IsGreeting() bool {
	return c.speech == "" && c.digits == "" && c.recording == ""
}

// InputText is the speech transcript, or the keypad digits when nothing was
// said.
func (c *Call) InputText() (string, error) {
	if c.speech != "" {
		return c.speech, nil
	}
	return c.digits, nil
}

// Speech is the raw speech transcript.
func (c *Call) Speech() string { return c.speech }

// Digits are the keypad digits entered in this turn.
func (c *Call) Digits() string { return c.digits }

func (c *Call) InputAudio() (*channel.Media, error) {
	if c.recording == "" {
		return nil, nil
	}
	return &channel.Media{URL: c.recording, MimeType: "audio/wav"}, nil
}

func (c *Call) InputImages() ([]channel.Media, error)              { return nil, nil }
func (c *Call) InputDocuments() ([]channel.Media, error)           { return nil, nil }
func (c *Call) InputButton() *channel.ButtonPress                  { return nil }
func (c *Call) ResolveMedia(context.Context, *channel.Media) error { return nil }
func (c *Call) MarkRead(context.Context) error                     { return nil }

func (c *Call) NicknameForUpload(mimeType string) string {
	return channel.Nickname(channel.PlatformVoice, mimeType, c.from, c.to, c.extension)
}

// Send appends the reply to the TwiML answer. Buttons are read out as
// numbered options. Video and documents cannot be played and are dropped.
func (c *Call) Send(_ context.Context, r channel.Reply) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.AudioURL != "" {
		c.twiml.Play(r.AudioURL)
	}
	if text := channel.ButtonsAsText(r.Text, r.Buttons); text != "" {
		c.twiml.Say(text, SayLanguage(c.in.Language))
	}
	return "", nil
}

// Hangup ends the call after the queued verbs instead of gathering the next
// utterance.
func (c *Call) Hangup() {
	c.mu.Lock()
	c.hangs = true
	c.mu.Unlock()
}

// TwiML returns the answer: everything sent so far followed by a <Gather>
// for the next utterance and a <Redirect> that re-prompts on silence.
func (c *Call) TwiML() *twilio.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := twilio.Response{Verbs: append([]any(nil), c.twiml.Verbs...)}
	if c.hangs {
		r.Hangup()
		return &r
	}
	r.Gather(twilio.Gather{
		Input:         "speech dtmf",
		Action:        c.a.cfg.VoiceURL,
		Method:        "POST",
		Timeout:       c.a.cfg.GatherTimeout,
		SpeechTimeout: "auto",
		FinishOnKey:   "#",
		Language:      SayLanguage(c.in.Language),
	})
	r.Redirect(c.a.cfg.VoiceURL)
	return &r
}

// languages maps integration languages to the locale tags <Say> and
// <Gather> expect.
var languages = map[string]string{
	"en": "en-US",
	"de": "de-DE",
	"fr": "fr-FR",
	"es": "es-ES",
	"it": "it-IT",
	"nl": "nl-NL",
	"pt": "pt-BR",
	"pl": "pl-PL",
	"tr": "tr-TR",
	"ja": "ja-JP",
}

// SayLanguage returns the Twilio locale for lang. Full tags pass through;
// unknown languages return "" so Twilio uses its default.
func SayLanguage(lang string) string {
	if strings.Contains(lang, "-") {
		return lang
	}
	return languages[strings.ToLower(lang)]
}
