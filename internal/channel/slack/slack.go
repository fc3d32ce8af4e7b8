// Package slack adapts Slack Events API and interactivity payloads to
// [channel.Channel] and answers through chat.postMessage.
//
// Events and block actions share one webhook route. [Adapter.Parse] tells
// them apart by the form-encoded "payload" field interactivity uses.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/MrWong99/switchboard/internal/channel"
	"github.com/MrWong99/switchboard/internal/conversation"
	"github.com/MrWong99/switchboard/internal/observe"
)

const (
	maxButtons     = 25
	maxButtonLabel = 75
)

// Adapter parses Slack payloads and sends with slack-go.
type Adapter struct {
	http   *channel.HTTPClient
	apiURL string
}

// Option configures an [Adapter].
type Option func(*Adapter)

// WithAPIURL overrides the Slack Web API root. It must end in a slash.
func WithAPIURL(u string) Option {
	return func(a *Adapter) { a.apiURL = u }
}

// New creates an Adapter.
func New(client *channel.HTTPClient, opts ...Option) *Adapter {
	a := &Adapter{http: client, apiURL: slack.APIURL}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Verify checks the X-Slack-Signature of body with the integration's signing
// secret.
func Verify(header http.Header, body []byte, signingSecret string) error {
	sv, err := slack.NewSecretsVerifier(header, signingSecret)
	if err != nil {
		return fmt.Errorf("slack: verify: %w", err)
	}
	if _, err := sv.Write(body); err != nil {
		return fmt.Errorf("slack: verify: %w", err)
	}
	if err := sv.Ensure(); err != nil {
		return fmt.Errorf("slack: verify: %w", err)
	}
	return nil
}

// Challenge returns the challenge of a url_verification request.
func Challenge(body []byte) (string, bool) {
	if isInteraction(body) {
		return "", false
	}
	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil || ev.Type != slackevents.URLVerification {
		return "", false
	}
	uv, ok := ev.Data.(*slackevents.EventsAPIURLVerificationEvent)
	if !ok {
		return "", false
	}
	return uv.Challenge, true
}

func isInteraction(body []byte) bool {
	return strings.HasPrefix(string(body), "payload=")
}

// Parse turns an Events API callback or a block_actions interaction into
// channels. Bot messages, edits and events of other teams are skipped.
func (a *Adapter) Parse(ctx context.Context, in *channel.Integration, body []byte) ([]channel.Channel, error) {
	if isInteraction(body) {
		return a.parseInteraction(ctx, in, body)
	}
	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return nil, channel.Malformed(channel.PlatformSlack, "body", err.Error())
	}
	if ev.Type != slackevents.CallbackEvent {
		return nil, nil
	}
	if !a.ownTeam(ctx, in, ev.TeamID) {
		return nil, nil
	}

	var m *message
	switch inner := ev.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if inner.BotID != "" || (inner.SubType != "" && inner.SubType != "file_share") {
			return nil, nil
		}
		m = &message{
			a: a, in: in, team: ev.TeamID, channelID: inner.Channel, user: inner.User,
			ts: inner.TimeStamp, threadTS: inner.ThreadTimeStamp, text: inner.Text, files: inner.Files,
		}
	case *slackevents.AppMentionEvent:
		if inner.BotID != "" {
			return nil, nil
		}
		m = &message{
			a: a, in: in, team: ev.TeamID, channelID: inner.Channel, user: inner.User,
			ts: inner.TimeStamp, threadTS: inner.ThreadTimeStamp, text: inner.Text,
		}
	default:
		return nil, nil
	}
	if m.user == "" || m.channelID == "" {
		return nil, channel.Malformed(channel.PlatformSlack, "event.user", "")
	}
	return []channel.Channel{m}, nil
}

func (a *Adapter) ownTeam(ctx context.Context, in *channel.Integration, team string) bool {
	if in.Account == "" || team == in.Account {
		return true
	}
	observe.Logger(ctx).WarnContext(ctx, "slack: event for foreign team", "integration", in.ID, "team", team)
	return false
}

func (a *Adapter) parseInteraction(ctx context.Context, in *channel.Integration, body []byte) ([]channel.Channel, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, channel.Malformed(channel.PlatformSlack, "payload", err.Error())
	}
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &cb); err != nil {
		return nil, channel.Malformed(channel.PlatformSlack, "payload", err.Error())
	}
	if cb.Type != slack.InteractionTypeBlockActions || len(cb.ActionCallback.BlockActions) == 0 {
		return nil, nil
	}
	if !a.ownTeam(ctx, in, cb.Team.ID) {
		return nil, nil
	}
	act := cb.ActionCallback.BlockActions[0]
	channelID := cb.Channel.ID
	if channelID == "" {
		channelID = cb.Container.ChannelID
	}
	if cb.User.ID == "" || channelID == "" {
		return nil, channel.Malformed(channel.PlatformSlack, "payload.user", "")
	}
	return []channel.Channel{&message{
		a: a, in: in, team: cb.Team.ID, channelID: channelID, user: cb.User.ID,
		ts: act.ActionTs, threadTS: cb.Container.ThreadTs,
		button: &channel.ButtonPress{ID: act.Value, ReplyTo: cb.Container.MessageTs},
	}}, nil
}

// ── Channel ──────────────────────────────────────────────────────────────────

type message struct {
	a         *Adapter
	in        *channel.Integration
	team      string
	channelID string
	user      string
	ts        string
	threadTS  string
	text      string
	files     []slackevents.File
	button    *channel.ButtonPress
}

var _ channel.Channel = (*message)(nil)

func (m *message) Platform() channel.Platform        { return channel.PlatformSlack }
func (m *message) Integration() *channel.Integration { return m.in }
func (m *message) PlatformMessageID() string         { return m.ts }
func (m *message) InputButton() *channel.ButtonPress { return m.button }

// UserKey scopes the user to team and channel so one user talking to the bot
// in two channels has two conversations.
func (m *message) UserKey() string { return m.team + ":" + m.channelID + ":" + m.user }

func (m *message) InputText() (string, error) { return m.text, nil }

func (m *message) filesOf(kinds ...conversation.Kind) ([]channel.Media, error) {
	var out []channel.Media
	for _, f := range m.files {
		k := conversation.KindFromMIME(f.Mimetype)
		match := false
		for _, want := range kinds {
			if k == want {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		u := f.URLPrivateDownload
		if u == "" {
			u = f.URLPrivate
		}
		if u == "" {
			return nil, channel.Malformed(channel.PlatformSlack, "files.url_private", f.ID)
		}
		out = append(out, channel.Media{URL: u, ID: f.ID, MimeType: f.Mimetype, Name: f.Name})
	}
	return out, nil
}

func (m *message) InputAudio() (*channel.Media, error) {
	md, err := m.filesOf(conversation.KindAudio)
	if err != nil || len(md) == 0 {
		return nil, err
	}
	return &md[0], nil
}

func (m *message) InputImages() ([]channel.Media, error) {
	return m.filesOf(conversation.KindImage)
}

func (m *message) InputDocuments() ([]channel.Media, error) {
	return m.filesOf(conversation.KindDocument, conversation.KindVideo)
}

// ResolveMedia is a no-op: Slack file events carry private URLs that are
// downloaded with the bot token.
func (m *message) ResolveMedia(context.Context, *channel.Media) error { return nil }

// MarkRead is a no-op; bots cannot mark messages read.
func (m *message) MarkRead(context.Context) error { return nil }

func (m *message) NicknameForUpload(mimeType string) string {
	return channel.Nickname(channel.PlatformSlack, mimeType, m.user, m.channelID, "")
}

// ── Outbound ─────────────────────────────────────────────────────────────────

// Send posts one message. Media is linked in the text, buttons become an
// actions block. Replies stay in the thread the user wrote in.
func (m *message) Send(ctx context.Context, r channel.Reply) (string, error) {
	text := withLinks(r)
	buttons := r.Buttons
	if len(buttons) > maxButtons {
		text, buttons = channel.ButtonsAsText(text, buttons), nil
	}
	if text == "" && len(buttons) == 0 {
		return "", nil
	}

	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if len(buttons) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks(text, buttons)...))
	}
	if m.threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(m.threadTS))
	}

	api := slack.New(m.in.AccessToken,
		slack.OptionHTTPClient(m.a.http.Client()),
		slack.OptionAPIURL(m.a.apiURL),
	)
	var ts string
	err := m.a.http.Guard(ctx, func() error {
		var err error
		_, ts, err = api.PostMessageContext(ctx, m.channelID, opts...)
		return transportError(err)
	})
	return ts, err
}

func withLinks(r channel.Reply) string {
	var lines []string
	if r.Text != "" {
		lines = append(lines, r.Text)
	}
	if r.AudioURL != "" {
		lines = append(lines, "<"+r.AudioURL+"|audio>")
	}
	if r.VideoURL != "" {
		lines = append(lines, "<"+r.VideoURL+"|video>")
	}
	for _, d := range r.Documents {
		name := d.Name
		if name == "" {
			name = "document"
		}
		lines = append(lines, "<"+d.URL+"|"+name+">")
	}
	return strings.Join(lines, "\n")
}

func blocks(text string, buttons []channel.Button) []slack.Block {
	elems := make([]slack.BlockElement, len(buttons))
	for i, b := range buttons {
		label := b.Label
		if utf8.RuneCountInString(label) > maxButtonLabel {
			label = string([]rune(label)[:maxButtonLabel])
		}
		elems[i] = slack.NewButtonBlockElement(b.ID, b.ID, slack.NewTextBlockObject(slack.PlainTextType, label, true, false))
	}
	var out []slack.Block
	if text != "" {
		out = append(out, slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil))
	}
	return append(out, slack.NewActionBlock("buttons", elems...))
}

func transportError(err error) error {
	if err == nil {
		return nil
	}
	var (
		sce slack.StatusCodeError
		rle *slack.RateLimitedError
		ser slack.SlackErrorResponse
	)
	switch {
	case errors.As(err, &sce):
		return &channel.TransportError{Platform: channel.PlatformSlack, Status: sce.Code, Body: sce.Status}
	case errors.As(err, &rle):
		return &channel.TransportError{Platform: channel.PlatformSlack, Status: http.StatusTooManyRequests, Body: rle.Error()}
	case errors.As(err, &ser):
		return &channel.TransportError{Platform: channel.PlatformSlack, Status: http.StatusBadRequest, Body: ser.Err}
	}
	return &channel.TransportError{Platform: channel.PlatformSlack, Err: err}
}
