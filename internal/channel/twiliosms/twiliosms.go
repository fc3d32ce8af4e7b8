// Package twiliosms adapts Twilio Messaging webhooks (SMS and MMS) to
// [channel.Channel].
package twiliosms

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strconv"

	"github.com/MrWong99/switchboard/internal/channel"
	"github.com/MrWong99/switchboard/internal/conversation"
	"github.com/MrWong99/switchboard/internal/twilio"
)

// maxMedia is the MMS attachment limit per message.
const maxMedia = 10

// Adapter parses messaging webhooks and replies through the Messages API.
type Adapter struct {
	client *twilio.Client
	guard  *channel.HTTPClient
}

// New creates an Adapter. guard supplies the breaker and metrics the REST
// calls run under.
func New(client *twilio.Client, guard *channel.HTTPClient) *Adapter {
	return &Adapter{client: client, guard: guard}
}

// Parse turns the webhook form into a channel. The integration is matched
// by the To number before Parse is called.
func (a *Adapter) Parse(_ context.Context, in *channel.Integration, form url.Values) (channel.Channel, error) {
	from := form.Get("From")
	if from == "" {
		return nil, channel.Malformed(channel.PlatformSMS, "From", "")
	}
	to := form.Get("To")
	if to == "" {
		to = in.Account
	}
	m := &message{a: a, in: in, from: from, to: to, sid: form.Get("MessageSid"), body: form.Get("Body")}

	n, _ := strconv.Atoi(form.Get("NumMedia"))
	for i := range n {
		idx := strconv.Itoa(i)
		u := form.Get("MediaUrl" + idx)
		if u == "" {
			return nil, channel.Malformed(channel.PlatformSMS, "MediaUrl"+idx, "")
		}
		m.media = append(m.media, channel.Media{URL: u, MimeType: form.Get("MediaContentType" + idx)})
	}
	return m, nil
}

type message struct {
	a     *Adapter
	in    *channel.Integration
	from  string
	to    string
	sid   string
	body  string
	media []channel.Media
}

var _ channel.Channel = (*message)(nil)

func (m *message) Platform() channel.Platform        { return channel.PlatformSMS }
func (m *message) Integration() *channel.Integration { return m.in }
func (m *message) UserKey() string                   { return m.from }
func (m *message) PlatformMessageID() string         { return m.sid }
func (m *message) InputText() (string, error)        { return m.body, nil }

// InputButton is always nil; numbered options come back as plain text.
func (m *message) InputButton() *channel.ButtonPress { return nil }

func (m *message) ofKind(kinds ...conversation.Kind) []channel.Media {
	var out []channel.Media
	for _, md := range m.media {
		if slices.Contains(kinds, conversation.KindFromMIME(md.MimeType)) {
			out = append(out, md)
		}
	}
	return out
}

func (m *message) InputAudio() (*channel.Media, error) {
	if a := m.ofKind(conversation.KindAudio); len(a) > 0 {
		return &a[0], nil
	}
	return nil, nil
}

func (m *message) InputImages() ([]channel.Media, error) {
	return m.ofKind(conversation.KindImage), nil
}
func (m *message) InputDocuments() ([]channel.Media, error) {
	return m.ofKind(conversation.KindDocument, conversation.KindVideo), nil
}

// ResolveMedia is a no-op: MediaUrl values are fetched with account
// credentials directly.
func (m *message) ResolveMedia(context.Context, *channel.Media) error { return nil }

// MarkRead is a no-op; SMS has no read receipts.
func (m *message) MarkRead(context.Context) error { return nil }

func (m *message) NicknameForUpload(mimeType string) string {
	return channel.Nickname(channel.PlatformSMS, mimeType, m.from, m.to, "")
}

// Send delivers one message. Buttons become numbered lines and media is
// attached as MMS.
func (m *message) Send(ctx context.Context, r channel.Reply) (string, error) {
	var media []string
	if r.AudioURL != "" {
		media = append(media, r.AudioURL)
	}
	if r.VideoURL != "" {
		media = append(media, r.VideoURL)
	}
	for _, d := range r.Documents {
		media = append(media, d.URL)
	}
	if len(media) > maxMedia {
		media = media[:maxMedia]
	}
	body := channel.ButtonsAsText(r.Text, r.Buttons)
	if body == "" && len(media) == 0 {
		return "", nil
	}

	var sid string
	err := m.a.guard.Guard(ctx, func() error {
		msg, err := m.a.client.SendMessage(ctx, twilio.SendMessageParams{
			From:      m.to,
			To:        m.from,
			Body:      body,
			MediaURLs: media,
		})
		if err != nil {
			return transportError(err)
		}
		sid = msg.SID
		return nil
	})
	return sid, err
}

func transportError(err error) error {
	var te *twilio.Error
	if errors.As(err, &te) {
		return &channel.TransportError{Platform: channel.PlatformSMS, Status: te.Status, Body: te.Message}
	}
	return &channel.TransportError{Platform: channel.PlatformSMS, Err: err}
}
