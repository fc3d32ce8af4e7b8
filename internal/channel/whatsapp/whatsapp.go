// Package whatsapp adapts WhatsApp Cloud API webhooks to [channel.Channel].
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/switchboard/internal/channel"
	"github.com/MrWong99/switchboard/internal/observe"
)

// DefaultGraphURL is the versioned Graph API root.
const DefaultGraphURL = "https://graph.facebook.com/v21.0"

// Interactive reply button limits of the Cloud API.
const (
	maxButtons     = 3
	maxButtonLabel = 20
	maxBodyText    = 1024
)

// ── Webhook payload ──────────────────────────────────────────────────────────

type webhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []inbound `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type mediaRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type inbound struct {
	From    string `json:"from"`
	ID      string `json:"id"`
	Type    string `json:"type"`
	Context *struct {
		ID string `json:"id"`
	} `json:"context"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
	} `json:"interactive"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
	Audio    *mediaRef `json:"audio"`
	Voice    *mediaRef `json:"voice"`
	Image    *mediaRef `json:"image"`
	Video    *mediaRef `json:"video"`
	Document *mediaRef `json:"document"`
}

// ── Adapter ──────────────────────────────────────────────────────────────────

// Adapter parses webhooks and sends through the Graph API.
type Adapter struct {
	http     *channel.HTTPClient
	graphURL string
}

// Option configures an [Adapter].
type Option func(*Adapter)

// WithGraphURL overrides [DefaultGraphURL].
func WithGraphURL(u string) Option {
	return func(a *Adapter) { a.graphURL = strings.TrimRight(u, "/") }
}

// New creates an Adapter.
func New(client *channel.HTTPClient, opts ...Option) *Adapter {
	a := &Adapter{http: client, graphURL: DefaultGraphURL}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Parse turns a webhook body for integration in into one channel per inbound
// message. Status updates produce no channels. Messages addressed to another
// phone number id than in.Account are skipped.
func (a *Adapter) Parse(ctx context.Context, in *channel.Integration, body []byte) ([]channel.Channel, error) {
	var wh webhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, channel.Malformed(channel.PlatformWhatsApp, "body", err.Error())
	}
	var out []channel.Channel
	for _, e := range wh.Entry {
		for _, ch := range e.Changes {
			if ch.Field != "messages" {
				continue
			}
			pnid := ch.Value.Metadata.PhoneNumberID
			if in.Account != "" && pnid != in.Account {
				observe.Logger(ctx).WarnContext(ctx, "whatsapp: message for foreign phone number id",
					"integration", in.ID, "phone_number_id", pnid)
				continue
			}
			if pnid == "" {
				pnid = in.Account
			}
			for _, m := range ch.Value.Messages {
				if m.From == "" {
					return nil, channel.Malformed(channel.PlatformWhatsApp, "messages.from", "")
				}
				out = append(out, &message{a: a, in: in, phoneNumberID: pnid, raw: m})
			}
		}
	}
	return out, nil
}

// ── Channel ──────────────────────────────────────────────────────────────────

type message struct {
	a             *Adapter
	in            *channel.Integration
	phoneNumberID string
	raw           inbound
}

var _ channel.Channel = (*message)(nil)

func (m *message) Platform() channel.Platform        { return channel.PlatformWhatsApp }
func (m *message) Integration() *channel.Integration { return m.in }
func (m *message) UserKey() string                   { return m.raw.From }
func (m *message) PlatformMessageID() string         { return m.raw.ID }

func (m *message) InputText() (string, error) {
	switch m.raw.Type {
	case "text":
		if m.raw.Text == nil {
			return "", channel.Malformed(channel.PlatformWhatsApp, "text", "")
		}
		return m.raw.Text.Body, nil
	case "image":
		return caption(m.raw.Image), nil
	case "video":
		return caption(m.raw.Video), nil
	case "document":
		return caption(m.raw.Document), nil
	}
	return "", nil
}

func caption(r *mediaRef) string {
	if r == nil {
		return ""
	}
	return r.Caption
}

func (m *message) media(field string, r *mediaRef) (*channel.Media, error) {
	if r == nil {
		return nil, nil
	}
	if r.ID == "" {
		return nil, channel.Malformed(channel.PlatformWhatsApp, field+".id", "")
	}
	return &channel.Media{ID: r.ID, MimeType: r.MimeType, Name: r.Filename}, nil
}

func (m *message) InputAudio() (*channel.Media, error) {
	switch m.raw.Type {
	case "audio":
		return m.media("audio", m.raw.Audio)
	case "voice":
		return m.media("voice", m.raw.Voice)
	}
	return nil, nil
}

func (m *message) InputImages() ([]channel.Media, error) {
	if m.raw.Type != "image" {
		return nil, nil
	}
	md, err := m.media("image", m.raw.Image)
	if err != nil || md == nil {
		return nil, err
	}
	return []channel.Media{*md}, nil
}

func (m *message) InputDocuments() ([]channel.Media, error) {
	var (
		md  *channel.Media
		err error
	)
	switch m.raw.Type {
	case "document":
		md, err = m.media("document", m.raw.Document)
	case "video":
		md, err = m.media("video", m.raw.Video)
	}
	if err != nil || md == nil {
		return nil, err
	}
	return []channel.Media{*md}, nil
}

func (m *message) InputButton() *channel.ButtonPress {
	var replyTo string
	if m.raw.Context != nil {
		replyTo = m.raw.Context.ID
	}
	switch {
	case m.raw.Interactive != nil && m.raw.Interactive.ButtonReply != nil:
		return &channel.ButtonPress{ID: m.raw.Interactive.ButtonReply.ID, ReplyTo: replyTo}
	case m.raw.Button != nil:
		return &channel.ButtonPress{ID: m.raw.Button.Payload, ReplyTo: replyTo}
	}
	return nil
}

func (m *message) NicknameForUpload(mimeType string) string {
	return channel.Nickname(channel.PlatformWhatsApp, mimeType, m.raw.From, m.phoneNumberID, "")
}

// ResolveMedia looks the media id up on the Graph API. The returned URL
// needs the integration's bearer token to download.
func (m *message) ResolveMedia(ctx context.Context, md *channel.Media) error {
	if md.URL != "" || md.ID == "" {
		return nil
	}
	var out struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	err := m.a.http.Do(ctx, channel.Request{
		Method: http.MethodGet,
		URL:    m.a.graphURL + "/" + md.ID,
		Bearer: m.in.AccessToken,
	}, &out)
	if err != nil {
		return fmt.Errorf("whatsapp: resolve media %s: %w", md.ID, err)
	}
	md.URL = out.URL
	if md.MimeType == "" {
		md.MimeType = out.MimeType
	}
	return nil
}

// ── Outbound ─────────────────────────────────────────────────────────────────

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (m *message) post(ctx context.Context, payload map[string]any) (string, error) {
	payload["messaging_product"] = "whatsapp"
	payload["recipient_type"] = "individual"
	payload["to"] = m.raw.From
	var resp sendResponse
	err := m.a.http.Do(ctx, channel.Request{
		URL:    m.a.graphURL + "/" + m.phoneNumberID + "/messages",
		Bearer: m.in.AccessToken,
		Body:   payload,
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", nil
	}
	return resp.Messages[0].ID, nil
}

// Send delivers media first and the text last so buttons stay on the final
// message. It returns the id of the last message sent.
func (m *message) Send(ctx context.Context, r channel.Reply) (string, error) {
	var lastID string
	send := func(payload map[string]any) error {
		id, err := m.post(ctx, payload)
		if err != nil {
			return err
		}
		if id != "" {
			lastID = id
		}
		return nil
	}

	if r.AudioURL != "" {
		if err := send(map[string]any{"type": "audio", "audio": map[string]string{"link": r.AudioURL}}); err != nil {
			return lastID, err
		}
	}
	if r.VideoURL != "" {
		if err := send(map[string]any{"type": "video", "video": map[string]string{"link": r.VideoURL}}); err != nil {
			return lastID, err
		}
	}
	for _, d := range r.Documents {
		doc := map[string]string{"link": d.URL}
		if d.Name != "" {
			doc["filename"] = d.Name
		}
		if err := send(map[string]any{"type": "document", "document": doc}); err != nil {
			return lastID, err
		}
	}

	if r.Text == "" && len(r.Buttons) == 0 {
		return lastID, nil
	}
	for _, p := range textPayloads(r.Text, r.Buttons) {
		if err := send(p); err != nil {
			return lastID, err
		}
	}
	return lastID, nil
}

// textPayloads renders text and buttons. Up to three buttons become
// interactive reply buttons on the text; more fall back to numbered lines.
// A body over the interactive limit is sent as plain text first.
func textPayloads(text string, buttons []channel.Button) []map[string]any {
	plain := func(s string) map[string]any {
		return map[string]any{"type": "text", "text": map[string]any{"body": s, "preview_url": false}}
	}
	if len(buttons) == 0 {
		return []map[string]any{plain(text)}
	}
	if len(buttons) > maxButtons {
		return []map[string]any{plain(channel.ButtonsAsText(text, buttons))}
	}

	var out []map[string]any
	body := text
	if body == "" || utf8.RuneCountInString(body) > maxBodyText {
		if body != "" {
			out = append(out, plain(body))
		}
		body = "…"
	}
	rendered := make([]map[string]any, len(buttons))
	for i, b := range buttons {
		rendered[i] = map[string]any{
			"type":  "reply",
			"reply": map[string]string{"id": b.ID, "title": truncate(b.Label, maxButtonLabel)},
		}
	}
	return append(out, map[string]any{
		"type": "interactive",
		"interactive": map[string]any{
			"type":   "button",
			"body":   map[string]string{"text": body},
			"action": map[string]any{"buttons": rendered},
		},
	})
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// MarkRead sets the inbound message to read.
func (m *message) MarkRead(ctx context.Context) error {
	if m.raw.ID == "" {
		return nil
	}
	return m.a.http.Do(ctx, channel.Request{
		URL:    m.a.graphURL + "/" + m.phoneNumberID + "/messages",
		Bearer: m.in.AccessToken,
		Body: map[string]string{
			"messaging_product": "whatsapp",
			"status":            "read",
			"message_id":        m.raw.ID,
		},
	}, nil)
}
