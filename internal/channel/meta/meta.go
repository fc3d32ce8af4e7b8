// Package meta adapts Facebook Messenger and Instagram Direct webhooks to
// [channel.Channel]. Both arrive in the same Graph webhook envelope and are
// answered through the Send API of the page the integration belongs to.
package meta

import (
	"context"
	"encoding/json"
	"mime"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/switchboard/internal/channel"
	"github.com/MrWong99/switchboard/internal/observe"
)

// DefaultGraphURL is the versioned Graph API root.
const DefaultGraphURL = "https://graph.facebook.com/v21.0"

// Send API limits.
const (
	maxQuickReplies = 13
	maxReplyTitle   = 20
	maxText         = 2000
)

// ── Webhook payload ──────────────────────────────────────────────────────────

type webhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string     `json:"id"`
		Messaging []envelope `json:"messaging"`
	} `json:"entry"`
}

type envelope struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message  *inbound  `json:"message"`
	Postback *postback `json:"postback"`
}

type inbound struct {
	MID        string `json:"mid"`
	Text       string `json:"text"`
	IsEcho     bool   `json:"is_echo"`
	QuickReply *struct {
		Payload string `json:"payload"`
	} `json:"quick_reply"`
	ReplyTo *struct {
		MID string `json:"mid"`
	} `json:"reply_to"`
	Attachments []attachment `json:"attachments"`
}

type attachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

type postback struct {
	MID     string `json:"mid"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// ── Adapter ──────────────────────────────────────────────────────────────────

// Adapter parses Messenger and Instagram webhooks and sends through the Send
// API.
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

// Parse turns a webhook body for in into one channel per user event. Echoes
// of the page's own messages, delivery and read receipts are skipped, as are
// entries addressed to another page than in.Account.
func (a *Adapter) Parse(ctx context.Context, in *channel.Integration, body []byte) ([]channel.Channel, error) {
	var wh webhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, channel.Malformed(in.Platform, "body", err.Error())
	}
	platform := channel.PlatformFacebook
	if wh.Object == "instagram" {
		platform = channel.PlatformInstagram
	}

	var out []channel.Channel
	for _, e := range wh.Entry {
		if in.Account != "" && e.ID != in.Account {
			observe.Logger(ctx).WarnContext(ctx, "meta: event for foreign page",
				"integration", in.ID, "page_id", e.ID)
			continue
		}
		for _, ev := range e.Messaging {
			if ev.Message == nil && ev.Postback == nil {
				continue
			}
			if ev.Message != nil && ev.Message.IsEcho {
				continue
			}
			if ev.Sender.ID == "" {
				return nil, channel.Malformed(platform, "messaging.sender.id", "")
			}
			out = append(out, &message{a: a, in: in, platform: platform, raw: ev})
		}
	}
	return out, nil
}

// ── Channel ──────────────────────────────────────────────────────────────────

type message struct {
	a        *Adapter
	in       *channel.Integration
	platform channel.Platform
	raw      envelope
}

var _ channel.Channel = (*message)(nil)

func (m *message) Platform() channel.Platform        { return m.platform }
func (m *message) Integration() *channel.Integration { return m.in }
func (m *message) UserKey() string                   { return m.raw.Sender.ID }

func (m *message) PlatformMessageID() string {
	if m.raw.Message != nil {
		return m.raw.Message.MID
	}
	return m.raw.Postback.MID
}

func (m *message) InputText() (string, error) {
	if m.raw.Message == nil || m.raw.Message.QuickReply != nil {
		return "", nil
	}
	return m.raw.Message.Text, nil
}

func (m *message) attachments(types ...string) ([]channel.Media, error) {
	if m.raw.Message == nil {
		return nil, nil
	}
	var out []channel.Media
	for _, at := range m.raw.Message.Attachments {
		match := false
		for _, t := range types {
			if at.Type == t {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		if at.Payload.URL == "" {
			return nil, channel.Malformed(m.platform, "attachments.payload.url", at.Type)
		}
		out = append(out, channel.Media{URL: at.Payload.URL, MimeType: guessMIME(at.Type, at.Payload.URL)})
	}
	return out, nil
}

// guessMIME derives a MIME type from the URL's file extension, falling back
// to a generic type for the attachment kind.
func guessMIME(kind, rawURL string) string {
	p, _, _ := strings.Cut(rawURL, "?")
	if t := mime.TypeByExtension(path.Ext(p)); t != "" {
		return t
	}
	switch kind {
	case "image":
		return "image/jpeg"
	case "audio":
		return "audio/mpeg"
	case "video":
		return "video/mp4"
	}
	return "application/octet-stream"
}

func (m *message) InputAudio() (*channel.Media, error) {
	md, err := m.attachments("audio")
	if err != nil || len(md) == 0 {
		return nil, err
	}
	return &md[0], nil
}

func (m *message) InputImages() ([]channel.Media, error) { return m.attachments("image") }

func (m *message) InputDocuments() ([]channel.Media, error) {
	return m.attachments("file", "video")
}

func (m *message) InputButton() *channel.ButtonPress {
	if m.raw.Postback != nil {
		return &channel.ButtonPress{ID: m.raw.Postback.Payload}
	}
	if q := m.raw.Message.QuickReply; q != nil {
		b := &channel.ButtonPress{ID: q.Payload}
		if m.raw.Message.ReplyTo != nil {
			b.ReplyTo = m.raw.Message.ReplyTo.MID
		}
		return b
	}
	return nil
}

// ResolveMedia is a no-op: Meta delivers attachment URLs inline.
func (m *message) ResolveMedia(context.Context, *channel.Media) error { return nil }

func (m *message) NicknameForUpload(mimeType string) string {
	return channel.Nickname(m.platform, mimeType, m.raw.Sender.ID, m.raw.Recipient.ID, "")
}

// ── Outbound ─────────────────────────────────────────────────────────────────

func (m *message) post(ctx context.Context, msg map[string]any) (string, error) {
	var resp struct {
		MessageID string `json:"message_id"`
	}
	err := m.a.http.Do(ctx, channel.Request{
		URL:    m.a.graphURL + "/me/messages",
		Bearer: m.in.AccessToken,
		Body: map[string]any{
			"recipient":      map[string]string{"id": m.raw.Sender.ID},
			"messaging_type": "RESPONSE",
			"message":        msg,
		},
	}, &resp)
	return resp.MessageID, err
}

func mediaMessage(kind, url string) map[string]any {
	return map[string]any{"attachment": map[string]any{
		"type":    kind,
		"payload": map[string]any{"url": url, "is_reusable": true},
	}}
}

// Send delivers media first, then the text split into Send API sized parts.
// Quick replies ride on the last text part.
func (m *message) Send(ctx context.Context, r channel.Reply) (string, error) {
	var lastID string
	send := func(msg map[string]any) error {
		id, err := m.post(ctx, msg)
		if err != nil {
			return err
		}
		if id != "" {
			lastID = id
		}
		return nil
	}

	if r.AudioURL != "" {
		if err := send(mediaMessage("audio", r.AudioURL)); err != nil {
			return lastID, err
		}
	}
	if r.VideoURL != "" {
		if err := send(mediaMessage("video", r.VideoURL)); err != nil {
			return lastID, err
		}
	}
	for _, d := range r.Documents {
		if err := send(mediaMessage("file", d.URL)); err != nil {
			return lastID, err
		}
	}

	text, buttons := r.Text, r.Buttons
	if len(buttons) > maxQuickReplies {
		text, buttons = channel.ButtonsAsText(text, buttons), nil
	}
	if text == "" && len(buttons) == 0 {
		return lastID, nil
	}
	if text == "" {
		text = "…"
	}
	parts := split(text, maxText)
	for i, p := range parts {
		msg := map[string]any{"text": p}
		if i == len(parts)-1 && len(buttons) > 0 {
			msg["quick_replies"] = quickReplies(buttons)
		}
		if err := send(msg); err != nil {
			return lastID, err
		}
	}
	return lastID, nil
}

func quickReplies(buttons []channel.Button) []map[string]string {
	out := make([]map[string]string, len(buttons))
	for i, b := range buttons {
		title := b.Label
		if utf8.RuneCountInString(title) > maxReplyTitle {
			title = string([]rune(title)[:maxReplyTitle])
		}
		out[i] = map[string]string{"content_type": "text", "title": title, "payload": b.ID}
	}
	return out
}

// split cuts s into parts of at most n runes, preferring line breaks.
func split(s string, n int) []string {
	var parts []string
	for utf8.RuneCountInString(s) > n {
		r := []rune(s)
		cut := n
		if i := strings.LastIndex(string(r[:n]), "\n"); i > 0 {
			cut = utf8.RuneCountInString(string(r[:n])[:i])
		}
		parts = append(parts, strings.TrimRight(string(r[:cut]), "\n"))
		s = strings.TrimLeft(string(r[cut:]), "\n")
	}
	return append(parts, s)
}

// MarkRead sends the mark_seen sender action.
func (m *message) MarkRead(ctx context.Context) error {
	return m.a.http.Do(ctx, channel.Request{
		URL:    m.a.graphURL + "/me/messages",
		Bearer: m.in.AccessToken,
		Body: map[string]any{
			"recipient":     map[string]string{"id": m.raw.Sender.ID},
			"sender_action": "mark_seen",
		},
	}, nil)
}
