// Package web is the generic JSON API channel. A client posts one message
// per request and receives the replies either as one JSON document or, for
// integrations with streaming enabled, as server-sent events.
//
// Event stream:
//
//	event: delta    data: {"text": "..."}          partial workflow output
//	event: message  data: {"id": "...", ...}       one complete reply
//	event: error    data: {"message": "..."}       request failed
//	event: done     data: {}                       end of stream
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/switchboard/internal/channel"
)

// Request is the body of a chat request.
type Request struct {
	UserID       string   `json:"user_id"`
	MessageID    string   `json:"message_id,omitempty"`
	Text         string   `json:"text,omitempty"`
	AudioURL     string   `json:"audio_url,omitempty"`
	ImageURLs    []string `json:"image_urls,omitempty"`
	DocumentURLs []string `json:"document_urls,omitempty"`
	ButtonID     string   `json:"button_id,omitempty"`
	ReplyTo      string   `json:"reply_to,omitempty"`
}

// Message is one reply as delivered to the client.
type Message struct {
	ID        string     `json:"id"`
	Text      string     `json:"text,omitempty"`
	AudioURL  string     `json:"audio_url,omitempty"`
	VideoURL  string     `json:"video_url,omitempty"`
	Documents []Document `json:"documents,omitempty"`
	Buttons   []Button   `json:"buttons,omitempty"`
}

// Document is an outbound file.
type Document struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Button is an outbound quick reply.
type Button struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Parse decodes a chat request for in.
func Parse(_ context.Context, in *channel.Integration, body []byte) (*Session, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, channel.Malformed(channel.PlatformWeb, "body", err.Error())
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, channel.Malformed(channel.PlatformWeb, "user_id", "")
	}
	return &Session{in: in, req: req}, nil
}

// Session is one chat request and its reply path.
type Session struct {
	in  *channel.Integration
	req Request

	mu      sync.Mutex
	sse     *sseWriter
	replies []Message
}

var (
	_ channel.Channel  = (*Session)(nil)
	_ channel.Streamer = (*Session)(nil)
)

// Start switches the session to server-sent events when the integration
// streams. It must be called before the first Send.
func (s *Session) Start(w http.ResponseWriter) error {
	if !s.in.Features.Streaming {
		return nil
	}
	sw, err := newSSEWriter(w)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sse = sw
	s.mu.Unlock()
	return nil
}

// Finish completes the response: a done (or error) event on a stream,
// otherwise the collected replies as JSON. failure is the user-facing
// reason when the request could not be handled.
func (s *Session) Finish(w http.ResponseWriter, failure error) error {
	s.mu.Lock()
	sw, replies := s.sse, s.replies
	s.mu.Unlock()

	if sw != nil {
		if failure != nil {
			if err := sw.send("error", map[string]string{"message": failure.Error()}); err != nil {
				return err
			}
		}
		return sw.send("done", struct{}{})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if failure != nil {
		w.WriteHeader(http.StatusBadRequest)
		return json.NewEncoder(w).Encode(map[string]string{"error": failure.Error()})
	}
	if replies == nil {
		replies = []Message{}
	}
	return json.NewEncoder(w).Encode(map[string]any{"messages": replies})
}

func (s *Session) Platform() channel.Platform        { return channel.PlatformWeb }
func (s *Session) Integration() *channel.Integration { return s.in }
func (s *Session) UserKey() string                   { return s.req.UserID }
func (s *Session) PlatformMessageID() string         { return s.req.MessageID }
func (s *Session) InputText() (string, error)        { return s.req.Text, nil }

func (s *Session) InputAudio() (*channel.Media, error) {
	if s.req.AudioURL == "" {
		return nil, nil
	}
	return &channel.Media{URL: s.req.AudioURL}, nil
}

func (s *Session) InputImages() ([]channel.Media, error) { return toMedia(s.req.ImageURLs), nil }

func (s *Session) InputDocuments() ([]channel.Media, error) {
	return toMedia(s.req.DocumentURLs), nil
}

func toMedia(urls []string) []channel.Media {
	var out []channel.Media
	for _, u := range urls {
		if u != "" {
			out = append(out, channel.Media{URL: u})
		}
	}
	return out
}

func (s *Session) InputButton() *channel.ButtonPress {
	if s.req.ButtonID == "" {
		return nil
	}
	return &channel.ButtonPress{ID: s.req.ButtonID, ReplyTo: s.req.ReplyTo}
}

func (s *Session) ResolveMedia(context.Context, *channel.Media) error { return nil }
func (s *Session) MarkRead(context.Context) error                     { return nil }

func (s *Session) NicknameForUpload(mimeType string) string {
	return channel.Nickname(channel.PlatformWeb, mimeType, s.req.UserID, s.in.ID, "")
}

// Streaming reports whether partial replies reach the client.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sse != nil
}

// SendDelta streams a partial reply.
func (s *Session) SendDelta(_ context.Context, delta string) error {
	s.mu.Lock()
	sw := s.sse
	s.mu.Unlock()
	if sw == nil {
		return nil
	}
	if err := sw.send("delta", map[string]string{"text": delta}); err != nil {
		return &channel.TransportError{Platform: channel.PlatformWeb, Err: err}
	}
	return nil
}

// Send emits one reply and returns its generated id.
func (s *Session) Send(_ context.Context, r channel.Reply) (string, error) {
	msg := Message{
		ID:       uuid.NewString(),
		Text:     r.Text,
		AudioURL: r.AudioURL,
		VideoURL: r.VideoURL,
	}
	for _, d := range r.Documents {
		msg.Documents = append(msg.Documents, Document{URL: d.URL, Name: d.Name, MimeType: d.MimeType})
	}
	for _, b := range r.Buttons {
		msg.Buttons = append(msg.Buttons, Button(b))
	}

	s.mu.Lock()
	sw := s.sse
	if sw == nil {
		s.replies = append(s.replies, msg)
	}
	s.mu.Unlock()

	if sw != nil {
		if err := sw.send("message", msg); err != nil {
			return "", &channel.TransportError{Platform: channel.PlatformWeb, Err: fmt.Errorf("stream reply: %w", err)}
		}
	}
	return msg.ID, nil
}
