// Package channel defines the platform-neutral view of one inbound event and
// the reply path back to the user.
//
// Each platform adapter in a sub-package parses its webhook into values that
// implement [Channel]. The dialog layer only ever sees this interface; it
// never branches on the platform except through [Platform.SupportsButtons].
package channel

import (
	"context"
	"strconv"
	"strings"
)

// Platform identifies a messaging surface.
type Platform string

const (
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformSlack     Platform = "slack"
	PlatformSMS       Platform = "twilio_sms"
	PlatformVoice     Platform = "twilio_voice"
	PlatformWeb       Platform = "web"
)

// SupportsButtons reports whether the platform renders native quick replies.
func (p Platform) SupportsButtons() bool {
	switch p {
	case PlatformWhatsApp, PlatformFacebook, PlatformInstagram, PlatformSlack, PlatformWeb:
		return true
	}
	return false
}

// Standard button ids shared by every platform.
const (
	ButtonThumbsUp   = "feedback:positive"
	ButtonThumbsDown = "feedback:negative"
	ButtonSkip       = "feedback:skip"
)

// Media is an inbound or outbound file. Inbound media carries either a URL
// or a platform media ID that [Channel.ResolveMedia] turns into a URL.
type Media struct {
	URL      string
	ID       string
	MimeType string
	Name     string
}

// Button is one quick reply.
type Button struct {
	ID    string
	Label string
}

// ButtonPress is an inbound quick reply or postback.
type ButtonPress struct {
	ID string

	// ReplyTo is the platform id of the message the button was attached to,
	// when the platform reports it.
	ReplyTo string
}

// Reply is one outbound message. Every field is optional.
type Reply struct {
	Text      string
	AudioURL  string
	VideoURL  string
	Documents []Media
	Buttons   []Button

	// ShouldTranslate asks the sender to localize Text to the integration
	// language. The dialog layer translates before calling Send; adapters
	// ignore it.
	ShouldTranslate bool
}

// Channel is one inbound event bound to its integration and user, plus the
// means to answer it.
//
// Input accessors return zero values when the event carries no such input.
// They fail with *[MalformedInputError] only when a required field of the
// platform payload is missing or unusable.
type Channel interface {
	Platform() Platform
	Integration() *Integration

	// UserKey is the natural key of the user within the integration.
	UserKey() string

	// PlatformMessageID identifies the inbound message, or "" when the
	// platform has no stable id.
	PlatformMessageID() string

	InputText() (string, error)
	InputAudio() (*Media, error)
	InputImages() ([]Media, error)
	InputDocuments() ([]Media, error)
	InputButton() *ButtonPress

	// ResolveMedia fills m.URL from m.ID where the platform delivers media
	// by reference. It is a no-op when URL is already set.
	ResolveMedia(ctx context.Context, m *Media) error

	// Send delivers reply and returns the platform id of the sent message,
	// or "" when the platform does not report one. Failures are
	// *[TransportError].
	Send(ctx context.Context, reply Reply) (string, error)

	// MarkRead is best effort and a no-op where unsupported.
	MarkRead(ctx context.Context) error

	// NicknameForUpload is the file name used when re-hosting inbound media
	// of mimeType.
	NicknameForUpload(mimeType string) string
}

// Streamer is implemented by channels that can show partial replies while
// the workflow is still producing them.
type Streamer interface {
	Streaming() bool
	SendDelta(ctx context.Context, delta string) error
}

// ButtonsAsText renders buttons as numbered lines below text, for platforms
// without quick replies.
func ButtonsAsText(text string, buttons []Button) string {
	if len(buttons) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	if text != "" {
		b.WriteString("\n\n")
	}
	for i, btn := range buttons {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(btn.Label)
	}
	return b.String()
}
