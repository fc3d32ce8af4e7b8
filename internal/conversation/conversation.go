// Package conversation holds the persistent model shared by every channel:
// conversations keyed by (integration, user), their ordered messages with
// attachments, and feedback on assistant replies.
//
// Two [Store] implementations exist: [PostgresStore] for production and
// [MemStore] for tests and single-process deployments without a database.
package conversation

import (
	"path"
	"strings"
	"time"
)

// State is the feedback state of a conversation. Every flow returns to
// [StateInitial].
type State string

const (
	StateInitial                  State = "INITIAL"
	StateAwaitingFeedbackPositive State = "AWAITING_FEEDBACK_POSITIVE"
	StateAwaitingFeedbackNegative State = "AWAITING_FEEDBACK_NEGATIVE"
)

// AwaitingFeedback reports whether the conversation has an open feedback
// request.
func (s State) AwaitingFeedback() bool {
	return s == StateAwaitingFeedbackPositive || s == StateAwaitingFeedbackNegative
}

// Key is the natural identity of a conversation.
type Key struct {
	IntegrationID string
	UserKey       string
}

func (k Key) String() string { return k.IntegrationID + "/" + k.UserKey }

// Conversation is the thread between one end user and one bot integration.
// Conversations are created on the first inbound event and never deleted.
type Conversation struct {
	ID            string
	IntegrationID string
	UserKey       string
	Platform      string
	State         State

	// Blocked conversations are ignored by the gateway.
	Blocked bool

	// ResetAt, when set, hides every message created before it from the
	// workflow context.
	ResetAt *time.Time

	// Extension is the extension code the caller is bound to on a shared
	// number, if any.
	Extension string

	CreatedAt time.Time
}

// Key returns the natural key of c.
func (c *Conversation) Key() Key {
	return Key{IntegrationID: c.IntegrationID, UserKey: c.UserKey}
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           Role

	// Content is what the workflow sees. DisplayContent is what the user saw
	// or said; the two differ e.g. for transcribed audio.
	Content        string
	DisplayContent string

	// PlatformMessageID is unique within a conversation. Empty means unknown.
	PlatformMessageID string

	RunID        string
	ResponseTime time.Duration
	Attachments  []Attachment
	CreatedAt    time.Time
}

// Kind classifies an attachment.
type Kind string

const (
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
)

// KindFromMIME derives the attachment kind from a MIME type. Anything that
// is not image, audio or video is a document.
func KindFromMIME(mimeType string) Kind {
	major, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mimeType)), "/")
	switch major {
	case "image":
		return KindImage
	case "audio":
		return KindAudio
	case "video":
		return KindVideo
	default:
		return KindDocument
	}
}

// Attachment is a media file attached to a message, in display order.
type Attachment struct {
	URL      string
	MimeType string
	Kind     Kind
	Name     string
}

// FileName returns Name, falling back to the last URL path segment.
func (a Attachment) FileName() string {
	if a.Name != "" {
		return a.Name
	}
	base := path.Base(strings.SplitN(a.URL, "?", 2)[0])
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// Rating is the verdict of a feedback entry.
type Rating string

const (
	RatingPositive Rating = "positive"
	RatingNegative Rating = "negative"
	RatingNeutral  Rating = "neutral"
)

// RatingFor maps an awaiting state to the rating being collected.
func RatingFor(s State) Rating {
	switch s {
	case StateAwaitingFeedbackPositive:
		return RatingPositive
	case StateAwaitingFeedbackNegative:
		return RatingNegative
	default:
		return RatingNeutral
	}
}

// Feedback is a user's rating of one assistant message, optionally with a
// free-text explanation and its English translation.
type Feedback struct {
	ID             string
	ConversationID string
	MessageID      string
	Rating         Rating
	Text           string
	TextEnglish    string
	CreatedAt      time.Time
}
