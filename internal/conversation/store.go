package conversation

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateMessage is returned by [Store.SaveTurn] when the user message
// carries a platform message id already stored for the conversation.
var ErrDuplicateMessage = errors.New("conversation: duplicate platform message id")

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("conversation: not found")

// Store persists conversations, messages and feedback. Implementations must be
// safe for concurrent use.
type Store interface {
	// GetOrCreate returns the conversation for key, creating it in
	// [StateInitial] on first use. Concurrent callers for the same key
	// observe the same conversation.
	GetOrCreate(ctx context.Context, key Key, platform string) (*Conversation, error)

	// SetState updates the feedback state.
	SetState(ctx context.Context, conversationID string, state State) error

	// SetResetAt hides all messages created before at from History.
	SetResetAt(ctx context.Context, conversationID string, at time.Time) error

	// SetExtension records the extension code the conversation is bound to.
	SetExtension(ctx context.Context, conversationID, extension string) error

	// SetBlocked blocks or unblocks a conversation.
	SetBlocked(ctx context.Context, conversationID string, blocked bool) error

	// History returns up to limit most recent messages created after the
	// conversation's reset_at, oldest first. limit <= 0 means no limit.
	History(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// HasPlatformMessage reports whether a message with the given platform id
	// exists in the conversation.
	HasPlatformMessage(ctx context.Context, conversationID, platformMessageID string) (bool, error)

	// ClaimEvent records that the inbound event with the given platform id
	// was handled in the conversation. It reports false when the id had
	// been claimed before. An empty id is never a duplicate.
	ClaimEvent(ctx context.Context, conversationID, platformMessageID string) (bool, error)

	// SaveTurn atomically persists a user message and the assistant reply
	// with their attachments. Either may be nil. IDs and timestamps are
	// filled in on success. It returns [ErrDuplicateMessage] without writing
	// anything when the user message's platform id is already stored.
	SaveTurn(ctx context.Context, conversationID string, user, assistant *Message) error

	// AppendMessages atomically persists messages in order, e.g. the
	// transcript of a realtime call.
	AppendMessages(ctx context.Context, conversationID string, msgs []Message) error

	// SetPlatformMessageID stores the outbound platform id on a message.
	SetPlatformMessageID(ctx context.Context, messageID, platformMessageID string) error

	// DeleteMessages removes every message (and its attachments and
	// feedback) of the conversation. Irreversible.
	DeleteMessages(ctx context.Context, conversationID string) error

	// LatestAssistantMessage returns the newest assistant message created at
	// or before before. It returns (nil, nil) when there is none.
	LatestAssistantMessage(ctx context.Context, conversationID string, before time.Time) (*Message, error)

	// MessageByPlatformID returns the message with the given platform id, or
	// (nil, nil).
	MessageByPlatformID(ctx context.Context, conversationID, platformMessageID string) (*Message, error)

	// CreateFeedback inserts a feedback stub.
	CreateFeedback(ctx context.Context, fb *Feedback) error

	// OpenFeedback returns the newest feedback of the conversation, or
	// (nil, nil) when there is none.
	OpenFeedback(ctx context.Context, conversationID string) (*Feedback, error)

	// UpdateFeedbackText attaches free text and its English translation.
	UpdateFeedbackText(ctx context.Context, feedbackID, text, textEnglish string) error
}
