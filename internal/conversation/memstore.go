package conversation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory [Store]. It is safe for concurrent use.
type MemStore struct {
	mu            sync.Mutex
	now           func() time.Time
	conversations map[string]*Conversation // by id
	byKey         map[Key]string
	messages      []*Message // insertion order
	feedback      []*Feedback
	events        map[eventKey]struct{}
}

type eventKey struct {
	conversationID    string
	platformMessageID string
}

var _ Store = (*MemStore)(nil)

// MemOption configures a [MemStore].
type MemOption func(*MemStore)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MemOption {
	return func(s *MemStore) { s.now = now }
}

// NewMemStore returns an empty store.
func NewMemStore(opts ...MemOption) *MemStore {
	s := &MemStore{
		now:           time.Now,
		conversations: make(map[string]*Conversation),
		byKey:         make(map[Key]string),
		events:        make(map[eventKey]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemStore) GetOrCreate(_ context.Context, key Key, platform string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[key]; ok {
		c := *s.conversations[id]
		return &c, nil
	}
	c := &Conversation{
		ID:            uuid.NewString(),
		IntegrationID: key.IntegrationID,
		UserKey:       key.UserKey,
		Platform:      platform,
		State:         StateInitial,
		CreatedAt:     s.now(),
	}
	s.conversations[c.ID] = c
	s.byKey[key] = c.ID
	cp := *c
	return &cp, nil
}

func (s *MemStore) update(id string, fn func(*Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	fn(c)
	return nil
}

func (s *MemStore) SetState(_ context.Context, id string, state State) error {
	return s.update(id, func(c *Conversation) { c.State = state })
}

func (s *MemStore) SetResetAt(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(c *Conversation) { c.ResetAt = &at })
}

func (s *MemStore) SetExtension(_ context.Context, id, extension string) error {
	return s.update(id, func(c *Conversation) { c.Extension = extension })
}

func (s *MemStore) SetBlocked(_ context.Context, id string, blocked bool) error {
	return s.update(id, func(c *Conversation) { c.Blocked = blocked })
}

func (s *MemStore) History(_ context.Context, id string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	var out []Message
	for _, m := range s.messages {
		if m.ConversationID != id {
			continue
		}
		if c.ResetAt != nil && m.CreatedAt.Before(*c.ResetAt) {
			continue
		}
		out = append(out, cloneMessage(m))
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemStore) HasPlatformMessage(_ context.Context, id, platformMessageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findPlatform(id, platformMessageID) != nil, nil
}

func (s *MemStore) findPlatform(id, platformMessageID string) *Message {
	if platformMessageID == "" {
		return nil
	}
	for _, m := range s.messages {
		if m.ConversationID == id && m.PlatformMessageID == platformMessageID {
			return m
		}
	}
	return nil
}

func (s *MemStore) ClaimEvent(_ context.Context, id, platformMessageID string) (bool, error) {
	if platformMessageID == "" {
		return true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := eventKey{id, platformMessageID}
	if _, ok := s.events[k]; ok {
		return false, nil
	}
	s.events[k] = struct{}{}
	return true, nil
}

func (s *MemStore) SaveTurn(_ context.Context, id string, user, assistant *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	if user != nil && s.findPlatform(id, user.PlatformMessageID) != nil {
		return ErrDuplicateMessage
	}
	for _, m := range []*Message{user, assistant} {
		if m != nil {
			s.insert(id, m)
		}
	}
	return nil
}

func (s *MemStore) AppendMessages(_ context.Context, id string, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	for i := range msgs {
		s.insert(id, &msgs[i])
	}
	return nil
}

// insert stores a copy of m. Must be called with s.mu held.
func (s *MemStore) insert(conversationID string, m *Message) {
	m.ID = uuid.NewString()
	m.ConversationID = conversationID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	cp := cloneMessage(m)
	s.messages = append(s.messages, &cp)
}

func (s *MemStore) SetPlatformMessageID(_ context.Context, messageID, platformMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == messageID {
			if other := s.findPlatform(m.ConversationID, platformMessageID); other != nil && other != m {
				return ErrDuplicateMessage
			}
			m.PlatformMessageID = platformMessageID
			return nil
		}
	}
	return fmt.Errorf("message %q: %w", messageID, ErrNotFound)
}

func (s *MemStore) DeleteMessages(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = slices.DeleteFunc(s.messages, func(m *Message) bool { return m.ConversationID == id })
	s.feedback = slices.DeleteFunc(s.feedback, func(f *Feedback) bool { return f.ConversationID == id })
	return nil
}

func (s *MemStore) LatestAssistantMessage(_ context.Context, id string, before time.Time) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.ConversationID == id && m.Role == RoleAssistant && !m.CreatedAt.After(before) {
			cp := cloneMessage(m)
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemStore) MessageByPlatformID(_ context.Context, id, platformMessageID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.findPlatform(id, platformMessageID); m != nil {
		cp := cloneMessage(m)
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) CreateFeedback(_ context.Context, fb *Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fb.ID = uuid.NewString()
	fb.CreatedAt = s.now()
	cp := *fb
	s.feedback = append(s.feedback, &cp)
	return nil
}

func (s *MemStore) OpenFeedback(_ context.Context, id string) (*Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.feedback) - 1; i >= 0; i-- {
		if s.feedback[i].ConversationID == id {
			cp := *s.feedback[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemStore) UpdateFeedbackText(_ context.Context, feedbackID, text, textEnglish string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.feedback {
		if f.ID == feedbackID {
			f.Text = text
			f.TextEnglish = textEnglish
			return nil
		}
	}
	return fmt.Errorf("feedback %q: %w", feedbackID, ErrNotFound)
}

// Feedback returns every feedback entry of the conversation, oldest first.
func (s *MemStore) Feedback(id string) []Feedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Feedback
	for _, f := range s.feedback {
		if f.ConversationID == id {
			out = append(out, *f)
		}
	}
	return out
}

func cloneMessage(m *Message) Message {
	cp := *m
	cp.Attachments = slices.Clone(m.Attachments)
	return cp
}
