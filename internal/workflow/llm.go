package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/switchboard/internal/conversation"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
)

// defaultInstructions is used when an integration configures none.
const defaultInstructions = "You are a helpful assistant answering users in a chat. " +
	"Keep replies short and suitable for a messaging app."

// LLMInvoker answers turns directly with a language model. It is the
// workflow of integrations without an external runner.
type LLMInvoker struct {
	provider    llm.Provider
	temperature float64
	maxTokens   int
}

var _ Invoker = (*LLMInvoker)(nil)

// LLMOption configures an [LLMInvoker].
type LLMOption func(*LLMInvoker)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) LLMOption {
	return func(l *LLMInvoker) { l.temperature = t }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) LLMOption {
	return func(l *LLMInvoker) { l.maxTokens = n }
}

// NewLLMInvoker creates an invoker backed by p.
func NewLLMInvoker(p llm.Provider, opts ...LLMOption) *LLMInvoker {
	l := &LLMInvoker{provider: p}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Invoke implements [Invoker]. With OnDelta set the reply is streamed.
func (l *LLMInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	creq := llm.CompletionRequest{
		SystemPrompt: systemPrompt(req),
		Temperature:  l.temperature,
		MaxTokens:    l.maxTokens,
	}
	for _, m := range req.History {
		creq.Messages = append(creq.Messages, toLLM(m.Role, m.Content, m.Attachments))
	}
	creq.Messages = append(creq.Messages, toLLM(conversation.RoleUser, req.Text, req.Attachments))

	if req.OnDelta == nil {
		resp, err := l.provider.Complete(ctx, creq)
		if err != nil {
			return nil, fmt.Errorf("workflow: llm: %w", err)
		}
		return &Result{Text: strings.TrimSpace(resp.Content)}, nil
	}

	chunks, err := l.provider.StreamCompletion(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("workflow: llm: %w", err)
	}
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("workflow: llm: %w", ctx.Err())
		case c, ok := <-chunks:
			if !ok {
				return &Result{Text: strings.TrimSpace(b.String())}, nil
			}
			if c.FinishReason == "error" {
				return nil, fmt.Errorf("workflow: llm: %w", &llm.StreamError{Message: c.Text})
			}
			if c.Text != "" {
				b.WriteString(c.Text)
				req.OnDelta(c.Text)
			}
		}
	}
}

func systemPrompt(req Request) string {
	p := req.Instructions
	if p == "" {
		p = defaultInstructions
	}
	if req.Language != "" {
		p += fmt.Sprintf("\nAnswer in the user's language. If unsure, use %q.", req.Language)
	}
	return p
}

// toLLM maps a stored message to the model's format. Images are passed as
// vision input; other attachments are referenced by URL in the text.
func toLLM(role conversation.Role, content string, atts []conversation.Attachment) llm.Message {
	m := llm.Message{Role: llm.RoleUser, Content: content}
	if role == conversation.RoleAssistant {
		m.Role = llm.RoleAssistant
	}
	var refs []string
	for _, a := range atts {
		if a.Kind == conversation.KindImage && role == conversation.RoleUser {
			m.ImageURLs = append(m.ImageURLs, a.URL)
			continue
		}
		refs = append(refs, fmt.Sprintf("[%s: %s]", a.Kind, a.URL))
	}
	if len(refs) > 0 {
		m.Content = strings.TrimSpace(m.Content + "\n" + strings.Join(refs, "\n"))
	}
	return m
}
