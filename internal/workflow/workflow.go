// Package workflow invokes the AI workflow behind an integration.
//
// How workflows are authored and executed is outside the gateway. An
// [Invoker] receives the user's turn plus recent conversation context and
// returns the reply. Two implementations exist: [HTTPInvoker] calls an
// external workflow runner, [LLMInvoker] answers directly with a language
// model. [Mux] routes by workflow id.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/switchboard/internal/conversation"
	"github.com/MrWong99/switchboard/internal/observe"
)

// ErrUnknownWorkflow is returned by [Mux] for unregistered workflow ids.
var ErrUnknownWorkflow = errors.New("workflow: unknown workflow")

// Request is one turn handed to a workflow.
type Request struct {
	WorkflowID     string
	IntegrationID  string
	ConversationID string
	UserKey        string
	Platform       string

	// RunID identifies the run record the rate limiter created, if any.
	RunID string

	// Language is the integration language, e.g. "de".
	Language string

	// Instructions is an optional system prompt from the integration.
	Instructions string

	Text        string
	Attachments []conversation.Attachment

	// History is the recent conversation, oldest first, excluding this turn.
	History []conversation.Message

	// OnDelta, when set, receives partial output as it is produced.
	OnDelta func(delta string)
}

// Result is the workflow's reply.
type Result struct {
	// Text is the model-facing reply stored as message content.
	Text string

	// DisplayText is shown to the user. Empty means Text.
	DisplayText string

	AudioURL  string
	VideoURL  string
	Documents []conversation.Attachment

	// RunID is the workflow runner's id for the run, if it reports one.
	RunID string
}

// Display returns the user-facing text.
func (r *Result) Display() string {
	if r.DisplayText != "" {
		return r.DisplayText
	}
	return r.Text
}

// Attachments returns the reply's media as message attachments in display
// order.
func (r *Result) Attachments() []conversation.Attachment {
	var out []conversation.Attachment
	if r.AudioURL != "" {
		out = append(out, conversation.Attachment{URL: r.AudioURL, Kind: conversation.KindAudio})
	}
	if r.VideoURL != "" {
		out = append(out, conversation.Attachment{URL: r.VideoURL, Kind: conversation.KindVideo})
	}
	return append(out, r.Documents...)
}

// Invoker runs a workflow. Implementations must be safe for concurrent use.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// InvokerFunc adapts a function to [Invoker].
type InvokerFunc func(ctx context.Context, req Request) (*Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request) (*Result, error) { return f(ctx, req) }

// Mux routes requests to invokers by workflow id, falling back to a default
// invoker. It records workflow metrics for every call.
type Mux struct {
	mu       sync.RWMutex
	byID     map[string]Invoker
	fallback Invoker
	metrics  *observe.Metrics
}

var _ Invoker = (*Mux)(nil)

// NewMux creates a Mux. fallback may be nil.
func NewMux(fallback Invoker) *Mux {
	return &Mux{byID: make(map[string]Invoker), fallback: fallback, metrics: observe.DefaultMetrics()}
}

// Handle registers inv for workflowID, replacing any previous registration.
func (m *Mux) Handle(workflowID string, inv Invoker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[workflowID] = inv
}

// Invoke implements [Invoker].
func (m *Mux) Invoke(ctx context.Context, req Request) (*Result, error) {
	m.mu.RLock()
	inv, ok := m.byID[req.WorkflowID]
	m.mu.RUnlock()
	if !ok {
		inv = m.fallback
	}
	if inv == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, req.WorkflowID)
	}

	start := time.Now()
	res, err := inv.Invoke(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.metrics.RecordWorkflow(ctx, req.IntegrationID, status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("workflow: %s: empty result", req.WorkflowID)
	}
	return res, nil
}
