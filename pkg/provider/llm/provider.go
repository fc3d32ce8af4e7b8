// Package llm defines the Provider interface for Large Language Model backends.
//
// The gateway uses an LLM in two places: the built-in workflow invoker that
// answers bot conversations directly, and the translator that localises
// gateway-authored replies and normalises feedback text to English. Both only
// depend on this package, never on a concrete SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero uses the provider
	// default.
	MaxTokens int

	// SystemPrompt is injected before the conversation history.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk. The special value "error" marks a
	// chunk whose Text carries a mid-stream error message.
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel that emits
	// chunks as they arrive. The initial error is non-nil only for failures that
	// prevent the stream from starting. The returned channel is never nil when
	// error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Collect drains a chunk stream into a single string. A chunk with
// FinishReason "error" aborts collection and is returned as an error.
func Collect(ctx context.Context, chunks <-chan Chunk) (string, error) {
	var text []byte
	for {
		select {
		case <-ctx.Done():
			return string(text), ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				return string(text), nil
			}
			if c.FinishReason == "error" {
				return string(text), &StreamError{Message: c.Text}
			}
			text = append(text, c.Text...)
		}
	}
}

// StreamError reports a failure that happened after a stream was opened.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return "llm: stream: " + e.Message }
