package workflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/switchboard/internal/conversation"
	"github.com/MrWong99/switchboard/internal/resilience"
)

// HTTPInvoker runs workflows on an external runner over HTTP:
//
//	POST {endpoint}/workflows/{id}/runs
//
// With Request.OnDelta set the runner is asked to stream and answers with
// server-sent events: "delta" {"text"} for partial output, "result" with
// the final run document and "error" {"message"} on failure.
type HTTPInvoker struct {
	endpoint string
	token    string
	client   *http.Client
	breaker  *resilience.CircuitBreaker
}

var _ Invoker = (*HTTPInvoker)(nil)

// HTTPOption configures an [HTTPInvoker].
type HTTPOption func(*HTTPInvoker)

// WithToken sends token as a bearer credential.
func WithToken(token string) HTTPOption {
	return func(h *HTTPInvoker) { h.token = token }
}

// WithHTTPClient replaces the default client, which has a 2 minute timeout
// and an otelhttp transport.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPInvoker) { h.client = c }
}

// WithBreaker runs every call through cb.
func WithBreaker(cb *resilience.CircuitBreaker) HTTPOption {
	return func(h *HTTPInvoker) { h.breaker = cb }
}

// NewHTTPInvoker creates an invoker for the runner at endpoint.
func NewHTTPInvoker(endpoint string, opts ...HTTPOption) *HTTPInvoker {
	h := &HTTPInvoker{
		endpoint: strings.TrimRight(endpoint, "/"),
		client: &http.Client{
			Timeout:   2 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ── Wire format ──────────────────────────────────────────────────────────────

type wireAttachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Name     string `json:"name,omitempty"`
}

type wireMessage struct {
	Role        string           `json:"role"`
	Content     string           `json:"content"`
	Attachments []wireAttachment `json:"attachments,omitempty"`
}

type wireRequest struct {
	RunID          string        `json:"run_id,omitempty"`
	IntegrationID  string        `json:"integration_id"`
	ConversationID string        `json:"conversation_id"`
	UserKey        string        `json:"user_key"`
	Platform       string        `json:"platform"`
	Language       string        `json:"language,omitempty"`
	Input          wireMessage   `json:"input"`
	History        []wireMessage `json:"history"`
	Stream         bool          `json:"stream"`
}

type wireResult struct {
	RunID  string `json:"run_id"`
	Output struct {
		Text        string           `json:"text"`
		DisplayText string           `json:"display_text"`
		AudioURL    string           `json:"audio_url"`
		VideoURL    string           `json:"video_url"`
		Documents   []wireAttachment `json:"documents"`
	} `json:"output"`
}

func toWire(as []conversation.Attachment) []wireAttachment {
	out := make([]wireAttachment, 0, len(as))
	for _, a := range as {
		out = append(out, wireAttachment{URL: a.URL, MimeType: a.MimeType, Kind: string(a.Kind), Name: a.Name})
	}
	return out
}

func (w *wireResult) result() *Result {
	r := &Result{
		RunID:       w.RunID,
		Text:        w.Output.Text,
		DisplayText: w.Output.DisplayText,
		AudioURL:    w.Output.AudioURL,
		VideoURL:    w.Output.VideoURL,
	}
	for _, d := range w.Output.Documents {
		kind := conversation.Kind(d.Kind)
		if kind == "" {
			kind = conversation.KindFromMIME(d.MimeType)
		}
		r.Documents = append(r.Documents, conversation.Attachment{URL: d.URL, MimeType: d.MimeType, Kind: kind, Name: d.Name})
	}
	return r
}

// RunnerError is a non-2xx answer from the workflow runner.
type RunnerError struct {
	Status int
	Body   string
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("workflow: runner returned %d: %s", e.Status, e.Body)
}

// ── Invoke ───────────────────────────────────────────────────────────────────

// Invoke implements [Invoker].
func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	body := wireRequest{
		RunID:          req.RunID,
		IntegrationID:  req.IntegrationID,
		ConversationID: req.ConversationID,
		UserKey:        req.UserKey,
		Platform:       req.Platform,
		Language:       req.Language,
		Input:          wireMessage{Role: string(conversation.RoleUser), Content: req.Text, Attachments: toWire(req.Attachments)},
		History:        make([]wireMessage, 0, len(req.History)),
		Stream:         req.OnDelta != nil,
	}
	for _, m := range req.History {
		body.History = append(body.History, wireMessage{Role: string(m.Role), Content: m.Content, Attachments: toWire(m.Attachments)})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("workflow: encode request: %w", err)
	}

	var res *Result
	call := func() error {
		var err error
		res, err = h.do(ctx, req, payload)
		return err
	}
	if h.breaker != nil {
		err = h.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, fmt.Errorf("workflow: %s: %w", req.WorkflowID, err)
	}
	return res, nil
}

func (h *HTTPInvoker) do(ctx context.Context, req Request, payload []byte) (*Result, error) {
	u := h.endpoint + "/workflows/" + url.PathEscape(req.WorkflowID) + "/runs"
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Content-Type", "application/json")
	if req.OnDelta != nil {
		hr.Header.Set("Accept", "text/event-stream")
	} else {
		hr.Header.Set("Accept", "application/json")
	}
	if h.token != "" {
		hr.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(hr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &RunnerError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readStream(resp.Body, req.OnDelta)
	}
	var wr wireResult
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return wr.result(), nil
}

// readStream consumes the runner's event stream until the result event.
func readStream(body io.Reader, onDelta func(string)) (*Result, error) {
	r := bufio.NewReader(body)
	for {
		event, data, err := nextEvent(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("stream ended without result")
			}
			return nil, err
		}
		switch event {
		case "delta":
			var d struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(data, &d); err == nil && d.Text != "" && onDelta != nil {
				onDelta(d.Text)
			}
		case "result":
			var wr wireResult
			if err := json.Unmarshal(data, &wr); err != nil {
				return nil, fmt.Errorf("decode result: %w", err)
			}
			return wr.result(), nil
		case "error":
			var e struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(data, &e)
			return nil, fmt.Errorf("runner: %s", e.Message)
		}
	}
}

// nextEvent reads one server-sent event. Multi-line data is joined with
// newlines.
func nextEvent(r *bufio.Reader) (string, []byte, error) {
	var (
		name string
		data bytes.Buffer
	)
	for {
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() > 0 {
				return name, data.Bytes(), nil
			}
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		if errors.Is(err, io.EOF) {
			if data.Len() > 0 {
				return name, data.Bytes(), nil
			}
			return "", nil, io.EOF
		}
	}
}
