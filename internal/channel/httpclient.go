package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/resilience"
)

// maxErrorBody bounds how much of a failed response is kept in a
// [TransportError].
const maxErrorBody = 4 << 10

// HTTPClient sends JSON requests to one platform's API through that
// platform's circuit breaker and records outbound metrics.
type HTTPClient struct {
	platform Platform
	client   *http.Client
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
}

// HTTPOption configures an [HTTPClient].
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the default client, which has a 20s timeout and an
// otelhttp transport.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.client = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) HTTPOption {
	return func(h *HTTPClient) { h.metrics = m }
}

// NewHTTPClient creates a client for platform. The breaker is taken from
// breakers under the platform name; nil disables breaking.
func NewHTTPClient(platform Platform, breakers *resilience.Breakers, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		platform: platform,
		client: &http.Client{
			Timeout:   20 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	if breakers != nil {
		h.breaker = breakers.For(string(platform))
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Request describes one API call.
type Request struct {
	Method string
	URL    string

	// Bearer is sent as Authorization: Bearer <token> when set.
	Bearer string

	// Body is JSON-encoded when non-nil.
	Body any
}

// Do performs req and decodes a JSON response into out when out is non-nil.
// Non-2xx responses and network failures become *[TransportError].
func (h *HTTPClient) Do(ctx context.Context, req Request, out any) error {
	var payload []byte
	if req.Body != nil {
		var err error
		if payload, err = json.Marshal(req.Body); err != nil {
			return fmt.Errorf("channel: %s: encode request: %w", h.platform, err)
		}
	}

	return h.Guard(ctx, func() error { return h.do(ctx, req, payload, out) })
}

// Guard runs call through the platform breaker and records it as one
// outbound request. Adapters built on a platform SDK use it together with
// [HTTPClient.Client].
func (h *HTTPClient) Guard(ctx context.Context, call func() error) error {
	start := time.Now()
	var err error
	if h.breaker != nil {
		err = h.breaker.Execute(call)
	} else {
		err = call()
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	h.metrics.RecordOutbound(ctx, string(h.platform), status, time.Since(start).Seconds())
	return err
}

// Client returns the underlying instrumented *http.Client.
func (h *HTTPClient) Client() *http.Client { return h.client }

func (h *HTTPClient) do(ctx context.Context, req Request, payload []byte, out any) error {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	hr, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return &TransportError{Platform: h.platform, Err: err}
	}
	if payload != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	hr.Header.Set("Accept", "application/json")
	if req.Bearer != "" {
		hr.Header.Set("Authorization", "Bearer "+req.Bearer)
	}

	resp, err := h.client.Do(hr)
	if err != nil {
		return &TransportError{Platform: h.platform, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &TransportError{Platform: h.platform, Status: resp.StatusCode, Body: string(msg)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Platform: h.platform, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
