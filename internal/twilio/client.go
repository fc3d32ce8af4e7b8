// Package twilio holds the Twilio pieces the gateway talks to: a small REST
// client (messages and calls), a TwiML builder for the voice webhook
// responses, the Media Streams frame types and request signature checks.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultBaseURL is the Twilio REST API root.
const DefaultBaseURL = "https://api.twilio.com/2010-04-01"

// Client is a Twilio REST API client. It is safe for concurrent use.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// Config configures a [Client].
type Config struct {
	AccountSID string
	AuthToken  string

	// BaseURL overrides [DefaultBaseURL], for tests.
	BaseURL string

	// HTTPClient overrides the default client, which has a 30s timeout and
	// an otelhttp transport.
	HTTPClient *http.Client
}

// New creates a client. AccountSID and AuthToken are required.
func New(cfg Config) (*Client, error) {
	var errs []error
	if cfg.AccountSID == "" {
		errs = append(errs, errors.New("account sid is required"))
	}
	if cfg.AuthToken == "" {
		errs = append(errs, errors.New("auth token is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("twilio: new client: %w", err)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}, nil
}

// AuthToken returns the token used for request signature validation.
func (c *Client) AuthToken() string { return c.authToken }

// ── Messages ─────────────────────────────────────────────────────────────────

// Message is a Twilio message resource.
type Message struct {
	SID    string `json:"sid"`
	To     string `json:"to"`
	From   string `json:"from"`
	Body   string `json:"body"`
	Status string `json:"status"`
}

// SendMessageParams are the parameters of an outbound SMS/MMS.
type SendMessageParams struct {
	From      string
	To        string
	Body      string
	MediaURLs []string
}

// SendMessage sends an SMS, or an MMS when MediaURLs is set.
func (c *Client) SendMessage(ctx context.Context, p SendMessageParams) (*Message, error) {
	data := url.Values{}
	data.Set("From", p.From)
	data.Set("To", p.To)
	if p.Body != "" {
		data.Set("Body", p.Body)
	}
	for _, u := range p.MediaURLs {
		data.Add("MediaUrl", u)
	}

	var msg Message
	if err := c.post(ctx, c.accountURL("Messages.json"), data, &msg); err != nil {
		return nil, fmt.Errorf("twilio: send message: %w", err)
	}
	return &msg, nil
}

// ── Calls ────────────────────────────────────────────────────────────────────

// Call is a Twilio call resource.
type Call struct {
	SID       string `json:"sid"`
	To        string `json:"to"`
	From      string `json:"from"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
	Duration  string `json:"duration"`
}

// DurationSeconds parses Duration. Calls still in progress report zero.
func (c *Call) DurationSeconds() int {
	n, err := strconv.Atoi(c.Duration)
	if err != nil {
		return 0
	}
	return n
}

// GetCall retrieves a call by SID.
func (c *Client) GetCall(ctx context.Context, callSID string) (*Call, error) {
	var call Call
	if err := c.get(ctx, c.accountURL("Calls", callSID+".json"), &call); err != nil {
		return nil, fmt.Errorf("twilio: get call %s: %w", callSID, err)
	}
	return &call, nil
}

// UpdateCallParams modify an in-progress call. Set exactly one of them.
type UpdateCallParams struct {
	URL    string // fetch new TwiML from URL
	Twiml  string // inline TwiML
	Status string // "completed" hangs up
}

// UpdateCall modifies an in-progress call.
func (c *Client) UpdateCall(ctx context.Context, callSID string, p UpdateCallParams) (*Call, error) {
	data := url.Values{}
	if p.URL != "" {
		data.Set("Url", p.URL)
	}
	if p.Twiml != "" {
		data.Set("Twiml", p.Twiml)
	}
	if p.Status != "" {
		data.Set("Status", p.Status)
	}

	var call Call
	if err := c.post(ctx, c.accountURL("Calls", callSID+".json"), data, &call); err != nil {
		return nil, fmt.Errorf("twilio: update call %s: %w", callSID, err)
	}
	return &call, nil
}

// HangupCall ends a call.
func (c *Client) HangupCall(ctx context.Context, callSID string) error {
	_, err := c.UpdateCall(ctx, callSID, UpdateCallParams{Status: "completed"})
	return err
}

// TransferCall replaces the call's TwiML with a <Dial> to number.
func (c *Client) TransferCall(ctx context.Context, callSID, number string) error {
	var r Response
	r.Dial(number)
	doc, err := r.String()
	if err != nil {
		return fmt.Errorf("twilio: transfer call: %w", err)
	}
	_, err = c.UpdateCall(ctx, callSID, UpdateCallParams{Twiml: doc})
	return err
}

// ── Transport ────────────────────────────────────────────────────────────────

// Error is a Twilio API error response.
type Error struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("twilio error %d (status %d): %s", e.Code, e.Status, e.Message)
}

func (c *Client) accountURL(parts ...string) string {
	return c.baseURL + "/Accounts/" + c.accountSID + "/" + strings.Join(parts, "/")
}

func (c *Client) get(ctx context.Context, u string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, u string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}
