// Package config provides the configuration schema, loader, hot-reload
// watcher and LLM provider registry for the switchboard gateway.
package config

import (
	"time"

	"github.com/MrWong99/switchboard/internal/channel"
	"github.com/MrWong99/switchboard/internal/ratelimit"
	"github.com/MrWong99/switchboard/internal/tools"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// RealtimeMode selects where the realtime voice bridge runs.
type RealtimeMode string

const (
	// RealtimeDirect runs the bridge on the media stream websocket itself.
	RealtimeDirect RealtimeMode = "direct"

	// RealtimeTunnel pairs the media stream with a proxy connection through
	// the socket tunnel; the bridge dials the tunnel's proxy side.
	RealtimeTunnel RealtimeMode = "tunnel"
)

// IsValid reports whether m is a recognised mode.
func (m RealtimeMode) IsValid() bool {
	return m == RealtimeDirect || m == RealtimeTunnel
}

// WorkflowKind selects the invoker behind a workflow id.
type WorkflowKind string

const (
	// WorkflowHTTP posts turns to an external workflow runner.
	WorkflowHTTP WorkflowKind = "http"

	// WorkflowLLM answers turns with the configured LLM provider.
	WorkflowLLM WorkflowKind = "llm"
)

// IsValid reports whether k is a recognised workflow kind.
func (k WorkflowKind) IsValid() bool {
	return k == WorkflowHTTP || k == WorkflowLLM
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig         `yaml:"server"`
	Database     DatabaseConfig       `yaml:"database"`
	Providers    ProvidersConfig      `yaml:"providers"`
	Twilio       TwilioConfig         `yaml:"twilio"`
	Meta         MetaConfig           `yaml:"meta"`
	Slack        SlackConfig          `yaml:"slack"`
	Gateway      GatewayConfig        `yaml:"gateway"`
	RateLimits   map[string]RateLimit `yaml:"rate_limits"`
	Workflows    []WorkflowConfig     `yaml:"workflows"`
	Integrations []IntegrationConfig  `yaml:"integrations"`

	// Extensions maps a shared phone number to extension codes and the
	// integration id each code routes to.
	Extensions map[string]map[string]string `yaml:"extensions"`

	MCP MCPConfig `yaml:"mcp"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// PublicURL is the externally reachable base URL, e.g.
	// "https://gw.example.com". Twilio signatures are computed against it
	// and TwiML callbacks point at it.
	PublicURL string `yaml:"public_url"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	// PostgresDSN is the PostgreSQL connection string. When empty, all
	// stores are kept in memory and lost on restart.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ProvidersConfig declares the model backends.
type ProvidersConfig struct {
	// LLM backs workflows of kind "llm".
	LLM ProviderEntry `yaml:"llm"`

	// Translation backs gateway message localization and feedback
	// normalization. When its name is empty, LLM is used; when both are
	// empty, messages are sent in English.
	Translation ProviderEntry `yaml:"translation"`

	Realtime RealtimeConfig `yaml:"realtime"`
}

// ProviderEntry is the configuration block of one LLM provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "anthropic").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// RealtimeConfig configures the realtime voice bridge.
type RealtimeConfig struct {
	URL                string `yaml:"url"`
	APIKey             string `yaml:"api_key"`
	Model              string `yaml:"model"`
	TranscriptionModel string `yaml:"transcription_model"`

	// Voice and Instructions apply to integrations that set neither.
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`

	HistoryLimit int `yaml:"history_limit"`

	Mode RealtimeMode `yaml:"mode"`

	// TunnelURL is the websocket base of the tunnel in tunnel mode, e.g.
	// "wss://gw.example.com". Defaults to PublicURL with a ws scheme.
	TunnelURL string `yaml:"tunnel_url"`

	// TunnelWait bounds how long one side of a tunnel waits for the other.
	TunnelWait time.Duration `yaml:"tunnel_wait"`
}

// TwilioConfig holds the account used for SMS and voice.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	BaseURL    string `yaml:"base_url"`

	// SkipSignature disables X-Twilio-Signature checks. Only for local
	// development.
	SkipSignature bool `yaml:"skip_signature"`
}

// MetaConfig holds settings shared by the WhatsApp, Facebook and
// Instagram adapters.
type MetaConfig struct {
	GraphURL string `yaml:"graph_url"`

	// AppSecret verifies X-Hub-Signature-256. When empty, payloads are not
	// verified.
	AppSecret string `yaml:"app_secret"`
}

// SlackConfig holds settings of the Slack adapter.
type SlackConfig struct {
	APIURL string `yaml:"api_url"`
}

// GatewayConfig holds the conversation state machine settings.
type GatewayConfig struct {
	ResetKeyword string `yaml:"reset_keyword"`
	HistoryLimit int    `yaml:"history_limit"`

	Messages MessagesConfig `yaml:"messages"`

	// NotConnected answers SMS to numbers that no integration serves.
	NotConnected string `yaml:"not_connected"`

	// Extension configures the shared-number extension prompt.
	Extension ExtensionConfig `yaml:"extension"`
}

// MessagesConfig overrides the built-in English gateway texts. Empty fields
// keep the defaults.
type MessagesConfig struct {
	ResetConfirmation string `yaml:"reset_confirmation"`
	FeedbackPositive  string `yaml:"feedback_positive"`
	FeedbackNegative  string `yaml:"feedback_negative"`
	FeedbackThanks    string `yaml:"feedback_thanks"`
	FeedbackSkipped   string `yaml:"feedback_skipped"`
	Apology           string `yaml:"apology"`
	ThumbsUpLabel     string `yaml:"thumbs_up_label"`
	ThumbsDownLabel   string `yaml:"thumbs_down_label"`
	SkipLabel         string `yaml:"skip_label"`
}

// ExtensionConfig holds the caller-facing texts of the extension router.
type ExtensionConfig struct {
	Language           string   `yaml:"language"`
	Prompt             string   `yaml:"prompt"`
	Invalid            string   `yaml:"invalid"`
	DisconnectKeywords []string `yaml:"disconnect_keywords"`

	// The remaining texts are sent to SMS senders on a shared number.
	SMSPrompt    string `yaml:"sms_prompt"`
	Connected    string `yaml:"connected"`
	Disconnected string `yaml:"disconnected"`
}

// RateLimit is the YAML form of [ratelimit.Limits].
type RateLimit struct {
	MaxRequests          int           `yaml:"max_requests"`
	Window               time.Duration `yaml:"window"`
	MaxConcurrent        int           `yaml:"max_concurrent"`
	ConcurrencyWindow    time.Duration `yaml:"concurrency_window"`
	EstimatedRunDuration time.Duration `yaml:"estimated_run_duration"`
}

// WorkflowConfig binds a workflow id to an invoker.
type WorkflowConfig struct {
	ID   string       `yaml:"id"`
	Kind WorkflowKind `yaml:"kind"`

	// URL and Token address the runner of an http workflow.
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// Temperature and MaxTokens tune an llm workflow.
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// IntegrationConfig is the YAML form of [channel.Integration].
type IntegrationConfig struct {
	ID         string           `yaml:"id"`
	Platform   channel.Platform `yaml:"platform"`
	WorkflowID string           `yaml:"workflow_id"`
	Language   string           `yaml:"language"`

	Streaming        bool `yaml:"streaming"`
	FeedbackButtons  bool `yaml:"feedback_buttons"`
	DetailedFeedback bool `yaml:"detailed_feedback"`

	Account       string `yaml:"account"`
	AccessToken   string `yaml:"access_token"`
	VerifyToken   string `yaml:"verify_token"`
	SigningSecret string `yaml:"signing_secret"`

	Realtime     bool     `yaml:"realtime"`
	Voice        string   `yaml:"voice"`
	Instructions string   `yaml:"instructions"`
	Tools        []string `yaml:"tools"`

	Tier           string   `yaml:"tier"`
	UnlimitedUsers []string `yaml:"unlimited_users"`
}

// MCPConfig holds the list of Model Context Protocol servers whose tools are
// offered on realtime calls.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	Name      string          `yaml:"name"`
	Transport tools.Transport `yaml:"transport"`

	// Command is launched when Transport is "stdio".
	Command string `yaml:"command"`

	// URL is the endpoint used when Transport is "streamable-http".
	URL string `yaml:"url"`

	// Env holds extra environment variables for stdio servers.
	Env map[string]string `yaml:"env"`
}

// ── Conversions ──────────────────────────────────────────────────────────────

// ChannelIntegrations converts the integrations section for
// [channel.NewDirectory].
func (c *Config) ChannelIntegrations() []channel.Integration {
	out := make([]channel.Integration, 0, len(c.Integrations))
	for _, ic := range c.Integrations {
		out = append(out, channel.Integration{
			ID:         ic.ID,
			Platform:   ic.Platform,
			WorkflowID: ic.WorkflowID,
			Language:   ic.Language,
			Features: channel.Features{
				Streaming:        ic.Streaming,
				FeedbackButtons:  ic.FeedbackButtons,
				DetailedFeedback: ic.DetailedFeedback,
			},
			Account:        ic.Account,
			AccessToken:    ic.AccessToken,
			VerifyToken:    ic.VerifyToken,
			SigningSecret:  ic.SigningSecret,
			Realtime:       ic.Realtime,
			Voice:          ic.Voice,
			Instructions:   ic.Instructions,
			Tools:          ic.Tools,
			Tier:           ic.Tier,
			UnlimitedUsers: ic.UnlimitedUsers,
		})
	}
	return out
}

// RatePolicy converts the rate_limits section.
func (c *Config) RatePolicy() ratelimit.Policy {
	p := make(ratelimit.Policy, len(c.RateLimits))
	for tier, l := range c.RateLimits {
		p[ratelimit.Tier(tier)] = ratelimit.Limits{
			MaxRequests:          l.MaxRequests,
			Window:               l.Window,
			MaxConcurrent:        l.MaxConcurrent,
			ConcurrencyWindow:    l.ConcurrencyWindow,
			EstimatedRunDuration: l.EstimatedRunDuration,
		}
	}
	return p
}

// MCPServers converts the mcp section for [tools.Registry.RegisterServer].
func (c *Config) MCPServers() []tools.ServerConfig {
	out := make([]tools.ServerConfig, 0, len(c.MCP.Servers))
	for _, s := range c.MCP.Servers {
		out = append(out, tools.ServerConfig{
			Name:      s.Name,
			Transport: s.Transport,
			Command:   s.Command,
			URL:       s.URL,
			Env:       s.Env,
		})
	}
	return out
}
