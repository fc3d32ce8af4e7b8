package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/switchboard/internal/channel"
	"github.com/MrWong99/switchboard/internal/ratelimit"
	"github.com/MrWong99/switchboard/internal/tools"
)

// ValidProviderNames lists known LLM provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

var validPlatforms = []channel.Platform{
	channel.PlatformWhatsApp,
	channel.PlatformFacebook,
	channel.PlatformInstagram,
	channel.PlatformSlack,
	channel.PlatformSMS,
	channel.PlatformVoice,
	channel.PlatformWeb,
}

var validTiers = []ratelimit.Tier{ratelimit.TierAnonymous, ratelimit.TierFree, ratelimit.TierPaying}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL != "" {
		if u, err := url.Parse(cfg.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_url %q must be an absolute URL", cfg.Server.PublicURL))
		}
	}

	validateProviderName("providers.llm", cfg.Providers.LLM.Name)
	validateProviderName("providers.translation", cfg.Providers.Translation.Name)

	// Realtime
	rt := cfg.Providers.Realtime
	if rt.Mode != "" && !rt.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("providers.realtime.mode %q is invalid; valid values: direct, tunnel", rt.Mode))
	}
	if rt.Mode == RealtimeTunnel && rt.TunnelURL == "" && cfg.Server.PublicURL == "" {
		errs = append(errs, errors.New("providers.realtime.mode tunnel requires tunnel_url or server.public_url"))
	}

	// Rate limits
	for tier, l := range cfg.RateLimits {
		prefix := fmt.Sprintf("rate_limits.%s", tier)
		if !slices.Contains(validTiers, ratelimit.Tier(tier)) {
			errs = append(errs, fmt.Errorf("%s: unknown tier; valid values: anonymous, free, paying", prefix))
		}
		if l.MaxRequests > 0 && l.Window <= 0 {
			errs = append(errs, fmt.Errorf("%s.window is required when max_requests is set", prefix))
		}
		if l.MaxConcurrent > 0 && l.ConcurrencyWindow <= 0 {
			errs = append(errs, fmt.Errorf("%s.concurrency_window is required when max_concurrent is set", prefix))
		}
		if l.MaxRequests < 0 || l.MaxConcurrent < 0 {
			errs = append(errs, fmt.Errorf("%s: limits must not be negative", prefix))
		}
	}

	// Workflows
	workflows := make(map[string]int, len(cfg.Workflows))
	for i, wf := range cfg.Workflows {
		prefix := fmt.Sprintf("workflows[%d]", i)
		if wf.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := workflows[wf.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of workflows[%d]", prefix, wf.ID, prev))
			}
			workflows[wf.ID] = i
		}
		if !wf.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: http, llm", prefix, wf.Kind))
		}
		if wf.Kind == WorkflowHTTP && wf.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when kind is http", prefix))
		}
		if wf.Kind == WorkflowLLM && cfg.Providers.LLM.Name == "" {
			errs = append(errs, fmt.Errorf("%s: kind llm requires providers.llm", prefix))
		}
	}

	// Integrations
	ids := make(map[string]int, len(cfg.Integrations))
	type account struct {
		platform channel.Platform
		account  string
	}
	accounts := make(map[account]int, len(cfg.Integrations))
	realtime := false
	for i, in := range cfg.Integrations {
		prefix := fmt.Sprintf("integrations[%d]", i)
		if in.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := ids[in.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of integrations[%d]", prefix, in.ID, prev))
			}
			ids[in.ID] = i
		}
		if !slices.Contains(validPlatforms, in.Platform) {
			errs = append(errs, fmt.Errorf("%s.platform %q is invalid", prefix, in.Platform))
		}
		if in.Account != "" {
			k := account{in.Platform, in.Account}
			if prev, ok := accounts[k]; ok {
				errs = append(errs, fmt.Errorf("%s.account %q is already used by integrations[%d]", prefix, in.Account, prev))
			}
			accounts[k] = i
		} else if in.Platform != channel.PlatformWeb {
			errs = append(errs, fmt.Errorf("%s.account is required for platform %q", prefix, in.Platform))
		}
		if in.Tier != "" && !slices.Contains(validTiers, ratelimit.Tier(in.Tier)) {
			errs = append(errs, fmt.Errorf("%s.tier %q is invalid; valid values: anonymous, free, paying", prefix, in.Tier))
		}
		if in.Realtime {
			realtime = true
			if in.Platform != channel.PlatformVoice {
				errs = append(errs, fmt.Errorf("%s.realtime is only supported on %q", prefix, channel.PlatformVoice))
			}
		} else if in.WorkflowID != "" && len(cfg.Workflows) > 0 {
			if _, ok := workflows[in.WorkflowID]; !ok {
				slog.Warn("integration references an undeclared workflow; the default workflow will handle it",
					"integration", in.ID, "workflow", in.WorkflowID)
			}
		}
		if in.Platform == channel.PlatformSlack && in.SigningSecret == "" {
			slog.Warn("slack integration has no signing_secret; requests will not be verified", "integration", in.ID)
		}
	}
	if realtime && rt.APIKey == "" {
		errs = append(errs, errors.New("providers.realtime.api_key is required when an integration uses realtime"))
	}

	// Twilio
	usesTwilio := slices.ContainsFunc(cfg.Integrations, func(in IntegrationConfig) bool {
		return in.Platform == channel.PlatformSMS || in.Platform == channel.PlatformVoice
	})
	if usesTwilio && (cfg.Twilio.AccountSID == "" || cfg.Twilio.AuthToken == "") {
		errs = append(errs, errors.New("twilio.account_sid and twilio.auth_token are required for twilio integrations"))
	}

	// Extensions
	for number, codes := range cfg.Extensions {
		if len(codes) == 0 {
			errs = append(errs, fmt.Errorf("extensions.%s has no extensions", number))
		}
		for code, id := range codes {
			if code == "" || NormalizeCode(code) != code {
				errs = append(errs, fmt.Errorf("extensions.%s: code %q must be digits only", number, code))
			}
			if _, ok := ids[id]; !ok {
				errs = append(errs, fmt.Errorf("extensions.%s.%s: unknown integration %q", number, code, id))
			}
		}
	}

	// MCP servers
	names := make(map[string]bool, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if names[srv.Name] {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate", prefix, srv.Name))
		}
		names[srv.Name] = true
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; conversations and rate limits are kept in memory")
	}

	return errors.Join(errs...)
}

// NormalizeCode returns code with everything but ASCII digits removed.
func NormalizeCode(code string) string {
	b := make([]byte, 0, len(code))
	for i := 0; i < len(code); i++ {
		if code[i] >= '0' && code[i] <= '9' {
			b = append(b, code[i])
		}
	}
	return string(b)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
