package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/switchboard/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string // substring of the error; empty means valid
	}{
		{
			name: "invalid log level",
			yaml: "server:\n  log_level: verbose\n",
			want: "server.log_level",
		},
		{
			name: "relative public url",
			yaml: "server:\n  public_url: gw.example.com\n",
			want: "server.public_url",
		},
		{
			name: "invalid realtime mode",
			yaml: "providers:\n  realtime:\n    mode: relay\n",
			want: "providers.realtime.mode",
		},
		{
			name: "tunnel without url",
			yaml: "providers:\n  realtime:\n    mode: tunnel\n",
			want: "tunnel_url",
		},
		{
			name: "unknown tier",
			yaml: "rate_limits:\n  gold:\n    max_requests: 1\n    window: 1m\n",
			want: "unknown tier",
		},
		{
			name: "requests without window",
			yaml: "rate_limits:\n  free:\n    max_requests: 1\n",
			want: "rate_limits.free.window",
		},
		{
			name: "concurrency without window",
			yaml: "rate_limits:\n  free:\n    max_concurrent: 1\n",
			want: "concurrency_window",
		},
		{
			name: "http workflow without url",
			yaml: "workflows:\n  - id: faq\n    kind: http\n",
			want: "workflows[0].url",
		},
		{
			name: "llm workflow without provider",
			yaml: "workflows:\n  - id: chat\n    kind: llm\n",
			want: "requires providers.llm",
		},
		{
			name: "duplicate workflow",
			yaml: "workflows:\n  - {id: a, kind: http, url: http://x}\n  - {id: a, kind: http, url: http://y}\n",
			want: "duplicate of workflows[0]",
		},
		{
			name: "duplicate integration id",
			yaml: "integrations:\n  - {id: a, platform: web}\n  - {id: a, platform: web}\n",
			want: "duplicate of integrations[0]",
		},
		{
			name: "invalid platform",
			yaml: "integrations:\n  - {id: a, platform: telegram, account: x}\n",
			want: "platform \"telegram\"",
		},
		{
			name: "shared account",
			yaml: "integrations:\n  - {id: a, platform: whatsapp, account: \"1\"}\n  - {id: b, platform: whatsapp, account: \"1\"}\n",
			want: "already used by integrations[0]",
		},
		{
			name: "same account on different platforms",
			yaml: "integrations:\n  - {id: a, platform: facebook, account: \"1\"}\n  - {id: b, platform: instagram, account: \"1\"}\n",
		},
		{
			name: "missing account",
			yaml: "integrations:\n  - {id: a, platform: slack}\n",
			want: "account is required",
		},
		{
			name: "realtime on sms",
			yaml: "providers:\n  realtime:\n    api_key: k\ntwilio: {account_sid: AC1, auth_token: t}\nintegrations:\n  - {id: a, platform: twilio_sms, account: \"+1\", realtime: true}\n",
			want: "realtime is only supported",
		},
		{
			name: "realtime without api key",
			yaml: "twilio: {account_sid: AC1, auth_token: t}\nintegrations:\n  - {id: a, platform: twilio_voice, account: \"+1\", realtime: true}\n",
			want: "providers.realtime.api_key",
		},
		{
			name: "twilio integration without credentials",
			yaml: "integrations:\n  - {id: a, platform: twilio_sms, account: \"+1\"}\n",
			want: "twilio.account_sid",
		},
		{
			name: "extension to unknown integration",
			yaml: "extensions:\n  \"+1\":\n    \"1\": ghost\n",
			want: "unknown integration \"ghost\"",
		},
		{
			name: "non-digit extension",
			yaml: "integrations:\n  - {id: a, platform: web}\nextensions:\n  \"+1\":\n    \"1a\": a\n",
			want: "digits only",
		},
		{
			name: "mcp stdio without command",
			yaml: "mcp:\n  servers:\n    - {name: a, transport: stdio}\n",
			want: "command is required",
		},
		{
			name: "mcp http without url",
			yaml: "mcp:\n  servers:\n    - {name: a, transport: streamable-http}\n",
			want: "url is required",
		},
		{
			name: "mcp invalid transport",
			yaml: "mcp:\n  servers:\n    - {name: a, transport: http, url: http://x}\n",
			want: "transport \"http\"",
		},
		{
			name: "mcp duplicate name",
			yaml: "mcp:\n  servers:\n    - {name: a, transport: stdio, command: x}\n    - {name: a, transport: stdio, command: y}\n",
			want: "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			wantErr(t, err, tt.want)
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: "loud"},
		Integrations: []config.IntegrationConfig{
			{ID: "", Platform: "pager"},
		},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.log_level", "integrations[0].id", "integrations[0].platform"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestNormalizeCode(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"12":     "12",
		" 1-2# ": "12",
		"abc":    "",
	}
	for in, want := range tests {
		if got := config.NormalizeCode(in); got != want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if got := len(cfg.ChannelIntegrations()); got != 5 {
		t.Errorf("integrations = %d, want 5", got)
	}
	if got := cfg.Extensions["+15550009999"]["200"]; got != "hotline-voice" {
		t.Errorf("extension 200 routes to %q, want hotline-voice", got)
	}
	if got := len(cfg.RatePolicy()); got != 3 {
		t.Errorf("rate policy tiers = %d, want 3", got)
	}
}
