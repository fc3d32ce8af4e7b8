// Package app wires all switchboard subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Handler exposes the webhook and socket routes, Run serves
// them, Reload applies a changed configuration and Shutdown tears
// everything down in order.
//
// For testing, inject fakes via functional options (WithConversationStore,
// WithInvoker, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/switchboard/internal/channel"
	"github.com/MrWong99/switchboard/internal/channel/meta"
	"github.com/MrWong99/switchboard/internal/channel/slack"
	"github.com/MrWong99/switchboard/internal/channel/twiliosms"
	"github.com/MrWong99/switchboard/internal/channel/twiliovoice"
	"github.com/MrWong99/switchboard/internal/channel/whatsapp"
	"github.com/MrWong99/switchboard/internal/config"
	"github.com/MrWong99/switchboard/internal/conversation"
	"github.com/MrWong99/switchboard/internal/dialog"
	"github.com/MrWong99/switchboard/internal/extension"
	"github.com/MrWong99/switchboard/internal/health"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/ratelimit"
	"github.com/MrWong99/switchboard/internal/realtime"
	"github.com/MrWong99/switchboard/internal/resilience"
	"github.com/MrWong99/switchboard/internal/tools"
	"github.com/MrWong99/switchboard/internal/translate"
	"github.com/MrWong99/switchboard/internal/tunnel"
	"github.com/MrWong99/switchboard/internal/twilio"
	"github.com/MrWong99/switchboard/internal/usage"
	"github.com/MrWong99/switchboard/internal/workflow"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
)

// Route paths that are referenced from TwiML answers.
const (
	voicePath          = "/webhooks/twilio/voice"
	voiceExtensionPath = "/webhooks/twilio/voice/extension"
	mediaPath          = "/ws/media"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// LLM backs workflows of kind "llm" and, without a dedicated
	// translation provider, message translation.
	LLM llm.Provider

	Translation llm.Provider
}

// App owns all subsystem lifetimes and routes inbound traffic.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Injectable collaborators; nil means New builds them from config.
	conversations  conversation.Store
	bindings       extension.Store
	runs           ratelimit.RunLog
	usage          usage.Recorder
	invoker        workflow.Invoker
	dialer         realtime.DialFunc
	httpClient     *http.Client
	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar

	pool         *pgxpool.Pool
	integrations *channel.Directory
	extensions   *extension.Directory
	breakers     *resilience.Breakers
	twilio       *twilio.Client
	tools        *tools.Registry
	dialog       *dialog.Handler
	limiter      *ratelimit.Limiter
	router       *extension.Router
	bridge       *realtime.Bridge
	hub          *tunnel.Hub
	calls        *CallManager
	health       *health.Handler

	whatsapp *whatsapp.Adapter
	meta     *meta.Adapter
	slack    *slack.Adapter
	sms      *twiliosms.Adapter
	voice    *twiliovoice.Adapter

	server *http.Server

	// pending tracks asynchronously dispatched messages.
	pending sync.WaitGroup

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithConversationStore injects a conversation store instead of creating
// one from config.
func WithConversationStore(s conversation.Store) Option {
	return func(a *App) { a.conversations = s }
}

// WithExtensionStore injects the caller→extension binding store.
func WithExtensionStore(s extension.Store) Option {
	return func(a *App) { a.bindings = s }
}

// WithRunLog injects the rate limiter's run log.
func WithRunLog(r ratelimit.RunLog) Option {
	return func(a *App) { a.runs = r }
}

// WithUsageRecorder injects the realtime usage recorder.
func WithUsageRecorder(r usage.Recorder) Option {
	return func(a *App) { a.usage = r }
}

// WithInvoker replaces the workflow invokers built from config.
func WithInvoker(inv workflow.Invoker) Option {
	return func(a *App) { a.invoker = inv }
}

// WithRealtimeDialer replaces the dialer of the LLM realtime socket.
func WithRealtimeDialer(d realtime.DialFunc) Option {
	return func(a *App) { a.dialer = d }
}

// WithHTTPClient sets the client used for platform APIs and Twilio.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets Reload change the level of the logger behind v.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: store connection and
// migration, MCP server registration, and construction of the adapters,
// the state machine, the realtime bridge and the extension router.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Routing tables ────────────────────────────────────────────────
	a.integrations = channel.NewDirectory(cfg.ChannelIntegrations())
	a.extensions = extension.NewDirectory(cfg.Extensions)

	// ── 2. Stores ────────────────────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 3. Platform adapters ─────────────────────────────────────────────
	if err := a.initAdapters(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init adapters: %w", err)
	}

	// ── 4. Workflows + state machine ─────────────────────────────────────
	a.initDialog()

	// ── 5. Tools ─────────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 6. Extension router ──────────────────────────────────────────────
	ext := cfg.Gateway.Extension
	a.router = extension.NewRouter(a.bindings, a.extensions, a.conversations, extension.Config{
		ActionURL:          a.publicURL(voiceExtensionPath),
		Language:           twiliovoice.SayLanguage(ext.Language),
		Prompt:             ext.Prompt,
		Invalid:            ext.Invalid,
		DisconnectKeywords: ext.DisconnectKeywords,
	})

	// ── 7. Realtime bridge + tunnel ──────────────────────────────────────
	a.initRealtime()

	// ── 8. Health ────────────────────────────────────────────────────────
	checkers := []health.Checker{health.BreakerChecker(a.breakers)}
	if a.pool != nil {
		checkers = append(checkers, health.PingChecker("postgres", a.pool))
	}
	a.health = health.New(checkers...)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initAdapters creates the outbound circuit breakers, the Twilio client and
// one adapter per platform.
func (a *App) initAdapters() error {
	a.breakers = resilience.NewBreakers(resilience.CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
		HalfOpenMax:  1,
		IsFailure:    channel.IsTransient,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("app: circuit breaker state changed", "breaker", name, "from", from, "to", to)
		},
	})

	client := func(p channel.Platform) *channel.HTTPClient {
		opts := []channel.HTTPOption{channel.WithMetrics(a.metrics)}
		if a.httpClient != nil {
			opts = append(opts, channel.WithHTTPClient(a.httpClient))
		}
		return channel.NewHTTPClient(p, a.breakers, opts...)
	}

	var waOpts []whatsapp.Option
	var metaOpts []meta.Option
	if u := a.cfg.Meta.GraphURL; u != "" {
		waOpts = append(waOpts, whatsapp.WithGraphURL(u))
		metaOpts = append(metaOpts, meta.WithGraphURL(u))
	}
	a.whatsapp = whatsapp.New(client(channel.PlatformWhatsApp), waOpts...)
	a.meta = meta.New(client(channel.PlatformFacebook), metaOpts...)

	var slackOpts []slack.Option
	if a.cfg.Slack.APIURL != "" {
		slackOpts = append(slackOpts, slack.WithAPIURL(a.cfg.Slack.APIURL))
	}
	a.slack = slack.New(client(channel.PlatformSlack), slackOpts...)

	if a.cfg.Twilio.AccountSID != "" {
		tc, err := twilio.New(twilio.Config{
			AccountSID: a.cfg.Twilio.AccountSID,
			AuthToken:  a.cfg.Twilio.AuthToken,
			BaseURL:    a.cfg.Twilio.BaseURL,
			HTTPClient: a.httpClient,
		})
		if err != nil {
			return err
		}
		a.twilio = tc
		a.sms = twiliosms.New(tc, client(channel.PlatformSMS))
	}
	a.voice = twiliovoice.New(twiliovoice.Config{
		VoiceURL: a.publicURL(voicePath),
		MediaURL: a.mediaURL(),
	})
	return nil
}

// initDialog builds the workflow invokers, the rate limiter, the translator
// and the state machine.
func (a *App) initDialog() {
	if a.invoker == nil {
		a.invoker = a.buildInvoker()
	}

	a.limiter = ratelimit.New(a.runs, a.cfg.RatePolicy(), ratelimit.WithMetrics(a.metrics))

	m := a.cfg.Gateway.Messages
	a.dialog = dialog.New(a.conversations, a.invoker, dialog.Config{
		ResetKeyword: a.cfg.Gateway.ResetKeyword,
		HistoryLimit: a.cfg.Gateway.HistoryLimit,
		Messages: dialog.Messages{
			ResetConfirmation: m.ResetConfirmation,
			FeedbackPositive:  m.FeedbackPositive,
			FeedbackNegative:  m.FeedbackNegative,
			FeedbackThanks:    m.FeedbackThanks,
			FeedbackSkipped:   m.FeedbackSkipped,
			Apology:           m.Apology,
			ThumbsUpLabel:     m.ThumbsUpLabel,
			ThumbsDownLabel:   m.ThumbsDownLabel,
			SkipLabel:         m.SkipLabel,
		},
	},
		dialog.WithLimiter(a.limiter),
		dialog.WithTranslator(a.buildTranslator()),
		dialog.WithMetrics(a.metrics),
	)
}

// buildInvoker routes every configured workflow to its runner. Workflows
// that are not configured fall back to the LLM when one is present.
func (a *App) buildInvoker() workflow.Invoker {
	var fallback workflow.Invoker
	if a.providers.LLM != nil {
		fallback = workflow.NewLLMInvoker(a.providers.LLM)
	}
	mux := workflow.NewMux(fallback)
	for _, wf := range a.cfg.Workflows {
		switch wf.Kind {
		case config.WorkflowHTTP:
			opts := []workflow.HTTPOption{workflow.WithBreaker(a.breakers.For("workflow:" + wf.ID))}
			if wf.Token != "" {
				opts = append(opts, workflow.WithToken(wf.Token))
			}
			if a.httpClient != nil {
				opts = append(opts, workflow.WithHTTPClient(a.httpClient))
			}
			mux.Handle(wf.ID, workflow.NewHTTPInvoker(wf.URL, opts...))
		case config.WorkflowLLM:
			var opts []workflow.LLMOption
			if wf.Temperature != 0 {
				opts = append(opts, workflow.WithTemperature(wf.Temperature))
			}
			if wf.MaxTokens != 0 {
				opts = append(opts, workflow.WithMaxTokens(wf.MaxTokens))
			}
			mux.Handle(wf.ID, workflow.NewLLMInvoker(a.providers.LLM, opts...))
		}
	}
	return mux
}

// buildTranslator prefers the translation provider, falling back to the
// workflow LLM when it fails.
func (a *App) buildTranslator() translate.Translator {
	switch {
	case a.providers.Translation != nil && a.providers.LLM != nil:
		fb := resilience.NewLLMFallback(a.providers.Translation, "translation", resilience.FallbackConfig{})
		fb.AddFallback("llm", a.providers.LLM)
		return translate.NewLLM(fb)
	case a.providers.Translation != nil:
		return translate.NewLLM(a.providers.Translation)
	case a.providers.LLM != nil:
		return translate.NewLLM(a.providers.LLM)
	default:
		return translate.Noop{}
	}
}

// initTools registers the built-in call tools and connects MCP servers.
func (a *App) initTools(ctx context.Context) error {
	a.tools = tools.New()
	a.closers = append(a.closers, a.tools.Close)

	if a.twilio != nil {
		if err := realtime.RegisterBuiltins(a.tools, a.twilio); err != nil {
			return err
		}
	}
	for _, srv := range a.cfg.MCPServers() {
		if err := a.tools.RegisterServer(ctx, srv); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}
	return nil
}

// initRealtime creates the bridge, the tunnel hub and the call manager.
func (a *App) initRealtime() {
	rc := a.cfg.Providers.Realtime
	opts := []realtime.Option{
		realtime.WithUsageRecorder(a.usage),
		realtime.WithMetrics(a.metrics),
		realtime.WithUnbinder(a.router),
	}
	if a.dialer != nil {
		opts = append(opts, realtime.WithDialer(a.dialer))
	}
	var tel realtime.Telephony
	if a.twilio != nil {
		tel = a.twilio
	}
	a.bridge = realtime.New(realtime.Config{
		URL:                 rc.URL,
		APIKey:              rc.APIKey,
		Model:               rc.Model,
		TranscriptionModel:  rc.TranscriptionModel,
		DefaultVoice:        rc.Voice,
		DefaultInstructions: rc.Instructions,
		HistoryLimit:        rc.HistoryLimit,
	}, a.integrations, a.conversations, a.tools, tel, opts...)

	hubOpts := []tunnel.Option{tunnel.WithMetrics(a.metrics)}
	if rc.TunnelWait > 0 {
		hubOpts = append(hubOpts, tunnel.WithWaitTimeout(rc.TunnelWait))
	}
	a.hub = tunnel.NewHub(hubOpts...)

	cmCfg := CallManagerConfig{Server: a.bridge}
	if a.tunnelMode() {
		base := a.tunnelURL()
		cmCfg.Dial = func(ctx context.Context, callSID string) (realtime.Socket, error) {
			conn, err := tunnel.Dial(ctx, base, callSID)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	a.calls = NewCallManager(cmCfg)
}

// ─── URLs ────────────────────────────────────────────────────────────────────

// publicURL joins the configured public base with path. Without a public
// base the path is returned as is, which Twilio resolves relative to the
// webhook URL.
func (a *App) publicURL(path string) string {
	return strings.TrimRight(a.cfg.Server.PublicURL, "/") + path
}

// wsBase converts an http(s) base URL to ws(s).
func wsBase(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return strings.TrimRight(u.String(), "/")
}

// mediaURL is the websocket base Twilio media streams connect to.
func (a *App) mediaURL() string {
	return wsBase(a.cfg.Server.PublicURL) + mediaPath
}

func (a *App) tunnelMode() bool {
	return a.cfg.Providers.Realtime.Mode == config.RealtimeTunnel
}

// tunnelURL is the websocket base the bridge dials in tunnel mode.
func (a *App) tunnelURL() string {
	return cmp.Or(wsBase(a.cfg.Providers.Realtime.TunnelURL), a.cfg.Providers.Realtime.TunnelURL, wsBase(a.cfg.Server.PublicURL))
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the gateway's routes wrapped in the tracing and metrics
// middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /webhooks/whatsapp/{integration}", a.handleVerify(channel.PlatformWhatsApp))
	mux.HandleFunc("POST /webhooks/whatsapp/{integration}", a.handleWhatsApp)
	mux.HandleFunc("GET /webhooks/meta/{integration}", a.handleVerify(channel.PlatformFacebook, channel.PlatformInstagram))
	mux.HandleFunc("POST /webhooks/meta/{integration}", a.handleMeta)
	mux.HandleFunc("POST /webhooks/slack/{integration}", a.handleSlack)
	mux.HandleFunc("POST /webhooks/twilio/sms", a.handleSMS)
	mux.HandleFunc("POST "+voicePath, a.handleVoice)
	mux.HandleFunc("POST "+voiceExtensionPath, a.handleVoiceExtension)
	mux.HandleFunc("POST /api/v1/chat/{integration}", a.handleWeb)

	if a.tunnelMode() {
		mux.Handle("GET "+mediaPath+"/{call}", a.hub.Handler(tunnel.SideMedia))
		mux.Handle("GET /ws/proxy/{call}", a.hub.Handler(tunnel.SideProxy))
	} else {
		mux.HandleFunc("GET "+mediaPath+"/{call}", a.handleMedia)
	}

	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the gateway on the configured address and blocks until ctx is
// cancelled or the listener fails. When ctx is done, Run returns
// context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              cmp.Or(a.cfg.Server.ListenAddr, ":8080"),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		errCh <- err
	}()

	slog.Info("app running",
		"addr", a.server.Addr,
		"integrations", a.integrations.Len(),
		"realtime_mode", cmp.Or(string(a.cfg.Providers.Realtime.Mode), string(config.RealtimeDirect)),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the parts of next that can change at runtime: the
// integrations, the extension table and the log level. Other changed
// sections are logged and take effect on restart.
func (a *App) Reload(prev, next *config.Config) config.ConfigDiff {
	d := config.Diff(prev, next)
	if d.IntegrationsChanged {
		a.integrations.Replace(next.ChannelIntegrations())
		for _, c := range d.IntegrationChanges {
			slog.Info("app: integration reloaded", "id", c.ID, "added", c.Added, "removed", c.Removed)
		}
	}
	if d.ExtensionsChanged {
		a.extensions.Replace(next.Extensions)
		slog.Info("app: extensions reloaded", "shared_numbers", len(next.Extensions))
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes require a restart", "sections", d.RestartRequired)
	}
	return d
}

// SlogLevel converts a config log level to a slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, ends active calls, waits for messages
// in flight and then tears down all subsystems in init order. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers), "active_calls", len(a.calls.Active()))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}
		if err := a.calls.Shutdown(ctx); err != nil {
			slog.Warn("calls shutdown error", "err", err)
		}

		done := make(chan struct{})
		go func() {
			a.pending.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while messages were in flight")
			shutdownErr = ctx.Err()
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far when New fails midway.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}
