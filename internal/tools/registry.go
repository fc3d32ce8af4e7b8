package tools

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/switchboard/internal/observe"
)

// builtinServer is the pseudo server name of in-process tools.
const builtinServer = "__builtin__"

// Handler runs a built-in tool. args is a JSON object. A returned error is
// reported to the model as a failed result.
type Handler func(ctx context.Context, args string) (string, error)

// Builtin is a tool implemented in-process.
type Builtin struct {
	Definition Definition
	Handler    Handler
}

type entry struct {
	def     Definition
	server  string
	handler Handler
	window  *window
}

// Registry holds the tool catalogue and the live MCP sessions behind it.
// It is safe for concurrent use; the zero value is not usable, create one
// with [New].
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*entry
	sessions map[string]*mcpsdk.ClientSession

	// client is shared by all server sessions.
	client  *mcpsdk.Client
	metrics *observe.Metrics
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		tools:    make(map[string]*entry),
		sessions: make(map[string]*mcpsdk.ClientSession),
		client:   mcpsdk.NewClient(&mcpsdk.Implementation{Name: "switchboard", Version: "1.0.0"}, nil),
		metrics:  observe.DefaultMetrics(),
	}
}

// RegisterServer connects to the MCP server described by cfg and imports
// its tools. Registering a name again replaces the old session and its
// tools.
func (r *Registry) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("tools: server config must have a name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("tools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("tools: stdio server %q requires a command", cfg.Name)
		}
		// The subprocess lives as long as the session, not the registering
		// request.
		cmd := exec.Command(parts[0], parts[1:]...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http server %q requires a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := r.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect %q: %w", cfg.Name, err)
	}
	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools of %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, tool)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[cfg.Name]; ok {
		_ = old.Close()
		for name, e := range r.tools {
			if e.server == cfg.Name {
				delete(r.tools, name)
			}
		}
	}
	r.sessions[cfg.Name] = session
	for _, t := range discovered {
		r.tools[t.Name] = &entry{
			def: Definition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			server: cfg.Name,
			window: newWindow(windowSize),
		}
	}
	observe.Logger(ctx).Info("mcp server registered", "server", cfg.Name, "tools", len(discovered))
	return nil
}

// schemaToMap converts a tool input schema of any shape to a JSON object.
func schemaToMap(schema any) map[string]any {
	fallback := map[string]any{"type": "object"}
	if schema == nil {
		return fallback
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return fallback
	}
	return m
}

// RegisterBuiltin adds or replaces an in-process tool.
func (r *Registry) RegisterBuiltin(b Builtin) error {
	if b.Definition.Name == "" {
		return errors.New("tools: builtin tool must have a name")
	}
	if b.Handler == nil {
		return fmt.Errorf("tools: builtin tool %q has no handler", b.Definition.Name)
	}
	if b.Definition.Parameters == nil {
		b.Definition.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[b.Definition.Name] = &entry{def: b.Definition, server: builtinServer, handler: b.Handler, window: newWindow(windowSize)}
	return nil
}

// Lookup returns the definition of the named tool.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Definitions returns the named tools sorted by name, skipping unknown
// names. Without names every registered tool is returned.
func (r *Registry) Definitions(names ...string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Definition
	if len(names) == 0 {
		for _, e := range r.tools {
			out = append(out, e.def)
		}
	} else {
		for _, n := range names {
			if e, ok := r.tools[n]; ok && !slices.ContainsFunc(out, func(d Definition) bool { return d.Name == n }) {
				out = append(out, e.def)
			}
		}
	}
	slices.SortFunc(out, func(a, b Definition) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Stats returns the recent performance of the named tool.
func (r *Registry) Stats(name string) (Stats, bool) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return e.window.stats(), true
}

// Execute runs the named tool with JSON args. Errors the tool reports come
// back as a [Result] with IsError set; a *[ToolExecutionError] means the
// tool could not be run at all.
func (r *Registry) Execute(ctx context.Context, name, args string) (*Result, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	var session *mcpsdk.ClientSession
	if ok && e.handler == nil {
		session = r.sessions[e.server]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, &ToolExecutionError{Tool: name, Err: ErrUnknownTool}
	}

	if e.def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.def.Timeout)
		defer cancel()
	}

	start := time.Now()
	var (
		res *Result
		err error
	)
	if e.handler != nil {
		res = runBuiltin(ctx, e.handler, args)
	} else {
		res, err = callServer(ctx, session, e, args)
	}
	elapsed := time.Since(start)

	failed := err != nil || res.IsError
	e.window.record(elapsed, failed)
	status := "ok"
	if failed {
		status = "error"
	}
	r.metrics.RecordToolCall(ctx, name, status, elapsed.Seconds())

	if err != nil {
		return nil, &ToolExecutionError{Tool: name, Err: err}
	}
	res.Duration = elapsed
	return res, nil
}

func runBuiltin(ctx context.Context, h Handler, args string) *Result {
	out, err := h(ctx, args)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}
	}
	return &Result{Content: out}
}

func callServer(ctx context.Context, session *mcpsdk.ClientSession, e *entry, args string) (*Result, error) {
	if session == nil {
		return nil, fmt.Errorf("server %q is not connected", e.server)
	}
	var arguments map[string]any
	if s := strings.TrimSpace(args); s != "" && s != "{}" {
		if err := json.Unmarshal([]byte(s), &arguments); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}
	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: e.def.Name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &Result{Content: sb.String(), IsError: res.IsError}, nil
}

// Close ends every server session and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, s := range r.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tools: close %q: %w", name, err))
		}
	}
	r.sessions = make(map[string]*mcpsdk.ClientSession)
	r.tools = make(map[string]*entry)
	return errors.Join(errs...)
}
