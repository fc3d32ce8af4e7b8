// Package tools is the registry of functions a realtime voice model may call.
//
// Tools come from two sources: external MCP servers connected over stdio or
// streamable HTTP using the official MCP Go SDK, and built-in Go functions
// registered in-process (end_call, transfer_call). Both are executed through
// [Registry.Execute], which applies the tool's timeout, records latency in a
// rolling window and emits the tool call metric.
//
// Typical usage:
//
//	r := tools.New()
//	err := r.RegisterServer(ctx, tools.ServerConfig{
//	    Name:      "crm",
//	    Transport: tools.TransportStreamableHTTP,
//	    URL:       "https://crm.internal/mcp",
//	})
//	r.RegisterBuiltin(tools.Builtin{Definition: def, Handler: fn})
//	defs := r.Definitions("lookup_customer", "end_call")
//	res, err := r.Execute(ctx, "lookup_customer", `{"phone":"+4917"}`)
//	r.Close()
package tools

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownTool is wrapped by [ToolExecutionError] when no tool of the
// requested name is registered.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and talks over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP talks to a remote server over HTTP.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a supported transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to one MCP server.
type ServerConfig struct {
	// Name must be unique within a [Registry].
	Name      string
	Transport Transport

	// Command is the executable and arguments for stdio servers.
	Command string

	// URL is the endpoint for streamable-http servers.
	URL string

	// Env holds extra environment variables for stdio servers.
	Env map[string]string
}

// Definition describes a tool as offered to the model.
type Definition struct {
	Name        string
	Description string

	// Parameters is the JSON Schema of the tool's arguments.
	Parameters map[string]any

	// AwaitAudio defers execution until the assistant audio queued before the
	// call has finished playing. Tools that end or move the call need it.
	AwaitAudio bool

	// Timeout bounds one execution. Zero means no limit beyond the caller's
	// context.
	Timeout time.Duration
}

// Result is the outcome of one execution.
type Result struct {
	// Content is the tool output handed back to the model.
	Content string

	// IsError marks an application-level failure reported by the tool.
	// Content then holds the message.
	IsError bool

	Duration time.Duration
}

// ToolExecutionError is a transport or protocol failure while running a
// tool, as opposed to an error the tool itself reported in [Result].
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tools: execute %q: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// Stats is the measured performance of one tool over its recent calls.
type Stats struct {
	Calls     int
	P50       time.Duration
	P99       time.Duration
	ErrorRate float64
}
