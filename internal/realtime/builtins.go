package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/MrWong99/switchboard/internal/tools"
)

// Names of the tools every realtime call is offered.
const (
	EndCallTool      = "end_call"
	TransferCallTool = "transfer_call"
)

// builtinTimeout bounds the telephony API calls made by built-in tools.
const builtinTimeout = 15 * time.Second

// Call identifies the call a tool runs for.
type Call struct {
	SID           string
	IntegrationID string
	Caller        string
}

type callKey struct{}

func withCall(ctx context.Context, c Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// CallFromContext returns the call a tool handler runs for.
func CallFromContext(ctx context.Context) (Call, bool) {
	c, ok := ctx.Value(callKey{}).(Call)
	return c, ok
}

var errNoCall = errors.New("no active call")

// phoneNumber accepts E.164 numbers and SIP addresses.
var phoneNumber = regexp.MustCompile(`^(\+?[0-9]{3,15}|sip:\S+@\S+)$`)

// RegisterBuiltins adds end_call and transfer_call to reg. Both wait until
// the assistant's last words have played.
func RegisterBuiltins(reg *tools.Registry, tel Telephony) error {
	endCall := tools.Builtin{
		Definition: tools.Definition{
			Name:        EndCallTool,
			Description: "Hang up the call. Say goodbye before calling this.",
			AwaitAudio:  true,
			Timeout:     builtinTimeout,
		},
		Handler: func(ctx context.Context, _ string) (string, error) {
			c, ok := CallFromContext(ctx)
			if !ok {
				return "", errNoCall
			}
			if err := tel.HangupCall(ctx, c.SID); err != nil {
				return "", err
			}
			return `{"status":"ended"}`, nil
		},
	}

	transferCall := tools.Builtin{
		Definition: tools.Definition{
			Name:        TransferCallTool,
			Description: "Transfer the caller to a human at the given phone number.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"number": map[string]any{
						"type":        "string",
						"description": "Destination in E.164 format, e.g. +4930123456.",
					},
				},
				"required": []string{"number"},
			},
			AwaitAudio: true,
			Timeout:    builtinTimeout,
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			c, ok := CallFromContext(ctx)
			if !ok {
				return "", errNoCall
			}
			var in struct {
				Number string `json:"number"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			number := strings.ReplaceAll(strings.TrimSpace(in.Number), " ", "")
			if !phoneNumber.MatchString(number) {
				return "", fmt.Errorf("invalid number %q", in.Number)
			}
			if err := tel.TransferCall(ctx, c.SID, number); err != nil {
				return "", err
			}
			return `{"status":"transferred"}`, nil
		},
	}

	return errors.Join(reg.RegisterBuiltin(endCall), reg.RegisterBuiltin(transferCall))
}
