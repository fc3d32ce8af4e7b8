package channel

import (
	"errors"
	"fmt"
)

// MalformedInputError reports a webhook payload that lacks a required field
// or carries an unusable value. The event is logged and dropped.
type MalformedInputError struct {
	Platform Platform
	Field    string
	Reason   string
}

func (e *MalformedInputError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("channel: %s: malformed input: missing %s", e.Platform, e.Field)
	}
	return fmt.Sprintf("channel: %s: malformed input: %s: %s", e.Platform, e.Field, e.Reason)
}

// Malformed is a shorthand for a *[MalformedInputError].
func Malformed(p Platform, field, reason string) error {
	return &MalformedInputError{Platform: p, Field: field, Reason: reason}
}

// UnknownIntegrationError reports an inbound event whose identifiers match no
// configured integration.
type UnknownIntegrationError struct {
	Platform   Platform
	Identifier string
}

func (e *UnknownIntegrationError) Error() string {
	return fmt.Sprintf("channel: %s: no integration for %q", e.Platform, e.Identifier)
}

// TransportError reports a failed call to a platform API.
type TransportError struct {
	Platform Platform
	Status   int
	Body     string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel: %s: transport: %v", e.Platform, e.Err)
	}
	return fmt.Sprintf("channel: %s: transport: status %d: %s", e.Platform, e.Status, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err should count against a platform's circuit
// breaker: network failures, 429 and 5xx responses. Client errors such as
// an invalid recipient are the caller's fault and do not trip the breaker.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) && te.Err == nil {
		return te.Status == 429 || te.Status >= 500
	}
	return true
}
