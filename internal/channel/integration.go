package channel

import (
	"slices"
	"sync/atomic"
)

// Features toggles optional behaviour of an integration.
type Features struct {
	// Streaming sends partial replies where the platform supports it.
	Streaming bool

	// FeedbackButtons attaches thumbs up/down to workflow replies.
	FeedbackButtons bool

	// DetailedFeedback asks for free text after a thumbs press.
	DetailedFeedback bool
}

// Integration is one bot configuration on one platform. It is read-only;
// configuration management owns it.
type Integration struct {
	ID         string
	Platform   Platform
	WorkflowID string

	// Language of user-facing gateway messages, e.g. "en" or "de".
	Language string
	Features Features

	// Account is the platform-side identifier inbound events are matched
	// by: WhatsApp phone number id, Meta page or Instagram account id,
	// Slack team id, or the Twilio phone number.
	Account string

	// Platform credentials.
	AccessToken   string
	VerifyToken   string
	SigningSecret string

	// Voice settings.
	Realtime     bool
	Voice        string
	Instructions string
	Tools        []string

	// Tier selects rate limits for the integration's users.
	Tier string

	// UnlimitedUsers are user keys exempt from rate limits.
	UnlimitedUsers []string
}

// Unlimited reports whether userKey bypasses rate limits.
func (i *Integration) Unlimited(userKey string) bool {
	return slices.Contains(i.UnlimitedUsers, userKey)
}

// Directory indexes integrations by id and by (platform, account). It is safe
// for concurrent use; [Directory.Replace] swaps the whole set atomically.
type Directory struct {
	snap atomic.Pointer[snapshot]
}

type accountKey struct {
	platform Platform
	account  string
}

type snapshot struct {
	byID      map[string]*Integration
	byAccount map[accountKey]*Integration
}

// NewDirectory builds a directory from integrations.
func NewDirectory(integrations []Integration) *Directory {
	d := &Directory{}
	d.Replace(integrations)
	return d
}

// Replace swaps the integration set.
func (d *Directory) Replace(integrations []Integration) {
	s := &snapshot{
		byID:      make(map[string]*Integration, len(integrations)),
		byAccount: make(map[accountKey]*Integration, len(integrations)),
	}
	for i := range integrations {
		in := integrations[i]
		s.byID[in.ID] = &in
		if in.Account != "" {
			s.byAccount[accountKey{in.Platform, in.Account}] = &in
		}
	}
	d.snap.Store(s)
}

// ByID returns the integration with id.
func (d *Directory) ByID(id string) (*Integration, bool) {
	in, ok := d.snap.Load().byID[id]
	return in, ok
}

// ByAccount returns the integration of platform listening on account.
func (d *Directory) ByAccount(p Platform, account string) (*Integration, bool) {
	in, ok := d.snap.Load().byAccount[accountKey{p, account}]
	return in, ok
}

// Resolve is ByAccount returning an *[UnknownIntegrationError] on a miss.
func (d *Directory) Resolve(p Platform, account string) (*Integration, error) {
	in, ok := d.ByAccount(p, account)
	if !ok {
		return nil, &UnknownIntegrationError{Platform: p, Identifier: account}
	}
	return in, nil
}

// Len returns the number of integrations.
func (d *Directory) Len() int { return len(d.snap.Load().byID) }
