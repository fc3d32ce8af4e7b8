package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Integrations, extensions and the log level are applied without restart;
// RestartRequired lists changed sections that are only read at startup.
type ConfigDiff struct {
	IntegrationsChanged bool
	IntegrationChanges  []IntegrationDiff

	ExtensionsChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	RestartRequired []string
}

// IntegrationDiff describes what changed for one integration id.
type IntegrationDiff struct {
	ID      string
	Added   bool
	Removed bool
	Changed bool
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.IntegrationsChanged && !d.ExtensionsChanged && !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldIntegrations := make(map[string]*IntegrationConfig, len(old.Integrations))
	for i := range old.Integrations {
		oldIntegrations[old.Integrations[i].ID] = &old.Integrations[i]
	}
	newIntegrations := make(map[string]*IntegrationConfig, len(new.Integrations))
	for i := range new.Integrations {
		newIntegrations[new.Integrations[i].ID] = &new.Integrations[i]
	}

	for _, id := range slices.Sorted(maps.Keys(oldIntegrations)) {
		n, ok := newIntegrations[id]
		switch {
		case !ok:
			d.IntegrationChanges = append(d.IntegrationChanges, IntegrationDiff{ID: id, Removed: true})
		case !reflect.DeepEqual(oldIntegrations[id], n):
			d.IntegrationChanges = append(d.IntegrationChanges, IntegrationDiff{ID: id, Changed: true})
		}
	}
	for _, id := range slices.Sorted(maps.Keys(newIntegrations)) {
		if _, ok := oldIntegrations[id]; !ok {
			d.IntegrationChanges = append(d.IntegrationChanges, IntegrationDiff{ID: id, Added: true})
		}
	}
	d.IntegrationsChanged = len(d.IntegrationChanges) > 0

	d.ExtensionsChanged = !reflect.DeepEqual(normalizeExtensions(old.Extensions), normalizeExtensions(new.Extensions))

	restart := []struct {
		section string
		changed bool
	}{
		{"server", old.Server.ListenAddr != new.Server.ListenAddr || old.Server.PublicURL != new.Server.PublicURL || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS)},
		{"database", old.Database != new.Database},
		{"providers", !reflect.DeepEqual(old.Providers, new.Providers)},
		{"twilio", old.Twilio != new.Twilio},
		{"meta", old.Meta != new.Meta},
		{"slack", old.Slack != new.Slack},
		{"gateway", !reflect.DeepEqual(old.Gateway, new.Gateway)},
		{"rate_limits", !reflect.DeepEqual(old.RateLimits, new.RateLimits)},
		{"workflows", !reflect.DeepEqual(old.Workflows, new.Workflows)},
		{"mcp", !reflect.DeepEqual(old.MCP, new.MCP)},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.section)
		}
	}

	return d
}

// normalizeExtensions treats a nil and an empty table as equal.
func normalizeExtensions(m map[string]map[string]string) map[string]map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}
