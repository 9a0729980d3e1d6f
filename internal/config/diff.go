package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	// LogLevelChanged is set when server.log_level changed; NewLogLevel
	// carries the new value.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RelayChanged is set when the barge-in tuning changed. The new policy
	// takes effect immediately, including for in-flight sessions.
	RelayChanged bool
	NewRelay     RelayConfig

	// UpstreamChanged is set when any upstream connection setting changed.
	// Open sessions keep their connection; only new sessions pick it up.
	UpstreamChanged bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Relay != new.Relay {
		d.RelayChanged = true
		d.NewRelay = new.Relay
	}

	if old.Upstream != new.Upstream {
		d.UpstreamChanged = true
	}

	return d
}
