package config

import (
	"maps"
	"slices"
	"strings"
)

// ConfigDiff describes what changed between two configs and whether the
// change can be applied to the running service without a restart.
type ConfigDiff struct {
	// DetectorChanged is true if any detection threshold or timing changed.
	// Applied live through the engine's Configure.
	DetectorChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SourceChanged is true if the audio source or its fallbacks changed.
	// The new source takes effect the next time listening starts.
	SourceChanged bool

	// WebhooksChanged is true if any webhook was added, removed or edited.
	WebhooksChanged bool

	// RestartRequired lists changed settings that only apply after a restart.
	RestartRequired []string
}

// Empty reports whether no tracked setting changed.
func (d ConfigDiff) Empty() bool {
	return !d.DetectorChanged && !d.LogLevelChanged && !d.SourceChanged &&
		!d.WebhooksChanged && len(d.RestartRequired) == 0
}

// String returns a compact, comma separated list of changed sections.
func (d ConfigDiff) String() string {
	var parts []string
	if d.DetectorChanged {
		parts = append(parts, "detector")
	}
	if d.LogLevelChanged {
		parts = append(parts, "log_level")
	}
	if d.SourceChanged {
		parts = append(parts, "audio.source")
	}
	if d.WebhooksChanged {
		parts = append(parts, "actions.webhooks")
	}
	parts = append(parts, d.RestartRequired...)
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.DetectorChanged = old.Detector != new.Detector
	d.SourceChanged = !sourceEqual(old.Audio.Source, new.Audio.Source) ||
		!slices.EqualFunc(old.Audio.Fallbacks, new.Audio.Fallbacks, sourceEqual)
	d.WebhooksChanged = !slices.EqualFunc(old.Actions.Webhooks, new.Actions.Webhooks, webhookEqual)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}
	if !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Events != new.Events {
		d.RestartRequired = append(d.RestartRequired, "events")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sourceEqual(a, b SourceEntry) bool {
	return a.Name == b.Name &&
		a.Device == b.Device &&
		slices.Equal(a.Command, b.Command) &&
		a.Path == b.Path &&
		a.SampleRate == b.SampleRate &&
		a.Channels == b.Channels &&
		a.FrameSize == b.FrameSize &&
		a.Realtime == b.Realtime &&
		a.Loop == b.Loop &&
		a.Encoding == b.Encoding
}

func webhookEqual(a, b WebhookConfig) bool {
	return a.Name == b.Name &&
		a.URL == b.URL &&
		a.Method == b.Method &&
		a.Timeout == b.Timeout &&
		a.MaxFailures == b.MaxFailures &&
		a.ResetTimeout == b.ResetTimeout &&
		maps.Equal(a.Headers, b.Headers)
}
