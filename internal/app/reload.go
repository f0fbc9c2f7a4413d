package app

import (
	"github.com/MrWong99/clapper/internal/config"
	"github.com/MrWong99/clapper/internal/eventlog"
)

// reload applies a changed config file. Detector settings, the log level and
// webhooks apply immediately; a new audio source applies the next time
// listening starts. Everything else is logged as requiring a restart.
func (a *App) reload(old, new *config.Config) {
	diff := config.Diff(old, new)

	if diff.DetectorChanged {
		if err := a.engine.Configure(new.Detector.ToClap()); err != nil {
			a.log.Warn("reload: detector settings rejected", "error", err)
		} else {
			a.record(eventlog.Event{Kind: eventlog.KindSettingsUpdate, Message: "detector settings reloaded from file"})
		}
	}

	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.Slog())
		a.log.Info("reload: log level changed", "level", string(diff.NewLogLevel))
	}

	if diff.WebhooksChanged {
		a.dispatcher.SetSinks(a.webhooks(new.Actions.Webhooks))
		a.log.Info("reload: webhooks replaced", "count", len(new.Actions.Webhooks))
	}

	if diff.SourceChanged {
		a.reloadSource(new.Audio)
	}

	if len(diff.RestartRequired) > 0 {
		a.log.Warn("reload: some settings only apply after a restart", "settings", diff.RestartRequired)
	}

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()
}

// rejectReload records a config file edit that failed validation.
func (a *App) rejectReload(err error) {
	a.record(eventlog.Event{Kind: eventlog.KindSettingsUpdate, Source: "config", Message: "config file rejected: " + err.Error()})
}

func (a *App) reloadSource(audioCfg config.AudioConfig) {
	entry := audioCfg.Source
	dev, err := a.buildSource(entry, audioCfg.Fallbacks)
	if err != nil {
		a.log.Warn("reload: audio source rejected", "source", entry.Name, "error", err)
		return
	}
	if !usesWebSocket(audioCfg) && !a.engine.Running() {
		a.ingest.set(nil)
	}
	a.engine.SetDevice(dev)
	a.mu.Lock()
	a.device = dev
	a.mu.Unlock()
	a.log.Info("reload: audio source replaced", "source", entry.Name, "device", dev.Info().Name,
		"running", a.engine.Running())
}

func usesWebSocket(c config.AudioConfig) bool {
	if c.Source.Name == config.SourceWebSocket {
		return true
	}
	for _, f := range c.Fallbacks {
		if f.Name == config.SourceWebSocket {
			return true
		}
	}
	return false
}
