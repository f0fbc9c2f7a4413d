package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidSourceNames lists the audio drivers shipped with clapper.
// Used by [Validate] to warn about unrecognised source names.
var ValidSourceNames = []string{SourceCommand, SourceWAV, SourceWebSocket}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio sources
	errs = append(errs, validateSource("audio.source", cfg.Audio.Source)...)
	for i, fb := range cfg.Audio.Fallbacks {
		errs = append(errs, validateSource(fmt.Sprintf("audio.fallbacks[%d]", i), fb)...)
	}

	// Detector
	if err := cfg.Detector.ToClap().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("detector: %w", err))
	}

	if cfg.Calibration.Duration <= 0 {
		errs = append(errs, fmt.Errorf("calibration.duration %v must be positive", cfg.Calibration.Duration))
	}
	if cfg.Events.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("events.history_size %d must be positive", cfg.Events.HistorySize))
	}

	// Webhooks
	seen := make(map[string]int, len(cfg.Actions.Webhooks))
	for i, wh := range cfg.Actions.Webhooks {
		prefix := fmt.Sprintf("actions.webhooks[%d]", i)
		if wh.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[wh.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of actions.webhooks[%d]", prefix, wh.Name, prev))
			}
			seen[wh.Name] = i
		}
		if u, err := url.Parse(wh.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.url %q must be an absolute http(s) URL", prefix, wh.URL))
		}
		if wh.Method != "" && !validMethod(wh.Method) {
			errs = append(errs, fmt.Errorf("%s.method %q is invalid; valid values: GET, POST, PUT, PATCH", prefix, wh.Method))
		}
		if wh.Timeout < 0 || wh.ResetTimeout < 0 || wh.MaxFailures < 0 {
			errs = append(errs, fmt.Errorf("%s: timeout, reset_timeout and max_failures must not be negative", prefix))
		}
	}

	// Telemetry
	if cfg.Telemetry.MetricsPath != "" && !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", cfg.Telemetry.MetricsPath))
	}

	return errors.Join(errs...)
}

func validateSource(prefix string, src SourceEntry) []error {
	var errs []error
	if src.Name == "" {
		return []error{fmt.Errorf("%s.name is required", prefix)}
	}
	if !slices.Contains(ValidSourceNames, src.Name) {
		slog.Warn("unknown audio source name; may be a typo or third-party driver",
			"field", prefix,
			"name", src.Name,
			"known", ValidSourceNames,
		)
	}
	if src.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d must be positive", prefix, src.SampleRate))
	}
	if src.Channels <= 0 {
		errs = append(errs, fmt.Errorf("%s.channels %d must be positive", prefix, src.Channels))
	}
	if src.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("%s.frame_size %d must be positive", prefix, src.FrameSize))
	}
	switch src.Name {
	case SourceCommand:
		if len(src.Command) == 0 || src.Command[0] == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when name is command", prefix))
		}
	case SourceWAV:
		if src.Path == "" {
			errs = append(errs, fmt.Errorf("%s.path is required when name is wav", prefix))
		}
	case SourceWebSocket:
		if src.Encoding != "" && !src.Encoding.IsValid() {
			errs = append(errs, fmt.Errorf("%s.encoding %q is invalid; valid values: pcm16, opus", prefix, src.Encoding))
		}
	}
	return errs
}

func validMethod(m string) bool {
	switch strings.ToUpper(m) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}
