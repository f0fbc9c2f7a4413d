package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/clapper/internal/config"
	"github.com/MrWong99/clapper/internal/resilience"
	"github.com/MrWong99/clapper/pkg/audio"
)

// fallbackDevice opens the first of several devices that succeeds. Info
// reports the device that was opened last, or the primary before any Open.
type fallbackDevice struct {
	group *resilience.FallbackGroup[audio.Device]
	names []string

	mu     sync.Mutex
	active audio.Device
}

func newFallbackDevice(primary audio.Device, fallbacks []audio.Device, cfg resilience.FallbackConfig) *fallbackDevice {
	group := resilience.NewFallbackGroup(primary, primary.Info().Name, cfg)
	names := []string{primary.Info().Name}
	for _, d := range fallbacks {
		group.AddFallback(d.Info().Name, d)
		names = append(names, d.Info().Name)
	}
	return &fallbackDevice{group: group, names: names, active: primary}
}

// Info implements [audio.Device].
func (f *fallbackDevice) Info() audio.DeviceInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active.Info()
}

// Open implements [audio.Device].
func (f *fallbackDevice) Open(ctx context.Context) (audio.Stream, error) {
	var opened audio.Device
	s, err := resilience.ExecuteWithResult(ctx, f.group, func(ctx context.Context, d audio.Device) (audio.Stream, error) {
		s, err := d.Open(ctx)
		if err == nil {
			opened = d
		}
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", strings.Join(f.names, ", "), err)
	}
	f.mu.Lock()
	f.active = opened
	f.mu.Unlock()
	return s, nil
}

// buildSource creates the configured source and wraps it with its fallbacks.
func (a *App) buildSource(primary config.SourceEntry, fallbacks []config.SourceEntry) (audio.Device, error) {
	dev, err := a.registry.CreateSource(primary)
	if err != nil {
		return nil, err
	}
	if len(fallbacks) == 0 {
		return dev, nil
	}
	devs := make([]audio.Device, 0, len(fallbacks))
	for i, e := range fallbacks {
		d, err := a.registry.CreateSource(e)
		if err != nil {
			return nil, fmt.Errorf("fallback %d: %w", i, err)
		}
		devs = append(devs, d)
	}
	return newFallbackDevice(dev, devs, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  1,
			ResetTimeout: sourceRetryAfter,
			Logger:       a.log,
		},
	}), nil
}
