package monitoring

import (
	"fmt"
	"strings"

	"github.com/hivemind-run/hivemind/internal/config"
)

// ParseStatus converts a status name into a PaneStatus.
func ParseStatus(name string) (PaneStatus, error) {
	s := PaneStatus(strings.ToLower(strings.TrimSpace(name)))
	switch s {
	case StatusWorking, StatusThinking, StatusWaiting, StatusIdle, StatusError, StatusOffline:
		return s, nil
	}
	return "", fmt.Errorf("unknown pane status %q", name)
}

// NewTrackerFromConfig creates a Tracker with the configured idle
// thresholds and extra output patterns. Zero thresholds keep the defaults.
func NewTrackerFromConfig(cfg config.MonitoringConfig, opts ...TrackerOption) (*Tracker, error) {
	patterns := NewPatternRegistry()
	for _, p := range cfg.Patterns {
		status, err := ParseStatus(p.Status)
		if err != nil {
			return nil, fmt.Errorf("monitoring pattern %q: %w", p.Match, err)
		}
		if err := patterns.AddPattern(p.Match, status); err != nil {
			return nil, fmt.Errorf("monitoring pattern %q: %w", p.Match, err)
		}
	}

	var idleOpts []IdleDetectorOption
	if d := cfg.IdleTimeout.D(); d > 0 {
		idleOpts = append(idleOpts, WithIdleTimeout(d))
	}
	if d := cfg.StaleTimeout.D(); d > 0 {
		idleOpts = append(idleOpts, WithStaleTimeout(d))
	}
	if d := cfg.StuckTimeout.D(); d > 0 {
		idleOpts = append(idleOpts, WithStuckTimeout(d))
	}

	all := append([]TrackerOption{
		WithPatternRegistry(patterns),
		WithIdleDetector(NewIdleDetector(idleOpts...)),
	}, opts...)
	return NewTracker(all...), nil
}
