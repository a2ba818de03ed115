package monitoring

import (
	"testing"
	"time"

	"github.com/hivemind-run/hivemind/internal/config"
)

func TestNewTrackerFromConfig(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := now
	cfg := config.MonitoringConfig{
		IdleTimeout: config.Duration(30 * time.Second),
		Patterns:    []config.StatusPattern{{Match: `(?i)deploying`, Status: "Thinking"}},
	}
	tr, err := NewTrackerFromConfig(cfg, WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatal(err)
	}

	tr.RecordOutput("2", "Deploying to staging")
	if got := tr.Status("2").Status; got != StatusThinking {
		t.Errorf("status after custom pattern = %q, want thinking", got)
	}

	clock = now.Add(45 * time.Second)
	if got := tr.Status("2").Status; got != StatusIdle {
		t.Errorf("status after 45s with 30s idle timeout = %q, want idle", got)
	}
}

func TestNewTrackerFromConfigRejectsBadPatterns(t *testing.T) {
	tests := []struct {
		name    string
		pattern config.StatusPattern
	}{
		{"unknown status", config.StatusPattern{Match: "ok", Status: "sleeping"}},
		{"bad regex", config.StatusPattern{Match: "(", Status: "error"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTrackerFromConfig(config.MonitoringConfig{Patterns: []config.StatusPattern{tt.pattern}})
			if err == nil {
				t.Error("expected an error")
			}
		})
	}
}
