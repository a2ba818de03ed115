package monitoring

import "time"

// Default pane idle thresholds.
const (
	DefaultIdleTimeout  = 2 * time.Minute
	DefaultStaleTimeout = 10 * time.Minute
	DefaultStuckTimeout = 30 * time.Minute
)

// IdleDetector classifies panes by time since their last output.
type IdleDetector struct {
	idleTimeout  time.Duration
	staleTimeout time.Duration
	stuckTimeout time.Duration
}

// IdleDetectorOption configures an IdleDetector.
type IdleDetectorOption func(*IdleDetector)

// WithIdleTimeout sets the idle detection threshold.
func WithIdleTimeout(d time.Duration) IdleDetectorOption {
	return func(id *IdleDetector) { id.idleTimeout = d }
}

// WithStaleTimeout sets the stale detection threshold.
func WithStaleTimeout(d time.Duration) IdleDetectorOption {
	return func(id *IdleDetector) { id.staleTimeout = d }
}

// WithStuckTimeout sets the stuck detection threshold.
func WithStuckTimeout(d time.Duration) IdleDetectorOption {
	return func(id *IdleDetector) { id.stuckTimeout = d }
}

// NewIdleDetector creates an IdleDetector with the given options.
func NewIdleDetector(opts ...IdleDetectorOption) *IdleDetector {
	d := &IdleDetector{
		idleTimeout:  DefaultIdleTimeout,
		staleTimeout: DefaultStaleTimeout,
		stuckTimeout: DefaultStuckTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IdleLevel represents the severity of idleness.
type IdleLevel int

const (
	IdleLevelActive IdleLevel = iota
	IdleLevelIdle
	IdleLevelStale
	IdleLevelStuck
)

func (l IdleLevel) String() string {
	switch l {
	case IdleLevelActive:
		return "active"
	case IdleLevelIdle:
		return "idle"
	case IdleLevelStale:
		return "stale"
	case IdleLevelStuck:
		return "stuck"
	default:
		return "unknown"
	}
}

// Classify returns the idle level at now. A pane with no output yet is idle.
func (d *IdleDetector) Classify(lastActivity, now time.Time) IdleLevel {
	if lastActivity.IsZero() {
		return IdleLevelIdle
	}

	elapsed := now.Sub(lastActivity)
	if elapsed < 0 {
		return IdleLevelActive
	}

	switch {
	case elapsed >= d.stuckTimeout:
		return IdleLevelStuck
	case elapsed >= d.staleTimeout:
		return IdleLevelStale
	case elapsed >= d.idleTimeout:
		return IdleLevelIdle
	default:
		return IdleLevelActive
	}
}

// InferStatus maps the idle level at now onto a pane status.
func (d *IdleDetector) InferStatus(lastActivity, now time.Time) PaneStatus {
	switch d.Classify(lastActivity, now) {
	case IdleLevelActive:
		return StatusWorking
	case IdleLevelIdle, IdleLevelStale:
		return StatusIdle
	default:
		return StatusError
	}
}
