// Package reliability keeps delivery counters for trigger traffic: totals
// segmented by transport mode, message type and pane, latency, and rolling
// 15 minute and 1 hour windows.
package reliability

import (
	"sort"
	"sync"
	"time"
)

// Mode is the transport a message was delivered through.
type Mode string

const (
	ModeSDK Mode = "sdk"
	ModePTY Mode = "pty"
)

// Kind is the message type.
type Kind string

const (
	KindTrigger   Kind = "trigger"
	KindBroadcast Kind = "broadcast"
	KindDirect    Kind = "direct"
)

// Outcome is how one message ended.
type Outcome string

const (
	Delivered Outcome = "delivered"
	Failed    Outcome = "failed"
	TimedOut  Outcome = "timed_out"
	Skipped   Outcome = "skipped"
)

const (
	shortWindow = 15 * time.Minute
	longWindow  = time.Hour
)

// Counters is one segment of the stats.
type Counters struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timedOut"`
	Skipped   int64 `json:"skipped"`
}

// SuccessRate is delivered/sent as a percentage, and 100 when nothing was
// sent.
func (c Counters) SuccessRate() float64 {
	if c.Sent == 0 {
		return 100
	}
	return float64(c.Delivered) / float64(c.Sent) * 100
}

func (c *Counters) add(outcome Outcome) {
	switch outcome {
	case Delivered:
		c.Delivered++
	case Failed:
		c.Failed++
	case TimedOut:
		c.TimedOut++
	case Skipped:
		c.Skipped++
	}
}

// Latency summarizes delivery latency in milliseconds.
type Latency struct {
	Count int64   `json:"count"`
	AvgMs float64 `json:"avgMs"`
	MinMs float64 `json:"minMs"`
	MaxMs float64 `json:"maxMs"`
}

// Segment is Counters with its success rate.
type Segment struct {
	Counters
	SuccessRate float64 `json:"successRate"`
}

func segment(c Counters) Segment {
	return Segment{Counters: c, SuccessRate: c.SuccessRate()}
}

// Snapshot is a consistent copy of the stats.
type Snapshot struct {
	Total      Segment            `json:"total"`
	ByMode     map[string]Segment `json:"byMode"`
	ByType     map[string]Segment `json:"byType"`
	ByPane     map[string]Segment `json:"byPane"`
	Latency    Latency            `json:"latency"`
	Window15m  Segment            `json:"window15m"`
	Window1h   Segment            `json:"window1h"`
	StartedAt  time.Time          `json:"startedAt"`
	SnapshotAt time.Time          `json:"snapshotAt"`
}

// Panes returns the pane ids present in the snapshot, sorted.
func (s Snapshot) Panes() []string {
	out := make([]string, 0, len(s.ByPane))
	for id := range s.ByPane {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type windowEvent struct {
	at      time.Time
	sent    bool
	outcome Outcome
}

// Stats is safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	total  Counters
	byMode map[Mode]*Counters
	byType map[Kind]*Counters
	byPane map[string]*Counters

	latCount int64
	latSum   time.Duration
	latMin   time.Duration
	latMax   time.Duration

	window  []windowEvent
	started time.Time

	now     func() time.Time
	metrics bool
}

// Option configures Stats.
type Option func(*Stats)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Stats) { s.now = now }
}

// WithMetrics mirrors every update into the prometheus counters.
func WithMetrics() Option {
	return func(s *Stats) {
		RegisterMetrics()
		s.metrics = true
	}
}

// New creates empty stats.
func New(opts ...Option) *Stats {
	s := &Stats{
		byMode: make(map[Mode]*Counters),
		byType: make(map[Kind]*Counters),
		byPane: make(map[string]*Counters),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	return s
}

func counter[K comparable](m map[K]*Counters, k K) *Counters {
	c, ok := m[k]
	if !ok {
		c = &Counters{}
		m[k] = c
	}
	return c
}

// segments returns every counter a message touches. Caller holds s.mu.
func (s *Stats) segments(mode Mode, kind Kind, pane string) []*Counters {
	return []*Counters{
		&s.total,
		counter(s.byMode, mode),
		counter(s.byType, kind),
		counter(s.byPane, pane),
	}
}

// RecordSent counts a message handed to a pane.
func (s *Stats) RecordSent(mode Mode, kind Kind, pane string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.segments(mode, kind, pane) {
		c.Sent++
	}
	s.push(windowEvent{at: s.now(), sent: true})
	if s.metrics {
		observe(mode, kind, pane, "sent")
	}
}

// RecordOutcome counts how a message ended. latency is only used for
// delivered messages.
func (s *Stats) RecordOutcome(mode Mode, kind Kind, pane string, outcome Outcome, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.segments(mode, kind, pane) {
		c.add(outcome)
	}
	if outcome == Delivered && latency >= 0 {
		s.latCount++
		s.latSum += latency
		if s.latCount == 1 || latency < s.latMin {
			s.latMin = latency
		}
		if latency > s.latMax {
			s.latMax = latency
		}
		if s.metrics {
			observeLatency(mode, latency)
		}
	}
	s.push(windowEvent{at: s.now(), outcome: outcome})
	if s.metrics {
		observe(mode, kind, pane, string(outcome))
	}
}

// push appends to the rolling window and drops events older than the long
// window. Caller holds s.mu.
func (s *Stats) push(ev windowEvent) {
	s.window = append(s.window, ev)
	cut := ev.at.Add(-longWindow)
	i := 0
	for i < len(s.window) && s.window[i].at.Before(cut) {
		i++
	}
	if i > 0 {
		s.window = append(s.window[:0], s.window[i:]...)
	}
}

// Snapshot returns a copy of the current stats.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	snap := Snapshot{
		Total:      segment(s.total),
		ByMode:     make(map[string]Segment, len(s.byMode)),
		ByType:     make(map[string]Segment, len(s.byType)),
		ByPane:     make(map[string]Segment, len(s.byPane)),
		StartedAt:  s.started,
		SnapshotAt: now,
	}
	for k, c := range s.byMode {
		snap.ByMode[string(k)] = segment(*c)
	}
	for k, c := range s.byType {
		snap.ByType[string(k)] = segment(*c)
	}
	for k, c := range s.byPane {
		snap.ByPane[k] = segment(*c)
	}

	if s.latCount > 0 {
		snap.Latency = Latency{
			Count: s.latCount,
			AvgMs: ms(s.latSum) / float64(s.latCount),
			MinMs: ms(s.latMin),
			MaxMs: ms(s.latMax),
		}
	}

	var short, long Counters
	for _, ev := range s.window {
		age := now.Sub(ev.at)
		if age > longWindow {
			continue
		}
		if ev.sent {
			long.Sent++
		} else {
			long.add(ev.outcome)
		}
		if age > shortWindow {
			continue
		}
		if ev.sent {
			short.Sent++
		} else {
			short.add(ev.outcome)
		}
	}
	snap.Window15m = segment(short)
	snap.Window1h = segment(long)
	return snap
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
