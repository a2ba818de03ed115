package monitoring

import (
	"sort"
	"sync"
	"time"
)

type paneState struct {
	override      *StatusReport
	lastActivity  time.Time
	patternStatus PaneStatus
	offline       bool

	completions  int64
	errors       int64
	responseSum  time.Duration
	responseSeen int64
}

// Tracker holds per-pane status and performance. It is safe for concurrent
// use.
type Tracker struct {
	mu       sync.RWMutex
	panes    map[string]*paneState
	patterns *PatternRegistry
	idle     *IdleDetector
	now      func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithPatternRegistry sets a custom PatternRegistry for the Tracker.
func WithPatternRegistry(r *PatternRegistry) TrackerOption {
	return func(t *Tracker) { t.patterns = r }
}

// WithIdleDetector sets a custom IdleDetector for the Tracker.
func WithIdleDetector(d *IdleDetector) TrackerOption {
	return func(t *Tracker) { t.idle = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker with the given options.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		panes: make(map[string]*paneState),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.patterns == nil {
		t.patterns = NewPatternRegistry()
	}
	if t.idle == nil {
		t.idle = NewIdleDetector()
	}
	return t
}

// getOrCreate returns the pane state. Caller must hold t.mu for writing.
func (t *Tracker) getOrCreate(paneID string) *paneState {
	s, ok := t.panes[paneID]
	if !ok {
		s = &paneState{}
		t.panes[paneID] = s
	}
	return s
}

// RecordOutput notes pane output and runs pattern detection on it.
func (t *Tracker) RecordOutput(paneID, output string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getOrCreate(paneID)
	s.lastActivity = t.now()
	s.offline = false
	if detected := t.patterns.Detect(output); detected != "" {
		s.patternStatus = detected
	}
}

// MarkRunning records that the pane has a live process.
func (t *Tracker) MarkRunning(paneID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreate(paneID).offline = false
}

// MarkOffline records that the pane's process exited.
func (t *Tracker) MarkOffline(paneID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreate(paneID).offline = true
}

// RecordCompletion counts a successful delivery that took response.
func (t *Tracker) RecordCompletion(paneID string, response time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getOrCreate(paneID)
	s.completions++
	if response > 0 {
		s.responseSum += response
		s.responseSeen++
	}
}

// RecordError counts a failed delivery.
func (t *Tracker) RecordError(paneID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreate(paneID).errors++
}

// SetOverride pins a pane's status until ClearOverride.
func (t *Tracker) SetOverride(paneID string, status PaneStatus, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getOrCreate(paneID)
	s.override = &StatusReport{
		PaneID:  paneID,
		Status:  status,
		Source:  SourceOverride,
		Message: message,
	}
}

// ClearOverride removes an override.
func (t *Tracker) ClearOverride(paneID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.panes[paneID]; ok {
		s.override = nil
	}
}

// Status returns the effective status for a pane. Unknown panes are offline.
func (t *Tracker) Status(paneID string) StatusReport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.panes[paneID]
	if !ok {
		return StatusReport{PaneID: paneID, Status: StatusOffline, Source: SourceInferred}
	}
	return t.resolve(paneID, s)
}

// resolve applies override > offline > inferred. Caller must hold t.mu.
func (t *Tracker) resolve(paneID string, s *paneState) StatusReport {
	if s.override != nil {
		r := *s.override
		r.LastActivity = s.lastActivity
		return r
	}
	r := StatusReport{PaneID: paneID, Source: SourceInferred, LastActivity: s.lastActivity}
	if s.offline {
		r.Status = StatusOffline
		return r
	}

	level := t.idle.Classify(s.lastActivity, t.now())
	if level == IdleLevelActive && s.patternStatus != "" {
		r.Status = s.patternStatus
		return r
	}
	r.Status = t.idle.InferStatus(s.lastActivity, t.now())
	if level != IdleLevelActive {
		r.Message = "idle level: " + level.String()
	}
	return r
}

// Performance returns a pane's delivery history.
func (t *Tracker) Performance(paneID string) Performance {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p := Performance{PaneID: paneID}
	s, ok := t.panes[paneID]
	if !ok {
		return p
	}
	p.Completions = s.completions
	p.Errors = s.errors
	if s.responseSeen > 0 {
		p.AvgResponse = s.responseSum / time.Duration(s.responseSeen)
	}
	return p
}

// AllStatuses returns every tracked pane's status, sorted by pane id.
func (t *Tracker) AllStatuses() []StatusReport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	reports := make([]StatusReport, 0, len(t.panes))
	for id, s := range t.panes {
		reports = append(reports, t.resolve(id, s))
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].PaneID < reports[j].PaneID })
	return reports
}

// RemovePane stops tracking the pane entirely.
func (t *Tracker) RemovePane(paneID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.panes, paneID)
}
