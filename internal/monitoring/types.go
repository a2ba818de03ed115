// Package monitoring tracks what each pane's agent is doing and how well it
// has been doing it.
//
// Status is resolved by priority:
//  1. Operator override (PUT /panes/:id/override on the status API,
//     or hm panes override)
//  2. Inferred from pane output and idle time
//
// Performance (completions, errors, response time) feeds best-agent routing.
package monitoring

import "time"

// PaneStatus is the operational status of a pane's agent.
type PaneStatus string

const (
	StatusWorking  PaneStatus = "working"  // Producing output
	StatusThinking PaneStatus = "thinking" // Reasoning or running tools
	StatusWaiting  PaneStatus = "waiting"  // Prompting for input
	StatusIdle     PaneStatus = "idle"     // No output for a while
	StatusError    PaneStatus = "error"    // Printed an error or went silent for too long
	StatusOffline  PaneStatus = "offline"  // No process
)

// IsAvailable reports whether a pane in this status can take new work.
func (s PaneStatus) IsAvailable() bool {
	switch s {
	case StatusWorking, StatusThinking, StatusWaiting, StatusIdle:
		return true
	default:
		return false
	}
}

// StatusSource says how a status was determined.
type StatusSource string

const (
	SourceOverride StatusSource = "override"
	SourceInferred StatusSource = "inferred"
)

// StatusReport is a point-in-time status for a pane.
type StatusReport struct {
	PaneID       string       `json:"pane_id"`
	Status       PaneStatus   `json:"status"`
	Source       StatusSource `json:"source"`
	Message      string       `json:"message,omitempty"`
	LastActivity time.Time    `json:"last_activity,omitempty"`
}

// Performance is the delivery history of a pane.
type Performance struct {
	PaneID      string `json:"pane_id"`
	Completions int64  `json:"completions"`
	Errors      int64  `json:"errors"`

	// AvgResponse is the mean time from injection to completion.
	AvgResponse time.Duration `json:"avg_response"`
}

// Total is completions plus errors.
func (p Performance) Total() int64 { return p.Completions + p.Errors }

// ErrorRate is errors/total, 0 when there is no history.
func (p Performance) ErrorRate() float64 {
	if p.Total() == 0 {
		return 0
	}
	return float64(p.Errors) / float64(p.Total())
}
