package trigger

import (
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v2"
)

// Workflow states.
const (
	WorkflowIdle      = "idle"
	WorkflowPlanning  = "planning"
	WorkflowExecuting = "executing"
	WorkflowReviewing = "reviewing"
)

// WorkflowState is the external workflow state file. JSON is accepted too,
// since it parses as YAML.
type WorkflowState struct {
	State     string `yaml:"state"`
	Phase     string `yaml:"phase,omitempty"`
	UpdatedBy string `yaml:"updated_by,omitempty"`
}

// Current returns the effective state name, lowercased.
func (w WorkflowState) Current() string {
	s := w.State
	if s == "" {
		s = w.Phase
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return WorkflowIdle
	}
	return s
}

// WorkflowGate blocks group and broadcast traffic to execution roles while
// the workflow is under review.
type WorkflowGate struct {
	Path string
	// Blocking lists the states that close the gate.
	Blocking []string
}

// NewWorkflowGate creates a gate reading path.
func NewWorkflowGate(path string) *WorkflowGate {
	return &WorkflowGate{Path: path, Blocking: []string{WorkflowReviewing}}
}

// Load reads the state file. A missing file is the idle state.
func (g *WorkflowGate) Load() (WorkflowState, error) {
	var ws WorkflowState
	if g == nil || g.Path == "" {
		return ws, nil
	}
	data, err := os.ReadFile(g.Path)
	if os.IsNotExist(err) {
		return ws, nil
	}
	if err != nil {
		return ws, fmt.Errorf("reading workflow state: %w", err)
	}
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return ws, fmt.Errorf("parsing workflow state %s: %w", g.Path, err)
	}
	return ws, nil
}

// Allow reports whether a message of the given kind may reach an
// execution-role pane. Direct messages always pass. When blocked, reason
// names the blocking state. An unreadable state file does not block.
func (g *WorkflowGate) Allow(broadcast, executionRole bool) (bool, string) {
	if g == nil || !broadcast || !executionRole {
		return true, ""
	}
	ws, err := g.Load()
	if err != nil {
		return true, ""
	}
	state := ws.Current()
	for _, b := range g.Blocking {
		if state == b {
			return false, "workflow state is " + state
		}
	}
	return true, ""
}
