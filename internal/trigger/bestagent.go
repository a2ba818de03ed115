package trigger

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/hivemind-run/hivemind/internal/monitoring"
)

// Selection reasons.
const (
	ReasonSkillMatch          = "skill_match"
	ReasonPerformance         = "performance"
	ReasonFirstAvailable      = "first_available"
	ReasonNoRunningCandidates = "no_running_candidates"
)

// Candidate is a pane that could take a task.
type Candidate struct {
	Role    string
	PaneID  string
	Skills  []string
	Running bool
}

// Selection is the result of SelectBestAgent. PaneID is empty when Reason
// is ReasonNoRunningCandidates.
type Selection struct {
	Role   string
	PaneID string
	Reason string
}

// PerformanceSource reports pane history. *monitoring.Tracker satisfies it.
type PerformanceSource interface {
	Performance(paneID string) monitoring.Performance
}

// SelectBestAgent picks the pane for a task among running candidates:
// skill match first, then completions, error rate and response time, then
// candidate order. It never picks a pane that is not running.
func SelectBestAgent(skills []string, candidates []Candidate, perf PerformanceSource) Selection {
	var running []Candidate
	for _, c := range candidates {
		if c.Running {
			running = append(running, c)
		}
	}
	if len(running) == 0 {
		return Selection{Reason: ReasonNoRunningCandidates}
	}

	pool := running
	reason := ReasonFirstAvailable
	if matched := bySkill(running, skills); len(matched) > 0 {
		pool = matched
		reason = ReasonSkillMatch
	}
	if len(pool) == 1 {
		return Selection{Role: pool[0].Role, PaneID: pool[0].PaneID, Reason: reason}
	}

	stats := make(map[string]monitoring.Performance, len(pool))
	withHistory := false
	for _, c := range pool {
		var p monitoring.Performance
		if perf != nil {
			p = perf.Performance(c.PaneID)
		}
		stats[c.PaneID] = p
		if p.Total() > 0 {
			withHistory = true
		}
	}

	ranked := append([]Candidate(nil), pool...)
	if withHistory {
		sort.SliceStable(ranked, func(i, j int) bool {
			a, b := stats[ranked[i].PaneID], stats[ranked[j].PaneID]
			if a.Completions != b.Completions {
				return a.Completions > b.Completions
			}
			if a.ErrorRate() != b.ErrorRate() {
				return a.ErrorRate() < b.ErrorRate()
			}
			return responseKey(a) < responseKey(b)
		})
		if reason != ReasonSkillMatch {
			reason = ReasonPerformance
		}
	}
	best := ranked[0]
	return Selection{Role: best.Role, PaneID: best.PaneID, Reason: reason}
}

// responseKey orders panes by average response, unknown last.
func responseKey(p monitoring.Performance) time.Duration {
	if p.AvgResponse <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return p.AvgResponse
}

// bySkill keeps the candidates matching the most requested skills.
func bySkill(cands []Candidate, skills []string) []Candidate {
	if len(skills) == 0 {
		return nil
	}
	want := make(map[string]bool, len(skills))
	for _, s := range skills {
		want[strings.ToLower(strings.TrimSpace(s))] = true
	}
	bestScore := 0
	var out []Candidate
	for _, c := range cands {
		score := 0
		for _, s := range c.Skills {
			if want[strings.ToLower(s)] {
				score++
			}
		}
		switch {
		case score == 0 || score < bestScore:
		case score > bestScore:
			bestScore = score
			out = []Candidate{c}
		default:
			out = append(out, c)
		}
	}
	return out
}

// ParseSkills reads an optional leading "[SKILLS] a, b" line from a task
// body and returns the skills and the remaining text.
func ParseSkills(body string) ([]string, string) {
	first, rest, _ := strings.Cut(body, "\n")
	tail, ok := strings.CutPrefix(strings.TrimSpace(first), skillsTag)
	if !ok {
		return nil, body
	}
	var skills []string
	for _, s := range strings.Split(tail, ",") {
		if s = strings.TrimSpace(s); s != "" {
			skills = append(skills, strings.ToLower(s))
		}
	}
	return skills, rest
}

const skillsTag = "[SKILLS]"
