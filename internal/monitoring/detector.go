package monitoring

import (
	"regexp"
	"strings"
)

// Pattern maps pane output onto a status.
type Pattern struct {
	Regex  *regexp.Regexp
	Status PaneStatus
}

// PatternRegistry detects pane status from output. First match wins.
type PatternRegistry struct {
	patterns []Pattern
}

// NewPatternRegistry creates a registry with the built-in patterns.
func NewPatternRegistry() *PatternRegistry {
	return &PatternRegistry{patterns: defaultPatterns()}
}

// Detect returns the status the output implies, StatusWorking for other
// non-empty output, and "" for blank output.
func (r *PatternRegistry) Detect(output string) PaneStatus {
	output = strings.TrimSpace(stripANSI(output))
	if output == "" {
		return ""
	}
	for _, p := range r.patterns {
		if p.Regex.MatchString(output) {
			return p.Status
		}
	}
	return StatusWorking
}

// AddPattern appends a custom pattern after the built-in ones.
func (r *PatternRegistry) AddPattern(pattern string, status PaneStatus) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, Pattern{Regex: re, Status: status})
	return nil
}

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

func defaultPatterns() []Pattern {
	return []Pattern{
		{regexp.MustCompile(`(?i)(?:^|\s)(?:error|fatal|panic|traceback)(?:\s|:|$)`), StatusError},
		{regexp.MustCompile(`(?i)rate limit(?:ed)?|quota exceeded`), StatusError},

		{regexp.MustCompile(`(?i)do you want to (?:proceed|continue|allow)`), StatusWaiting},
		{regexp.MustCompile(`(?i)\(y/n\)|\[y/n\]|press enter`), StatusWaiting},
		{regexp.MustCompile(`(?i)waiting for (?:input|approval|response)`), StatusWaiting},

		{regexp.MustCompile(`(?i)(?:^|\s)thinking(?:\.{3}|…)`), StatusThinking},
		{regexp.MustCompile(`(?i)esc to interrupt|running tool|analyzing`), StatusThinking},
	}
}
