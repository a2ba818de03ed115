package delivery

import (
	"strings"

	"github.com/hivemind-run/hivemind/internal/config"
	"github.com/hivemind-run/hivemind/internal/relay"
)

// Outcome is the closed classification of an ack.
type Outcome int

const (
	OutcomeRetryable Outcome = iota
	OutcomeSuccess
	OutcomeTerminalFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTerminalFailure:
		return "terminal_failure"
	default:
		return "retryable"
	}
}

// Verdict is a classified ack.
type Verdict struct {
	Outcome Outcome
	// Unverified marks a success the relay explicitly did not verify.
	Unverified bool
}

// ClassifierConfig is the status lookup table. Patterns match a status
// exactly, or by prefix ("delivered.*") or suffix ("*_delivered").
type ClassifierConfig struct {
	Success         []string
	TerminalFailure []string
}

// DefaultClassifierConfig returns the built-in status table.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Success:         []string{relay.StatusRouted, "*_delivered", "delivered.*"},
		TerminalFailure: []string{relay.StatusSubmitNotAccepted, "accepted.unverified"},
	}
}

// ClassifierConfigFrom reads the table from configuration, falling back to
// the defaults for an empty list.
func ClassifierConfigFrom(cfg config.DeliveryConfig) ClassifierConfig {
	out := DefaultClassifierConfig()
	if len(cfg.SuccessStatuses) > 0 {
		out.Success = cfg.SuccessStatuses
	}
	if len(cfg.TerminalFailureStatuses) > 0 {
		out.TerminalFailure = cfg.TerminalFailureStatuses
	}
	return out
}

// Classifier maps acks onto outcomes.
type Classifier struct {
	cfg ClassifierConfig
}

// NewClassifier creates a classifier for the given table.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify decides what an ack means for the send. Terminal failure
// statuses are checked first, so a rejection wins over ok:true. Anything
// that is neither terminal failure nor success is retryable.
func (c *Classifier) Classify(ack relay.Ack) Verdict {
	status := strings.ToLower(strings.TrimSpace(ack.Status))

	if matchAny(c.cfg.TerminalFailure, status) {
		return Verdict{Outcome: OutcomeTerminalFailure}
	}
	if ack.OK || matchAny(c.cfg.Success, status) {
		return Verdict{
			Outcome:    OutcomeSuccess,
			Unverified: ack.Verified != nil && !*ack.Verified,
		}
	}
	return Verdict{Outcome: OutcomeRetryable}
}

func matchAny(patterns []string, status string) bool {
	if status == "" {
		return false
	}
	for _, p := range patterns {
		if matchStatus(strings.ToLower(strings.TrimSpace(p)), status) {
			return true
		}
	}
	return false
}

func matchStatus(pattern, status string) bool {
	switch {
	case pattern == "":
		return false
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(status, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(status, pattern[:len(pattern)-1])
	default:
		return status == pattern
	}
}
