// Package delivery sends messages to roles over the relay with health
// preflight, retry with backoff, ack classification, delivery-check
// reconciliation and a trigger-file fallback.
package delivery

import "errors"

// State is a step of one delivery. Every send walks
// Pending → [HealthCheck] → Sent → AwaitAck → {AckedTerminal | AckTimeout}
// and repeats Sent.. until a terminal ack or the retry budget runs out, then
// ends in Fallback or GiveUp.
type State int

const (
	StatePending State = iota
	StateHealthCheck
	StateSent
	StateAwaitAck
	StateAckedTerminal
	StateAckTimeout
	StateReconcile
	StateFallback
	StateGiveUp
	StateBlocked
)

var stateNames = map[State]string{
	StatePending:       "PENDING",
	StateHealthCheck:   "HEALTH_CHECK",
	StateSent:          "SENT",
	StateAwaitAck:      "AWAIT_ACK",
	StateAckedTerminal: "ACKED_TERMINAL",
	StateAckTimeout:    "ACK_TIMEOUT",
	StateReconcile:     "RECONCILE",
	StateFallback:      "FALLBACK",
	StateGiveUp:        "GIVE_UP",
	StateBlocked:       "BLOCKED",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Errors reported in Result.Err.
var (
	ErrPreflightBlocked     = errors.New("target failed health preflight")
	ErrTerminalRejection    = errors.New("relay rejected the message")
	ErrExhausted            = errors.New("no ack after all attempts")
	ErrDiscoveryUnsupported = errors.New("relay does not support device discovery")
	ErrNoFallbackTarget     = errors.New("target has no local trigger file")
)
