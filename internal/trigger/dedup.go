package trigger

import (
	"fmt"
	"sync"

	"github.com/hivemind-run/hivemind/internal/util"
)

// DefaultSeqResetThreshold is how far a sequence may drop before the drop
// is read as a sender restart rather than a replay.
const DefaultSeqResetThreshold = 50

// Decision is the dedup verdict for one message.
type Decision struct {
	Duplicate bool
	// Reset is set when the recorded sequence was discarded.
	Reset    bool
	LastSeen int
	HadLast  bool
}

// DedupStore remembers the highest sequence seen per recipient and sender.
// State is persisted as {recipient: {sender: seq}} after every accepted
// message.
type DedupStore struct {
	mu        sync.Mutex
	path      string
	threshold int
	markers   []string
	state     map[string]map[string]int
}

// LoadDedupStore opens the store at path. A missing file is an empty store;
// an unreadable one is reported so the caller can decide to start fresh.
func LoadDedupStore(path string, threshold int, markers []string) (*DedupStore, error) {
	if threshold <= 0 {
		threshold = DefaultSeqResetThreshold
	}
	s := &DedupStore{
		path:      path,
		threshold: threshold,
		markers:   markers,
		state:     make(map[string]map[string]int),
	}
	if path == "" {
		return s, nil
	}
	if _, err := util.ReadJSON(path, &s.state); err != nil {
		s.state = make(map[string]map[string]int)
		return s, fmt.Errorf("loading dedup state: %w", err)
	}
	if s.state == nil {
		s.state = make(map[string]map[string]int)
	}
	return s, nil
}

// Admit decides whether env is new for recipient and records it if so. A
// message without a sender or sequence is always admitted and not recorded.
func (s *DedupStore) Admit(recipient string, env Envelope) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if env.Sender == "" || env.Seq == nil {
		return Decision{}, nil
	}
	seq := *env.Seq

	var d Decision
	if HasSessionMarker(env.Body, s.markers) {
		s.resetSender(env.Sender)
		d.Reset = true
	}

	last, ok := s.state[recipient][env.Sender]
	d.LastSeen, d.HadLast = last, ok
	if ok && seq <= last {
		if last-seq <= s.threshold {
			d.Duplicate = true
			return d, nil
		}
		d.Reset = true
	}

	if s.state[recipient] == nil {
		s.state[recipient] = make(map[string]int)
	}
	s.state[recipient][env.Sender] = seq
	return d, s.save()
}

// resetSender forgets sender for every recipient. Caller holds s.mu.
func (s *DedupStore) resetSender(sender string) {
	for _, senders := range s.state {
		delete(senders, sender)
	}
}

// Last returns the recorded sequence for (recipient, sender).
func (s *DedupStore) Last(recipient, sender string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.state[recipient][sender]
	return seq, ok
}

// Set records seq for (recipient, sender) unconditionally.
func (s *DedupStore) Set(recipient, sender string, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state[recipient] == nil {
		s.state[recipient] = make(map[string]int)
	}
	s.state[recipient][sender] = seq
	return s.save()
}

// Reset forgets recipient entirely, or only sender when sender is set.
func (s *DedupStore) Reset(recipient, sender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sender == "" {
		delete(s.state, recipient)
	} else {
		delete(s.state[recipient], sender)
	}
	return s.save()
}

// Snapshot returns a copy of the state.
func (s *DedupStore) Snapshot() map[string]map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]int, len(s.state))
	for r, senders := range s.state {
		m := make(map[string]int, len(senders))
		for k, v := range senders {
			m[k] = v
		}
		out[r] = m
	}
	return out
}

func (s *DedupStore) save() error {
	if s.path == "" {
		return nil
	}
	if err := util.AtomicWriteJSON(s.path, s.state); err != nil {
		return fmt.Errorf("saving dedup state: %w", err)
	}
	return nil
}
