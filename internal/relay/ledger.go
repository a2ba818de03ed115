package relay

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// LedgerEntry tracks one messageId through the hub.
type LedgerEntry struct {
	MessageID       string
	Sender          string
	Target          string
	Attempts        int
	QueuedAt        time.Time
	LastAttemptAt   time.Time
	LastDeliveredAt time.Time
	Ack             *Ack
}

// Pending reports whether the message was handed to a peer that has not
// answered yet.
func (e LedgerEntry) Pending() bool {
	return e.Ack == nil && !e.LastDeliveredAt.IsZero()
}

// AckLedger remembers recent messages by stable messageId so delivery-check
// can tell a sender whether a lost ack was in fact a delivery. The oldest
// entries are evicted beyond the size limit.
type AckLedger struct {
	mu    sync.RWMutex
	items map[string]LedgerEntry
	order []string
	max   int
}

// NewAckLedger creates a ledger holding at most max entries (0 = 10000).
func NewAckLedger(max int) *AckLedger {
	if max <= 0 {
		max = 10000
	}
	return &AckLedger{items: make(map[string]LedgerEntry), max: max}
}

// MarkAttempt records a send attempt, creating the entry on first sight.
func (l *AckLedger) MarkAttempt(messageID, sender, target string, at time.Time) LedgerEntry {
	key := strings.TrimSpace(messageID)
	l.mu.Lock()
	defer l.mu.Unlock()

	item, ok := l.items[key]
	if !ok {
		item = LedgerEntry{MessageID: key, Sender: sender, Target: target, QueuedAt: at}
		l.order = append(l.order, key)
		l.evictLocked()
	}
	item.Attempts++
	item.LastAttemptAt = at
	l.items[key] = item
	return item
}

// MarkDelivered records that the message was handed to a target peer.
func (l *AckLedger) MarkDelivered(messageID string, at time.Time) {
	key := strings.TrimSpace(messageID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if item, ok := l.items[key]; ok {
		item.LastDeliveredAt = at
		l.items[key] = item
	}
}

// RecordAck stores the final ack for a message.
func (l *AckLedger) RecordAck(ack Ack) {
	key := strings.TrimSpace(ack.MessageID)
	if key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	item, ok := l.items[key]
	if !ok {
		item = LedgerEntry{MessageID: key, QueuedAt: time.Now()}
		l.order = append(l.order, key)
		l.evictLocked()
	}
	a := ack
	item.Ack = &a
	l.items[key] = item
}

// Get returns the entry for messageID.
func (l *AckLedger) Get(messageID string) (LedgerEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	item, ok := l.items[strings.TrimSpace(messageID)]
	return item, ok
}

// List returns every entry sorted by messageId.
func (l *AckLedger) List() []LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]LedgerEntry, 0, len(l.items))
	for _, item := range l.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

func (l *AckLedger) evictLocked() {
	for len(l.order) > l.max {
		delete(l.items, l.order[0])
		l.order = l.order[1:]
	}
}
