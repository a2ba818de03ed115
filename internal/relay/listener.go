package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-run/hivemind/internal/logging"
	"github.com/hivemind-run/hivemind/internal/paneclient"
	"github.com/hivemind-run/hivemind/internal/protocol"
	"github.com/hivemind-run/hivemind/internal/reliability"
)

// PaneWriter injects text into a pane and reports whether the supervisor
// accepted it.
type PaneWriter interface {
	WriteWithAck(ctx context.Context, paneID, data string, meta *protocol.KernelMeta) (paneclient.WriteResult, error)
}

// Listener receives messages routed to one role and types them into that
// role's pane, answering the hub with the outcome.
type Listener struct {
	client *Client
	writer PaneWriter
	paneID string
	log    *slog.Logger

	// Submit is appended to every injected message to press enter.
	Submit string

	// Stats, if set, counts every injection as a direct message.
	Stats *reliability.Stats

	mu   sync.Mutex
	seen map[string]string
	ring []string
}

const listenerMemory = 512

// NewListener creates a listener that injects into paneID.
func NewListener(c *Client, w PaneWriter, paneID string, logger *slog.Logger) *Listener {
	return &Listener{
		client: c,
		writer: w,
		paneID: paneID,
		log:    logging.OrDefault(logger).With("component", "relay-listener", "pane", paneID),
		Submit: "\r",
		seen:   make(map[string]string),
	}
}

// Run handles deliveries until ctx is done or the relay connection closes.
func (l *Listener) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.client.Close()
			return ctx.Err()
		case f, ok := <-l.client.Incoming():
			if !ok {
				return ErrClosed
			}
			l.handle(ctx, f)
		}
	}
}

func (l *Listener) handle(ctx context.Context, f Frame) {
	// A redelivery of something already typed is acknowledged again but
	// not typed twice.
	if status, ok := l.recall(f.MessageID); ok && status == StatusAgentDelivered {
		l.log.Debug("redelivery acknowledged without injecting", "message_id", f.MessageID)
		_ = l.client.DeliverAck(f.MessageID, status, true)
		return
	}

	if l.Stats != nil {
		l.Stats.RecordSent(reliability.ModePTY, reliability.KindDirect, l.paneID)
	}
	start := time.Now()
	res, err := l.writer.WriteWithAck(ctx, l.paneID, f.Content+l.Submit, &protocol.KernelMeta{
		EventID:       uuid.NewString(),
		CorrelationID: f.MessageID,
		Source:        "relay-listener",
	})
	elapsed := time.Since(start)

	status := StatusAgentDelivered
	outcome := reliability.Delivered
	if err != nil || !res.Success {
		status = StatusSubmitNotAccepted
		outcome = reliability.Failed
		if res.Status == protocol.WriteStatusTimeout || errors.Is(err, context.DeadlineExceeded) {
			outcome = reliability.TimedOut
		}
		l.log.Warn("injection not accepted", "message_id", f.MessageID, "status", res.Status, "error", err)
	} else {
		l.log.Info("message injected", "message_id", f.MessageID, "from", f.Sender, "bytes", res.Bytes)
	}
	if l.Stats != nil {
		l.Stats.RecordOutcome(reliability.ModePTY, reliability.KindDirect, l.paneID, outcome, elapsed)
	}
	l.remember(f.MessageID, status)

	if err := l.client.DeliverAck(f.MessageID, status, status == StatusAgentDelivered); err != nil {
		l.log.Warn("deliver-ack failed", "message_id", f.MessageID, "error", err)
	}
}

func (l *Listener) recall(messageID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.seen[messageID]
	return s, ok
}

func (l *Listener) remember(messageID, status string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[messageID]; !ok {
		l.ring = append(l.ring, messageID)
		if len(l.ring) > listenerMemory {
			delete(l.seen, l.ring[0])
			l.ring = l.ring[1:]
		}
	}
	l.seen[messageID] = status
}
