package paneclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hivemind-run/hivemind/internal/protocol"
)

// SpawnOptions are optional spawn parameters.
type SpawnOptions struct {
	Role    string
	Command []string
	Env     map[string]string
	Cols    int
	Rows    int
}

// Spawn asks the supervisor to start paneID in cwd and waits for the
// spawned event. An already running pane is reported with Existing set.
func (c *Client) Spawn(ctx context.Context, paneID, cwd string, opts SpawnOptions) (protocol.Event, error) {
	id, ch := c.expect(func(ev protocol.Event) bool {
		if ev.PaneID != paneID {
			return false
		}
		return ev.Event == protocol.EventSpawned ||
			(ev.Event == protocol.EventError && ev.Action == protocol.ActionSpawn)
	})
	err := c.send(protocol.Request{
		Action:  protocol.ActionSpawn,
		PaneID:  paneID,
		Cwd:     cwd,
		Role:    opts.Role,
		Command: opts.Command,
		Env:     opts.Env,
		Cols:    opts.Cols,
		Rows:    opts.Rows,
	})
	if err != nil {
		c.forget(id)
		return protocol.Event{}, err
	}
	ev, err := c.await(ctx, id, ch, c.opts.ReplyTimeout)
	if err != nil {
		return protocol.Event{}, err
	}
	if ev.Event == protocol.EventError {
		return ev, errors.New(ev.Message)
	}
	return ev, nil
}

// Write sends input to a pane without waiting for any acknowledgement.
func (c *Client) Write(paneID, data string) error {
	return c.send(protocol.Request{Action: protocol.ActionWrite, PaneID: paneID, Data: data})
}

// WriteWithAck sends input tagged with a kernel event id and waits for the
// supervisor's daemon.write.ack for it. The wait is bounded by the write ack
// timeout; when it expires the result is {Success:false, Status:"ack_timeout"}
// and no error.
func (c *Client) WriteWithAck(ctx context.Context, paneID, data string, meta *protocol.KernelMeta) (WriteResult, error) {
	m := protocol.KernelMeta{Source: "paneclient"}
	if meta != nil {
		m = *meta
	}
	if m.EventID == "" {
		m.EventID = newRequestID()
	}

	id, ch := c.expect(func(ev protocol.Event) bool {
		ack, ok := ev.WriteAck()
		return ok && ack.RequestedByEventID == m.EventID
	})
	err := c.send(protocol.Request{
		Action:     protocol.ActionWrite,
		PaneID:     paneID,
		Data:       data,
		KernelMeta: &m,
	})
	if err != nil {
		c.forget(id)
		return WriteResult{Success: false, Status: "send_failed", EventID: m.EventID, Error: err.Error()}, err
	}

	timer := time.NewTimer(c.opts.WriteAckTimeout)
	defer timer.Stop()
	select {
	case ev := <-ch:
		ack, _ := ev.WriteAck()
		return WriteResult{
			Success: ack.Status == protocol.WriteStatusAccepted,
			Status:  ack.Status,
			EventID: m.EventID,
			Bytes:   ack.Bytes,
			Error:   ack.Error,
		}, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	c.forget(id)
	return WriteResult{Success: false, Status: protocol.WriteStatusTimeout, EventID: m.EventID}, nil
}

// Resize changes a pane's terminal size.
func (c *Client) Resize(paneID string, cols, rows int) error {
	return c.send(protocol.Request{Action: protocol.ActionResize, PaneID: paneID, Cols: cols, Rows: rows})
}

// Kill stops a pane. The cache entry goes away when the killed event
// arrives.
func (c *Client) Kill(paneID string) error {
	return c.send(protocol.Request{Action: protocol.ActionKill, PaneID: paneID})
}

// List refreshes the terminal cache from the supervisor and returns it.
func (c *Client) List(ctx context.Context) ([]protocol.Terminal, error) {
	id, ch := c.expect(func(ev protocol.Event) bool { return ev.Event == protocol.EventList })
	if err := c.send(protocol.Request{Action: protocol.ActionList}); err != nil {
		c.forget(id)
		return nil, err
	}
	if _, err := c.await(ctx, id, ch, c.opts.ReplyTimeout); err != nil {
		return nil, err
	}
	return c.Terminals(), nil
}

// Attach returns the pane's scrollback. Live output continues to arrive on
// subscriptions as data events.
func (c *Client) Attach(ctx context.Context, paneID string) (protocol.Event, error) {
	id, ch := c.expect(func(ev protocol.Event) bool {
		if ev.PaneID != paneID {
			return false
		}
		return ev.Event == protocol.EventAttached ||
			(ev.Event == protocol.EventError && ev.Action == protocol.ActionAttach)
	})
	if err := c.send(protocol.Request{Action: protocol.ActionAttach, PaneID: paneID}); err != nil {
		c.forget(id)
		return protocol.Event{}, err
	}
	ev, err := c.await(ctx, id, ch, c.opts.ReplyTimeout)
	if err != nil {
		return protocol.Event{}, err
	}
	if ev.Event == protocol.EventError {
		return ev, errors.New(ev.Message)
	}
	return ev, nil
}

// Ping measures the round trip to the supervisor. It never waits longer than
// the ping timeout.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	reqID := newRequestID()
	id, ch := c.expect(func(ev protocol.Event) bool {
		return ev.Event == protocol.EventPong && ev.RequestID == reqID
	})
	start := time.Now()
	if err := c.send(protocol.Request{Action: protocol.ActionPing, RequestID: reqID}); err != nil {
		c.forget(id)
		return 0, err
	}
	if _, err := c.await(ctx, id, ch, c.opts.PingTimeout); err != nil {
		if errors.Is(err, ErrNoReply) {
			return 0, ErrPingTimeout
		}
		return 0, err
	}
	return time.Since(start), nil
}

// Health returns the supervisor self-report.
func (c *Client) Health(ctx context.Context) (*protocol.Health, error) {
	reqID := newRequestID()
	id, ch := c.expect(func(ev protocol.Event) bool {
		return ev.Event == protocol.EventHealth && ev.RequestID == reqID
	})
	if err := c.send(protocol.Request{Action: protocol.ActionHealth, RequestID: reqID}); err != nil {
		c.forget(id)
		return nil, err
	}
	ev, err := c.await(ctx, id, ch, c.opts.ReplyTimeout)
	if err != nil {
		return nil, err
	}
	if ev.Health == nil {
		return nil, fmt.Errorf("health reply without payload")
	}
	return ev.Health, nil
}

// CodexExec runs a one-shot agent prompt on the supervisor host and waits up
// to timeout for the result event.
func (c *Client) CodexExec(ctx context.Context, prompt, cwd string, timeout time.Duration) (protocol.Event, error) {
	reqID := newRequestID()
	id, ch := c.expect(func(ev protocol.Event) bool {
		return ev.Event == protocol.EventCodexExecResult && ev.RequestID == reqID
	})
	if err := c.send(protocol.Request{
		Action:    protocol.ActionCodexExec,
		RequestID: reqID,
		Prompt:    prompt,
		Cwd:       cwd,
	}); err != nil {
		c.forget(id)
		return protocol.Event{}, err
	}
	return c.await(ctx, id, ch, timeout)
}

// Shutdown asks the supervisor to stop all panes and exit.
func (c *Client) Shutdown() error {
	return c.send(protocol.Request{Action: protocol.ActionShutdown})
}
