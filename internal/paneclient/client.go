// Package paneclient is the client side of the supervisor control channel.
// It keeps a cache of the supervisor's terminals and correlates replies and
// write acks with the requests that caused them.
package paneclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-run/hivemind/internal/config"
	"github.com/hivemind-run/hivemind/internal/logging"
	"github.com/hivemind-run/hivemind/internal/protocol"
)

// Errors returned by Client operations.
var (
	ErrNotConnected = errors.New("not connected to supervisor")
	ErrPingTimeout  = errors.New("ping timed out")
	ErrNoReply      = errors.New("supervisor did not reply in time")
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Dialer opens the transport to the supervisor.
type Dialer func(ctx context.Context, path string) (net.Conn, error)

// Options configures a Client.
type Options struct {
	SocketPath      string
	PingTimeout     time.Duration
	WriteAckTimeout time.Duration
	// ReplyTimeout bounds waits for list, attach, spawn and health replies.
	ReplyTimeout time.Duration
	Dialer       Dialer
	Logger       *slog.Logger
}

// OptionsFromConfig derives client options from configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SocketPath:      cfg.Supervisor.SocketPath,
		PingTimeout:     cfg.Supervisor.PingTimeout.D(),
		WriteAckTimeout: cfg.Supervisor.WriteAckTimeout.D(),
	}
}

// WriteResult is the outcome of an ack-correlated write.
type WriteResult struct {
	Success bool
	Status  string
	EventID string
	Bytes   int
	Error   string
}

type waiter struct {
	match func(protocol.Event) bool
	ch    chan protocol.Event
}

// Client talks to one supervisor. All methods are safe for concurrent use.
type Client struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	state     State
	conn      net.Conn
	terminals map[string]protocol.Terminal
	subs      map[uint64]chan protocol.Event
	waiters   map[uint64]*waiter
	nextID    uint64

	writeMu sync.Mutex
}

// New creates a disconnected Client.
func New(opts Options) *Client {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 2 * time.Second
	}
	if opts.WriteAckTimeout <= 0 {
		opts.WriteAckTimeout = 2 * time.Second
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 5 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = func(ctx context.Context, path string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
	}
	return &Client{
		opts:      opts,
		log:       logging.OrDefault(opts.Logger).With("component", "paneclient"),
		terminals: make(map[string]protocol.Terminal),
		subs:      make(map[uint64]chan protocol.Event),
		waiters:   make(map[uint64]*waiter),
	}
}

// Connect dials the supervisor. Connecting an already connected client is a
// no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.opts.Dialer(ctx, c.opts.SocketPath)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("connecting to supervisor at %s: %w", c.opts.SocketPath, err)
	}
	c.attach(conn)
	return nil
}

// attach adopts an established transport and starts reading from it.
func (c *Client) attach(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	go c.readLoop(conn)
}

// Disconnect closes the transport. It is idempotent: every call leaves the
// client disconnected with no transport, whatever state it was in.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the client has a live transport.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Terminals returns the cached terminal set sorted by pane id.
func (c *Client) Terminals() []protocol.Terminal {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]protocol.Terminal, 0, len(c.terminals))
	for _, t := range c.terminals {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaneID < out[j].PaneID })
	return out
}

// Terminal returns the cached terminal for paneID.
func (c *Client) Terminal(paneID string) (protocol.Terminal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.terminals[paneID]
	return t, ok
}

// Subscribe returns a channel receiving every event from the supervisor and
// a function to cancel the subscription. Events are dropped for a
// subscriber whose buffer is full.
func (c *Client) Subscribe(buffer int) (<-chan protocol.Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan protocol.Event, buffer)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Client) readLoop(conn net.Conn) {
	dec := protocol.NewLineDecoder(0)
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			lines, derr := dec.Feed(buf[:n])
			if derr != nil {
				c.log.Warn("dropping oversized message", "error", derr)
			}
			for _, line := range lines {
				ev, perr := protocol.DecodeEvent(line)
				if perr != nil {
					c.log.Warn("malformed event", "error", perr)
					continue
				}
				c.handle(ev)
			}
		}
		if err != nil {
			break
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// handle applies ev to the terminal cache, then wakes waiters and
// subscribers. A spawned event upserts, exit and killed remove, list and
// connected replace the cache wholesale so the supervisor's view always wins.
func (c *Client) handle(ev protocol.Event) {
	c.mu.Lock()
	switch ev.Event {
	case protocol.EventSpawned:
		t := c.terminals[ev.PaneID]
		t.PaneID = ev.PaneID
		t.PID = ev.PID
		t.Alive = ev.Alive
		if t.StartedAt.IsZero() {
			t.StartedAt = time.Now()
		}
		c.terminals[ev.PaneID] = t
	case protocol.EventExit, protocol.EventKilled:
		delete(c.terminals, ev.PaneID)
	case protocol.EventList, protocol.EventConnected:
		c.terminals = make(map[string]protocol.Terminal, len(ev.Terminals))
		for _, t := range ev.Terminals {
			c.terminals[t.PaneID] = t
		}
	}

	for id, w := range c.waiters {
		if w.match(ev) {
			w.ch <- ev
			delete(c.waiters, id)
		}
	}
	// Sends happen under the lock so a concurrent unsubscribe cannot close
	// a channel mid-send.
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	c.mu.Unlock()
}

// expect registers a waiter before the request goes out so the reply cannot
// race past it.
func (c *Client) expect(match func(protocol.Event) bool) (uint64, <-chan protocol.Event) {
	ch := make(chan protocol.Event, 1)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.waiters[id] = &waiter{match: match, ch: ch}
	c.mu.Unlock()
	return id, ch
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

func (c *Client) await(ctx context.Context, id uint64, ch <-chan protocol.Event, timeout time.Duration) (protocol.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-ch:
		return ev, nil
	case <-timer.C:
		c.forget(id)
		return protocol.Event{}, ErrNoReply
	case <-ctx.Done():
		c.forget(id)
		return protocol.Event{}, ctx.Err()
	}
}

func (c *Client) send(req protocol.Request) error {
	data, err := protocol.Encode(req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("sending %s: %w", req.Action, err)
	}
	return nil
}

func newRequestID() string {
	return uuid.NewString()
}
