// Package supervisor owns the pane processes and serves the line-JSON control
// channel that clients use to spawn, observe, and write to them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hivemind-run/hivemind/internal/config"
	"github.com/hivemind-run/hivemind/internal/lock"
	"github.com/hivemind-run/hivemind/internal/logging"
	"github.com/hivemind-run/hivemind/internal/protocol"
)

// ErrAlreadyRunning is returned when another supervisor is serving the socket.
var ErrAlreadyRunning = errors.New("supervisor already running")

const (
	clientQueueSize = 512
	clientWriteWait = 5 * time.Second
	killGrace       = 3 * time.Second
	drainTimeout    = 5 * time.Second
)

// Options configures a Server.
type Options struct {
	SocketPath string
	Shell      string
	ShellArgs  []string
	Cols       int
	Rows       int

	// PaneRoles maps pane id to role for spawns that do not name one.
	PaneRoles map[string]string

	ScrollbackBytes  int
	CodexCommand     []string
	CodexExecTimeout time.Duration

	Spawner     Spawner
	CodexRunner CodexRunner
	Logger      *slog.Logger
}

// OptionsFromConfig derives server options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	roles := make(map[string]string, len(cfg.Roles.Panes))
	for role, id := range cfg.Roles.Panes {
		roles[id] = role
	}
	return Options{
		SocketPath:       cfg.Supervisor.SocketPath,
		Shell:            cfg.Supervisor.Shell,
		ShellArgs:        cfg.Supervisor.ShellArgs,
		Cols:             cfg.Supervisor.Cols,
		Rows:             cfg.Supervisor.Rows,
		PaneRoles:        roles,
		ScrollbackBytes:  cfg.Supervisor.ScrollbackBytes,
		CodexCommand:     cfg.Supervisor.CodexCommand,
		CodexExecTimeout: cfg.Supervisor.CodexExecTimeout.D(),
	}
}

// Server is the pane supervisor. Exactly one process runs per pane and only
// the server writes to it; any number of clients observe.
type Server struct {
	opts Options
	log  *slog.Logger

	mu      sync.RWMutex
	panes   map[string]*pane
	clients map[*client]struct{}

	nextClient atomic.Uint64
	kernelSeq  atomic.Uint64
	started    time.Time

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New creates a Server. Nothing listens until Serve or ListenAndServe.
func New(opts Options) *Server {
	if opts.Cols <= 0 {
		opts.Cols = 120
	}
	if opts.Rows <= 0 {
		opts.Rows = 40
	}
	if opts.Spawner == nil {
		opts.Spawner = PTYSpawner
	}
	if opts.CodexRunner == nil {
		opts.CodexRunner = ExecCodexRunner
	}
	if opts.CodexExecTimeout <= 0 {
		opts.CodexExecTimeout = 5 * time.Minute
	}
	return &Server{
		opts:       opts,
		log:        logging.OrDefault(opts.Logger).With("component", "supervisor"),
		panes:      make(map[string]*pane),
		clients:    make(map[*client]struct{}),
		started:    time.Now(),
		shutdownCh: make(chan struct{}),
	}
}

// ListenAndServe takes the instance lock, clears a stale socket left by a
// crashed supervisor, and serves until ctx is done or a client requests
// shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	path := s.opts.SocketPath
	instance := lock.New(path + ".lock")
	if err := instance.Acquire(path); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
		}
		return err
	}
	defer func() { _ = instance.Release() }()

	if err := cleanStaleSocket(path); err != nil {
		return fmt.Errorf("stale socket check %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path) //nolint:noctx // UDS bind is instant
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket %s: %w", path, err)
	}
	defer func() { _ = os.Remove(path) }()

	s.log.Info("supervisor listening", "socket", path, "pid", os.Getpid())
	return s.Serve(ctx, ln)
}

// cleanStaleSocket removes a socket file nobody is accepting on. A live
// listener means another supervisor owns it.
func cleanStaleSocket(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return ErrAlreadyRunning
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Serve accepts clients on ln until ctx is done or Shutdown is called, then
// stops every pane.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.safeGo(func() { s.acceptLoop(ctx, ln) })

	select {
	case <-ctx.Done():
	case <-s.shutdownCh:
	}

	_ = ln.Close()
	s.stopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.log.Warn("supervisor goroutines did not drain", "timeout", drainTimeout)
	}
	s.log.Info("supervisor stopped")
	return nil
}

// Shutdown stops the server. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// safeGo runs fn on a tracked goroutine; a panic is logged, never fatal.
func (s *Server) safeGo(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("goroutine panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		c := newClient(s.nextClient.Add(1), conn)
		s.addClient(c)
		s.safeGo(func() { c.writeLoop(clientWriteWait) })
		s.safeGo(func() { s.handleConn(ctx, c) })
	}
}

// handleConn reads framed requests from one client. A new client first
// receives the live terminal set so it can resync without respawning.
func (s *Server) handleConn(ctx context.Context, c *client) {
	defer s.removeClient(c)

	s.sendTo(c, protocol.Event{Event: protocol.EventConnected, Terminals: s.terminals()})

	dec := protocol.NewLineDecoder(0)
	buf := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			lines, derr := dec.Feed(buf[:n])
			if derr != nil {
				s.sendTo(c, errorEvent("", "", derr.Error()))
			}
			for _, line := range lines {
				req, perr := protocol.DecodeRequest(line)
				if perr != nil {
					s.sendTo(c, errorEvent("", "", perr.Error()))
					continue
				}
				s.dispatch(ctx, c, req)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.log.Debug("client connected", "client", c.id, "clients", n)
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
	if ok {
		s.log.Debug("client disconnected", "client", c.id)
	}
}

// sendTo queues ev for one client. A client whose queue is full is dropped
// so one slow reader cannot stall pane output for everyone.
func (s *Server) sendTo(c *client, ev protocol.Event) {
	data, err := protocol.Encode(ev)
	if err != nil {
		s.log.Error("encode event", "event", ev.Event, "error", err)
		return
	}
	if !c.send(data) {
		s.dropSlow(c)
	}
}

func (s *Server) broadcast(ev protocol.Event) {
	data, err := protocol.Encode(ev)
	if err != nil {
		s.log.Error("encode event", "event", ev.Event, "error", err)
		return
	}
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if !c.send(data) {
			s.dropSlow(c)
		}
	}
}

func (s *Server) dropSlow(c *client) {
	if c.isClosed() {
		return
	}
	s.log.Warn("dropping slow client", "client", c.id)
	s.removeClient(c)
}

// terminals returns the pane set sorted by pane id.
func (s *Server) terminals() []protocol.Terminal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]protocol.Terminal, 0, len(s.panes))
	for _, p := range s.panes {
		out = append(out, p.terminal())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaneID < out[j].PaneID })
	return out
}

func (s *Server) health() *protocol.Health {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alive := 0
	for _, p := range s.panes {
		if p.alive.Load() {
			alive++
		}
	}
	return &protocol.Health{
		PID:        os.Getpid(),
		UptimeMs:   time.Since(s.started).Milliseconds(),
		Panes:      len(s.panes),
		AlivePanes: alive,
		Clients:    len(s.clients),
		Socket:     s.opts.SocketPath,
	}
}

// stopAll kills every pane and disconnects every client.
func (s *Server) stopAll() {
	s.mu.Lock()
	panes := make([]*pane, 0, len(s.panes))
	for _, p := range s.panes {
		panes = append(panes, p)
	}
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.panes = make(map[string]*pane)
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for _, p := range panes {
		if err := p.stop(killGrace); err != nil {
			s.log.Warn("pane stop failed", "pane", p.id, "error", err)
		}
	}
	for _, c := range clients {
		c.close()
	}
}

func errorEvent(paneID string, action protocol.Action, msg string) protocol.Event {
	return protocol.Event{Event: protocol.EventError, PaneID: paneID, Action: action, Message: msg}
}

// client is one connected control-channel peer with its own write queue.
type client struct {
	id   uint64
	conn net.Conn

	mu     sync.Mutex
	closed bool
	out    chan []byte
}

func newClient(id uint64, conn net.Conn) *client {
	return &client{id: id, conn: conn, out: make(chan []byte, clientQueueSize)}
}

func (c *client) send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// close stops accepting events; queued events are still flushed.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func (c *client) writeLoop(wait time.Duration) {
	defer func() { _ = c.conn.Close() }()
	for data := range c.out {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wait))
		if _, err := c.conn.Write(data); err != nil {
			c.close()
			for range c.out {
			}
			return
		}
	}
}
