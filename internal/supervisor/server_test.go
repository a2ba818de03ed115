package supervisor_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hivemind-run/hivemind/internal/paneclient"
	"github.com/hivemind-run/hivemind/internal/protocol"
	"github.com/hivemind-run/hivemind/internal/supervisor"
)

// fakeProc echoes input back as output, like cat on a terminal.
type fakeProc struct {
	pid  int
	outR *io.PipeReader
	outW *io.PipeWriter

	mu    sync.Mutex
	input strings.Builder
	cols  int
	rows  int

	exitOnce sync.Once
	exited   chan struct{}
}

func newFakeProc(pid int) *fakeProc {
	r, w := io.Pipe()
	return &fakeProc{pid: pid, outR: r, outW: w, exited: make(chan struct{})}
}

func (p *fakeProc) Read(b []byte) (int, error) { return p.outR.Read(b) }

func (p *fakeProc) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.input.Write(b)
	p.mu.Unlock()
	go func(data []byte) { _, _ = p.outW.Write(data) }(append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Resize(cols, rows int) error {
	p.mu.Lock()
	p.cols, p.rows = cols, rows
	p.mu.Unlock()
	return nil
}

func (p *fakeProc) Signal(bool) error {
	p.exitOnce.Do(func() {
		_ = p.outW.Close()
		close(p.exited)
	})
	return nil
}

func (p *fakeProc) Wait() (int, error) {
	<-p.exited
	return 0, nil
}

func (p *fakeProc) Close() error { return nil }

type fakeSpawner struct {
	nextPID atomic.Int32
	spawns  atomic.Int32
	mu      sync.Mutex
	procs   map[string]*fakeProc
	fail    map[string]bool
}

func newFakeSpawner() *fakeSpawner {
	s := &fakeSpawner{procs: make(map[string]*fakeProc), fail: make(map[string]bool)}
	s.nextPID.Store(1000)
	return s
}

func (s *fakeSpawner) spawn(spec supervisor.SpawnSpec) (supervisor.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[spec.PaneID] {
		return nil, io.ErrUnexpectedEOF
	}
	s.spawns.Add(1)
	p := newFakeProc(int(s.nextPID.Add(1)))
	s.procs[spec.PaneID] = p
	return p, nil
}

func (s *fakeSpawner) proc(id string) *fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[id]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer serves on a short socket path; t.TempDir paths can exceed the
// unix socket name limit.
func startServer(t *testing.T, sp *fakeSpawner, mutate func(*supervisor.Options)) (string, *supervisor.Server) {
	t.Helper()
	dir, err := os.MkdirTemp("", "hmsup")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "s.sock")

	opts := supervisor.Options{
		SocketPath:      path,
		Shell:           "/bin/sh",
		ScrollbackBytes: 1024,
		Spawner:         sp.spawn,
		Logger:          testLogger(),
		PaneRoles:       map[string]string{"2": "builder"},
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv := supervisor.New(opts)

	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})
	return path, srv
}

func connect(t *testing.T, path string) *paneclient.Client {
	t.Helper()
	c := paneclient.New(paneclient.Options{
		SocketPath:      path,
		PingTimeout:     time.Second,
		WriteAckTimeout: time.Second,
		ReplyTimeout:    2 * time.Second,
		Logger:          testLogger(),
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func waitFor(t *testing.T, events <-chan protocol.Event, match func(protocol.Event) bool) protocol.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timeout waiting for event")
			return protocol.Event{}
		}
	}
}

func TestSpawnIsIdempotent(t *testing.T) {
	sp := newFakeSpawner()
	path, _ := startServer(t, sp, nil)
	c := connect(t, path)
	ctx := context.Background()

	first, err := c.Spawn(ctx, "2", t.TempDir(), paneclient.SpawnOptions{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !first.Alive || first.PID == 0 || first.Existing {
		t.Fatalf("unexpected first spawn %+v", first)
	}

	second, err := c.Spawn(ctx, "2", t.TempDir(), paneclient.SpawnOptions{})
	if err != nil {
		t.Fatalf("second Spawn: %v", err)
	}
	if !second.Alive || second.PID != first.PID || !second.Existing {
		t.Errorf("second spawn = %+v, want existing pid %d", second, first.PID)
	}
	if n := sp.spawns.Load(); n != 1 {
		t.Errorf("processes started = %d, want 1", n)
	}
}

func TestConnectedEventResyncsNewClient(t *testing.T) {
	sp := newFakeSpawner()
	path, _ := startServer(t, sp, nil)
	first := connect(t, path)
	if _, err := first.Spawn(context.Background(), "1", "", paneclient.SpawnOptions{}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	second := connect(t, path)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := second.Terminal("1"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("new client cache = %+v, want pane 1", second.Terminals())
}

func TestWriteWithAckAndEcho(t *testing.T) {
	sp := newFakeSpawner()
	path, _ := startServer(t, sp, nil)
	c := connect(t, path)
	events, unsub := c.Subscribe(64)
	defer unsub()

	if _, err := c.Spawn(context.Background(), "2", "", paneclient.SpawnOptions{}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	res, err := c.WriteWithAck(context.Background(), "2", "hello\n", nil)
	if err != nil {
		t.Fatalf("WriteWithAck: %v", err)
	}
	if !res.Success || res.Status != protocol.WriteStatusAccepted || res.Bytes != 6 {
		t.Errorf("unexpected result %+v", res)
	}

	waitFor(t, events, func(ev protocol.Event) bool {
		return ev.Event == protocol.EventData && strings.Contains(ev.Data, "hello")
	})

	att, err := c.Attach(context.Background(), "2")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !strings.Contains(att.Scrollback, "hello") {
		t.Errorf("scrollback = %q, want echoed input", att.Scrollback)
	}
}

func TestWriteWithAckUnknownPaneRejected(t *testing.T) {
	sp := newFakeSpawner()
	path, _ := startServer(t, sp, nil)
	c := connect(t, path)

	res, err := c.WriteWithAck(context.Background(), "9", "x", nil)
	if err != nil {
		t.Fatalf("WriteWithAck: %v", err)
	}
	if res.Success || res.Status != protocol.WriteStatusRejected {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestKillRemovesPaneAndReportsExit(t *testing.T) {
	sp := newFakeSpawner()
	path, _ := startServer(t, sp, nil)
	c := connect(t, path)
	events, unsub := c.Subscribe(64)
	defer unsub()

	if _, err := c.Spawn(context.Background(), "3", "", paneclient.SpawnOptions{}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := c.Kill("3"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	// killed and exit race each other; both must arrive.
	var killed, exited bool
	for !killed || !exited {
		ev := waitFor(t, events, func(ev protocol.Event) bool { return ev.PaneID == "3" })
		switch ev.Event {
		case protocol.EventKilled:
			killed = true
		case protocol.EventExit:
			exited = true
			if ev.ExitCode == nil || *ev.ExitCode != 0 {
				t.Errorf("exit code = %v, want 0", ev.ExitCode)
			}
		}
	}

	terms, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(terms) != 0 {
		t.Errorf("terminals after kill = %+v", terms)
	}
}

func TestSpawnFailureIsIsolated(t *testing.T) {
	sp := newFakeSpawner()
	sp.fail["bad"] = true
	path, _ := startServer(t, sp, nil)
	c := connect(t, path)
	ctx := context.Background()

	if _, err := c.Spawn(ctx, "good", "", paneclient.SpawnOptions{}); err != nil {
		t.Fatalf("Spawn good: %v", err)
	}
	if _, err := c.Spawn(ctx, "bad", "", paneclient.SpawnOptions{}); err == nil {
		t.Fatal("expected spawn error for bad pane")
	}

	if _, err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping after failure: %v", err)
	}
	terms, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(terms) != 1 || terms[0].PaneID != "good" {
		t.Errorf("terminals = %+v, want only good", terms)
	}
}

func TestRoleFromPaneTable(t *testing.T) {
	sp := newFakeSpawner()
	path, _ := startServer(t, sp, nil)
	c := connect(t, path)

	if _, err := c.Spawn(context.Background(), "2", "", paneclient.SpawnOptions{}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	terms, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(terms) != 1 || terms[0].Role != "builder" {
		t.Errorf("terminals = %+v, want role builder", terms)
	}
}

func TestHealthAndCodexExec(t *testing.T) {
	sp := newFakeSpawner()
	argvCh := make(chan []string, 1)
	path, _ := startServer(t, sp, func(o *supervisor.Options) {
		o.CodexCommand = []string{"codex", "exec"}
		o.CodexRunner = func(_ context.Context, argv []string, _ string) (string, int, error) {
			argvCh <- argv
			return "done", 0, nil
		}
	})
	c := connect(t, path)
	ctx := context.Background()

	h, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.PID != os.Getpid() || h.Clients != 1 {
		t.Errorf("unexpected health %+v", h)
	}

	res, err := c.CodexExec(ctx, "summarize", "", 2*time.Second)
	if err != nil {
		t.Fatalf("CodexExec: %v", err)
	}
	if res.Output != "done" || res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if argv := <-argvCh; strings.Join(argv, " ") != "codex exec summarize" {
		t.Errorf("argv = %q", argv)
	}
}

func TestShutdownStopsPanes(t *testing.T) {
	sp := newFakeSpawner()
	path, _ := startServer(t, sp, nil)
	c := connect(t, path)
	events, unsub := c.Subscribe(64)
	defer unsub()

	if _, err := c.Spawn(context.Background(), "1", "", paneclient.SpawnOptions{}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	waitFor(t, events, func(ev protocol.Event) bool { return ev.Event == protocol.EventShutdown })

	select {
	case <-sp.proc("1").exited:
	case <-time.After(2 * time.Second):
		t.Fatal("pane process was not stopped")
	}
}
