package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hivemind-run/hivemind/internal/protocol"
)

// dispatch runs one client request. A panic while handling is reported to
// the client as an error event and never reaches other panes.
func (s *Server) dispatch(ctx context.Context, c *client, req protocol.Request) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("request panic", "action", req.Action, "pane", req.PaneID, "panic", fmt.Sprint(r))
			s.sendTo(c, errorEvent(req.PaneID, req.Action, fmt.Sprintf("internal error: %v", r)))
		}
	}()

	switch req.Action {
	case protocol.ActionSpawn:
		s.handleSpawn(c, req)
	case protocol.ActionWrite:
		s.handleWrite(c, req)
	case protocol.ActionResize:
		s.handleResize(c, req)
	case protocol.ActionKill:
		s.handleKill(c, req)
	case protocol.ActionList:
		s.sendTo(c, protocol.Event{Event: protocol.EventList, Terminals: s.terminals()})
	case protocol.ActionAttach:
		s.handleAttach(c, req)
	case protocol.ActionPing:
		s.sendTo(c, protocol.Event{
			Event:     protocol.EventPong,
			RequestID: req.RequestID,
			TS:        time.Now().UnixMilli(),
		})
	case protocol.ActionHealth:
		s.sendTo(c, protocol.Event{
			Event:     protocol.EventHealth,
			RequestID: req.RequestID,
			Health:    s.health(),
		})
	case protocol.ActionShutdown:
		s.log.Info("shutdown requested", "client", c.id)
		s.broadcast(protocol.Event{Event: protocol.EventShutdown})
		s.Shutdown()
	case protocol.ActionCodexExec:
		s.safeGo(func() { s.handleCodexExec(ctx, c, req) })
	default:
		s.sendTo(c, errorEvent(req.PaneID, req.Action, fmt.Sprintf("unknown action %q", req.Action)))
	}
}

func (s *Server) lookup(paneID string) (*pane, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.panes[paneID]
	return p, ok
}

// handleSpawn starts a pane process unless one is already alive for the
// pane id, in which case the existing pid is reported and nothing starts.
func (s *Server) handleSpawn(c *client, req protocol.Request) {
	if req.PaneID == "" {
		s.sendTo(c, errorEvent("", req.Action, "paneId is required"))
		return
	}

	s.mu.Lock()
	if p, ok := s.panes[req.PaneID]; ok && p.alive.Load() {
		s.mu.Unlock()
		s.sendTo(c, protocol.Event{
			Event:    protocol.EventSpawned,
			PaneID:   p.id,
			PID:      p.proc.PID(),
			Alive:    true,
			Existing: true,
		})
		return
	}

	spec := s.spawnSpec(req)
	proc, err := s.opts.Spawner(spec)
	if err != nil {
		s.mu.Unlock()
		s.log.Error("pane spawn failed", "pane", req.PaneID, "error", err)
		s.sendTo(c, errorEvent(req.PaneID, req.Action, fmt.Sprintf("spawn failed: %v", err)))
		return
	}

	role := req.Role
	if role == "" {
		role = s.opts.PaneRoles[req.PaneID]
	}
	p := &pane{
		id:        req.PaneID,
		role:      role,
		cwd:       spec.Dir,
		proc:      proc,
		startedAt: time.Now(),
		scroll:    newScrollback(s.opts.ScrollbackBytes),
		cols:      spec.Cols,
		rows:      spec.Rows,
		done:      make(chan struct{}),
	}
	p.alive.Store(true)
	s.panes[p.id] = p
	s.mu.Unlock()

	s.safeGo(func() { s.pump(p) })

	s.log.Info("pane spawned", "pane", p.id, "role", p.role, "pid", proc.PID(), "cwd", p.cwd)
	s.broadcast(protocol.Event{
		Event:  protocol.EventSpawned,
		PaneID: p.id,
		PID:    proc.PID(),
		Alive:  true,
	})
}

func (s *Server) spawnSpec(req protocol.Request) SpawnSpec {
	argv := req.Command
	if len(argv) == 0 {
		argv = append([]string{s.opts.Shell}, s.opts.ShellArgs...)
	}
	dir := req.Cwd
	if dir == "" {
		dir, _ = os.Getwd()
	}
	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = s.opts.Cols
	}
	if rows <= 0 {
		rows = s.opts.Rows
	}

	env := append(os.Environ(), "HM_PANE_ID="+req.PaneID, "TERM=xterm-256color")
	if role := req.Role; role != "" {
		env = append(env, "HM_ROLE="+role)
	} else if role, ok := s.opts.PaneRoles[req.PaneID]; ok {
		env = append(env, "HM_ROLE="+role)
	}
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	return SpawnSpec{PaneID: req.PaneID, Argv: argv, Dir: dir, Env: env, Cols: cols, Rows: rows}
}

// handleWrite forwards input to the pane. When the request carries a kernel
// event id, the outcome is announced as a daemon.write.ack kernel event.
func (s *Server) handleWrite(c *client, req protocol.Request) {
	var (
		n   int
		err error
	)
	p, ok := s.lookup(req.PaneID)
	if !ok {
		err = fmt.Errorf("pane %s not found", req.PaneID)
	} else {
		n, err = p.write([]byte(req.Data))
	}

	if err != nil {
		s.log.Warn("pane write failed", "pane", req.PaneID, "error", err)
		s.sendTo(c, errorEvent(req.PaneID, req.Action, err.Error()))
	}

	if req.KernelMeta == nil || req.KernelMeta.EventID == "" {
		return
	}
	ack := protocol.WriteAckPayload{
		RequestedByEventID: req.KernelMeta.EventID,
		Status:             protocol.WriteStatusAccepted,
		Bytes:              n,
	}
	if err != nil {
		ack.Status = protocol.WriteStatusRejected
		ack.Error = err.Error()
	}
	s.emitKernel(req.PaneID, protocol.KernelWriteAck, req.KernelMeta, ack)
}

func (s *Server) emitKernel(paneID, typ string, cause *protocol.KernelMeta, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("encode kernel payload", "type", typ, "error", err)
		return
	}
	seq := s.kernelSeq.Add(1)
	ev := &protocol.KernelEvent{
		EventID: fmt.Sprintf("sup-%d-%d", os.Getpid(), seq),
		Type:    typ,
		Source:  "supervisor",
		PaneID:  paneID,
		TS:      time.Now().UnixMilli(),
		Seq:     seq,
		Payload: raw,
	}
	if cause != nil {
		ev.CausationID = cause.EventID
		ev.CorrelationID = cause.CorrelationID
		if ev.CorrelationID == "" {
			ev.CorrelationID = cause.EventID
		}
	}
	s.broadcast(protocol.Event{Event: protocol.EventKernel, PaneID: paneID, Kernel: ev})
}

func (s *Server) handleResize(c *client, req protocol.Request) {
	p, ok := s.lookup(req.PaneID)
	if !ok {
		s.sendTo(c, errorEvent(req.PaneID, req.Action, fmt.Sprintf("pane %s not found", req.PaneID)))
		return
	}
	if err := p.resize(req.Cols, req.Rows); err != nil {
		s.sendTo(c, errorEvent(req.PaneID, req.Action, fmt.Sprintf("resize failed: %v", err)))
	}
}

// handleKill removes the pane immediately and signals its process; the exit
// event follows when the process is gone.
func (s *Server) handleKill(c *client, req protocol.Request) {
	s.mu.Lock()
	p, ok := s.panes[req.PaneID]
	if ok {
		delete(s.panes, req.PaneID)
	}
	s.mu.Unlock()

	if !ok {
		s.sendTo(c, errorEvent(req.PaneID, req.Action, fmt.Sprintf("pane %s not found", req.PaneID)))
		return
	}
	if err := p.stop(killGrace); err != nil {
		s.log.Error("pane kill failed", "pane", p.id, "error", err)
		s.sendTo(c, errorEvent(p.id, req.Action, fmt.Sprintf("kill failed: %v", err)))
		return
	}
	s.log.Info("pane killed", "pane", p.id, "pid", p.proc.PID())
	s.broadcast(protocol.Event{Event: protocol.EventKilled, PaneID: p.id})
}

func (s *Server) handleAttach(c *client, req protocol.Request) {
	p, ok := s.lookup(req.PaneID)
	if !ok {
		s.sendTo(c, errorEvent(req.PaneID, req.Action, fmt.Sprintf("pane %s not found", req.PaneID)))
		return
	}
	s.sendTo(c, protocol.Event{
		Event:      protocol.EventAttached,
		PaneID:     p.id,
		PID:        p.proc.PID(),
		Alive:      p.alive.Load(),
		Scrollback: p.scroll.String(),
	})
}

func (s *Server) handleCodexExec(ctx context.Context, c *client, req protocol.Request) {
	res := protocol.Event{Event: protocol.EventCodexExecResult, RequestID: req.RequestID, PaneID: req.PaneID}
	if req.Prompt == "" {
		res.ExitCode = protocol.IntPtr(-1)
		res.Error = "prompt is required"
		s.sendTo(c, res)
		return
	}
	if len(s.opts.CodexCommand) == 0 {
		res.ExitCode = protocol.IntPtr(-1)
		res.Error = "codex command is not configured"
		s.sendTo(c, res)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.CodexExecTimeout)
	defer cancel()

	argv := append(append([]string(nil), s.opts.CodexCommand...), req.Prompt)
	start := time.Now()
	out, code, err := s.opts.CodexRunner(runCtx, argv, req.Cwd)
	res.Output = out
	res.ExitCode = protocol.IntPtr(code)
	if err != nil {
		res.Error = err.Error()
	}
	s.log.Info("codex exec finished", "request", req.RequestID, "exit_code", code, "elapsed", time.Since(start))
	s.sendTo(c, res)
}
