package supervisor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hivemind-run/hivemind/internal/protocol"
)

// pane is one role-bound process slot.
type pane struct {
	id        string
	role      string
	cwd       string
	proc      Process
	startedAt time.Time
	scroll    *scrollback

	// writeMu serializes input so concurrent writers never interleave.
	writeMu sync.Mutex

	sizeMu sync.Mutex
	cols   int
	rows   int

	alive atomic.Bool
	done  chan struct{}
}

func (p *pane) terminal() protocol.Terminal {
	p.sizeMu.Lock()
	cols, rows := p.cols, p.rows
	p.sizeMu.Unlock()
	return protocol.Terminal{
		PaneID:    p.id,
		Role:      p.role,
		PID:       p.proc.PID(),
		Alive:     p.alive.Load(),
		Cwd:       p.cwd,
		Cols:      cols,
		Rows:      rows,
		StartedAt: p.startedAt,
	}
}

func (p *pane) write(data []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if !p.alive.Load() {
		return 0, fmt.Errorf("pane %s is not running", p.id)
	}
	return p.proc.Write(data)
}

func (p *pane) resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	if err := p.proc.Resize(cols, rows); err != nil {
		return err
	}
	p.sizeMu.Lock()
	p.cols, p.rows = cols, rows
	p.sizeMu.Unlock()
	return nil
}

// stop signals the process and escalates to a forced kill if it has not
// exited within grace.
func (p *pane) stop(grace time.Duration) error {
	if !p.alive.Load() {
		return nil
	}
	if err := p.proc.Signal(false); err != nil {
		return err
	}
	go func() {
		select {
		case <-p.done:
		case <-time.After(grace):
			_ = p.proc.Signal(true)
		}
	}()
	return nil
}

// pump copies process output to the scrollback and all clients until the
// process exits, then reports the exit and forgets the pane.
func (s *Server) pump(p *pane) {
	defer close(p.done)

	buf := make([]byte, 32*1024)
	var carry []byte
	for {
		n, err := p.proc.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			cut := splitUTF8(chunk)
			carry = append([]byte(nil), chunk[cut:]...)
			if cut > 0 {
				p.scroll.Write(chunk[:cut])
				s.broadcast(protocol.Event{
					Event:  protocol.EventData,
					PaneID: p.id,
					Data:   string(chunk[:cut]),
				})
			}
		}
		if err != nil {
			// Linux reports EIO on the master once the child side closes.
			break
		}
	}

	p.writeMu.Lock()
	p.alive.Store(false)
	p.writeMu.Unlock()

	code, err := p.proc.Wait()
	if err != nil {
		s.log.Warn("pane wait failed", "pane", p.id, "error", err)
	}
	_ = p.proc.Close()

	s.mu.Lock()
	if cur, ok := s.panes[p.id]; ok && cur == p {
		delete(s.panes, p.id)
	}
	s.mu.Unlock()

	s.log.Info("pane exited", "pane", p.id, "pid", p.proc.PID(), "exit_code", code)
	s.broadcast(protocol.Event{
		Event:    protocol.EventExit,
		PaneID:   p.id,
		ExitCode: protocol.IntPtr(code),
	})
}
