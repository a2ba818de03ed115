//go:build !windows

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

// PTYSpawner starts spec.Argv on a fresh pseudo-terminal. pty.Start puts the
// child in its own session, so its pid is also its process group id.
func PTYSpawner(spec SpawnSpec) (Process, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...) //nolint:gosec // argv comes from local config or a local client
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(spec.Cols), //nolint:gosec // bounded terminal size
		Rows: uint16(spec.Rows), //nolint:gosec // bounded terminal size
	})
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Argv[0], err)
	}
	return &ptyProcess{cmd: cmd, ptmx: ptmx}, nil
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

func (p *ptyProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ptyProcess) Resize(cols, rows int) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{
		Cols: uint16(cols), //nolint:gosec // bounded terminal size
		Rows: uint16(rows), //nolint:gosec // bounded terminal size
	})
}

func (p *ptyProcess) Signal(force bool) error {
	pid := p.PID()
	if pid == 0 {
		return errors.New("process not started")
	}
	sig := unix.SIGHUP
	if force {
		sig = unix.SIGKILL
	}
	// Negative pid signals the whole group so agent subprocesses go too.
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	return nil
}

func (p *ptyProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *ptyProcess) Close() error {
	return p.ptmx.Close()
}
