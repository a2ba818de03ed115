package supervisor

import (
	"errors"
	"io"
)

// ErrPTYUnsupported is returned by the default spawner on platforms without
// pseudo-terminal support.
var ErrPTYUnsupported = errors.New("pseudo-terminals are not supported on this platform")

// SpawnSpec describes the process to start for a pane.
type SpawnSpec struct {
	PaneID string
	Argv   []string
	Dir    string
	Env    []string
	Cols   int
	Rows   int
}

// Process is one running pane program. Read returns the program's terminal
// output; Write feeds its terminal input.
type Process interface {
	io.ReadWriter
	PID() int
	Resize(cols, rows int) error
	// Signal asks the process (group) to exit. force skips the polite signal.
	Signal(force bool) error
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	Close() error
}

// Spawner starts pane processes. The server uses a PTY spawner unless
// another one is injected.
type Spawner func(spec SpawnSpec) (Process, error)
