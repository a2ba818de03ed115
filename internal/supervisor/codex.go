package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// CodexRunner runs a non-interactive agent command and returns its combined
// output and exit code.
type CodexRunner func(ctx context.Context, argv []string, dir string) (string, int, error)

// ExecCodexRunner runs argv as a child process bound to ctx.
func ExecCodexRunner(ctx context.Context, argv []string, dir string) (string, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // argv comes from local config
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return out.String(), -1, fmt.Errorf("%s timed out: %w", argv[0], ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out.String(), exitErr.ExitCode(), nil
		}
		return out.String(), -1, fmt.Errorf("running %s: %w", argv[0], err)
	}
	return out.String(), 0, nil
}
