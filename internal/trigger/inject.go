package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-run/hivemind/internal/paneclient"
	"github.com/hivemind-run/hivemind/internal/protocol"
	"github.com/hivemind-run/hivemind/internal/reliability"
)

// ErrNotAccepted means the pane did not confirm the input.
var ErrNotAccepted = errors.New("pane did not accept input")

// Injector hands a message to a pane's agent.
type Injector interface {
	Mode() reliability.Mode
	// Inject returns nil once the agent accepted text. A timeout is
	// reported as reliability.TimedOut through InjectOutcome.
	Inject(ctx context.Context, paneID, text string) error
}

// InjectOutcome maps an Inject error onto a stats outcome.
func InjectOutcome(err error) reliability.Outcome {
	switch {
	case err == nil:
		return reliability.Delivered
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, paneclient.ErrNoReply), errors.Is(err, errAckTimeout):
		return reliability.TimedOut
	default:
		return reliability.Failed
	}
}

var errAckTimeout = fmt.Errorf("%w: ack timeout", ErrNotAccepted)

// PaneWriter is the part of the protocol client PTY injection uses.
type PaneWriter interface {
	WriteWithAck(ctx context.Context, paneID, data string, meta *protocol.KernelMeta) (paneclient.WriteResult, error)
}

// PTYInjector types the message into the pane and presses enter.
type PTYInjector struct {
	Client PaneWriter
	Submit string
	Source string
}

// Mode implements Injector.
func (p PTYInjector) Mode() reliability.Mode { return reliability.ModePTY }

// Inject implements Injector.
func (p PTYInjector) Inject(ctx context.Context, paneID, text string) error {
	submit := p.Submit
	if submit == "" {
		submit = "\r"
	}
	source := p.Source
	if source == "" {
		source = "trigger-router"
	}
	res, err := p.Client.WriteWithAck(ctx, paneID, text+submit, &protocol.KernelMeta{
		EventID: uuid.NewString(),
		Source:  source,
	})
	if err != nil {
		return err
	}
	switch {
	case res.Success:
		return nil
	case res.Status == protocol.WriteStatusTimeout:
		return errAckTimeout
	default:
		return fmt.Errorf("%w: %s %s", ErrNotAccepted, res.Status, res.Error)
	}
}

// CodexRunner is the part of the protocol client SDK injection uses.
type CodexRunner interface {
	CodexExec(ctx context.Context, prompt, cwd string, timeout time.Duration) (protocol.Event, error)
	Terminal(paneID string) (protocol.Terminal, bool)
}

// SDKInjector runs the message as a one-shot agent prompt in the pane's
// working directory instead of typing it into the terminal.
type SDKInjector struct {
	Client  CodexRunner
	Timeout time.Duration
}

// Mode implements Injector.
func (s SDKInjector) Mode() reliability.Mode { return reliability.ModeSDK }

// Inject implements Injector.
func (s SDKInjector) Inject(ctx context.Context, paneID, text string) error {
	var cwd string
	if t, ok := s.Client.Terminal(paneID); ok {
		cwd = t.Cwd
	}
	ev, err := s.Client.CodexExec(ctx, text, cwd, s.Timeout)
	if err != nil {
		return err
	}
	if ev.Error != "" {
		return fmt.Errorf("%w: %s", ErrNotAccepted, ev.Error)
	}
	if ev.ExitCode != nil && *ev.ExitCode != 0 {
		return fmt.Errorf("%w: exit code %d", ErrNotAccepted, *ev.ExitCode)
	}
	return nil
}
