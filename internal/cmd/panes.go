package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hivemind-run/hivemind/internal/config"
	"github.com/hivemind-run/hivemind/internal/monitoring"
	"github.com/hivemind-run/hivemind/internal/paneclient"
	"github.com/hivemind-run/hivemind/internal/protocol"
	"github.com/hivemind-run/hivemind/internal/style"
)

// detachKey (Ctrl-]) ends an attach session without touching the pane.
const detachKey = 0x1d

var (
	panesJSON     bool
	panesCwd      string
	panesRole     string
	panesNoEnter  bool
	panesWaitAck  bool
	panesAckLimit time.Duration
	panesMessage  string
	panesClear    bool
	panesAddr     string
)

var panesCmd = &cobra.Command{
	Use:     "panes",
	GroupID: GroupPanes,
	Short:   "Manage supervisor panes",
	RunE:    requireSubcommand,
}

var panesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List panes known to the supervisor",
	Args:  cobra.NoArgs,
	RunE:  runPanesList,
}

var panesSpawnCmd = &cobra.Command{
	Use:   "spawn <pane-id>",
	Short: "Start a pane (no-op when it is already running)",
	Args:  cobra.ExactArgs(1),
	RunE:  runPanesSpawn,
}

var panesKillCmd = &cobra.Command{
	Use:   "kill <pane-id>",
	Short: "Stop a pane's process",
	Args:  cobra.ExactArgs(1),
	RunE:  runPanesKill,
}

var panesWriteCmd = &cobra.Command{
	Use:   "write <pane-id> <text>",
	Short: "Type text into a pane",
	Long: `Type text into a pane, followed by Enter unless --no-enter is set.

With --ack the command waits for the supervisor's write acknowledgement and
exits 1 when none arrives in time.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runPanesWrite,
}

var panesAttachCmd = &cobra.Command{
	Use:   "attach <pane-id>",
	Short: "Attach the terminal to a pane (Ctrl-] detaches)",
	Args:  cobra.ExactArgs(1),
	RunE:  runPanesAttach,
}

var panesPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the supervisor answers",
	Args:  cobra.NoArgs,
	RunE:  runPanesPing,
}

var panesOverrideCmd = &cobra.Command{
	Use:   "override <pane-id> [status]",
	Short: "Pin or clear a pane's status for best-agent routing",
	Long: `Pin a pane's status on the running trigger watcher, or clear it with --clear.

Statuses: working, thinking, waiting, idle, error, offline. A pane pinned to
error is not chosen for "any" triggers. Requires "hm triggers
watch" with a status API (--status-addr or trigger.status_addr).`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPanesOverride,
}

var panesShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop every pane and the supervisor",
	Args:  cobra.NoArgs,
	RunE:  runPanesShutdown,
}

func init() {
	panesListCmd.Flags().BoolVar(&panesJSON, "json", false, "Output as JSON")
	panesPingCmd.Flags().BoolVar(&panesJSON, "json", false, "Output the supervisor health report as JSON")

	panesSpawnCmd.Flags().StringVar(&panesCwd, "cwd", "", "Working directory (default: project root)")
	panesSpawnCmd.Flags().StringVar(&panesRole, "role", "", "Role label for the pane (default: from roles.panes)")

	panesWriteCmd.Flags().BoolVar(&panesNoEnter, "no-enter", false, "Do not press Enter after the text")
	panesWriteCmd.Flags().BoolVar(&panesWaitAck, "ack", false, "Wait for the supervisor's write acknowledgement")
	panesWriteCmd.Flags().DurationVar(&panesAckLimit, "ack-timeout", 0, "Acknowledgement timeout (default: supervisor.write_ack_timeout)")

	panesOverrideCmd.Flags().StringVar(&panesMessage, "message", "", "Note shown with the status")
	panesOverrideCmd.Flags().BoolVar(&panesClear, "clear", false, "Remove the override")
	panesOverrideCmd.Flags().StringVar(&panesAddr, "addr", "", "Status API address (default: trigger.status_addr)")

	panesCmd.AddCommand(panesListCmd, panesSpawnCmd, panesKillCmd, panesWriteCmd, panesAttachCmd, panesPingCmd, panesOverrideCmd, panesShutdownCmd)
	rootCmd.AddCommand(panesCmd)
}

// connectSupervisor loads config and returns a connected client.
func connectSupervisor(cmd *cobra.Command) (*paneclient.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	opts := paneclient.OptionsFromConfig(cfg)
	opts.Logger = newLogger(cmd, cfg)
	c := paneclient.New(opts)
	if err := c.Connect(cmd.Context()); err != nil {
		return nil, nil, fmt.Errorf("%w (is 'hm daemon' running?)", err)
	}
	return c, cfg, nil
}

func runPanesList(cmd *cobra.Command, args []string) error {
	c, cfg, err := connectSupervisor(cmd)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	terms, err := c.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing panes: %w", err)
	}
	if panesJSON {
		return outputJSON(cmd, terms)
	}
	if len(terms) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), style.Dim.Render("No panes running."))
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PANE\tROLE\tPID\tSTATE\tUPTIME\tCWD")
	for _, t := range terms {
		role := t.Role
		if role == "" {
			role, _ = cfg.RoleForPane(t.PaneID)
		}
		state := style.Success.Render("alive")
		if !t.Alive {
			state = style.Dim.Render("exited")
		}
		uptime := "-"
		if !t.StartedAt.IsZero() {
			uptime = time.Since(t.StartedAt).Truncate(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", t.PaneID, role, t.PID, state, uptime, t.Cwd)
	}
	return w.Flush()
}

func runPanesSpawn(cmd *cobra.Command, args []string) error {
	c, cfg, err := connectSupervisor(cmd)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	paneID := args[0]
	cwd := panesCwd
	if cwd == "" {
		cwd = cfg.Project.Path
	}
	role := panesRole
	if role == "" {
		role, _ = cfg.RoleForPane(paneID)
	}
	ev, err := c.Spawn(cmd.Context(), paneID, cwd, paneclient.SpawnOptions{Role: role})
	if err != nil {
		return fmt.Errorf("spawning pane %s: %w", paneID, err)
	}
	if ev.Existing {
		fmt.Fprintf(cmd.OutOrStdout(), "%s Pane %s already running (pid %d)\n", style.IconDot, paneID, ev.PID)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Spawned pane %s (pid %d)\n", style.IconOK, paneID, ev.PID)
	return nil
}

func runPanesKill(cmd *cobra.Command, args []string) error {
	c, _, err := connectSupervisor(cmd)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	if err := c.Kill(args[0]); err != nil {
		return fmt.Errorf("killing pane %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Kill sent to pane %s\n", style.IconOK, args[0])
	return nil
}

func runPanesWrite(cmd *cobra.Command, args []string) error {
	c, cfg, err := connectSupervisor(cmd)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	paneID := args[0]
	data := strings.Join(args[1:], " ")
	if !panesNoEnter {
		data += "\r"
	}
	if !panesWaitAck {
		return c.Write(paneID, data)
	}

	limit := panesAckLimit
	if limit <= 0 {
		limit = cfg.Supervisor.WriteAckTimeout.D()
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), limit)
	defer cancel()
	res, err := c.WriteWithAck(ctx, paneID, data, &protocol.KernelMeta{Source: "hm-cli"})
	if err != nil {
		return fmt.Errorf("writing to pane %s: %w", paneID, err)
	}
	if !res.Success {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s write to pane %s not acknowledged (%s)\n", style.IconFail, paneID, res.Status)
		return NewSilentExit(1)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d bytes written to pane %s\n", style.IconOK, res.Bytes, paneID)
	return nil
}

func runPanesPing(cmd *cobra.Command, args []string) error {
	c, _, err := connectSupervisor(cmd)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	rtt, err := c.Ping(cmd.Context())
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s supervisor did not answer: %v\n", style.IconFail, err)
		return NewSilentExit(1)
	}
	if panesJSON {
		h, err := c.Health(cmd.Context())
		if err != nil {
			return err
		}
		return outputJSON(cmd, h)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s pong in %s\n", style.IconOK, rtt)
	return nil
}

func runPanesShutdown(cmd *cobra.Command, args []string) error {
	c, _, err := connectSupervisor(cmd)
	if err != nil {
		return err
	}
	defer c.Disconnect()
	if err := c.Shutdown(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Shutdown requested\n", style.IconOK)
	return nil
}

func runPanesAttach(cmd *cobra.Command, args []string) error {
	c, _, err := connectSupervisor(cmd)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	paneID := args[0]
	events, unsubscribe := c.Subscribe(0)
	defer unsubscribe()

	ev, err := c.Attach(cmd.Context(), paneID)
	if err != nil {
		return fmt.Errorf("attaching to pane %s: %w", paneID, err)
	}

	out := cmd.OutOrStdout()
	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		state, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer func() { _ = term.Restore(stdin, state) }()
		if cols, rows, err := term.GetSize(stdin); err == nil {
			_ = c.Resize(paneID, cols, rows)
		}
	}
	_, _ = io.WriteString(out, ev.Scrollback)

	detached := make(chan struct{})
	go func() {
		defer close(detached)
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if i := strings.IndexByte(string(chunk), detachKey); i >= 0 {
					if i > 0 {
						_ = c.Write(paneID, string(chunk[:i]))
					}
					return
				}
				if werr := c.Write(paneID, string(chunk)); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-detached:
			fmt.Fprint(out, "\r\n[detached]\r\n")
			return nil
		case <-cmd.Context().Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.PaneID != paneID {
				continue
			}
			switch ev.Event {
			case protocol.EventData:
				_, _ = io.WriteString(out, ev.Data)
			case protocol.EventExit, protocol.EventKilled:
				fmt.Fprint(out, "\r\n[pane exited]\r\n")
				return nil
			}
		}
	}
}

func runPanesOverride(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := panesAddr
	if addr == "" {
		addr = cfg.Trigger.StatusAddr
	}
	if addr == "" {
		return errors.New("no status API address (set --addr or trigger.status_addr)")
	}
	paneID := args[0]
	url := "http://" + addr + "/panes/" + paneID + "/override"

	var req *http.Request
	switch {
	case panesClear:
		req, err = http.NewRequestWithContext(cmd.Context(), http.MethodDelete, url, nil)
	case len(args) == 2:
		status, perr := monitoring.ParseStatus(args[1])
		if perr != nil {
			return perr
		}
		body, _ := json.Marshal(map[string]string{"status": string(status), "message": panesMessage})
		req, err = http.NewRequestWithContext(cmd.Context(), http.MethodPut, url, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		return errors.New("override requires a status or --clear")
	}
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("contacting status API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fmt.Fprintf(cmd.ErrOrStderr(), "%s override rejected (%d): %s\n", style.IconFail, resp.StatusCode, strings.TrimSpace(string(msg)))
		return NewSilentExit(1)
	}
	if panesClear {
		fmt.Fprintf(cmd.OutOrStdout(), "%s Cleared override on pane %s\n", style.IconOK, paneID)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s Pane %s pinned to %s\n", style.IconOK, paneID, style.Bold.Render(args[1]))
	}
	return nil
}
