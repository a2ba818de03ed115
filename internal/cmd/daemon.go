package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hivemind-run/hivemind/internal/config"
	"github.com/hivemind-run/hivemind/internal/style"
	"github.com/hivemind-run/hivemind/internal/supervisor"
)

var daemonSocket string

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: GroupServices,
	Short:   "Run the pane supervisor",
	Long: `Run the process supervisor in the foreground.

The supervisor owns one pseudo-terminal per pane and serves clients over a
local socket using newline-delimited JSON. Only one supervisor may own a
socket; a socket left behind by a crashed supervisor is removed on start.

Panes survive client disconnects. They stop when the supervisor receives
SIGINT/SIGTERM or a client sends the shutdown action.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&daemonSocket, "socket", "", "Socket path (default: "+config.DisplaySocketName()+")")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if daemonSocket != "" {
		cfg.Supervisor.SocketPath = daemonSocket
	}

	opts := supervisor.OptionsFromConfig(cfg)
	opts.Logger = newLogger(cmd, cfg)
	srv := supervisor.New(opts)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	fmt.Fprintf(cmd.OutOrStdout(), "%s Supervisor starting on %s\n", style.IconDot, style.Bold.Render(cfg.Supervisor.SocketPath))
	err = srv.ListenAndServe(ctx)
	if errors.Is(err, supervisor.ErrAlreadyRunning) {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", style.IconWarn, err)
		return NewSilentExit(1)
	}
	return err
}
