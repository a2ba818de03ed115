// Package cmd implements the hm command line.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hivemind-run/hivemind/internal/config"
	"github.com/hivemind-run/hivemind/internal/logging"
	"github.com/hivemind-run/hivemind/internal/style"
)

// Command groups shown in help output.
const (
	GroupServices  = "services"
	GroupMessaging = "messaging"
	GroupPanes     = "panes"
)

var (
	projectDir string
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "hm",
	Short: "Coordinate agent panes: supervisor, relay delivery and trigger routing",
	Long: `hm runs a small team of agent panes on one machine.

A supervisor owns one pseudo-terminal per pane. Messages reach panes either
through the WebSocket relay (hm send, hm listen) or through trigger files
under .hivemind/triggers (hm triggers watch).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupServices, Title: "Services:"},
		&cobra.Group{ID: GroupMessaging, Title: "Messaging:"},
		&cobra.Group{ID: GroupPanes, Title: "Panes:"},
	)
	rootCmd.PersistentFlags().StringVar(&projectDir, "project", "", "Project root (default: nearest directory with .hivemind, else cwd)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <project>/.hivemind/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	return execute(rootCmd)
}

func execute(c *cobra.Command) int {
	if err := c.Execute(); err != nil {
		var silent *SilentExit
		if errors.As(err, &silent) {
			return silent.Code
		}
		fmt.Fprintf(c.ErrOrStderr(), "%s %v\n", style.IconFail, err)
		return 1
	}
	return 0
}

func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	return fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())
}

// loadConfig resolves the project root and loads its configuration.
func loadConfig() (*config.Config, error) {
	root := projectDir
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root, err = config.FindProjectRoot(cwd)
		if errors.Is(err, config.ErrNoProject) {
			root = cwd
		} else if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(root, configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return logging.New(cfg.Log, cmd.ErrOrStderr())
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
