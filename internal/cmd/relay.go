package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hivemind-run/hivemind/internal/paneclient"
	"github.com/hivemind-run/hivemind/internal/relay"
	"github.com/hivemind-run/hivemind/internal/reliability"
	"github.com/hivemind-run/hivemind/internal/statusapi"
	"github.com/hivemind-run/hivemind/internal/style"
)

var (
	relayAddr           string
	relayPath           string
	relayRedeliverAfter time.Duration
	relayStaleAfter     time.Duration
	listenRole          string
	listenPane          string
	listenStatusAddr    string
)

var relayCmd = &cobra.Command{
	Use:     "relay",
	GroupID: GroupServices,
	Short:   "Run the message relay",
	RunE:    requireSubcommand,
}

var relayServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the WebSocket relay that routes messages between roles",
	Long: `Serve the relay hub.

Peers register a role (and optionally a device), send messages to other
roles, and answer with delivery acks. The hub keeps an ack ledger so that
delivery checks and retried sends can be answered without double delivery.`,
	Args: cobra.NoArgs,
	RunE: runRelayServe,
}

var listenCmd = &cobra.Command{
	Use:     "listen",
	GroupID: GroupMessaging,
	Short:   "Deliver relay messages for a role into its pane",
	Long: `Register a role with the relay and type every message routed to it into
the role's pane. Requires the supervisor (hm daemon) and the relay.`,
	Args: cobra.NoArgs,
	RunE: runListen,
}

func init() {
	relayServeCmd.Flags().StringVar(&relayAddr, "addr", "127.0.0.1:9900", "Listen address")
	relayServeCmd.Flags().StringVar(&relayPath, "path", "/ws", "WebSocket path")
	relayServeCmd.Flags().DurationVar(&relayRedeliverAfter, "redeliver-after", 0, "Redeliver an unacknowledged message on retry after this long")
	relayServeCmd.Flags().DurationVar(&relayStaleAfter, "stale-after", 0, "Report a silent peer as stale after this long")

	listenCmd.Flags().StringVar(&listenRole, "role", "", "Role to serve (default: relay.role)")
	listenCmd.Flags().StringVar(&listenPane, "pane", "", "Pane to inject into (default: from roles.panes)")
	listenCmd.Flags().StringVar(&listenStatusAddr, "status-addr", "", "Serve delivery stats and metrics on this address")

	relayCmd.AddCommand(relayServeCmd)
	rootCmd.AddCommand(relayCmd, listenCmd)
}

func runRelayServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	roles := make([]string, 0, len(cfg.Roles.Panes))
	for role := range cfg.Roles.Panes {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	hub := relay.NewHub(relay.HubOptions{
		Device:         cfg.Relay.Device,
		KnownRoles:     roles,
		RedeliverAfter: relayRedeliverAfter,
		StaleAfter:     relayStaleAfter,
		Logger:         logger,
	})
	mux := http.NewServeMux()
	mux.Handle(relayPath, hub)

	srv := &http.Server{Addr: relayAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	fmt.Fprintf(cmd.OutOrStdout(), "%s Relay listening on %s\n", style.IconDot, style.Bold.Render("ws://"+relayAddr+relayPath))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	return srv.Shutdown(shutdownCtx)
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	role := strings.ToLower(listenRole)
	if role == "" {
		role = strings.ToLower(cfg.Relay.Role)
	}
	if canonical, ok := cfg.Roles.Aliases[role]; ok {
		role = canonical
	}
	if role == "" {
		return errors.New("listen requires --role or relay.role")
	}
	paneID := listenPane
	if paneID == "" {
		paneID = cfg.Roles.Panes[role]
	}
	if paneID == "" {
		return fmt.Errorf("no pane configured for role %q (set roles.panes or --pane)", role)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	opts := paneclient.OptionsFromConfig(cfg)
	opts.Logger = logger
	pc := paneclient.New(opts)
	if err := pc.Connect(ctx); err != nil {
		return fmt.Errorf("%w (is 'hm daemon' running?)", err)
	}
	defer pc.Disconnect()

	client, err := relay.Dial(ctx, relay.ClientOptions{
		URL:         cfg.Relay.URL,
		Role:        role,
		Device:      cfg.Relay.Device,
		DialTimeout: cfg.Relay.DialTimeout.D(),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}

	stats := reliability.New(reliability.WithMetrics())
	if listenStatusAddr != "" {
		api := statusapi.New(statusapi.Options{Stats: stats, Logger: logger})
		go func() {
			if err := api.ListenAndServe(ctx, listenStatusAddr); err != nil {
				logger.Error("status API stopped", "err", err)
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s Listening as %s -> pane %s\n", style.IconDot, style.Bold.Render(role), paneID)
	l := relay.NewListener(client, pc, paneID, logger)
	l.Stats = stats
	err = l.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if errors.Is(err, relay.ErrClosed) {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s relay connection closed\n", style.IconWarn)
		return NewSilentExit(1)
	}
	return err
}
