package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v2"

	"github.com/hivemind-run/hivemind/internal/config"
	"github.com/hivemind-run/hivemind/internal/monitoring"
	"github.com/hivemind-run/hivemind/internal/paneclient"
	"github.com/hivemind-run/hivemind/internal/protocol"
	"github.com/hivemind-run/hivemind/internal/reliability"
	"github.com/hivemind-run/hivemind/internal/statusapi"
	"github.com/hivemind-run/hivemind/internal/style"
	"github.com/hivemind-run/hivemind/internal/trigger"
	"github.com/hivemind-run/hivemind/internal/util"
)

var (
	triggersStatusAddr string
	triggersMode       string
	triggersJSON       bool
	triggersSender     string
	triggersUpdatedBy  string
)

var triggersCmd = &cobra.Command{
	Use:     "triggers",
	GroupID: GroupMessaging,
	Short:   "File-based message routing into panes",
	Long: `Trigger files under .hivemind/triggers carry messages into panes.

<role>.txt goes to one role (aliases work: worker.txt reaches the builder).
all.txt, workers.txt and others-<role>.txt fan out to several roles. Each
message starts with a "(SENDER #N): " envelope; a sequence number already
seen from that sender is dropped as a duplicate.`,
	RunE: requireSubcommand,
}

var triggersWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch trigger files and inject their messages into panes",
	Long: `Watch the trigger directory and route every message into its panes.

Requires a running supervisor (hm daemon). With --status-addr the reliability
stats, pane status and Prometheus metrics are served over HTTP at /stats,
/panes, /dedup and /metrics.`,
	Args: cobra.NoArgs,
	RunE: runTriggersWatch,
}

var triggersDedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Inspect or reset the sequence dedup state",
	RunE:  requireSubcommand,
}

var triggersDedupShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the highest sequence seen per recipient and sender",
	Args:  cobra.NoArgs,
	RunE:  runTriggersDedupShow,
}

var triggersDedupResetCmd = &cobra.Command{
	Use:   "reset <recipient>",
	Short: "Forget the sequences recorded for a recipient",
	Args:  cobra.ExactArgs(1),
	RunE:  runTriggersDedupReset,
}

var triggersWorkflowCmd = &cobra.Command{
	Use:   "workflow [state]",
	Short: "Show or set the workflow state that gates broadcasts",
	Long: `Show or set the workflow state.

While the state is "reviewing", all/workers/others-* broadcasts are not
delivered to execution roles. Direct messages always pass.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTriggersWorkflow,
}

func init() {
	triggersWatchCmd.Flags().StringVar(&triggersStatusAddr, "status-addr", "", "Serve the status API on this address (default: trigger.status_addr)")
	triggersWatchCmd.Flags().StringVar(&triggersMode, "mode", "", "Injection mode: pty or sdk (default: trigger.mode)")

	triggersDedupShowCmd.Flags().BoolVar(&triggersJSON, "json", false, "Output as JSON")
	triggersDedupResetCmd.Flags().StringVar(&triggersSender, "sender", "", "Only forget this sender")
	triggersWorkflowCmd.Flags().StringVar(&triggersUpdatedBy, "by", "", "Who changed the state")

	triggersDedupCmd.AddCommand(triggersDedupShowCmd, triggersDedupResetCmd)
	triggersCmd.AddCommand(triggersWatchCmd, triggersDedupCmd, triggersWorkflowCmd)
	rootCmd.AddCommand(triggersCmd)
}

func runTriggersWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if triggersMode != "" {
		cfg.Trigger.Mode = triggersMode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	logger := newLogger(cmd, cfg)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	opts := paneclient.OptionsFromConfig(cfg)
	opts.Logger = logger
	pc := paneclient.New(opts)
	if err := pc.Connect(ctx); err != nil {
		return fmt.Errorf("%w (is 'hm daemon' running?)", err)
	}
	defer pc.Disconnect()

	dedup, err := trigger.LoadDedupStore(cfg.Trigger.DedupStatePath, cfg.Trigger.SeqResetThreshold, cfg.Trigger.SessionMarkers)
	if err != nil {
		logger.Warn("starting with empty dedup state", "err", err)
	}
	tracker, err := monitoring.NewTrackerFromConfig(cfg.Monitoring)
	if err != nil {
		return err
	}
	stats := reliability.New(reliability.WithMetrics())

	var injector trigger.Injector = trigger.PTYInjector{Client: pc}
	if cfg.Trigger.Mode == string(reliability.ModeSDK) {
		injector = trigger.SDKInjector{Client: pc, Timeout: cfg.Supervisor.CodexExecTimeout.D()}
	}

	router, err := trigger.NewRouter(trigger.Options{
		Config:   cfg,
		Dedup:    dedup,
		Gate:     trigger.NewWorkflowGate(cfg.Trigger.WorkflowStatePath),
		Stats:    stats,
		Tracker:  tracker,
		Injector: injector,
		Panes:    pc,
		Claims:   trigger.JSONLSink{Path: cfg.Trigger.ClaimsPath},
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	events, unsubscribe := pc.Subscribe(0)
	defer unsubscribe()
	go trackPanes(ctx, events, tracker)

	statusAddr := triggersStatusAddr
	if statusAddr == "" {
		statusAddr = cfg.Trigger.StatusAddr
	}
	if statusAddr != "" {
		api := statusapi.New(statusapi.Options{Stats: stats, Panes: tracker, Dedup: dedup, Overrides: tracker, Logger: logger})
		go func() {
			if err := api.ListenAndServe(ctx, statusAddr); err != nil {
				logger.Error("status API stopped", "err", err)
			}
		}()
	}

	out := cmd.OutOrStdout()
	w := &trigger.Watcher{
		Dir:          cfg.Trigger.Dir,
		PollInterval: cfg.Trigger.PollInterval.D(),
		Processor:    router,
		OnResults:    func(results []trigger.Result) { printTriggerResults(out, logger, results) },
		Logger:       logger,
	}
	fmt.Fprintf(out, "%s Watching %s (%s mode)\n", style.IconDot, style.Bold.Render(cfg.Trigger.Dir), cfg.Trigger.Mode)
	return w.Run(ctx)
}

// trackPanes feeds supervisor events into the status tracker.
func trackPanes(ctx context.Context, events <-chan protocol.Event, tracker *monitoring.Tracker) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Event {
			case protocol.EventData:
				tracker.RecordOutput(ev.PaneID, ev.Data)
			case protocol.EventSpawned:
				tracker.MarkRunning(ev.PaneID)
			case protocol.EventExit, protocol.EventKilled:
				tracker.MarkOffline(ev.PaneID)
			case protocol.EventConnected, protocol.EventList:
				for _, t := range ev.Terminals {
					if t.Alive {
						tracker.MarkRunning(t.PaneID)
					} else {
						tracker.MarkOffline(t.PaneID)
					}
				}
			}
		}
	}
}

func printTriggerResults(out io.Writer, logger *slog.Logger, results []trigger.Result) {
	for _, r := range results {
		who := r.Recipient
		if who == "" {
			who = r.Target
		}
		switch r.Outcome {
		case trigger.OutcomeDelivered:
			fmt.Fprintf(out, "%s %s -> %s (pane %s)\n", style.IconOK, senderLabel(r), who, r.PaneID)
		case trigger.OutcomeDuplicate, trigger.OutcomeReplay, trigger.OutcomeEmpty:
			logger.Debug("trigger skipped", "target", r.Target, "outcome", r.Outcome, "reason", r.Reason)
		case trigger.OutcomeBlocked:
			fmt.Fprintf(out, "%s %s -> %s held: %s\n", style.IconWarn, senderLabel(r), who, r.Reason)
		default:
			fmt.Fprintf(out, "%s %s -> %s %s: %v\n", style.IconFail, senderLabel(r), who, r.Outcome, r.Err)
		}
	}
}

func senderLabel(r trigger.Result) string {
	if r.Sender == "" {
		return "?"
	}
	if r.Seq != nil {
		return fmt.Sprintf("%s #%d", r.Sender, *r.Seq)
	}
	return r.Sender
}

func openDedup(cfg *config.Config) (*trigger.DedupStore, error) {
	return trigger.LoadDedupStore(cfg.Trigger.DedupStatePath, cfg.Trigger.SeqResetThreshold, cfg.Trigger.SessionMarkers)
}

func runTriggersDedupShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openDedup(cfg)
	if err != nil {
		return err
	}
	state := store.Snapshot()
	if triggersJSON {
		return outputJSON(cmd, state)
	}
	if len(state) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), style.Dim.Render("No sequences recorded."))
		return nil
	}

	recipients := make([]string, 0, len(state))
	for r := range state {
		recipients = append(recipients, r)
	}
	sort.Strings(recipients)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECIPIENT\tSENDER\tLAST SEQ")
	for _, r := range recipients {
		senders := make([]string, 0, len(state[r]))
		for s := range state[r] {
			senders = append(senders, s)
		}
		sort.Strings(senders)
		for _, s := range senders {
			fmt.Fprintf(w, "%s\t%s\t%d\n", r, s, state[r][s])
		}
	}
	return w.Flush()
}

func runTriggersDedupReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openDedup(cfg)
	if err != nil {
		return err
	}
	recipient := strings.ToLower(args[0])
	sender := strings.ToLower(triggersSender)
	if err := store.Reset(recipient, sender); err != nil {
		return err
	}
	if sender != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s Reset %s for sender %s\n", style.IconOK, recipient, sender)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s Reset %s\n", style.IconOK, recipient)
	}
	return nil
}

func runTriggersWorkflow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gate := trigger.NewWorkflowGate(cfg.Trigger.WorkflowStatePath)

	if len(args) == 0 {
		ws, err := gate.Load()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s workflow state: %s\n", style.IconDot, style.Bold.Render(ws.Current()))
		return nil
	}

	ws := trigger.WorkflowState{State: strings.ToLower(args[0]), UpdatedBy: triggersUpdatedBy}
	switch ws.State {
	case trigger.WorkflowIdle, trigger.WorkflowPlanning, trigger.WorkflowExecuting, trigger.WorkflowReviewing:
	default:
		return fmt.Errorf("unknown workflow state %q", args[0])
	}
	data, err := yaml.Marshal(ws)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(gate.Path), 0o755); err != nil {
		return err
	}
	if err := util.AtomicWriteFile(gate.Path, data, 0o644); err != nil {
		return fmt.Errorf("writing workflow state: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s workflow state set to %s\n", style.IconOK, style.Bold.Render(ws.State))
	return nil
}
