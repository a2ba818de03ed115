package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hivemind-run/hivemind/internal/config"
	"github.com/hivemind-run/hivemind/internal/constants"
	"github.com/hivemind-run/hivemind/internal/delivery"
	"github.com/hivemind-run/hivemind/internal/relay"
	"github.com/hivemind-run/hivemind/internal/style"
)

var (
	sendFrom        string
	sendRelayURL    string
	sendTimeout     time.Duration
	sendRetries     int
	sendBackoff     time.Duration
	sendNoFallback  bool
	sendListDevices bool
	sendFile        string
	sendMessageID   string
)

var sendCmd = &cobra.Command{
	Use:     "send <target> [message...]",
	GroupID: GroupMessaging,
	Short:   "Send a message to a role through the relay",
	Long: `Send a message to a role and wait for the relay's acknowledgement.

Targets are role names or aliases (worker, lead, ...), the reserved channels
user and telegram, or @device-role for a role on another device.

Each attempt waits --timeout for an ack and then backs off before the next
one, doubling up to delivery.max_backoff. After the last attempt the relay is
asked whether an earlier attempt was delivered after all. If not, the message
is appended to the target's trigger file unless --no-fallback is set.

The message is read from --file, the remaining arguments, or stdin.

Exit codes:
  0 - Delivered, or written to the fallback trigger file
  1 - Rejected, blocked by preflight, or undeliverable`,
	Args: cobra.ArbitraryArgs,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendFrom, "from", "", "Sender role (default: relay.role, else cli)")
	sendCmd.Flags().StringVar(&sendFrom, "role", "", "Alias for --from")
	sendCmd.Flags().StringVar(&sendRelayURL, "relay", "", "Relay WebSocket URL (default: relay.url)")
	sendCmd.Flags().Var(newMillisDuration(&sendTimeout, 0), "timeout", "Per-attempt ack timeout; a bare number is milliseconds (default: delivery.timeout)")
	sendCmd.Flags().IntVar(&sendRetries, "retries", -1, "Retries after the first attempt (default: delivery.retries)")
	sendCmd.Flags().Var(newMillisDuration(&sendBackoff, 0), "backoff", "Initial backoff between attempts; a bare number is milliseconds (default: delivery.backoff)")
	sendCmd.Flags().BoolVar(&sendNoFallback, "no-fallback", false, "Do not write a trigger file when delivery fails")
	sendCmd.Flags().BoolVar(&sendListDevices, "list-devices", false, "List devices connected to the relay and exit")
	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Read the message from a file ('-' for stdin)")
	sendCmd.Flags().StringVar(&sendMessageID, "id", "", "Message id (default: random)")

	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if sendRelayURL != "" {
		cfg.Relay.URL = sendRelayURL
	}
	if sendTimeout > 0 {
		cfg.Delivery.Timeout = config.Duration(sendTimeout)
	}
	if sendRetries >= 0 {
		cfg.Delivery.Retries = sendRetries
	}
	if sendBackoff > 0 {
		cfg.Delivery.Backoff = config.Duration(sendBackoff)
	}
	logger := newLogger(cmd, cfg)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if sendListDevices {
		return listDevices(ctx, cmd, cfg)
	}
	if len(args) == 0 {
		return errors.New("send requires a target")
	}
	target := args[0]
	content, err := readMessage(cmd, args[1:])
	if err != nil {
		return err
	}

	sender := sendFrom
	if sender == "" {
		sender = cfg.Relay.Role
	}
	if sender == "" {
		sender = "cli"
	}
	msg := delivery.Message{
		ID:         sendMessageID,
		Sender:     sender,
		Target:     target,
		Content:    content,
		NoFallback: sendNoFallback,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	out := cmd.OutOrStdout()
	client, err := relay.Dial(ctx, relay.ClientOptions{
		URL:         cfg.Relay.URL,
		Role:        "cli-" + strings.ToLower(sender),
		Device:      cfg.Relay.Device,
		DialTimeout: cfg.Relay.DialTimeout.D(),
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s relay unreachable: %v\n", style.IconWarn, err)
		return sendOffline(ctx, cmd, cfg, msg)
	}
	defer client.Close()

	opts := delivery.OptionsFromConfig(cfg)
	opts.Logger = logger
	attempts := cfg.Delivery.Retries + 1
	opts.OnEvent = func(ev delivery.Event) {
		switch ev.State {
		case delivery.StateSent:
			fmt.Fprintf(out, "%s attempt %d/%d -> %s\n", style.Dim.Render("…"), ev.Attempt, attempts, target)
		case delivery.StateAckTimeout:
			fmt.Fprintf(out, "%s no ack within %s\n", style.Dim.Render("…"), cfg.Delivery.Timeout.D())
		}
	}
	engine := delivery.NewEngine(client, opts)
	res := engine.Send(ctx, msg)
	printSendResult(out, cmd.ErrOrStderr(), res)
	if code := res.ExitCode(); code != 0 {
		return NewSilentExit(code)
	}
	return nil
}

// sendOffline writes the fallback directly when no relay connection could
// be made.
func sendOffline(ctx context.Context, cmd *cobra.Command, cfg *config.Config, msg delivery.Message) error {
	if msg.NoFallback || !cfg.Delivery.Fallback {
		return NewSilentExit(1)
	}
	route, err := delivery.NewRouter(cfg.Roles).Resolve(msg.Sender, msg.Target)
	if err != nil {
		return err
	}
	for _, w := range route.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", style.IconWarn, w)
	}
	if !route.HasLocalFallback() {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s has no local trigger file\n", style.IconFail, route.RelayTarget())
		return NewSilentExit(1)
	}
	fw := delivery.FallbackWriter{Dir: cfg.Trigger.Dir, ProjectName: cfg.Project.Name, ProjectPath: cfg.Project.Path}
	path, err := fw.Write(ctx, route.Role, msg.ID, msg.Content)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s relay offline; wrote fallback to %s\n", style.IconWarn, path)
	return nil
}

func printSendResult(out, errOut io.Writer, res delivery.Result) {
	for _, w := range res.Route.Warnings {
		fmt.Fprintf(errOut, "%s %s\n", style.IconWarn, w)
	}

	status := ""
	if res.Ack != nil {
		status = res.Ack.Status
	}
	target := res.Route.RelayTarget()
	switch {
	case res.Delivered() && res.Reconciled:
		fmt.Fprintf(out, "%s delivered to %s (confirmed by delivery check: %s)\n", style.IconOK, target, status)
	case res.Delivered() && res.Verdict.Unverified:
		fmt.Fprintf(out, "%s accepted by %s but unverified (%s)\n", style.IconWarn, target, status)
	case res.Delivered():
		fmt.Fprintf(out, "%s delivered to %s (%s) after %d attempt(s)\n", style.IconOK, target, status, res.Attempts)
	case res.State == delivery.StateFallback:
		fmt.Fprintf(out, "%s not acknowledged; wrote fallback to %s\n", style.IconWarn, res.FallbackPath)
	case res.State == delivery.StateBlocked:
		fmt.Fprintf(errOut, "%s %s is not a valid target (%s); nothing sent\n", style.IconFail, target, relay.HealthInvalidTarget)
	default:
		fmt.Fprintf(errOut, "%s delivery to %s failed: %v\n", style.IconFail, target, res.Err)
	}

	if res.UnknownDevice || (status == relay.StatusTargetOffline && len(res.ConnectedDevices) > 0) {
		if len(res.ConnectedDevices) == 0 {
			fmt.Fprintf(errOut, "  no devices are connected to the relay\n")
		} else {
			fmt.Fprintf(errOut, "  connected devices: %s\n", strings.Join(res.ConnectedDevices, ", "))
		}
	}
}

func readMessage(cmd *cobra.Command, args []string) (string, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case sendFile == "-":
		data, err = io.ReadAll(cmd.InOrStdin())
	case sendFile != "":
		data, err = os.ReadFile(sendFile)
	case len(args) > 0:
		return strings.Join(args, " "), nil
	default:
		data, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return "", fmt.Errorf("reading message: %w", err)
	}
	msg := strings.TrimRight(string(data), "\r\n")
	if strings.TrimSpace(msg) == "" {
		return "", errors.New("empty message")
	}
	return msg, nil
}

func listDevices(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	logger := newLogger(cmd, cfg)
	dial := func(url string) *relay.Client {
		if url == "" {
			return nil
		}
		c, err := relay.Dial(ctx, relay.ClientOptions{
			URL:         url,
			Role:        "cli-discovery",
			Device:      cfg.Relay.Device,
			DialTimeout: cfg.Relay.DialTimeout.D(),
			Logger:      logger,
		})
		if err != nil {
			logger.Debug("discovery endpoint unreachable", "url", url, "err", err)
			return nil
		}
		return c
	}

	d := &delivery.Discovery{
		CachePath: filepath.Join(cfg.StateDir(), constants.FileDeviceCache),
		Timeout:   cfg.Delivery.DiscoveryTimeout.D(),
		Logger:    logger,
	}
	if bridge := dial(cfg.Relay.BridgeURL); bridge != nil {
		defer bridge.Close()
		d.Bridge = bridge
	}
	if rc := dial(cfg.Relay.URL); rc != nil {
		defer rc.Close()
		d.Relay = rc
	}

	res, err := d.Run(ctx)
	if errors.Is(err, delivery.ErrDiscoveryUnsupported) {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s the relay does not support device discovery\n", style.IconFail)
		return NewSilentExit(1)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Devices %s\n", style.Title.Render("●"), style.Dim.Render("("+res.Label()+")"))
	if len(res.Devices) == 0 {
		fmt.Fprintln(out, style.Dim.Render("  none connected"))
	}
	for _, dev := range res.Devices {
		fmt.Fprintf(out, "  %s  %s\n", style.Bold.Render(dev.Device), strings.Join(dev.Roles, ", "))
	}
	return nil
}
