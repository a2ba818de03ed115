// Package config loads hivemind configuration. Values come from defaults,
// then <project>/.hivemind/config.toml, then HM_* environment variables, and
// finally command-line flags, each layer overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/hivemind-run/hivemind/internal/constants"
)

// ErrNoProject is returned by FindProjectRoot when no .hivemind directory is
// found between the start directory and the filesystem root.
var ErrNoProject = errors.New("not inside a hivemind project")

// Duration is a time.Duration that decodes from TOML strings like "1.5s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the complete hivemind configuration.
type Config struct {
	Project    ProjectConfig    `toml:"project"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Relay      RelayConfig      `toml:"relay"`
	Delivery   DeliveryConfig   `toml:"delivery"`
	Trigger    TriggerConfig    `toml:"trigger"`
	Roles      RolesConfig      `toml:"roles"`
	Monitoring MonitoringConfig `toml:"monitoring"`
	Log        LogConfig        `toml:"log"`
}

// ProjectConfig identifies the project messages belong to.
type ProjectConfig struct {
	Name string `toml:"name"`
	Path string `toml:"path"`

	// SessionID, when set, overrides every other session source.
	SessionID string `toml:"session_id"`
}

// SupervisorConfig configures the pane supervisor and its clients.
type SupervisorConfig struct {
	SocketPath string   `toml:"socket_path"`
	Shell      string   `toml:"shell"`
	ShellArgs  []string `toml:"shell_args"`
	Cols       int      `toml:"cols"`
	Rows       int      `toml:"rows"`

	// ScrollbackBytes bounds the per-pane output replayed on attach.
	ScrollbackBytes int `toml:"scrollback_bytes"`

	PingTimeout      Duration `toml:"ping_timeout"`
	WriteAckTimeout  Duration `toml:"write_ack_timeout"`
	CodexExecTimeout Duration `toml:"codex_exec_timeout"`

	// CodexCommand is the argv used for codex-exec; the prompt is appended.
	CodexCommand []string `toml:"codex_command"`
}

// RelayConfig locates the message relay.
type RelayConfig struct {
	URL string `toml:"url"`

	// BridgeURL is a locally running bridge, preferred for device discovery.
	BridgeURL   string   `toml:"bridge_url"`
	Role        string   `toml:"role"`
	Device      string   `toml:"device"`
	DialTimeout Duration `toml:"dial_timeout"`
}

// DeliveryConfig tunes the send/retry/ack engine.
type DeliveryConfig struct {
	Timeout              Duration `toml:"timeout"`
	Retries              int      `toml:"retries"`
	Backoff              Duration `toml:"backoff"`
	BackoffMultiplier    float64  `toml:"backoff_multiplier"`
	MaxBackoff           Duration `toml:"max_backoff"`
	HealthTimeout        Duration `toml:"health_timeout"`
	DeliveryCheckTimeout Duration `toml:"delivery_check_timeout"`
	DiscoveryTimeout     Duration `toml:"discovery_timeout"`
	Fallback             bool     `toml:"fallback"`

	// SuccessStatuses and TerminalFailureStatuses feed the ack classifier.
	// Patterns may use a leading or trailing '*' wildcard.
	SuccessStatuses         []string `toml:"success_statuses"`
	TerminalFailureStatuses []string `toml:"terminal_failure_statuses"`
}

// TriggerConfig configures the file-based trigger router.
type TriggerConfig struct {
	Dir               string   `toml:"dir"`
	DedupStatePath    string   `toml:"dedup_state_path"`
	WorkflowStatePath string   `toml:"workflow_state_path"`
	ClaimsPath        string   `toml:"claims_path"`
	SeqResetThreshold int      `toml:"seq_reset_threshold"`
	SessionMarkers    []string `toml:"session_markers"`
	PollInterval      Duration `toml:"poll_interval"`

	// Mode is the injection transport recorded in stats: "pty" or "sdk".
	Mode string `toml:"mode"`

	// StatusAddr is where "hm triggers watch" serves the status API, and
	// where "hm panes override" sends overrides. Empty disables it.
	StatusAddr string `toml:"status_addr"`
}

// RerouteRule redirects a sender's message away from a target it should not
// address. Sender is a glob matched against the sender role.
type RerouteRule struct {
	Sender string `toml:"sender"`
	Target string `toml:"target"`
	To     string `toml:"to"`
	Reason string `toml:"reason"`
}

// RolesConfig describes the pane roles and how names map onto them.
type RolesConfig struct {
	// Panes maps canonical role to pane id.
	Panes map[string]string `toml:"panes"`

	// Aliases maps alternate names onto canonical roles.
	Aliases map[string]string `toml:"aliases"`

	// Execution lists roles subject to the workflow gate.
	Execution []string `toml:"execution"`

	// Skills lists advertised skills per role for best-agent routing.
	Skills map[string][]string `toml:"skills"`

	Reroutes []RerouteRule `toml:"reroute"`
}

// StatusPattern maps pane output matching Match (a regular expression) onto
// a pane status.
type StatusPattern struct {
	Match  string `toml:"match"`
	Status string `toml:"status"`
}

// MonitoringConfig tunes pane status inference.
type MonitoringConfig struct {
	IdleTimeout  Duration `toml:"idle_timeout"`
	StaleTimeout Duration `toml:"stale_timeout"`
	StuckTimeout Duration `toml:"stuck_timeout"`

	// Patterns are checked after the built-in ones.
	Patterns []StatusPattern `toml:"pattern"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in configuration for a project rooted at root.
func Default(root string) *Config {
	name := filepath.Base(root)
	return &Config{
		Project: ProjectConfig{
			Name: name,
			Path: root,
		},
		Supervisor: SupervisorConfig{
			SocketPath:       DefaultSocketPath(),
			Shell:            defaultShell(),
			Cols:             120,
			Rows:             40,
			ScrollbackBytes:  64 * 1024,
			PingTimeout:      Duration(2 * time.Second),
			WriteAckTimeout:  Duration(2 * time.Second),
			CodexExecTimeout: Duration(5 * time.Minute),
			CodexCommand:     []string{"codex", "exec"},
		},
		Relay: RelayConfig{
			URL:         "ws://127.0.0.1:9900/ws",
			DialTimeout: Duration(3 * time.Second),
		},
		Delivery: DeliveryConfig{
			Timeout:              Duration(1200 * time.Millisecond),
			Retries:              3,
			Backoff:              Duration(500 * time.Millisecond),
			BackoffMultiplier:    2.0,
			MaxBackoff:           Duration(8 * time.Second),
			HealthTimeout:        Duration(800 * time.Millisecond),
			DeliveryCheckTimeout: Duration(800 * time.Millisecond),
			DiscoveryTimeout:     Duration(3 * time.Second),
			Fallback:             true,
		},
		Trigger: TriggerConfig{
			Dir:               filepath.Join(root, constants.DirHivemind, constants.DirTriggers),
			DedupStatePath:    filepath.Join(root, constants.DirHivemind, constants.DirState, constants.FileDedupState),
			WorkflowStatePath: filepath.Join(root, constants.DirHivemind, constants.DirState, constants.FileWorkflow),
			ClaimsPath:        filepath.Join(root, constants.DirHivemind, constants.DirState, constants.FileClaims),
			SeqResetThreshold: 50,
			SessionMarkers:    []string{"[SESSION START]", "# SESSION START"},
			PollInterval:      Duration(30 * time.Second),
			Mode:              "pty",
		},
		Roles: RolesConfig{
			Panes: map[string]string{
				constants.RoleArchitect: "1",
				constants.RoleBuilder:   "2",
				constants.RoleOracle:    "3",
			},
			Aliases: map[string]string{
				"lead":      constants.RoleArchitect,
				"arch":      constants.RoleArchitect,
				"build":     constants.RoleBuilder,
				"worker":    constants.RoleBuilder,
				"backend":   constants.RoleBuilder,
				"frontend":  constants.RoleBuilder,
				"infra":     constants.RoleBuilder,
				"analyst":   constants.RoleOracle,
				"ana":       constants.RoleOracle,
				"reviewer":  constants.RoleOracle,
				"architect": constants.RoleArchitect,
				"builder":   constants.RoleBuilder,
				"oracle":    constants.RoleOracle,
			},
			Execution: []string{constants.RoleBuilder},
			Reroutes: []RerouteRule{{
				Sender: "builder-bg-*",
				Target: constants.RoleBuilder,
				To:     constants.RoleArchitect,
				Reason: "background builders report to the architect",
			}},
		},
		Monitoring: MonitoringConfig{
			IdleTimeout:  Duration(2 * time.Minute),
			StaleTimeout: Duration(10 * time.Minute),
			StuckTimeout: Duration(30 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultSocketPath returns the platform control channel path.
func DefaultSocketPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.TempDir(), "hivemind-terminal.sock")
	}
	return "/tmp/hivemind-terminal.sock"
}

// DisplaySocketName is the name shown to users for the control channel.
func DisplaySocketName() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\hivemind-terminal`
	}
	return DefaultSocketPath()
}

func defaultShell() string {
	if runtime.GOOS == "windows" {
		return "powershell.exe"
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// Load builds the configuration for root: defaults, then the config file at
// path (or the project default when path is empty), then environment.
// A missing project config file is not an error.
func Load(root, path string) (*Config, error) {
	cfg := Default(root)

	explicit := path != ""
	if !explicit {
		path = filepath.Join(root, constants.DirHivemind, constants.FileConfig)
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	} else if explicit || !os.IsNotExist(err) {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	ApplyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engines cannot run with.
func (c *Config) Validate() error {
	if c.Supervisor.SocketPath == "" {
		return errors.New("supervisor.socket_path must be set")
	}
	if c.Delivery.Retries < 0 {
		return fmt.Errorf("delivery.retries must be >= 0, got %d", c.Delivery.Retries)
	}
	if c.Delivery.Timeout <= 0 {
		return errors.New("delivery.timeout must be positive")
	}
	if c.Delivery.Backoff < 0 {
		return errors.New("delivery.backoff must not be negative")
	}
	if c.Trigger.Dir == "" {
		return errors.New("trigger.dir must be set")
	}
	switch c.Trigger.Mode {
	case "pty", "sdk":
	default:
		return fmt.Errorf("trigger.mode must be pty or sdk, got %q", c.Trigger.Mode)
	}
	for role := range c.Roles.Panes {
		if role == "" {
			return errors.New("roles.panes has an empty role name")
		}
	}
	return nil
}

// StateDir returns the directory holding runtime state files.
func (c *Config) StateDir() string {
	return filepath.Join(c.Project.Path, constants.DirHivemind, constants.DirState)
}

// IsExecutionRole reports whether role is gated by workflow state.
func (c *Config) IsExecutionRole(role string) bool {
	for _, r := range c.Roles.Execution {
		if r == role {
			return true
		}
	}
	return false
}

// RoleForPane returns the canonical role bound to paneID.
func (c *Config) RoleForPane(paneID string) (string, bool) {
	for role, id := range c.Roles.Panes {
		if id == paneID {
			return role, true
		}
	}
	return "", false
}

// FindProjectRoot walks up from dir looking for a .hivemind directory.
func FindProjectRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		info, err := os.Stat(filepath.Join(abs, constants.DirHivemind))
		if err == nil && info.IsDir() {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", ErrNoProject
		}
		abs = parent
	}
}
