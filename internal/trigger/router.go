// Package trigger routes file-based inbox messages into panes. Each role has
// a trigger file; broadcast files fan out to several roles. Messages carry a
// "(SENDER #N): body" envelope whose sequence is deduplicated per sender
// and recipient.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hivemind-run/hivemind/internal/config"
	"github.com/hivemind-run/hivemind/internal/constants"
	"github.com/hivemind-run/hivemind/internal/delivery"
	"github.com/hivemind-run/hivemind/internal/lock"
	"github.com/hivemind-run/hivemind/internal/logging"
	"github.com/hivemind-run/hivemind/internal/monitoring"
	"github.com/hivemind-run/hivemind/internal/protocol"
	"github.com/hivemind-run/hivemind/internal/reliability"
	"github.com/hivemind-run/hivemind/internal/util"
)

// Outcome is what happened to one message for one recipient.
type Outcome string

const (
	OutcomeDelivered     Outcome = "delivered"
	OutcomeFailed        Outcome = "failed"
	OutcomeTimedOut      Outcome = "timed_out"
	OutcomeEmpty         Outcome = "empty"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeReplay        Outcome = "replay"
	OutcomeBlocked       Outcome = "blocked"
	OutcomeUnknownTarget Outcome = "unknown_target"
	OutcomeNoCandidate   Outcome = "no_running_candidates"
)

// TargetAny routes to the best running agent.
const TargetAny = "any"

// Result describes one routing decision.
type Result struct {
	Target    string
	Recipient string
	PaneID    string
	Kind      reliability.Kind
	Sender    string
	Seq       *int
	MessageID string
	Outcome   Outcome
	Reason    string
	Err       error
}

// PaneLister reports the supervisor's live panes. *paneclient.Client
// satisfies it.
type PaneLister interface {
	Terminals() []protocol.Terminal
}

// Options configures a Router.
type Options struct {
	Config   *config.Config
	Dedup    *DedupStore
	Gate     *WorkflowGate
	Stats    *reliability.Stats
	Tracker  *monitoring.Tracker
	Injector Injector
	Panes    PaneLister
	Claims   ClaimSink

	// ReplayCapacity bounds the remembered fallback message ids.
	ReplayCapacity int
	Logger         *slog.Logger
}

// Router dispatches trigger files. Process is meant to be called from one
// goroutine at a time; the watcher guarantees that.
type Router struct {
	cfg      *config.Config
	roles    *delivery.Router
	dedup    *DedupStore
	gate     *WorkflowGate
	stats    *reliability.Stats
	tracker  *monitoring.Tracker
	injector Injector
	panes    PaneLister
	claims   ClaimSink
	replay   *replayGuard
	log      *slog.Logger
	now      func() time.Time
}

// NewRouter creates a Router. Config and Injector are required.
func NewRouter(opts Options) (*Router, error) {
	if opts.Config == nil {
		return nil, errors.New("trigger router: config is required")
	}
	if opts.Injector == nil {
		return nil, errors.New("trigger router: injector is required")
	}
	r := &Router{
		cfg:      opts.Config,
		roles:    delivery.NewRouter(opts.Config.Roles),
		dedup:    opts.Dedup,
		gate:     opts.Gate,
		stats:    opts.Stats,
		tracker:  opts.Tracker,
		injector: opts.Injector,
		panes:    opts.Panes,
		claims:   opts.Claims,
		replay:   newReplayGuard(opts.ReplayCapacity),
		log:      logging.OrDefault(opts.Logger).With("component", "trigger"),
		now:      time.Now,
	}
	if r.dedup == nil {
		r.dedup, _ = LoadDedupStore("", opts.Config.Trigger.SeqResetThreshold, opts.Config.Trigger.SessionMarkers)
	}
	if r.stats == nil {
		r.stats = reliability.New()
	}
	if r.tracker == nil {
		r.tracker = monitoring.NewTracker()
	}
	return r, nil
}

// Stats returns the router's reliability stats.
func (r *Router) Stats() *reliability.Stats { return r.stats }

// Tracker returns the pane performance tracker.
func (r *Router) Tracker() *monitoring.Tracker { return r.tracker }

// Dedup returns the sequence store.
func (r *Router) Dedup() *DedupStore { return r.dedup }

// TargetOf returns the trigger target named by a trigger file path.
func TargetOf(path string) string {
	base := filepath.Base(path)
	return strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
}

// Process consumes one trigger file and dispatches every message in it.
// Encoding damage is corrected in the file before dispatch; the consumed
// content is then removed, keeping anything appended meanwhile.
func (r *Router) Process(ctx context.Context, path string) ([]Result, error) {
	content, err := r.read(ctx, path)
	if err != nil || content == "" {
		return nil, err
	}

	target := TargetOf(path)
	var results []Result
	for _, rec := range SplitRecords(content) {
		results = append(results, r.dispatch(ctx, target, rec)...)
	}

	if err := r.consume(ctx, path, content); err != nil {
		return results, err
	}
	return results, nil
}

// read returns the decoded file content, rewriting the file as clean UTF-8
// when decoding changed it.
func (r *Router) read(ctx context.Context, path string) (string, error) {
	var text string
	err := lock.WithFileLock(ctx, path, func() error {
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return nil
		}
		decoded, changed := Decode(raw)
		text = decoded
		if changed {
			r.log.Info("corrected trigger encoding", "path", path, "bytes", len(raw))
			return util.AtomicWriteFile(path, []byte(decoded), 0o644)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reading trigger %s: %w", path, err)
	}
	return text, nil
}

func (r *Router) consume(ctx context.Context, path, content string) error {
	return lock.WithFileLock(ctx, path, func() error {
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		current, _ := Decode(raw)
		rest, ok := strings.CutPrefix(current, content)
		if !ok {
			r.log.Warn("trigger file rewritten during dispatch; leaving it", "path", path)
			return nil
		}
		return util.AtomicWriteFile(path, []byte(rest), 0o644)
	})
}

// recipient is a canonical role and its pane. The role is also the dedup
// recipient, so alias files and broadcasts share one sequence history.
type recipient struct {
	role   string
	paneID string
}

// resolve maps a trigger target onto recipients and the message kind.
func (r *Router) resolve(target string) ([]recipient, reliability.Kind) {
	all := r.roleNames()
	pick := func(skip func(role string) bool) []recipient {
		var out []recipient
		for _, role := range all {
			if !skip(role) {
				out = append(out, recipient{role: role, paneID: r.cfg.Roles.Panes[role]})
			}
		}
		return out
	}

	switch {
	case target == constants.TriggerAll:
		return pick(func(string) bool { return false }), reliability.KindBroadcast
	case target == constants.TriggerWorkers:
		return pick(func(role string) bool { return role == constants.RoleArchitect }), reliability.KindBroadcast
	case strings.HasPrefix(target, constants.TriggerOthersPrefix):
		self := r.roles.Canonical(strings.TrimPrefix(target, constants.TriggerOthersPrefix))
		return pick(func(role string) bool { return role == self }), reliability.KindBroadcast
	}

	role := r.roles.Canonical(target)
	pane, ok := r.cfg.Roles.Panes[role]
	if !ok {
		return nil, reliability.KindTrigger
	}
	return []recipient{{role: role, paneID: pane}}, reliability.KindTrigger
}

func (r *Router) roleNames() []string {
	names := make([]string, 0, len(r.cfg.Roles.Panes))
	for role := range r.cfg.Roles.Panes {
		names = append(names, role)
	}
	sort.Slice(names, func(i, j int) bool {
		return r.cfg.Roles.Panes[names[i]] < r.cfg.Roles.Panes[names[j]]
	})
	return names
}

func (r *Router) dispatch(ctx context.Context, target string, rec Record) []Result {
	base := Result{Target: target, MessageID: rec.MessageID, Kind: reliability.KindTrigger}

	if strings.TrimSpace(rec.Text) == "" {
		base.Outcome = OutcomeEmpty
		return []Result{base}
	}
	if rec.MessageID != "" && r.replay.Seen(rec.MessageID) {
		base.Outcome = OutcomeReplay
		r.log.Info("dropping replayed message", "message_id", rec.MessageID, "target", target)
		return []Result{base}
	}

	env := ParseEnvelope(rec.Text)
	base.Sender, base.Seq = env.Sender, env.Seq

	var (
		recipients []recipient
		kind       reliability.Kind
	)
	if target == TargetAny {
		sel, rcp := r.selectAny(env)
		if sel.PaneID == "" {
			base.Outcome = OutcomeNoCandidate
			base.Reason = sel.Reason
			r.log.Warn("no running candidate for task", "sender", env.Sender)
			return []Result{base}
		}
		recipients, kind = []recipient{rcp}, reliability.KindTrigger
		base.Reason = sel.Reason
	} else {
		recipients, kind = r.resolve(target)
	}
	base.Kind = kind

	if len(recipients) == 0 {
		base.Outcome = OutcomeUnknownTarget
		base.Err = fmt.Errorf("unknown trigger target %q", target)
		r.log.Warn("unknown trigger target", "target", target)
		return []Result{base}
	}

	results := make([]Result, 0, len(recipients))
	for _, rc := range recipients {
		res := base
		res.Recipient, res.PaneID = rc.role, rc.paneID
		r.deliver(ctx, &res, rc, env)
		results = append(results, res)
	}
	if rec.MessageID != "" {
		r.replay.Add(rec.MessageID)
	}
	return results
}

func (r *Router) selectAny(env Envelope) (Selection, recipient) {
	skills, _ := ParseSkills(env.Body)
	running := make(map[string]bool)
	if r.panes != nil {
		for _, t := range r.panes.Terminals() {
			if t.Alive {
				running[t.PaneID] = true
			}
		}
	}
	var cands []Candidate
	for _, role := range r.roleNames() {
		pane := r.cfg.Roles.Panes[role]
		cands = append(cands, Candidate{
			Role:    role,
			PaneID:  pane,
			Skills:  r.cfg.Roles.Skills[role],
			Running: running[pane] && r.tracker.Status(pane).Status != monitoring.StatusError,
		})
	}
	sel := SelectBestAgent(skills, cands, r.tracker)
	return sel, recipient{role: sel.Role, paneID: sel.PaneID}
}

func (r *Router) deliver(ctx context.Context, res *Result, rc recipient, env Envelope) {
	mode := r.injector.Mode()

	broadcast := res.Kind == reliability.KindBroadcast
	if ok, reason := r.gate.Allow(broadcast, r.cfg.IsExecutionRole(rc.role)); !ok {
		res.Outcome, res.Reason = OutcomeBlocked, reason
		r.stats.RecordOutcome(mode, res.Kind, rc.paneID, reliability.Skipped, 0)
		r.log.Info("workflow gate blocked message", "recipient", rc.role, "reason", reason)
		return
	}

	dec, err := r.dedup.Admit(rc.role, env)
	if err != nil {
		r.log.Warn("dedup state not saved", "err", err)
	}
	if dec.Duplicate {
		res.Outcome = OutcomeDuplicate
		res.Reason = fmt.Sprintf("seq %d <= last seen %d", *env.Seq, dec.LastSeen)
		r.stats.RecordOutcome(mode, res.Kind, rc.paneID, reliability.Skipped, 0)
		r.log.Info("skipping duplicate", "recipient", rc.role, "sender", env.Sender, "seq", *env.Seq, "last", dec.LastSeen)
		return
	}
	if dec.Reset {
		r.log.Info("sequence reset", "recipient", rc.role, "sender", env.Sender, "previous", dec.LastSeen)
	}

	r.stats.RecordSent(mode, res.Kind, rc.paneID)
	start := r.now()
	err = r.injector.Inject(ctx, rc.paneID, env.Raw)
	elapsed := r.now().Sub(start)

	outcome := InjectOutcome(err)
	r.stats.RecordOutcome(mode, res.Kind, rc.paneID, outcome, elapsed)
	switch outcome {
	case reliability.Delivered:
		res.Outcome = OutcomeDelivered
		r.tracker.RecordCompletion(rc.paneID, elapsed)
		r.recordClaims(ctx, res, env)
	case reliability.TimedOut:
		res.Outcome, res.Err = OutcomeTimedOut, err
		r.tracker.RecordError(rc.paneID)
	default:
		res.Outcome, res.Err = OutcomeFailed, err
		r.tracker.RecordError(rc.paneID)
	}
	r.log.Debug("trigger dispatched", "recipient", rc.role, "pane", rc.paneID, "outcome", res.Outcome, "elapsed", elapsed)
}

func (r *Router) recordClaims(ctx context.Context, res *Result, env Envelope) {
	if r.claims == nil {
		return
	}
	texts := ExtractClaims(env.Body)
	if len(texts) == 0 {
		return
	}
	claims := make([]Claim, 0, len(texts))
	for _, t := range texts {
		claims = append(claims, Claim{
			Text:      t,
			Sender:    env.Sender,
			Recipient: res.Recipient,
			MessageID: res.MessageID,
			Seq:       env.Seq,
			At:        r.now(),
		})
	}
	if err := r.claims.RecordClaims(ctx, claims); err != nil {
		r.log.Warn("recording claims", "err", err)
	}
}

// replayGuard is a bounded set of processed message ids.
type replayGuard struct {
	ids   map[string]struct{}
	order []string
	max   int
}

func newReplayGuard(max int) *replayGuard {
	if max <= 0 {
		max = 1024
	}
	return &replayGuard{ids: make(map[string]struct{}), max: max}
}

func (g *replayGuard) Seen(id string) bool {
	_, ok := g.ids[id]
	return ok
}

func (g *replayGuard) Add(id string) {
	if g.Seen(id) {
		return
	}
	g.ids[id] = struct{}{}
	g.order = append(g.order, id)
	if len(g.order) > g.max {
		delete(g.ids, g.order[0])
		g.order = g.order[1:]
	}
}
