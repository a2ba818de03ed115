package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-run/hivemind/internal/config"
	"github.com/hivemind-run/hivemind/internal/logging"
	"github.com/hivemind-run/hivemind/internal/relay"
)

// Transport is the relay surface the engine needs. *relay.Client
// satisfies it.
type Transport interface {
	Send(ctx context.Context, f relay.Frame) error
	SubscribeAcks(messageID string) (<-chan relay.Ack, func())
	HealthCheck(ctx context.Context, target string) (relay.HealthResult, error)
	DeliveryCheck(ctx context.Context, messageID string) (relay.DeliveryCheckResult, error)
}

// Options configures an Engine.
type Options struct {
	Timeout              time.Duration
	Retries              int
	Backoff              BackoffConfig
	HealthTimeout        time.Duration
	DeliveryCheckTimeout time.Duration
	Fallback             bool

	Classifier *Classifier
	Router     *Router
	Fallbacks  FallbackWriter
	Project    config.ProjectConfig
	Session    SessionResolver

	// OnEvent, if set, is called on every state transition.
	OnEvent func(Event)
	Logger  *slog.Logger
}

// OptionsFromConfig builds engine options from loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	d := cfg.Delivery
	return Options{
		Timeout: d.Timeout.D(),
		Retries: d.Retries,
		Backoff: BackoffConfig{
			InitialDelay: d.Backoff.D(),
			Multiplier:   d.BackoffMultiplier,
			MaxDelay:     d.MaxBackoff.D(),
		},
		HealthTimeout:        d.HealthTimeout.D(),
		DeliveryCheckTimeout: d.DeliveryCheckTimeout.D(),
		Fallback:             d.Fallback,
		Classifier:           NewClassifier(ClassifierConfigFrom(d)),
		Router:               NewRouter(cfg.Roles),
		Fallbacks: FallbackWriter{
			Dir:         cfg.Trigger.Dir,
			ProjectName: cfg.Project.Name,
			ProjectPath: cfg.Project.Path,
		},
		Project: cfg.Project,
		Session: SessionResolver{
			Override:   cfg.Project.SessionID,
			StateDir:   cfg.StateDir(),
			ProjectDir: cfg.Project.Path,
		},
	}
}

// Message is one logical send. Every attempt reuses ID.
type Message struct {
	ID      string
	Sender  string
	Target  string
	Content string

	NoFallback bool
}

// Event is one state transition of a delivery.
type Event struct {
	MessageID string
	State     State
	Attempt   int
	Detail    string
}

// Result is the final outcome of Send.
type Result struct {
	MessageID string
	Route     Route
	State     State
	Attempts  int

	Ack     *relay.Ack
	Verdict Verdict
	Health  *relay.HealthResult

	// Reconciled is set when delivery-check confirmed an earlier success.
	Reconciled   bool
	FallbackPath string

	UnknownDevice    bool
	ConnectedDevices []string

	Err error
}

// Delivered reports whether the relay confirmed delivery.
func (r Result) Delivered() bool {
	return r.State == StateAckedTerminal && r.Verdict.Outcome == OutcomeSuccess
}

// ExitCode is 0 for a confirmed delivery or a written fallback and 1
// otherwise.
func (r Result) ExitCode() int {
	if r.Delivered() || r.State == StateFallback {
		return 0
	}
	return 1
}

// Engine runs deliveries. Different messages may be sent concurrently;
// attempts for one message are strictly sequential.
type Engine struct {
	t    Transport
	opts Options
	log  *slog.Logger
}

// NewEngine creates an engine sending through t.
func NewEngine(t Transport, opts Options) *Engine {
	if opts.Classifier == nil {
		opts.Classifier = NewClassifier(DefaultClassifierConfig())
	}
	if opts.Router == nil {
		opts.Router = NewRouter(config.RolesConfig{})
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Engine{
		t:    t,
		opts: opts,
		log:  logging.OrDefault(opts.Logger).With("component", "delivery"),
	}
}

func (e *Engine) emit(res *Result, state State, attempt int, detail string) {
	res.State = state
	e.log.Debug("delivery state", "message_id", res.MessageID, "state", state.String(), "attempt", attempt, "detail", detail)
	if e.opts.OnEvent != nil {
		e.opts.OnEvent(Event{MessageID: res.MessageID, State: state, Attempt: attempt, Detail: detail})
	}
}

// Send delivers msg and returns the final outcome. Errors are reported in
// Result.Err; the caller maps the result to an exit code.
func (e *Engine) Send(ctx context.Context, msg Message) Result {
	res := Result{MessageID: msg.ID}
	if res.MessageID == "" {
		res.MessageID = uuid.NewString()
	}

	route, err := e.opts.Router.Resolve(msg.Sender, msg.Target)
	if err != nil {
		res.State = StateGiveUp
		res.Err = err
		return res
	}
	res.Route = route
	for _, w := range route.Warnings {
		e.log.Warn("target rerouted", "message_id", res.MessageID, "warning", w)
	}
	e.emit(&res, StatePending, 0, route.RelayTarget())

	if !route.SkipsPreflight() {
		if blocked := e.preflight(ctx, &res); blocked {
			return res
		}
	}

	acks, unsub := e.t.SubscribeAcks(res.MessageID)
	defer unsub()

	frame := relay.Frame{
		MessageID: res.MessageID,
		Target:    route.RelayTarget(),
		Content:   msg.Content,
		Metadata:  e.metadata(msg, route),
	}

	attempts := e.opts.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt
		frame.Attempt = attempt

		e.emit(&res, StateSent, attempt, "")
		if err := e.t.Send(ctx, frame); err != nil {
			e.log.Warn("send failed", "message_id", res.MessageID, "attempt", attempt, "err", err)
			res.Err = err
		} else {
			e.emit(&res, StateAwaitAck, attempt, "")
			if done := e.await(ctx, &res, acks, e.opts.Timeout, attempt); done {
				return res
			}
			if res.State == StateAwaitAck {
				e.emit(&res, StateAckTimeout, attempt, "")
			}
		}

		if attempt < attempts {
			delay := NextBackoffDelay(e.opts.Backoff, attempt, nil)
			if done := e.await(ctx, &res, acks, delay, attempt); done {
				return res
			}
		}
		if ctx.Err() != nil {
			res.State = StateGiveUp
			res.Err = ctx.Err()
			return res
		}
	}

	if e.reconcile(ctx, &res) {
		return res
	}
	return e.fallback(ctx, &res, msg)
}

// preflight runs the health check. Only invalid_target blocks; errors and
// every other status let the send proceed.
func (e *Engine) preflight(ctx context.Context, res *Result) bool {
	e.emit(res, StateHealthCheck, 0, "")
	hctx, cancel := withTimeout(ctx, e.opts.HealthTimeout)
	defer cancel()

	h, err := e.t.HealthCheck(hctx, res.Route.RelayTarget())
	if err != nil {
		e.log.Info("health check unavailable", "target", res.Route.RelayTarget(), "err", err)
		return false
	}
	res.Health = &h
	if h.Status == relay.HealthInvalidTarget {
		res.Err = fmt.Errorf("%w: %s is %s", ErrPreflightBlocked, res.Route.RelayTarget(), h.Status)
		e.emit(res, StateBlocked, 0, h.Status)
		return true
	}
	return false
}

// await waits up to d for acks. It returns true once the delivery has a
// terminal verdict. Retryable acks are recorded and waiting continues.
func (e *Engine) await(ctx context.Context, res *Result, acks <-chan relay.Ack, d time.Duration, attempt int) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case ack := <-acks:
			if e.onAck(res, ack, attempt) {
				return true
			}
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (e *Engine) onAck(res *Result, ack relay.Ack, attempt int) bool {
	a := ack
	res.Ack = &a
	v := e.opts.Classifier.Classify(ack)
	res.Verdict = v
	if ack.UnknownDevice {
		res.UnknownDevice = true
	}
	if len(ack.ConnectedDevices) > 0 {
		res.ConnectedDevices = ack.ConnectedDevices
	}

	switch v.Outcome {
	case OutcomeSuccess:
		res.Err = nil
		e.emit(res, StateAckedTerminal, attempt, ack.Status)
		return true
	case OutcomeTerminalFailure:
		res.Err = fmt.Errorf("%w: %s", ErrTerminalRejection, ack.Status)
		e.emit(res, StateAckedTerminal, attempt, ack.Status)
		return true
	default:
		e.log.Info("retryable ack", "message_id", res.MessageID, "attempt", attempt, "status", ack.Status)
		return false
	}
}

// reconcile asks the relay whether an earlier attempt was delivered and
// only its ack was lost.
func (e *Engine) reconcile(ctx context.Context, res *Result) bool {
	e.emit(res, StateReconcile, res.Attempts, "")
	dctx, cancel := withTimeout(ctx, e.opts.DeliveryCheckTimeout)
	defer cancel()

	chk, err := e.t.DeliveryCheck(dctx, res.MessageID)
	if err != nil {
		e.log.Info("delivery check unavailable", "message_id", res.MessageID, "err", err)
		return false
	}
	if !chk.Known {
		return false
	}
	ack := relay.Ack{MessageID: res.MessageID, Status: chk.Status}
	if chk.Ack != nil {
		ack = *chk.Ack
	}
	v := e.opts.Classifier.Classify(ack)
	if v.Outcome != OutcomeSuccess {
		return false
	}
	res.Ack = &ack
	res.Verdict = v
	res.Reconciled = true
	res.Err = nil
	e.emit(res, StateAckedTerminal, res.Attempts, "reconciled "+ack.Status)
	return true
}

func (e *Engine) fallback(ctx context.Context, res *Result, msg Message) Result {
	exhausted := ErrExhausted
	if res.Err != nil && !errors.Is(res.Err, ErrExhausted) {
		exhausted = fmt.Errorf("%w (last error: %v)", ErrExhausted, res.Err)
	}

	if !e.opts.Fallback || msg.NoFallback {
		res.Err = exhausted
		e.emit(res, StateGiveUp, res.Attempts, "fallback disabled")
		return *res
	}
	if !res.Route.HasLocalFallback() {
		res.Err = fmt.Errorf("%w: %s", ErrNoFallbackTarget, res.Route.RelayTarget())
		e.emit(res, StateGiveUp, res.Attempts, "no local trigger file")
		return *res
	}

	path, err := e.opts.Fallbacks.Write(ctx, res.Route.Role, res.MessageID, msg.Content)
	if err != nil {
		res.Err = fmt.Errorf("%w; %v", exhausted, err)
		e.emit(res, StateGiveUp, res.Attempts, "fallback write failed")
		return *res
	}
	res.FallbackPath = path
	res.Err = nil
	e.emit(res, StateFallback, res.Attempts, path)
	return *res
}

func (e *Engine) metadata(msg Message, route Route) *relay.Metadata {
	session, _ := e.opts.Session.Resolve()
	return &relay.Metadata{
		EnvelopeVersion: relay.EnvelopeVersion,
		SessionID:       session,
		Sender:          relay.SenderMeta{Role: msg.Sender},
		Target: relay.TargetMeta{
			Raw:    route.Raw,
			Role:   route.Role,
			PaneID: route.PaneID,
		},
		Project: relay.ProjectMeta{
			Name:      e.opts.Project.Name,
			Path:      e.opts.Project.Path,
			SessionID: session,
		},
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
