package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentrelay/backend"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/permission"
	"github.com/hupe1980/agentrelay/session"
	"github.com/hupe1980/agentrelay/task"
)

const tracerName = "github.com/hupe1980/agentrelay/engine"

// Config defines tuning parameters of the dispatch policy.
//
// Example:
//
//	cfg := Config{
//	    Timeout:   5 * time.Minute,
//	    Fallbacks: map[string]string{"claude": "codex"},
//	}
type Config struct {
	// Timeout bounds a single adapter attempt. Exceeding it kills the
	// underlying process or connection and counts as a retryable failure.
	// Zero disables the timeout.
	Timeout time.Duration

	// Fallbacks maps a primary backend name to the backend tried once after
	// a retryable failure.
	Fallbacks map[string]string

	// MaxConcurrentDispatches caps dispatches running at once across all
	// scopes. Zero is unlimited.
	MaxConcurrentDispatches int
}

// DefaultConfig provides the default dispatch policy: a five minute attempt
// timeout, no fallbacks and no global concurrency ceiling.
var DefaultConfig = Config{
	Timeout: 300 * time.Second,
}

// Options configures an Engine using the functional options pattern.
//
// Example:
//
//	eng := engine.New(backends, func(o *engine.Options) {
//	    o.Config.Fallbacks = map[string]string{"claude": "codex"}
//	    o.Permissions = bridge
//	    o.Logger = logger
//	})
type Options struct {
	// Config contains the dispatch policy. Defaults to DefaultConfig.
	Config Config

	// Sessions tracks session lifecycles. Defaults to an in-memory registry.
	Sessions *session.Registry

	// Tasks enforces the one-unit-of-work-per-scope rule. Defaults to a new
	// registry.
	Tasks *task.Registry

	// Permissions gates tool use. When nil no gate is handed to adapters.
	Permissions *permission.Bridge

	// Validator audits announced tool calls and gate requests. A violation
	// aborts the attempt and fails the unit of work with FailureValidation.
	// Optional.
	Validator *permission.Validator

	// Callbacks receives lifecycle events. Defaults to an empty manager.
	Callbacks *CallbackManager

	// TracerProvider creates the dispatch tracer. Defaults to the global
	// OpenTelemetry provider.
	TracerProvider trace.TracerProvider

	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Request is one unit of work for one scope.
type Request struct {
	Scope core.ScopeKey
	// State is the scope's state at submission time.
	State  core.ScopeState
	Prompt string
	Images []core.Image

	// Commit, when set, runs after a successful dispatch while the scope's
	// slot is still held. It is skipped when the unit of work was cancelled.
	Commit func(res *core.Result)
}

// Engine dispatches requests to backend adapters and applies the session,
// permission, timeout and fallback policy around them.
//
// Engine is safe for concurrent use.
type Engine struct {
	backends  *backend.Registry
	sessions  *session.Registry
	tasks     *task.Registry
	bridge    *permission.Bridge
	validator *permission.Validator
	callbacks *CallbackManager
	tracer    trace.Tracer
	logger    *logging.RelayLogger
	config    Config

	sem chan struct{}
}

// New creates an Engine over the given adapters.
func New(backends *backend.Registry, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Sessions == nil {
		opts.Sessions = session.NewRegistry()
	}
	if opts.Tasks == nil {
		opts.Tasks = task.NewRegistry()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}

	e := &Engine{
		backends:  backends,
		sessions:  opts.Sessions,
		tasks:     opts.Tasks,
		bridge:    opts.Permissions,
		validator: opts.Validator,
		callbacks: opts.Callbacks,
		tracer:    opts.TracerProvider.Tracer(tracerName),
		logger:    logging.NewRelayLogger(opts.Logger).WithComponent("engine"),
		config:    opts.Config,
	}

	if opts.Config.MaxConcurrentDispatches > 0 {
		e.sem = make(chan struct{}, opts.Config.MaxConcurrentDispatches)
	}

	return e
}

// Callbacks returns the callback manager for registering hooks.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

// Tasks returns the task registry guarding the scope slots.
func (e *Engine) Tasks() *task.Registry { return e.tasks }

// Sessions returns the session registry.
func (e *Engine) Sessions() *session.Registry { return e.sessions }

// Dispatch runs req on the scope's backend and returns the final result.
//
// Every error is a *core.DispatchError. A busy scope fails immediately with
// KindBusy (errors.Is(err, core.ErrBusy) holds). onUpdate receives the
// updates of the unit of work in emission order; it may be nil.
func (e *Engine) Dispatch(ctx context.Context, req Request, onUpdate func(core.StreamUpdate)) (*core.Result, error) {
	start := time.Now()

	if onUpdate == nil {
		onUpdate = func(core.StreamUpdate) {}
	}

	h, err := e.tasks.TryAcquire(ctx, req.Scope, req.Prompt)
	if err != nil {
		derr := &core.DispatchError{
			Kind:    core.KindBusy,
			Backend: req.State.Backend,
			Message: "a request is already running for this scope",
			Err:     err,
		}
		e.fire(ctx, CallbackOnError, &CallbackContext{Scope: req.Scope, Backend: req.State.Backend, Prompt: req.Prompt, Err: derr})
		return nil, derr
	}

	final := task.StateFailed
	defer func() { e.tasks.Release(h, final) }()

	ctx = h.Context()

	ctx, span := e.tracer.Start(ctx, "engine.Dispatch", trace.WithAttributes(
		attribute.String("agentrelay.scope", req.Scope.String()),
		attribute.String("agentrelay.backend", req.State.Backend),
		attribute.Int("agentrelay.images", len(req.Images)),
	))
	defer span.End()

	res, err := e.dispatch(ctx, req, onUpdate)
	elapsed := time.Since(start)

	if err != nil {
		derr := e.toDispatchError(ctx, err)
		if derr.Kind == core.KindCancelled {
			final = task.StateCancelled
		}

		span.RecordError(derr)
		span.SetStatus(codes.Error, string(derr.Kind))
		e.fire(ctx, CallbackOnError, &CallbackContext{Scope: req.Scope, Backend: derr.Backend, Prompt: req.Prompt, Err: derr, Duration: elapsed})

		return nil, derr
	}

	final = task.StateCompleted

	if req.Commit != nil && h.State() == task.StateRunning {
		req.Commit(res)
	}

	span.SetAttributes(
		attribute.String("agentrelay.result.backend", res.Backend),
		attribute.Bool("agentrelay.result.fell_back", res.FellBack),
		attribute.Float64("agentrelay.result.cost", res.Cost),
	)
	e.fire(ctx, CallbackAfterDispatch, &CallbackContext{Scope: req.Scope, Backend: res.Backend, Prompt: req.Prompt, Result: res, Duration: elapsed})

	return res, nil
}

// unit is the per-dispatch state shared by the attempts.
type unit struct {
	req      Request
	onUpdate func(core.StreamUpdate)
	attempts int

	// approvalRaised is set once an approval request was announced; it
	// disables fallback for the rest of the unit of work.
	approvalRaised atomic.Bool
	// gated is set when an attempt ran with a permission gate.
	gated bool
	// sessionID is the id of the session the current attempt runs under.
	sessionID string

	// violation is the first tool call the validator rejected.
	violation atomic.Pointer[permission.Violation]
	// abort cancels the current attempt.
	abort context.CancelCauseFunc
}

// failure carries the attempt count and the backend of a failed dispatch to
// toDispatchError.
type failure struct {
	backend  string
	attempts int
	err      error
}

func (f *failure) Error() string { return f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func (e *Engine) dispatch(ctx context.Context, req Request, onUpdate func(core.StreamUpdate)) (*core.Result, error) {
	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			return nil, &failure{backend: req.State.Backend, err: core.NewBackendError(core.FailureCancelled, req.State.Backend, "cancelled while waiting for a dispatch slot", ctx.Err())}
		}
	}

	primaryName, err := e.backends.Resolve(req.State.Backend)
	if err != nil {
		return nil, &failure{backend: req.State.Backend, err: core.NewBackendError(core.FailureInvalidArgument, req.State.Backend, "no backend available", err)}
	}
	primary, err := e.backends.Get(primaryName)
	if err != nil {
		return nil, &failure{backend: primaryName, err: core.NewBackendError(core.FailureInvalidArgument, primaryName, "no backend available", err)}
	}

	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeDispatch, &CallbackContext{Scope: req.Scope, Backend: primaryName, Prompt: req.Prompt}); err != nil {
		return nil, &failure{backend: primaryName, err: core.NewBackendError(core.FailureValidation, primaryName, "request rejected", err)}
	}

	u := &unit{req: req, onUpdate: onUpdate}
	u.onUpdate = func(up core.StreamUpdate) {
		if tc, ok := up.(core.ToolCall); ok && tc.Status == "requested" {
			e.audit(u, tc.Name, tc.Input)
		}
		e.fire(ctx, CallbackOnUpdate, &CallbackContext{Scope: req.Scope, Update: up})
		onUpdate(up)
	}

	res, err := e.attempt(ctx, u, primary, false)
	if err == nil {
		return res, nil
	}

	fallback, ok := e.fallbackFor(primaryName)
	if !ok || !e.canFallback(ctx, u, err, fallback) {
		return nil, &failure{backend: primaryName, attempts: u.attempts, err: err}
	}

	e.fire(ctx, CallbackOnFallback, &CallbackContext{Scope: req.Scope, Backend: primaryName, Fallback: fallback.Name(), Prompt: req.Prompt, Err: err})

	res, fbErr := e.attempt(ctx, u, fallback, true)
	if fbErr != nil {
		return nil, &failure{backend: fallback.Name(), attempts: u.attempts, err: fbErr}
	}

	return res, nil
}

func (e *Engine) fallbackFor(primary string) (core.Backend, bool) {
	name, ok := e.config.Fallbacks[primary]
	if !ok || backend.NormalizeName(name) == primary {
		return nil, false
	}
	b, err := e.backends.Get(name)
	if err != nil {
		e.logger.Warn("Configured fallback backend is not registered", "primary", primary, "fallback", name)
		return nil, false
	}
	return b, true
}

// canFallback applies the fallback rules to the primary's failure.
func (e *Engine) canFallback(ctx context.Context, u *unit, err error, fallback core.Backend) bool {
	if resultOf(err) != nil {
		return false
	}
	if !core.Classify(err).Retryable() {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	if u.approvalRaised.Load() {
		return false
	}

	caps := fallback.Capabilities()
	if u.gated && !caps.PermissionGating {
		return false
	}
	if len(u.req.Images) > 0 && !caps.Images {
		return false
	}

	return true
}

// attempt runs one adapter with session resolution, including the single
// fresh-session retry after a rejected resume token.
func (e *Engine) attempt(ctx context.Context, u *unit, b core.Backend, isFallback bool) (*core.Result, error) {
	name := b.Name()
	key := u.req.Scope

	rec, err := e.resolveSession(ctx, u.req, name)
	if err != nil {
		return nil, core.NewBackendError(core.FailureProcess, name, "session lookup failed", err)
	}
	if rec == nil {
		if rec, err = e.sessions.CreateTemporary(ctx, key.UserID, u.req.State.WorkingDirectory, name); err != nil {
			return nil, core.NewBackendError(core.FailureProcess, name, "session creation failed", err)
		}
	}

	res, err := e.run(ctx, u, b, rec)

	if err != nil && core.Classify(err) == core.FailureSessionNotFound && !rec.IsTemporary() {
		e.logger.WithScope(key).WithBackend(name).Info("Resume rejected by backend, starting a fresh session", "session_id", rec.SessionID)

		if rmErr := e.sessions.Remove(ctx, rec); rmErr != nil {
			return nil, core.NewBackendError(core.FailureProcess, name, "session removal failed", rmErr)
		}
		if rec, err = e.sessions.CreateTemporary(ctx, key.UserID, u.req.State.WorkingDirectory, name); err != nil {
			return nil, core.NewBackendError(core.FailureProcess, name, "session creation failed", err)
		}

		res, err = e.run(ctx, u, b, rec)
	}

	if err != nil {
		if rec.IsTemporary() {
			// The placeholder never got a backend id; drop it.
			if rmErr := e.sessions.Remove(context.WithoutCancel(ctx), rec); rmErr != nil {
				e.logger.Warn("Failed to remove temporary session", "session_id", rec.SessionID, "error", rmErr)
			}
		}
		return nil, err
	}

	res.Backend = name
	res.FellBack = isFallback

	if res.SessionID == "" && rec.IsTemporary() {
		// Nothing to resume later.
		if err := e.sessions.Remove(ctx, rec); err != nil {
			return nil, &core.DispatchError{Kind: core.KindBackendFailure, Class: core.FailureProcess, Backend: name, Message: "failed to persist session", Err: err, Result: res}
		}
		return res, nil
	}

	if err := e.sessions.Promote(ctx, rec, res.SessionID); err != nil {
		return nil, &core.DispatchError{Kind: core.KindBackendFailure, Class: core.FailureProcess, Backend: name, Message: "failed to persist session", Err: err, Result: res}
	}
	if err := e.sessions.RecordUsage(ctx, rec, res.Cost, res.Turns); err != nil {
		return nil, &core.DispatchError{Kind: core.KindBackendFailure, Class: core.FailureProcess, Backend: name, Message: "failed to persist session usage", Err: err, Result: res}
	}

	return res, nil
}

// resolveSession picks the session an attempt resumes. A scope bound to a
// session only ever resumes that session, and only on the backend that
// issued it. Lookup by user, directory and backend applies to scopes that
// have no session yet and are not forced to start fresh.
func (e *Engine) resolveSession(ctx context.Context, req Request, name string) (*core.SessionRecord, error) {
	st := req.State
	if st.ForceNewSession {
		return nil, nil
	}

	if st.SessionID == "" {
		return e.sessions.Resolve(ctx, req.Scope.UserID, st.WorkingDirectory, name, false)
	}

	rec, err := e.sessions.Lookup(ctx, st.SessionID)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Backend != name || rec.UserID != req.Scope.UserID || rec.WorkingDirectory != st.WorkingDirectory {
		return nil, nil
	}

	return rec, nil
}

// run performs one adapter invocation under the attempt timeout.
func (e *Engine) run(ctx context.Context, u *unit, b core.Backend, rec *core.SessionRecord) (*core.Result, error) {
	name := b.Name()
	caps := b.Capabilities()
	u.attempts++

	if len(u.req.Images) > 0 && !caps.Images {
		return nil, core.NewBackendError(core.FailureInvalidArgument, name, "backend does not accept images", nil)
	}

	rr := core.RunRequest{
		Prompt:           u.req.Prompt,
		WorkingDirectory: u.req.State.WorkingDirectory,
		Images:           u.req.Images,
	}
	if !rec.IsTemporary() && rec.State.Resumable() {
		rr.ResumeSessionID = rec.SessionID
	}
	if caps.ModelSelection {
		rr.Model = u.req.State.Model
	}
	if e.bridge != nil && caps.PermissionGating {
		rr.Gate = e.gate(u)
		u.gated = true
	}
	u.sessionID = rec.SessionID

	attemptCtx, span := e.tracer.Start(ctx, "engine.Attempt", trace.WithAttributes(
		attribute.String("agentrelay.backend", name),
		attribute.Int("agentrelay.attempt", u.attempts),
		attribute.Bool("agentrelay.resume", rr.ResumeSessionID != ""),
		attribute.Bool("agentrelay.gated", rr.Gate != nil),
	))
	defer span.End()

	cancel := context.CancelFunc(func() {})
	if e.config.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(attemptCtx, e.config.Timeout)
	}
	defer cancel()

	attemptCtx, abort := context.WithCancelCause(attemptCtx)
	defer abort(nil)
	u.abort = abort

	start := time.Now()
	res, err := b.Run(attemptCtx, rr, u.onUpdate)
	if v := u.violation.Load(); v != nil {
		res, err = nil, core.NewBackendError(core.FailureValidation, name, v.Error(), v)
	}
	if err == nil && res == nil {
		err = core.NewBackendError(core.FailureDecode, name, "backend returned no result", nil)
	}

	if err != nil {
		err = e.normalize(ctx, attemptCtx, name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(core.Classify(err)))
	}

	e.logger.WithScope(u.req.Scope).LogDispatch(name, u.attempts, time.Since(start), err)

	return res, err
}

// normalize makes the failure class reflect why the attempt context ended:
// the caller's cancellation wins over the attempt timeout.
func (e *Engine) normalize(parent, attemptCtx context.Context, name string, err error) error {
	switch {
	case parent.Err() != nil:
		if core.Classify(err) != core.FailureCancelled {
			return core.NewBackendError(core.FailureCancelled, name, "cancelled", errors.Join(parent.Err(), err))
		}
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		if core.Classify(err) != core.FailureTimeout {
			return core.NewBackendError(core.FailureTimeout, name, fmt.Sprintf("timed out after %s", e.config.Timeout), err)
		}
	}
	return err
}

// gate adapts the permission bridge to the adapter's gate contract. The
// announced request is forwarded to the caller as a PermissionRequest update.
func (e *Engine) gate(u *unit) core.PermissionGate {
	return func(ctx context.Context, tool string, input map[string]any) (core.Decision, error) {
		if !e.audit(u, tool, input) {
			return core.DecisionDeny, nil
		}
		return e.bridge.Request(ctx, u.req.Scope, u.sessionID, tool, input, func(ar core.ApprovalRequest) {
			u.approvalRaised.Store(true)
			u.onUpdate(core.PermissionRequest{Request: ar})
		})
	}
}

// audit validates a tool call. The first violation of the unit of work is
// recorded and aborts the running attempt.
func (e *Engine) audit(u *unit, tool string, input map[string]any) bool {
	if e.validator == nil {
		return true
	}

	err := e.validator.Validate(tool, input, u.req.State.WorkingDirectory)
	if err == nil {
		return true
	}

	var v *permission.Violation
	if errors.As(err, &v) && u.violation.CompareAndSwap(nil, v) {
		e.logger.WithScope(u.req.Scope).Warn("Aborting attempt after rejected tool call", "tool", tool, "reason", v.Reason)
		if u.abort != nil {
			u.abort(v)
		}
	}

	return false
}

func (e *Engine) toDispatchError(ctx context.Context, err error) *core.DispatchError {
	var f *failure
	if !errors.As(err, &f) {
		f = &failure{err: err}
	}

	if de, ok := core.AsDispatchError(f.err); ok {
		de.Attempts = f.attempts
		return de
	}

	class := core.Classify(f.err)
	if ctx.Err() != nil {
		class = core.FailureCancelled
	}

	msg := f.err.Error()
	var be *core.BackendError
	if errors.As(f.err, &be) {
		msg = be.Message
	}

	return &core.DispatchError{
		Kind:     core.KindFor(class),
		Class:    class,
		Backend:  f.backend,
		Attempts: f.attempts,
		Message:  msg,
		Err:      f.err,
	}
}

func (e *Engine) fire(ctx context.Context, t CallbackType, cc *CallbackContext) {
	if err := e.callbacks.ExecuteCallbacks(ctx, t, cc); err != nil {
		e.logger.Warn("Callback failed", "callback", string(t), "error", err)
	}
}

func resultOf(err error) *core.Result {
	if de, ok := core.AsDispatchError(err); ok {
		return de.Result
	}
	return nil
}
