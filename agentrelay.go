// Package agentrelay provides a high-level facade over the engine and its
// supporting registries (scopes, sessions, tasks and approvals). Most
// frontends interact with this package by:
//  1. Creating a Relay via New() with the backend adapters to serve
//  2. Submitting prompts per conversation scope (Submit)
//  3. Answering approval requests announced as PermissionRequest updates
//     (ResolveApproval) and cancelling running work (Cancel)
//
// All defaults are in-memory and safe for local development and testing;
// production deployments supply durable stores and a structured logger.
package agentrelay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentrelay/backend"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/engine"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/metrics"
	"github.com/hupe1980/agentrelay/permission"
	"github.com/hupe1980/agentrelay/scope"
	"github.com/hupe1980/agentrelay/session"
	"github.com/hupe1980/agentrelay/task"
)

// ErrOutsideApprovedDirectory is returned when a directory change leaves the
// approved directory tree.
var ErrOutsideApprovedDirectory = errors.New("directory is outside the approved directory")

// Options configures the Relay instance.
type Options struct {
	// Backends are the adapters to serve. Names must be unique.
	Backends []core.Backend

	// EngineConfig holds the dispatch policy (timeout, fallbacks, ceiling).
	EngineConfig engine.Config

	// DefaultBackend is selected by new root scopes.
	DefaultBackend string

	// ApprovedDirectory confines working directories. New root scopes start
	// there. Empty disables the check and starts scopes in ".".
	ApprovedDirectory string

	// SessionStore defaults to an in-memory store.
	SessionStore core.SessionStore
	// SessionTimeout expires idle sessions.
	SessionTimeout time.Duration
	// MaxSessionsPerUser caps stored sessions per user.
	MaxSessionsPerUser int

	// DisablePermissions runs adapters without a permission gate.
	DisablePermissions bool
	// ApprovalStore persists approval requests. Optional.
	ApprovalStore core.ApprovalStore
	// ApprovalTimeout auto-denies unanswered approval requests.
	ApprovalTimeout time.Duration
	AllowedTools    []string
	DisallowedTools []string

	// DisableToolValidation skips the tool call audit. By default a
	// rejected tool call fails the unit of work with a validation error.
	DisableToolValidation bool

	// CancelGrace bounds how long a cancelled unit of work keeps its slot.
	CancelGrace time.Duration

	// Callbacks are registered on the engine.
	Callbacks []engine.Callback
	// Metrics, when set, is fed by engine callbacks, the task registry and
	// the permission bridge.
	Metrics *metrics.Metrics

	TracerProvider trace.TracerProvider

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Relay is the high-level facade aggregating the engine and its registries.
//
// Relay is safe for concurrent use.
type Relay struct {
	opts     Options
	backends *backend.Registry
	scopes   *scope.Store
	sessions *session.Registry
	tasks    *task.Registry
	bridge   *permission.Bridge
	engine   *engine.Engine
	logger   *logging.RelayLogger
}

// New creates a Relay with optional overrides.
func New(optFns ...func(o *Options)) *Relay {
	opts := Options{
		EngineConfig:       engine.DefaultConfig,
		DefaultBackend:     backend.DefaultName,
		SessionTimeout:     24 * time.Hour,
		MaxSessionsPerUser: 5,
		ApprovalTimeout:    120 * time.Second,
		CancelGrace:        10 * time.Second,
		Logger:             logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.SessionStore == nil {
		opts.SessionStore = session.NewInMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	backends := backend.NewRegistry(opts.Backends...)

	defaultDir := "."
	if opts.ApprovedDirectory != "" {
		defaultDir = opts.ApprovedDirectory
	}

	scopes := scope.New(func(o *scope.Options) {
		o.DefaultDirectory = defaultDir
		o.DefaultBackend = backend.NormalizeName(opts.DefaultBackend)
		o.Normalize = backend.NormalizeName
	})

	sessions := session.NewRegistry(func(o *session.Options) {
		o.Store = opts.SessionStore
		o.Timeout = opts.SessionTimeout
		o.MaxSessionsPerUser = opts.MaxSessionsPerUser
		o.Logger = opts.Logger
	})

	tasks := task.NewRegistry(func(o *task.Options) {
		o.CancelGrace = opts.CancelGrace
		o.Logger = opts.Logger
		if opts.Metrics != nil {
			o.OnChange = opts.Metrics.SetActiveTasks
		}
	})

	var bridge *permission.Bridge
	if !opts.DisablePermissions {
		bridge = permission.NewBridge(func(o *permission.Options) {
			o.Timeout = opts.ApprovalTimeout
			o.AllowedTools = opts.AllowedTools
			o.DisallowedTools = opts.DisallowedTools
			o.Store = opts.ApprovalStore
			o.Logger = opts.Logger
			if opts.Metrics != nil {
				o.OnResolved = func(req core.ApprovalRequest, _ core.Decision) {
					opts.Metrics.RecordApproval(req.Resolution)
				}
			}
		})
	}

	var validator *permission.Validator
	if !opts.DisableToolValidation {
		validator = permission.NewValidator(func(o *permission.ValidatorOptions) {
			o.DisallowedTools = opts.DisallowedTools
			o.ApprovedDirectory = opts.ApprovedDirectory
			o.Logger = opts.Logger
		})
	}

	eng := engine.New(backends, func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Sessions = sessions
		o.Tasks = tasks
		o.Permissions = bridge
		o.Validator = validator
		o.TracerProvider = opts.TracerProvider
		o.Logger = opts.Logger
	})

	eng.Callbacks().RegisterCallback(opts.Callbacks...)
	if opts.Metrics != nil {
		eng.Callbacks().RegisterCallback(opts.Metrics.Callbacks()...)
	}

	return &Relay{
		opts:     opts,
		backends: backends,
		scopes:   scopes,
		sessions: sessions,
		tasks:    tasks,
		bridge:   bridge,
		engine:   eng,
		logger:   logging.NewRelayLogger(opts.Logger).WithComponent("relay"),
	}
}

// Recover expires approval requests left pending by a previous process.
func (r *Relay) Recover(ctx context.Context) error {
	if r.bridge == nil {
		return nil
	}
	_, err := r.bridge.Recover(ctx)
	return err
}

// Submit runs prompt on the scope identified by key. When the scope is new
// and parent is given, the scope inherits the parent's directory and model
// and starts a fresh session.
//
// Submit blocks until the unit of work finished. Errors are
// *core.DispatchError values; a busy scope fails immediately. The returned
// session is bound to the scope unless the scope was reset, switched or
// moved while the unit of work ran, or the unit of work was cancelled.
func (r *Relay) Submit(
	ctx context.Context,
	key core.ScopeKey,
	parent *core.ScopeKey,
	prompt string,
	images []core.Image,
	onUpdate func(core.StreamUpdate),
) (*core.Result, error) {
	st := r.scopes.GetOrCreate(key, parent)

	res, err := r.engine.Dispatch(ctx, engine.Request{
		Scope:  key,
		State:  st,
		Prompt: prompt,
		Images: images,
		Commit: func(res *core.Result) {
			if _, ok := r.scopes.BindSession(key, st.Generation, res.SessionID); !ok {
				r.logger.WithScope(key).Debug("Session not bound to scope", "session_id", res.SessionID)
			}
		},
	}, onUpdate)
	if err != nil {
		return nil, err
	}

	return res, nil
}

// Cancel cancels the scope's running unit of work. It returns false when the
// scope is idle.
func (r *Relay) Cancel(key core.ScopeKey) bool {
	return r.tasks.Cancel(key)
}

// Running returns the scope's running unit of work.
func (r *Relay) Running(key core.ScopeKey) (task.Info, bool) {
	return r.tasks.Active(key)
}

// ResolveApproval answers an announced approval request. It returns false
// when the request is unknown or was already resolved.
func (r *Relay) ResolveApproval(requestID, userID string, decision core.Decision) (bool, error) {
	if r.bridge == nil {
		return false, nil
	}
	return r.bridge.Resolve(requestID, userID, decision)
}

// PendingApprovals returns the outstanding approval requests.
func (r *Relay) PendingApprovals() []core.ApprovalRequest {
	if r.bridge == nil {
		return nil
	}
	return r.bridge.Pending()
}

// ResetSession starts a fresh session on the next submit and drops the
// scope's allow_all grants.
func (r *Relay) ResetSession(key core.ScopeKey) core.ScopeState {
	r.scopes.GetOrCreate(key, nil)
	if r.bridge != nil {
		r.bridge.ClearScope(key)
	}
	return r.scopes.ResetSession(key)
}

// SwitchBackend selects another registered backend for the scope.
func (r *Relay) SwitchBackend(key core.ScopeKey, name string) (core.ScopeState, error) {
	n := backend.NormalizeName(name)
	if !r.backends.Has(n) {
		return core.ScopeState{}, fmt.Errorf("%w: %q", core.ErrUnknownBackend, name)
	}

	r.scopes.GetOrCreate(key, nil)
	if r.bridge != nil {
		r.bridge.ClearScope(key)
	}

	return r.scopes.SwitchBackend(key, n), nil
}

// ChangeDirectory moves the scope to dir. Relative paths resolve against the
// scope's current directory. The target must be an existing directory inside
// the approved directory.
func (r *Relay) ChangeDirectory(key core.ScopeKey, dir string) (core.ScopeState, error) {
	st := r.scopes.GetOrCreate(key, nil)

	target := dir
	if !filepath.IsAbs(target) {
		target = filepath.Join(st.WorkingDirectory, target)
	}

	target, err := filepath.Abs(target)
	if err != nil {
		return st, fmt.Errorf("failed to resolve directory: %w", err)
	}

	if err := r.checkApproved(target); err != nil {
		return st, err
	}

	info, err := os.Stat(target)
	if err != nil {
		return st, fmt.Errorf("failed to access directory: %w", err)
	}
	if !info.IsDir() {
		return st, fmt.Errorf("not a directory: %s", target)
	}

	return r.scopes.ChangeDirectory(key, target), nil
}

func (r *Relay) checkApproved(target string) error {
	if r.opts.ApprovedDirectory == "" {
		return nil
	}

	root, err := filepath.Abs(r.opts.ApprovedDirectory)
	if err != nil {
		return fmt.Errorf("failed to resolve approved directory: %w", err)
	}

	if !permission.Within(root, target) {
		return fmt.Errorf("%w: %s", ErrOutsideApprovedDirectory, target)
	}

	return nil
}

// SetModel sets the scope's model override; an empty model clears it.
func (r *Relay) SetModel(key core.ScopeKey, model string) core.ScopeState {
	r.scopes.GetOrCreate(key, nil)
	return r.scopes.SetModel(key, model)
}

// State returns the scope's state.
func (r *Relay) State(key core.ScopeKey) (core.ScopeState, bool) {
	return r.scopes.Get(key)
}

// Sessions returns a user's stored sessions, most recently used first.
func (r *Relay) Sessions(ctx context.Context, userID string) ([]*core.SessionRecord, error) {
	return r.sessions.List(ctx, userID)
}

// Backends returns the registered backend names.
func (r *Relay) Backends() []string { return r.backends.Names() }

// Maintain runs one housekeeping sweep: expired sessions are deleted and
// approval requests older than the approval timeout are expired.
func (r *Relay) Maintain(ctx context.Context) (sessions, approvals int, err error) {
	sessions, err = r.sessions.Cleanup(ctx)
	if err != nil {
		return 0, 0, err
	}
	if r.bridge != nil {
		approvals = r.bridge.ExpirePending(r.opts.ApprovalTimeout)
	}
	return sessions, approvals, nil
}

// Close cancels all running work and waits until every scope slot is free
// or ctx is done.
func (r *Relay) Close(ctx context.Context) error {
	if n := r.tasks.CancelAll(); n > 0 {
		r.logger.Info("Cancelled running tasks", "count", n)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for len(r.tasks.List()) > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to drain tasks: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	return nil
}
