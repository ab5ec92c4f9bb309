// Package permission implements the human-in-the-loop approval gate.
//
// A backend that wants to run a tool calls Bridge.Request, which suspends the
// caller on a single-resolution slot until the frontend answers through
// Resolve, the timeout fires (auto-deny), or the unit of work is cancelled.
// Exactly one resolution is applied per request; later attempts are no-ops.
package permission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// ErrUserMismatch is returned when someone other than the scope's user tries
// to answer a request.
var ErrUserMismatch = errors.New("approval belongs to another user")

// Options configures a Bridge.
type Options struct {
	// Timeout auto-denies requests nobody answered.
	Timeout time.Duration
	// AllowedTools are approved without suspending.
	AllowedTools []string
	// DisallowedTools are denied without suspending.
	DisallowedTools []string
	// Store persists requests and resolutions. Optional.
	Store core.ApprovalStore
	// OnResolved observes every final resolution, including automatic ones.
	OnResolved func(req core.ApprovalRequest, decision core.Decision)
	Clock      func() time.Time
	Logger     logging.Logger
}

type pending struct {
	req        core.ApprovalRequest
	once       sync.Once
	resolution atomic.Value
	done       chan core.Decision
}

// settle applies the first resolution and reports whether this call won.
func (p *pending) settle(res core.Resolution, d core.Decision) bool {
	won := false
	p.once.Do(func() {
		p.resolution.Store(res)
		p.done <- d
		won = true
	})
	return won
}

func (p *pending) snapshot() core.ApprovalRequest {
	req := p.req
	if v, ok := p.resolution.Load().(core.Resolution); ok {
		req.Resolution = v
	}
	return req
}

// Bridge pairs approval requests with their eventual decisions.
type Bridge struct {
	timeout    time.Duration
	allowed    map[string]struct{}
	disallowed map[string]struct{}
	store      core.ApprovalStore
	onResolved func(core.ApprovalRequest, core.Decision)
	now        func() time.Time
	logger     *logging.RelayLogger

	mu      sync.Mutex
	pending map[string]*pending
	grants  map[core.ScopeKey]map[string]struct{}
}

// NewBridge creates a Bridge with optional overrides.
func NewBridge(optFns ...func(o *Options)) *Bridge {
	opts := Options{
		Timeout: 120 * time.Second,
		Clock:   time.Now,
		Logger:  logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Bridge{
		timeout:    opts.Timeout,
		allowed:    toSet(opts.AllowedTools),
		disallowed: toSet(opts.DisallowedTools),
		store:      opts.Store,
		onResolved: opts.OnResolved,
		now:        opts.Clock,
		logger:     logging.NewRelayLogger(opts.Logger).WithComponent("permission"),
		pending:    make(map[string]*pending),
		grants:     make(map[core.ScopeKey]map[string]struct{}),
	}
}

// Recover expires requests left pending by a previous process.
func (b *Bridge) Recover(ctx context.Context) (int, error) {
	if b.store == nil {
		return 0, nil
	}
	n, err := b.store.ExpireAllPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale approvals: %w", err)
	}
	if n > 0 {
		b.logger.Info("Expired approvals from previous run", "count", n)
	}
	return n, nil
}

// Request asks for permission to run tool with input on behalf of scope.
//
// Allow-listed tools and tools granted with allow_all resolve immediately;
// deny-listed tools are refused immediately. Otherwise announce is called with
// the pending request and Request blocks until a decision, the timeout, or
// ctx is done. Timeouts and cancellation resolve to deny.
func (b *Bridge) Request(
	ctx context.Context,
	scope core.ScopeKey,
	sessionID, tool string,
	input map[string]any,
	announce func(core.ApprovalRequest),
) (core.Decision, error) {
	if _, ok := b.disallowed[tool]; ok {
		return core.DecisionDeny, nil
	}
	if b.isAllowed(scope, tool) {
		return core.DecisionAllow, nil
	}

	p := &pending{
		req: core.ApprovalRequest{
			RequestID:  uuid.NewString()[:8],
			Scope:      scope,
			SessionID:  sessionID,
			ToolName:   tool,
			ToolInput:  input,
			CreatedAt:  b.now(),
			Resolution: core.ResolutionPending,
		},
		done: make(chan core.Decision, 1),
	}

	if b.store != nil {
		if err := b.store.CreateApproval(ctx, p.req); err != nil {
			return core.DecisionDeny, fmt.Errorf("failed to persist approval request: %w", err)
		}
	}

	b.mu.Lock()
	b.pending[p.req.RequestID] = p
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, p.req.RequestID)
		b.mu.Unlock()
	}()

	b.logger.WithScope(scope).Debug("Approval requested", "request_id", p.req.RequestID, "tool_name", tool)

	if announce != nil {
		announce(p.req)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	var (
		decision core.Decision
		waitErr  error
	)

	select {
	case decision = <-p.done:
	case <-timer.C:
		p.settle(core.ResolutionExpired, core.DecisionDeny)
		decision = <-p.done
	case <-ctx.Done():
		if p.settle(core.ResolutionExpired, core.DecisionDeny) {
			waitErr = ctx.Err()
		}
		decision = <-p.done
	}

	b.finish(p, decision)

	return decision, waitErr
}

func (b *Bridge) finish(p *pending, decision core.Decision) {
	req := p.snapshot()

	if decision == core.DecisionAllowAll {
		b.grant(req.Scope, req.ToolName)
	}

	b.logger.WithScope(req.Scope).LogApproval(req.RequestID, req.ToolName, string(req.Resolution))

	if b.store != nil {
		// The request context may already be done; the audit trail must still be written.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.store.ResolveApproval(ctx, req.RequestID, req.Resolution, decision); err != nil {
			b.logger.Error("Failed to persist approval resolution", "request_id", req.RequestID, "error", err)
		}
	}

	if b.onResolved != nil {
		b.onResolved(req, decision)
	}
}

// Resolve applies a frontend decision. It returns false without error when the
// request is unknown or already resolved, so duplicate callbacks are harmless.
// An empty userID skips the ownership check.
func (b *Bridge) Resolve(requestID, userID string, decision core.Decision) (bool, error) {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()

	if !ok {
		return false, nil
	}

	if userID != "" && p.req.Scope.UserID != userID {
		return false, ErrUserMismatch
	}

	res := core.ResolutionDenied
	if decision.Allowed() {
		res = core.ResolutionApproved
	}

	return p.settle(res, decision), nil
}

// ExpirePending auto-denies requests older than maxAge and returns how many
// it resolved.
func (b *Bridge) ExpirePending(maxAge time.Duration) int {
	cutoff := b.now().Add(-maxAge)

	b.mu.Lock()
	var stale []*pending
	for _, p := range b.pending {
		if !p.req.CreatedAt.After(cutoff) {
			stale = append(stale, p)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, p := range stale {
		if p.settle(core.ResolutionExpired, core.DecisionDeny) {
			n++
		}
	}
	return n
}

// Pending returns the outstanding requests, oldest first.
func (b *Bridge) Pending() []core.ApprovalRequest {
	b.mu.Lock()
	out := make([]core.ApprovalRequest, 0, len(b.pending))
	for _, p := range b.pending {
		if req := p.snapshot(); req.Resolution == core.ResolutionPending {
			out = append(out, req)
		}
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out
}

// ClearScope drops the allow_all grants of a scope, e.g. on session reset.
func (b *Bridge) ClearScope(scope core.ScopeKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.grants, scope)
}

func (b *Bridge) isAllowed(scope core.ScopeKey, tool string) bool {
	if _, ok := b.allowed[tool]; ok {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.grants[scope][tool]
	return ok
}

func (b *Bridge) grant(scope core.ScopeKey, tool string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.grants[scope]
	if !ok {
		g = make(map[string]struct{})
		b.grants[scope] = g
	}
	g[tool] = struct{}{}
}

func toSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}
