// Package task tracks at most one cancellable unit of work per scope.
//
// A second acquisition for a busy scope fails immediately with core.ErrBusy
// instead of queueing. Cancel triggers the handle's context; if the owner does
// not release the slot within the grace period, the slot is force-released.
package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// State is the lifecycle state of a Handle.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

const maxSummaryLen = 100

// Handle is the single live unit of work of a scope.
type Handle struct {
	Scope         core.ScopeKey
	PromptSummary string
	StartedAt     time.Time

	ctx    context.Context
	cancel context.CancelFunc
	gen    uint64

	mu    sync.Mutex
	state State
}

// Context returns the handle's context; it is done after Cancel.
func (h *Handle) Context() context.Context { return h.ctx }

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateRunning {
		h.state = s
	}
}

// Info is a snapshot of a live handle.
type Info struct {
	Scope         core.ScopeKey
	PromptSummary string
	StartedAt     time.Time
	State         State
}

// Options configures a Registry.
type Options struct {
	// CancelGrace bounds how long a cancelled handle may keep its slot.
	CancelGrace time.Duration
	// OnChange is called with the number of live handles after every change.
	OnChange func(active int)
	Logger   logging.Logger
}

// Registry maps scopes to their live handle.
type Registry struct {
	grace    time.Duration
	onChange func(int)
	logger   logging.Logger

	mu     sync.Mutex
	active map[core.ScopeKey]*Handle
	gen    uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry(optFns ...func(o *Options)) *Registry {
	opts := Options{
		CancelGrace: 10 * time.Second,
		Logger:      logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Registry{
		grace:    opts.CancelGrace,
		onChange: opts.OnChange,
		logger:   opts.Logger,
		active:   make(map[core.ScopeKey]*Handle),
	}
}

// TryAcquire claims the scope's slot. It never blocks: a held slot yields
// core.ErrBusy. The handle's context derives from parent.
func (r *Registry) TryAcquire(parent context.Context, key core.ScopeKey, prompt string) (*Handle, error) {
	r.mu.Lock()

	if _, busy := r.active[key]; busy {
		r.mu.Unlock()
		return nil, core.ErrBusy
	}

	ctx, cancel := context.WithCancel(parent)
	r.gen++
	h := &Handle{
		Scope:         key,
		PromptSummary: summarize(prompt),
		StartedAt:     time.Now(),
		ctx:           ctx,
		cancel:        cancel,
		gen:           r.gen,
		state:         StateRunning,
	}
	r.active[key] = h
	n := len(r.active)
	r.mu.Unlock()

	r.notify(n)

	return h, nil
}

// Release frees the slot held by h and records its final state. Releasing
// twice, or after the slot was force-released, is a no-op.
func (r *Registry) Release(h *Handle, final State) {
	if h == nil {
		return
	}

	h.setState(final)
	h.cancel()

	r.mu.Lock()
	cur, ok := r.active[h.Scope]
	if !ok || cur.gen != h.gen {
		r.mu.Unlock()
		return
	}
	delete(r.active, h.Scope)
	n := len(r.active)
	r.mu.Unlock()

	r.notify(n)
}

// Cancel signals the scope's live handle. It returns false when the scope is
// idle. After the grace period the slot is force-released even if the owner
// never calls Release.
func (r *Registry) Cancel(key core.ScopeKey) bool {
	r.mu.Lock()
	h, ok := r.active[key]
	r.mu.Unlock()

	if !ok {
		return false
	}

	h.setState(StateCancelled)
	h.cancel()

	r.logger.Info("Task cancelled", "scope", key.String(), "prompt", h.PromptSummary)

	time.AfterFunc(r.grace, func() { r.forceRelease(h) })

	return true
}

func (r *Registry) forceRelease(h *Handle) {
	r.mu.Lock()
	cur, ok := r.active[h.Scope]
	if !ok || cur.gen != h.gen {
		r.mu.Unlock()
		return
	}
	delete(r.active, h.Scope)
	n := len(r.active)
	r.mu.Unlock()

	r.logger.Warn("Task did not stop within grace period, slot released", "scope", h.Scope.String(), "grace", r.grace)
	r.notify(n)
}

// Active returns a snapshot of the scope's live handle.
func (r *Registry) Active(key core.ScopeKey) (Info, bool) {
	r.mu.Lock()
	h, ok := r.active[key]
	r.mu.Unlock()

	if !ok {
		return Info{}, false
	}
	return h.info(), true
}

// List returns snapshots of all live handles ordered by start time.
func (r *Registry) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.active))
	for _, h := range r.active {
		out = append(out, h.info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })

	return out
}

// CancelAll cancels every live handle and returns how many were signalled.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	keys := make([]core.ScopeKey, 0, len(r.active))
	for k := range r.active {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	n := 0
	for _, k := range keys {
		if r.Cancel(k) {
			n++
		}
	}
	return n
}

func (h *Handle) info() Info {
	return Info{Scope: h.Scope, PromptSummary: h.PromptSummary, StartedAt: h.StartedAt, State: h.State()}
}

func (r *Registry) notify(n int) {
	if r.onChange != nil {
		r.onChange(n)
	}
}

func summarize(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= maxSummaryLen {
		return prompt
	}
	return string(runes[:maxSummaryLen])
}
