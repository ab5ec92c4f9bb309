package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentrelay/core"
)

// MockStep scripts one Run call of a Mock.
type MockStep struct {
	// Updates are emitted before anything else.
	Updates []core.StreamUpdate
	// Tool, when set, is submitted to the request's permission gate.
	Tool      string
	ToolInput map[string]any
	// Delay blocks the call, honouring cancellation.
	Delay time.Duration
	// IgnoreCancel keeps blocking for Delay even after ctx is done,
	// imitating a process that ignores the cooperative signal.
	IgnoreCancel bool
	Result       *core.Result
	Err          error
}

// Mock is a scripted in-memory backend for tests and the terminal demo mode.
// Steps are consumed in order; once exhausted every call echoes the prompt.
type Mock struct {
	name string
	caps core.Capabilities

	mu    sync.Mutex
	steps []MockStep
	calls []core.RunRequest
}

var _ core.Backend = (*Mock)(nil)

// NewMock creates a mock backend that supports every capability.
func NewMock(name string, steps ...MockStep) *Mock {
	return &Mock{
		name:  name,
		caps:  core.Capabilities{Text: true, Images: true, ModelSelection: true, PermissionGating: true},
		steps: steps,
	}
}

// WithCapabilities overrides the advertised capabilities.
func (m *Mock) WithCapabilities(c core.Capabilities) *Mock {
	m.caps = c
	return m
}

// Push appends steps to the script.
func (m *Mock) Push(steps ...MockStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, steps...)
}

// Calls returns the requests received so far.
func (m *Mock) Calls() []core.RunRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.RunRequest(nil), m.calls...)
}

// Name implements core.Backend.
func (m *Mock) Name() string { return m.name }

// Capabilities implements core.Backend.
func (m *Mock) Capabilities() core.Capabilities { return m.caps }

// Run implements core.Backend.
func (m *Mock) Run(ctx context.Context, req core.RunRequest, emit func(core.StreamUpdate)) (*core.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	var step MockStep
	if len(m.steps) > 0 {
		step = m.steps[0]
		m.steps = m.steps[1:]
	}
	m.mu.Unlock()

	start := time.Now()

	for _, u := range step.Updates {
		emit(u)
	}

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		if step.IgnoreCancel {
			<-timer.C
		} else {
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctxFailure(m.name, ctx.Err())
			}
		}
	}

	var refusal string
	if step.Tool != "" {
		emit(core.ToolCall{ID: uuid.NewString(), Name: step.Tool, Input: step.ToolInput, Status: "requested"})
		if req.Gate != nil {
			d, err := req.Gate(ctx, step.Tool, step.ToolInput)
			if err != nil {
				return nil, ctxFailure(m.name, err)
			}
			if !d.Allowed() {
				refusal = fmt.Sprintf("Permission to use %s was denied.", step.Tool)
			}
		}
	}

	if step.Err != nil {
		return nil, step.Err
	}

	if step.Result != nil {
		res := *step.Result
		if res.Backend == "" {
			res.Backend = m.name
		}
		emit(core.FinalResult{Result: res})
		return &res, nil
	}

	sessionID := req.ResumeSessionID
	if sessionID == "" {
		sessionID = m.name + "-" + uuid.NewString()[:8]
	}

	content := "Mock response to: " + req.Prompt
	if refusal != "" {
		content = refusal
	}

	emit(core.AssistantText{Text: content, SessionID: sessionID})

	res := core.Result{
		Content:   content,
		SessionID: sessionID,
		Duration:  time.Since(start),
		Turns:     1,
		Backend:   m.name,
		Model:     req.Model,
	}
	if step.Tool != "" && refusal == "" {
		res.ToolsUsed = []core.ToolUse{{Name: step.Tool, Timestamp: time.Now()}}
	}

	emit(core.FinalResult{Result: res})

	return &res, nil
}

func ctxFailure(backend string, err error) error {
	class := core.Classify(err)
	if class != core.FailureTimeout && class != core.FailureCancelled {
		return err
	}
	return core.NewBackendError(class, backend, "run interrupted", err)
}
