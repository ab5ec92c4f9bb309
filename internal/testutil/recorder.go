package testutil

import (
	"strings"
	"sync"

	"github.com/hupe1980/agentrelay/core"
)

// UpdateRecorder collects stream updates in arrival order. Pass Record as
// the update callback of a dispatch.
//
// UpdateRecorder is safe for concurrent use.
type UpdateRecorder struct {
	mu      sync.Mutex
	updates []core.StreamUpdate
}

// NewUpdateRecorder creates an empty recorder.
func NewUpdateRecorder() *UpdateRecorder { return &UpdateRecorder{} }

// Record appends u.
func (r *UpdateRecorder) Record(u core.StreamUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

// Updates returns a copy of the recorded updates.
func (r *UpdateRecorder) Updates() []core.StreamUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.StreamUpdate(nil), r.updates...)
}

// Kinds returns the kind of every recorded update.
func (r *UpdateRecorder) Kinds() []core.UpdateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]core.UpdateKind, 0, len(r.updates))
	for _, u := range r.updates {
		kinds = append(kinds, u.Kind())
	}
	return kinds
}

// Text concatenates the assistant text updates.
func (r *UpdateRecorder) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sb strings.Builder
	for _, u := range r.updates {
		if t, ok := u.(core.AssistantText); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// PermissionRequests returns the announced approval requests.
func (r *UpdateRecorder) PermissionRequests() []core.ApprovalRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.ApprovalRequest
	for _, u := range r.updates {
		if p, ok := u.(core.PermissionRequest); ok {
			out = append(out, p.Request)
		}
	}
	return out
}
