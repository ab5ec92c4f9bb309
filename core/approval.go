package core

import (
	"context"
	"strings"
	"time"
)

// Resolution is the lifecycle state of an ApprovalRequest.
type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionApproved Resolution = "approved"
	ResolutionDenied   Resolution = "denied"
	ResolutionExpired  Resolution = "expired"
)

// Decision is a human answer to an approval request.
type Decision string

const (
	// DecisionAllow approves the single request.
	DecisionAllow Decision = "allow"
	// DecisionAllowAll approves the request and every later request for the
	// same tool within the scope's session.
	DecisionAllowAll Decision = "allow_all"
	// DecisionDeny rejects the request.
	DecisionDeny Decision = "deny"
)

// ParseDecision coerces free-form input to a Decision. Anything unknown is a
// denial.
func ParseDecision(s string) Decision {
	switch Decision(strings.ToLower(strings.TrimSpace(s))) {
	case DecisionAllow:
		return DecisionAllow
	case DecisionAllowAll:
		return DecisionAllowAll
	default:
		return DecisionDeny
	}
}

// Allowed reports whether the decision lets the tool run.
func (d Decision) Allowed() bool { return d == DecisionAllow || d == DecisionAllowAll }

// ApprovalRequest is a backend request to use a capability, suspended until a
// decision arrives.
type ApprovalRequest struct {
	RequestID  string         `json:"request_id"`
	Scope      ScopeKey       `json:"scope"`
	SessionID  string         `json:"session_id,omitempty"`
	ToolName   string         `json:"tool_name"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Resolution Resolution     `json:"resolution"`
}

// PermissionGate blocks until a decision for the tool invocation is known.
// Backends that support permission gating call it before running a tool and
// surface a denial to the engine as a tool refusal.
type PermissionGate func(ctx context.Context, toolName string, input map[string]any) (Decision, error)

// ApprovalStore persists approval requests for audit and crash recovery.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, req ApprovalRequest) error
	ResolveApproval(ctx context.Context, requestID string, resolution Resolution, decision Decision) error
	// ExpireAllPending marks every pending request expired, returning the count.
	ExpireAllPending(ctx context.Context) (int, error)
}
