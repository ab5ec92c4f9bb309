// Package core provides the foundational domain types and contracts shared by
// the agentrelay packages. It defines:
//
//   - Scopes (isolation domains for conversation state)
//   - Session records (durable backend conversation handles)
//   - Stream updates (the closed set of events a backend emits)
//   - Approval requests and decisions (the permission gate protocol)
//   - The Backend contract implemented by every execution adapter
//   - Persistence contracts for sessions and approvals
//   - The classified error taxonomy used for retry and fallback decisions
//
// The package keeps implementation concerns (storage, process management,
// orchestration) out of scope, exposing small interfaces so that frontends
// and stores can be swapped without touching the orchestration core.
package core
