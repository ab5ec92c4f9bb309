// Package engine implements the backend facade of agentrelay.
//
// The Engine takes one request for one scope and turns it into exactly one
// typed outcome: a *core.Result or a *core.DispatchError. Along the way it
//
//   - acquires the scope's single execution slot from the task registry and
//     rejects the request with "busy" when the slot is held,
//   - resolves the backend adapter selected by the scope,
//   - resolves or creates the session through the session registry, never
//     handing a temporary id to an adapter as resume token,
//   - runs the adapter under a bounded timeout with a permission gate wired
//     to the permission bridge,
//   - classifies failures and tries the configured fallback backend at most
//     once when the failure is retryable and no approval was involved,
//   - promotes the session and records usage on success.
//
// # Failure Policy
//
// The retry policy is an explicit two-step state machine:
//
//	primary attempt -> classify -> [single fallback attempt] -> final
//
// Retryable classes are decode, connection, timeout and aggregate failures.
// Fallback is skipped when the class is fatal, when an approval request was
// raised during the unit of work, when the primary ran gated and the
// fallback cannot gate, when the request carries images the fallback does
// not accept, when the caller cancelled, or when no fallback is configured.
//
// A resume token the backend does not know (session_not_found) is not a
// fallback: the stale record is dropped and the same backend is retried once
// with a fresh session.
//
// # Concurrency
//
// Dispatches for different scopes run fully in parallel, bounded only by the
// optional MaxConcurrentDispatches ceiling. Dispatches for one scope are
// serialized by the task registry. Updates reach the caller's callback in
// emission order on the goroutine that runs the adapter.
//
// # Observability
//
// Lifecycle callbacks (before_dispatch, after_dispatch, on_fallback,
// on_error, on_update) are the extension point for logging and metrics.
// Every dispatch and every attempt gets an OpenTelemetry span.
package engine
