// Package session tracks backend session lifecycles: temporary placeholders,
// promotion to backend-issued identifiers, usage accounting, expiry and
// resumption lookup. The Registry sits on top of any core.SessionStore; an
// in-memory store is provided for tests and ephemeral deployments.
package session
