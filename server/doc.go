// Package server implements the authorization orchestrator: the protocol
// state machine behind the authorize, token, userinfo, and logout endpoints,
// the ordered client-policy rule set, refresh-token reuse detection and
// remediation, and the revocation cascades.
//
// The orchestrator is stateless: every request executes on its own goroutine
// with no shared mutable state beyond read-mostly caches (active signing key,
// policy snapshot). Refresh redemption is serialized per token ID by an
// atomic conditional transition at the storage layer, not an in-process lock,
// so horizontally scaled instances stay correct.
package server
