// Package valkey provides a Valkey-backed implementation of the storage
// interfaces for multi-instance deployments.
//
// Single-use transitions (refresh token redemption, authorization code
// consumption) run as server-side Lua scripts so that concurrent attempts
// across instances serialize on the Valkey server and exactly one caller
// wins. Consumed records are retained past their validity window so a late
// replay is classified as reuse rather than not-found.
//
// Tokens and consent records are indexed in per-subject, per-client, and
// per-pair sets to support the revocation cascades.
package valkey
