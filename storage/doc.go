// Package storage provides interfaces and record types for persisting OAuth
// clients, consent authorizations, and issued tokens.
//
// The storage package defines the core storage interfaces used throughout the
// oidc-server library:
//   - ClientStore: the registry of OAuth clients and their security policy
//   - AuthorizationStore: persisted consent grants (subject ↔ client)
//   - TokenStore: issued access and refresh token records, including the atomic
//     refresh redemption primitive that refresh-token reuse detection relies on
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
