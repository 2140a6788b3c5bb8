// Package users defines the user-store collaborator interface. The engine
// treats it as an opaque authentication oracle: credential storage, password
// hashing, and MFA live behind it.
package users

import "context"

// User is the subject view the engine needs for issuance and userinfo
type User struct {
	// Subject is the stable subject identifier
	Subject string

	// Active is false for disabled or deactivated accounts; issuance to an
	// inactive subject must fail closed
	Active bool

	// Anonymized is true once the account has been scrubbed; claims are
	// withheld for anonymized subjects
	Anonymized bool

	// Claims carries the user claims released to ID tokens and userinfo
	Claims map[string]any
}

// Store is the authentication oracle. All methods accept context.Context so
// the caller's bounded timeout applies; a timeout is a retryable failure for
// the caller, never an implicit grant or deny.
type Store interface {
	// FindBySubject returns the user for the subject identifier
	FindBySubject(ctx context.Context, subject string) (*User, error)

	// VerifyPassword checks resource-owner credentials for the password
	// grant. It reports only match/no-match; lockout and hashing policy are
	// the store's concern.
	VerifyPassword(ctx context.Context, subject, secret string) (bool, error)
}
