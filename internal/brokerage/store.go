package brokerage

import "context"

// CredentialStore keeps per-user brokerage tokens outside the database
type CredentialStore interface {
	Get(ctx context.Context, userID int64) (*Credentials, error)
	Put(ctx context.Context, userID int64, creds Credentials) error
	Delete(ctx context.Context, userID int64) error
}

// CacheInvalidator is implemented by credential stores that cache tokens.
// The reconciler drops a user's cached token after the brokerage rejects it.
type CacheInvalidator interface {
	InvalidateCacheForUser(userID int64)
}
