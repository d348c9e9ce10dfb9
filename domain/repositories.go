package domain

import (
	"context"
	"time"
)

// ConnectionRepository is the persistence boundary for Connection records.
// Every mutation is a single-row update; connections belong to independent
// tenants so no multi-row transactions are needed.
type ConnectionRepository interface {
	Insert(ctx context.Context, conn *Connection) error
	GetByID(ctx context.Context, id string) (*Connection, error)

	// GetActiveByBusiness returns the single active connection for a business,
	// or ErrNoActiveConnection.
	GetActiveByBusiness(ctx context.Context, businessID string) (*Connection, error)

	// ListActive returns every active connection, for the batch refresh job.
	ListActive(ctx context.Context) ([]*Connection, error)

	// UpdateTokens replaces the stored ciphertext pair and the access token
	// expiry after a successful refresh. The write is guarded so expiry never
	// moves backwards; when the stored row already carries a later expiry it
	// returns ErrStaleTokenWrite instead of writing. It never touches status.
	UpdateTokens(ctx context.Context, id, accessTokenEnc, refreshTokenEnc string, expiresAt time.Time) error

	// ReplaceTokens writes the ciphertext pair unconditionally. For callers
	// holding the connection's refresh lock whose rotation is known to be the
	// newest one even when its expiry is earlier than the stored value, as a
	// forced refresh of a long-dormant connection can be.
	ReplaceTokens(ctx context.Context, id, accessTokenEnc, refreshTokenEnc string, expiresAt time.Time) error

	// SetStatus transitions a connection between active and inactive. reason is
	// recorded on inactive transitions and cleared otherwise.
	SetStatus(ctx context.Context, id string, status ConnectionStatus, reason string) error

	// DeactivateForBusiness marks every active connection of a business
	// inactive. Used before inserting a replacement connection.
	DeactivateForBusiness(ctx context.Context, businessID, reason string) error

	// TouchLastSynced records a successful data pull. Written by the report
	// sync collaborator, read back by the health check.
	TouchLastSynced(ctx context.Context, id string, at time.Time) error
}
