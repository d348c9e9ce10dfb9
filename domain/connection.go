package domain

import (
	"time"
)

// ConnectionStatus is the lifecycle state of a provider connection. Only the
// refresh engine is allowed to move a connection between states.
type ConnectionStatus string

const (
	// StatusActive means the stored grant is believed to be usable.
	StatusActive ConnectionStatus = "active"
	// StatusRefreshPending marks a connection whose refresh is in flight. It is
	// never persisted; the advisory lock on the connection id represents it.
	StatusRefreshPending ConnectionStatus = "refresh_pending"
	// StatusInactive means the provider no longer honors the stored grant and a
	// full reconnection is required, or the credentials are unreadable.
	StatusInactive ConnectionStatus = "inactive"
)

// Inactive reasons recorded when a connection is deactivated.
const (
	ReasonGrantRevoked  = "grant_revoked"
	ReasonDecryptFailed = "credential_decrypt_failed"
	ReasonSuperseded    = "superseded"
	ReasonDisconnected  = "disconnected_by_user"
)

// Connection is one tenant business's OAuth grant to the external financial
// data provider. Token fields hold ciphertext produced by the cipher; no code
// path writes plaintext into them.
type Connection struct {
	ID                    string           `bson:"_id" json:"id"`
	BusinessID            string           `bson:"business_id" json:"businessId"`
	ProviderTenantID      string           `bson:"provider_tenant_id" json:"providerTenantId"`
	ProviderTenantName    string           `bson:"provider_tenant_name" json:"providerTenantName"`
	AccessTokenEncrypted  string           `bson:"access_token_encrypted" json:"-"`
	RefreshTokenEncrypted string           `bson:"refresh_token_encrypted" json:"-"`
	ExpiresAt             time.Time        `bson:"expires_at" json:"expiresAt"`
	Status                ConnectionStatus `bson:"status" json:"status"`
	InactiveReason        string           `bson:"inactive_reason,omitempty" json:"inactiveReason,omitempty"`
	LastSyncedAt          *time.Time       `bson:"last_synced_at,omitempty" json:"lastSyncedAt,omitempty"`
	CreatedAt             time.Time        `bson:"created_at" json:"createdAt"`
	UpdatedAt             time.Time        `bson:"updated_at" json:"updatedAt"`
}

// IsActive reports whether the connection is in the active state.
func (c *Connection) IsActive() bool {
	return c.Status == StatusActive
}

// ExpiresWithin reports whether the access token expires before now+margin.
func (c *Connection) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(c.ExpiresAt)
}
