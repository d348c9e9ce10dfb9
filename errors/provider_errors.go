package errors

import (
	"errors"
	"fmt"
)

// ProviderError is a machine-readable error returned by the provider's token
// endpoint. The Code field drives the permanent/transient classification in
// the refresh engine.
type ProviderError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	StatusCode  int    `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Standard OAuth2 error codes the provider emits.
const (
	InvalidRequest         = "invalid_request"
	InvalidClient          = "invalid_client"
	InvalidGrant           = "invalid_grant"
	UnauthorizedClient     = "unauthorized_client"
	UnsupportedGrantType   = "unsupported_grant_type"
	ServerError            = "server_error"
	TemporarilyUnavailable = "temporarily_unavailable"
)

// Permanent reports whether the error means the grant itself is no longer
// honored. Permanent failures deactivate the connection and are never retried
// automatically; everything else is retried by the next scheduled cycle.
func (e *ProviderError) Permanent() bool {
	return e.Code == InvalidGrant || e.Code == InvalidClient
}

// NewProviderError builds a ProviderError from a token endpoint error body.
func NewProviderError(code, description string, statusCode int) *ProviderError {
	return &ProviderError{Code: code, Description: description, StatusCode: statusCode}
}

// IsPermanent reports whether err carries a permanent provider rejection.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Permanent()
}

var (
	// ErrConnectionNotFound is returned by the store for an unknown id.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrNoActiveConnection means the business has no active provider link.
	ErrNoActiveConnection = errors.New("no active connection for business")
	// ErrReconnectRequired is the terminal state of a connection: the stored
	// grant is dead and only a fresh OAuth authorization can recover it.
	ErrReconnectRequired = errors.New("provider grant revoked, reconnect from Integrations")
	// ErrCiphertextCorrupted means a stored token failed authenticated
	// decryption. The credentials are unusable, treated as a permanent failure.
	ErrCiphertextCorrupted = errors.New("stored credential failed decryption")
	// ErrRefreshInProgress means another caller holds the per-connection
	// refresh lock. Transient; retry after the holder finishes.
	ErrRefreshInProgress = errors.New("refresh already in progress for connection")
	// ErrStaleTokenWrite means a guarded token update matched nothing because
	// the stored row already carries a later expiry: a newer rotation won.
	ErrStaleTokenWrite = errors.New("stored tokens are newer than this rotation")
	// ErrInvalidState means the OAuth state parameter failed signature or
	// freshness verification.
	ErrInvalidState = errors.New("invalid or expired state parameter")
)
