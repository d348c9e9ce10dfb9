package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/finlink-dev/finlink/domain"
	finerrors "github.com/finlink-dev/finlink/errors"
	"github.com/finlink-dev/finlink/internal/crypto"
	"github.com/finlink-dev/finlink/internal/metrics"
)

// stateMaxAge is the freshness window for OAuth state tokens. The codec only
// vouches for authenticity; age is enforced here, at the consumer.
const stateMaxAge = 10 * time.Minute

// ConnectService handles the initial OAuth connection and disconnection. The
// HTTP handlers on top of it stay thin.
type ConnectService struct {
	repo     domain.ConnectionRepository
	provider OAuthExchanger
	cipher   *crypto.Cipher
	codec    *crypto.StateCodec
	now      func() time.Time
}

func NewConnectService(repo domain.ConnectionRepository, prov OAuthExchanger, cipher *crypto.Cipher, codec *crypto.StateCodec) *ConnectService {
	return &ConnectService{
		repo:     repo,
		provider: prov,
		cipher:   cipher,
		codec:    codec,
		now:      time.Now,
	}
}

// AuthorizeURL builds the provider authorize redirect carrying a signed state
// token for the business.
func (s *ConnectService) AuthorizeURL(businessID, returnPath string) (string, error) {
	state, err := s.codec.CreateState(crypto.StatePayload{
		BusinessID: businessID,
		ReturnPath: returnPath,
		IssuedAt:   s.now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create state token: %w", err)
	}
	return s.provider.AuthCodeURL(state), nil
}

// HandleCallback finishes the authorization flow: verify the state, exchange
// the code, resolve the authorized organization, supersede any prior
// connection and persist the new one with encrypted tokens. Returns the new
// connection and the return path embedded in the state.
func (s *ConnectService) HandleCallback(ctx context.Context, code, state string) (*domain.Connection, string, error) {
	payload := s.codec.VerifyState(state)
	if payload == nil {
		metrics.StateVerifyFailures.Inc()
		return nil, "", finerrors.ErrInvalidState
	}
	if s.now().Sub(time.UnixMilli(payload.IssuedAt)) > stateMaxAge {
		metrics.StateVerifyFailures.Inc()
		return nil, "", finerrors.ErrInvalidState
	}

	tokens, err := s.provider.Exchange(ctx, code)
	if err != nil {
		return nil, "", fmt.Errorf("code exchange failed: %w", err)
	}

	orgs, err := s.provider.Connections(ctx, tokens.AccessToken)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list authorized organizations: %w", err)
	}
	if len(orgs) == 0 {
		return nil, "", fmt.Errorf("authorization granted access to no organizations")
	}
	// The most recently authorized organization is listed last.
	org := orgs[len(orgs)-1]

	accessEnc, err := s.cipher.Encrypt(tokens.AccessToken)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshEnc, err := s.cipher.Encrypt(tokens.RefreshToken)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	// At most one active connection per business: supersede before insert.
	if err := s.repo.DeactivateForBusiness(ctx, payload.BusinessID, domain.ReasonSuperseded); err != nil {
		return nil, "", fmt.Errorf("failed to supersede prior connections: %w", err)
	}

	conn := &domain.Connection{
		ID:                    uuid.NewString(),
		BusinessID:            payload.BusinessID,
		ProviderTenantID:      org.TenantID,
		ProviderTenantName:    org.TenantName,
		AccessTokenEncrypted:  accessEnc,
		RefreshTokenEncrypted: refreshEnc,
		ExpiresAt:             s.now().Add(time.Duration(tokens.ExpiresIn) * time.Second),
		Status:                domain.StatusActive,
	}
	if err := s.repo.Insert(ctx, conn); err != nil {
		return nil, "", fmt.Errorf("failed to persist connection: %w", err)
	}

	log.Info().
		Str("business_id", payload.BusinessID).
		Str("provider_tenant", org.TenantName).
		Msg("provider connection established")

	return conn, payload.ReturnPath, nil
}

// Disconnect deactivates the business's active connection.
func (s *ConnectService) Disconnect(ctx context.Context, businessID string) error {
	return s.repo.DeactivateForBusiness(ctx, businessID, domain.ReasonDisconnected)
}
