package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finlink-dev/finlink/domain"
	finerrors "github.com/finlink-dev/finlink/errors"
	"github.com/finlink-dev/finlink/internal/crypto"
	"github.com/finlink-dev/finlink/internal/locks"
	"github.com/finlink-dev/finlink/internal/metrics"
)

// RefreshOutcome classifies what one refresh attempt did to a connection.
type RefreshOutcome string

const (
	OutcomeRefreshed   RefreshOutcome = "refreshed"
	OutcomeStillValid  RefreshOutcome = "still_valid"
	OutcomeFailed      RefreshOutcome = "failed"
	OutcomeDeactivated RefreshOutcome = "deactivated"
)

const (
	// RefreshMargin is the safety window before expiry inside which a token is
	// refreshed proactively.
	RefreshMargin = 15 * time.Minute

	// lockTTL bounds how long a crashed refresh can keep a connection locked.
	// Comfortably above the 10s provider request timeout plus the store write.
	lockTTL = 30 * time.Second
)

// RefreshService is the token refresh engine, and the only component allowed
// to transition a connection's status.
type RefreshService struct {
	repo     domain.ConnectionRepository
	provider TokenRefresher
	cipher   *crypto.Cipher
	locker   locks.Locker

	margin time.Duration
	now    func() time.Time
}

func NewRefreshService(repo domain.ConnectionRepository, prov TokenRefresher, cipher *crypto.Cipher, locker locks.Locker) *RefreshService {
	return &RefreshService{
		repo:     repo,
		provider: prov,
		cipher:   cipher,
		locker:   locker,
		margin:   RefreshMargin,
		now:      time.Now,
	}
}

// EnsureValidAccessToken returns a plaintext access token that is good for at
// least the refresh margin, refreshing against the provider when needed. The
// returned token is for immediate use and must never be logged or persisted
// in the clear.
func (s *RefreshService) EnsureValidAccessToken(ctx context.Context, conn *domain.Connection) (string, error) {
	token, _, err := s.Refresh(ctx, conn, false)
	return token, err
}

// Refresh runs one refresh decision cycle for conn, which is updated in place
// to reflect the persisted state. force bypasses the expiry-margin fast path
// (reactivation). On success the token update is the only store write, except
// that a forced refresh of an inactive connection also writes the transition
// back to active; a permanent failure writes the status flip. Transient
// failures and the fast path write nothing. Status transitions happen only
// here.
func (s *RefreshService) Refresh(ctx context.Context, conn *domain.Connection, force bool) (string, RefreshOutcome, error) {
	if !force && !conn.ExpiresWithin(s.now(), s.margin) {
		return s.currentAccessToken(conn)
	}

	release, err := s.locker.Acquire(ctx, conn.ID, lockTTL)
	if err != nil {
		if errors.Is(err, locks.ErrNotAcquired) {
			return "", OutcomeFailed, finerrors.ErrRefreshInProgress
		}
		return "", OutcomeFailed, fmt.Errorf("failed to acquire refresh lock: %w", err)
	}
	defer release()

	// Re-read under the lock: a racing caller may have rotated the tokens
	// while we waited, and spending a rotated-away refresh token would kill
	// the grant.
	fresh, err := s.repo.GetByID(ctx, conn.ID)
	if err != nil {
		return "", OutcomeFailed, err
	}
	*conn = *fresh

	if !force && !conn.ExpiresWithin(s.now(), s.margin) {
		return s.currentAccessToken(conn)
	}

	conn.Status = domain.StatusRefreshPending

	refreshToken, err := s.cipher.Open(conn.RefreshTokenEncrypted)
	if err != nil {
		// Unreadable credentials are as dead as a revoked grant.
		s.deactivate(ctx, conn, domain.ReasonDecryptFailed)
		return "", OutcomeDeactivated, fmt.Errorf("%w: %w", finerrors.ErrCiphertextCorrupted, finerrors.ErrReconnectRequired)
	}

	tokens, err := s.provider.Refresh(ctx, refreshToken)
	if err != nil {
		if finerrors.IsPermanent(err) {
			s.deactivate(ctx, conn, domain.ReasonGrantRevoked)
			return "", OutcomeDeactivated, fmt.Errorf("%w: %w", finerrors.ErrReconnectRequired, err)
		}
		// Transient: no state change, the next scheduled cycle retries.
		conn.Status = fresh.Status
		metrics.RefreshOutcomesTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		return "", OutcomeFailed, err
	}

	accessEnc, err := s.cipher.Encrypt(tokens.AccessToken)
	if err != nil {
		conn.Status = fresh.Status
		return "", OutcomeFailed, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshEnc, err := s.cipher.Encrypt(tokens.RefreshToken)
	if err != nil {
		conn.Status = fresh.Status
		return "", OutcomeFailed, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	expiresAt := s.now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	if err := s.persistTokens(ctx, conn.ID, accessEnc, refreshEnc, expiresAt, force); err != nil {
		conn.Status = fresh.Status
		metrics.RefreshOutcomesTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		return "", OutcomeFailed, err
	}

	status := fresh.Status
	if force && status == domain.StatusInactive {
		// The provider just honored the grant, so the row is live again.
		if err := s.repo.SetStatus(ctx, conn.ID, domain.StatusActive, ""); err != nil {
			conn.Status = fresh.Status
			return "", OutcomeFailed, fmt.Errorf("tokens persisted but connection not reactivated: %w", err)
		}
		status = domain.StatusActive
		conn.InactiveReason = ""
		log.Info().Str("connection_id", conn.ID).Msg("connection reactivated")
	}

	conn.AccessTokenEncrypted = accessEnc
	conn.RefreshTokenEncrypted = refreshEnc
	conn.ExpiresAt = expiresAt
	conn.UpdatedAt = s.now()
	conn.Status = status

	metrics.RefreshOutcomesTotal.WithLabelValues(string(OutcomeRefreshed)).Inc()
	log.Info().Str("connection_id", conn.ID).Time("expires_at", expiresAt).Msg("refreshed provider tokens")

	return tokens.AccessToken, OutcomeRefreshed, nil
}

// currentAccessToken serves the fast path: decrypt and hand back the stored
// token without contacting the provider.
func (s *RefreshService) currentAccessToken(conn *domain.Connection) (string, RefreshOutcome, error) {
	access, err := s.cipher.Decrypt(conn.AccessTokenEncrypted)
	if err != nil {
		return "", OutcomeFailed, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	metrics.RefreshOutcomesTotal.WithLabelValues(string(OutcomeStillValid)).Inc()
	return access, OutcomeStillValid, nil
}

// persistTokens writes the rotated ciphertext pair, retrying once. The
// provider has already rotated the refresh token at this point, so losing the
// write strands the grant; that state needs manual reconciliation and is
// logged accordingly.
//
// A forced refresh writes unconditionally: a dormant connection can come back
// with an expiry earlier than the stored one, and the guarded write would
// silently drop the only rotation the provider still honors. The non-force
// path keeps the guard and treats a stale write as a race lost to a newer
// rotation, which is already persisted.
func (s *RefreshService) persistTokens(ctx context.Context, id, accessEnc, refreshEnc string, expiresAt time.Time, force bool) error {
	write := func() error {
		if force {
			return s.repo.ReplaceTokens(ctx, id, accessEnc, refreshEnc, expiresAt)
		}
		return s.repo.UpdateTokens(ctx, id, accessEnc, refreshEnc, expiresAt)
	}

	err := write()
	if err == nil {
		return nil
	}
	if errors.Is(err, finerrors.ErrStaleTokenWrite) {
		log.Warn().Str("connection_id", id).Msg("store already holds a newer rotation, dropping this one")
		return nil
	}
	log.Warn().Err(err).Str("connection_id", id).Msg("token persist failed, retrying once")

	if err = write(); err != nil {
		if errors.Is(err, finerrors.ErrStaleTokenWrite) {
			log.Warn().Str("connection_id", id).Msg("store already holds a newer rotation, dropping this one")
			return nil
		}
		log.Error().Err(err).Str("connection_id", id).
			Msg("tokens rotated at provider but not persisted; connection needs manual reconciliation")
		return fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}
	return nil
}

func (s *RefreshService) deactivate(ctx context.Context, conn *domain.Connection, reason string) {
	if err := s.repo.SetStatus(ctx, conn.ID, domain.StatusInactive, reason); err != nil {
		log.Error().Err(err).Str("connection_id", conn.ID).Msg("failed to deactivate connection")
		return
	}
	conn.Status = domain.StatusInactive
	conn.InactiveReason = reason

	metrics.RefreshOutcomesTotal.WithLabelValues(string(OutcomeDeactivated)).Inc()
	metrics.ConnectionsDeactivated.Inc()
	log.Warn().Str("connection_id", conn.ID).Str("reason", reason).
		Msg("connection deactivated, full reconnection required")
}
