package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finlink-dev/finlink/domain"
	finerrors "github.com/finlink-dev/finlink/errors"
)

const (
	// refreshTokenRevocationWindow is how long the provider keeps an unused
	// refresh token alive; warn well before it.
	refreshTokenRevocationWindow = 60 * 24 * time.Hour
	refreshTokenWarnAfter        = 50 * 24 * time.Hour

	staleSyncWarnAfter = 7 * 24 * time.Hour
)

// Health is the non-authoritative diagnostic snapshot served to status UIs.
type Health struct {
	Connected          bool                    `json:"connected"`
	Status             domain.ConnectionStatus `json:"status,omitempty"`
	TenantName         string                  `json:"tenantName,omitempty"`
	ExpiresAt          *time.Time              `json:"expiresAt,omitempty"`
	MinutesUntilExpiry int                     `json:"minutesUntilExpiry"`
	LastSyncedAt       *time.Time              `json:"lastSyncedAt,omitempty"`
	Warnings           []string                `json:"warnings,omitempty"`
	ProviderError      string                  `json:"providerError,omitempty"`
}

// HealthService wraps the refresh engine for status display. The wrapped call
// may refresh for real (refresh-on-read is intentional); on provider trouble
// it degrades to the last persisted state plus an explicit error flag instead
// of failing.
type HealthService struct {
	repo   domain.ConnectionRepository
	engine *RefreshService
	now    func() time.Time
}

func NewHealthService(repo domain.ConnectionRepository, engine *RefreshService) *HealthService {
	return &HealthService{repo: repo, engine: engine, now: time.Now}
}

// Check reports the credential health for a business's active connection.
func (s *HealthService) Check(ctx context.Context, businessID string) (*Health, error) {
	conn, err := s.repo.GetActiveByBusiness(ctx, businessID)
	if errors.Is(err, finerrors.ErrNoActiveConnection) {
		return &Health{Connected: false}, nil
	}
	if err != nil {
		return nil, err
	}

	health := &Health{Connected: true}

	if _, _, err := s.engine.Refresh(ctx, conn, false); err != nil {
		if errors.Is(err, finerrors.ErrReconnectRequired) {
			health.Connected = false
			health.ProviderError = "reconnection required: the provider no longer honors the stored credentials"
		} else {
			// Transient: report last known persisted state.
			health.ProviderError = "provider temporarily unreachable, showing last known state"
			log.Debug().Err(err).Str("business_id", businessID).Msg("health check refresh degraded")
		}
	}

	now := s.now()
	health.Status = conn.Status
	health.TenantName = conn.ProviderTenantName
	expiresAt := conn.ExpiresAt
	health.ExpiresAt = &expiresAt
	health.MinutesUntilExpiry = int(expiresAt.Sub(now).Minutes())
	health.LastSyncedAt = conn.LastSyncedAt
	health.Warnings = s.warnings(conn, now)

	return health, nil
}

func (s *HealthService) warnings(conn *domain.Connection, now time.Time) []string {
	var warnings []string

	// UpdatedAt moves on every token rotation, so it is our best estimate of
	// the refresh token's age.
	if age := now.Sub(conn.UpdatedAt); age > refreshTokenWarnAfter {
		warnings = append(warnings, fmt.Sprintf(
			"refresh token has not rotated in %d days; the provider revokes unused refresh tokens after %d days",
			int(age.Hours()/24), int(refreshTokenRevocationWindow.Hours()/24)))
	}

	switch {
	case conn.LastSyncedAt == nil:
		warnings = append(warnings, "no successful report sync has been recorded for this connection")
	case now.Sub(*conn.LastSyncedAt) > staleSyncWarnAfter:
		warnings = append(warnings, fmt.Sprintf(
			"last successful report sync was %d days ago",
			int(now.Sub(*conn.LastSyncedAt).Hours()/24)))
	}

	return warnings
}
