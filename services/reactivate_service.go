package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/finlink-dev/finlink/domain"
	finerrors "github.com/finlink-dev/finlink/errors"
)

// ReactivationResult reports the outcome of a reactivation attempt.
type ReactivationResult struct {
	Success     bool   `json:"success"`
	WasInactive bool   `json:"wasInactive"`
	Error       string `json:"error,omitempty"`
}

// ReactivateService tries to restore an inactive connection with exactly one
// forced refresh cycle. It is the only caller of the engine's force path.
type ReactivateService struct {
	repo   domain.ConnectionRepository
	engine *RefreshService
}

func NewReactivateService(repo domain.ConnectionRepository, engine *RefreshService) *ReactivateService {
	return &ReactivateService{repo: repo, engine: engine}
}

// Reactivate is idempotent for active connections: no provider call, success
// with WasInactive=false. For inactive ones it spends the stored refresh
// token once; a permanent rejection leaves the connection inactive and full
// reconnection is the only remaining recovery path.
func (s *ReactivateService) Reactivate(ctx context.Context, connectionID string) (*ReactivationResult, error) {
	conn, err := s.repo.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	if conn.IsActive() {
		return &ReactivationResult{Success: true, WasInactive: false}, nil
	}

	// The engine's force path flips the row back to active itself on success;
	// status transitions never happen outside the engine.
	if _, _, err := s.engine.Refresh(ctx, conn, true); err != nil {
		if errors.Is(err, finerrors.ErrReconnectRequired) {
			return &ReactivationResult{
				Success:     false,
				WasInactive: true,
				Error:       "the provider no longer honors the stored credentials; reconnect from Integrations",
			}, finerrors.ErrReconnectRequired
		}
		// Transient failure: reactivation can simply be retried.
		return &ReactivationResult{Success: false, WasInactive: true, Error: err.Error()}, err
	}

	log.Info().Str("connection_id", conn.ID).Msg("reactivation succeeded")
	return &ReactivationResult{Success: true, WasInactive: true}, nil
}
