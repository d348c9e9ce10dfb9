package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finlink-dev/finlink/domain"
	"github.com/finlink-dev/finlink/internal/metrics"
)

// interItemDelay paces sequential refreshes to stay under the provider's rate
// limits. Batch latency scales linearly with connection count by design.
const interItemDelay = 100 * time.Millisecond

// BatchResult is the per-connection record in a batch summary.
type BatchResult struct {
	ConnectionID string         `json:"connectionId"`
	BusinessID   string         `json:"businessId"`
	TenantName   string         `json:"tenantName"`
	Outcome      RefreshOutcome `json:"outcome"`
	Error        string         `json:"error,omitempty"`
}

// BatchSummary is the entire return value of a batch run.
type BatchSummary struct {
	Total       int           `json:"total"`
	Refreshed   int           `json:"refreshed"`
	StillValid  int           `json:"still_valid"`
	Failed      int           `json:"failed"`
	Deactivated int           `json:"deactivated"`
	Results     []BatchResult `json:"results"`
}

// BatchService refreshes every active connection in sequence. One
// connection's failure never prevents processing of the rest.
type BatchService struct {
	repo   domain.ConnectionRepository
	engine *RefreshService
	delay  time.Duration
}

func NewBatchService(repo domain.ConnectionRepository, engine *RefreshService) *BatchService {
	return &BatchService{repo: repo, engine: engine, delay: interItemDelay}
}

// RefreshAll runs one batch cycle. A canceled context stops between items;
// already-processed connections stay updated, unprocessed ones are untouched,
// which is safe to resume.
func (s *BatchService) RefreshAll(ctx context.Context) (*BatchSummary, error) {
	started := time.Now()

	conns, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active connections: %w", err)
	}

	summary := &BatchSummary{Total: len(conns), Results: make([]BatchResult, 0, len(conns))}

	for i, conn := range conns {
		if i > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return summary, ctx.Err()
			}
		}

		outcome, refreshErr := s.refreshOne(ctx, conn)

		result := BatchResult{
			ConnectionID: conn.ID,
			BusinessID:   conn.BusinessID,
			TenantName:   conn.ProviderTenantName,
			Outcome:      outcome,
		}
		if refreshErr != nil {
			result.Error = refreshErr.Error()
		}
		summary.Results = append(summary.Results, result)

		switch outcome {
		case OutcomeRefreshed:
			summary.Refreshed++
		case OutcomeStillValid:
			summary.StillValid++
		case OutcomeDeactivated:
			summary.Deactivated++
		default:
			summary.Failed++
		}
	}

	metrics.BatchRunsTotal.Inc()
	metrics.BatchDuration.Observe(time.Since(started).Seconds())
	log.Info().
		Int("total", summary.Total).
		Int("refreshed", summary.Refreshed).
		Int("still_valid", summary.StillValid).
		Int("failed", summary.Failed).
		Int("deactivated", summary.Deactivated).
		Dur("elapsed", time.Since(started)).
		Msg("batch refresh finished")

	return summary, nil
}

// refreshOne isolates a single connection's refresh, converting panics into a
// failed outcome so the rest of the batch proceeds.
func (s *BatchService) refreshOne(ctx context.Context, conn *domain.Connection) (outcome RefreshOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeFailed
			err = fmt.Errorf("panic during refresh: %v", r)
			log.Error().Str("connection_id", conn.ID).Interface("panic", r).
				Msg("recovered panic while refreshing connection")
		}
	}()

	_, outcome, err = s.engine.Refresh(ctx, conn, false)
	return outcome, err
}
