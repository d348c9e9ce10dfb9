// Package scheduler runs the in-process variant of the batch refresh. Most
// deployments trigger the HTTP endpoint from an external scheduler instead;
// this exists for single-instance installs with nothing to cron from.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"

	"github.com/finlink-dev/finlink/services"
)

// refreshInterval matches the external scheduler cadence. Hourly is enough:
// tokens approaching expiry are also refreshed on demand by any caller.
const refreshInterval = time.Hour

// Scheduler owns the gocron instance.
type Scheduler struct {
	cron  *gocron.Scheduler
	batch *services.BatchService
}

func New(batch *services.BatchService) *Scheduler {
	return &Scheduler{
		cron:  gocron.NewScheduler(time.UTC),
		batch: batch,
	}
}

// Start schedules the hourly batch refresh and begins running it
// asynchronously. Jobs do not overlap: a slow batch delays the next run.
func (s *Scheduler) Start() error {
	_, err := s.cron.Every(refreshInterval).SingletonMode().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		if _, err := s.batch.RefreshAll(ctx); err != nil {
			log.Error().Err(err).Msg("scheduled batch refresh failed")
		}
	})
	if err != nil {
		return err
	}

	s.cron.StartAsync()
	log.Info().Dur("interval", refreshInterval).Msg("in-process batch refresh scheduler started")
	return nil
}

// Stop blocks until a running job finishes.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
