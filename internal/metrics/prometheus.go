package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Collectors are created eagerly so callers can increment them without caring
// whether registration happened (tests never register).
var (
	RefreshOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "finlink_refresh_outcomes_total",
		Help: "Refresh engine outcomes by class (refreshed, still_valid, failed, deactivated).",
	}, []string{"outcome"})

	ConnectionsDeactivated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "finlink_connections_deactivated_total",
		Help: "Connections deactivated after a permanent grant failure.",
	})

	BatchRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "finlink_batch_runs_total",
		Help: "Completed batch refresh runs.",
	})

	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "finlink_batch_duration_seconds",
		Help:    "Wall time of one batch refresh run.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	StateVerifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "finlink_state_verify_failures_total",
		Help: "OAuth state tokens that failed signature or freshness checks.",
	})
)

// Register attaches the service metrics to reg. Call once at startup.
func Register(reg prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		RefreshOutcomesTotal,
		ConnectionsDeactivated,
		BatchRunsTotal,
		BatchDuration,
		StateVerifyFailures,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("failed to register metric")
		}
	}
}
