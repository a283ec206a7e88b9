package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshd_commits_total",
			Help: "Committed RIB transitions by action kind.",
		},
		[]string{"action"},
	)

	PlanErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshd_plan_errors_total",
			Help: "Rejected plans and commits by error kind.",
		},
		[]string{"kind"},
	)

	PropagationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshd_propagations_total",
			Help: "Propagation entries produced by committed plans.",
		},
	)

	LocalRoutes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshd_local_routes",
			Help: "Locally-originated routes in the RIB.",
		},
	)

	InternalRoutes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshd_internal_routes",
			Help: "Learned routes in the RIB.",
		},
	)

	SessionPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshd_session_peers",
			Help: "Currently-connected peer sessions.",
		},
	)

	SessionDialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshd_session_dials_total",
			Help: "Outbound dial attempts by result.",
		},
		[]string{"result"},
	)

	SessionClosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshd_session_closes_total",
			Help: "Session closes by origin (local, peer, transport).",
		},
		[]string{"origin"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshd_messages_total",
			Help: "Wire messages by direction and kind.",
		},
		[]string{"direction", "kind"},
	)

	SendFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshd_send_failures_total",
			Help: "Failed sends to peers.",
		},
		[]string{"peer"},
	)

	JournalWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshd_journal_write_duration_seconds",
			Help:    "Journal flush latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	JournalBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshd_journal_batch_size",
			Help:    "Commit batches flushed to the journal.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	JournalDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshd_journal_dropped_total",
			Help: "Commit events dropped because the journal queue was full.",
		},
	)

	EventsExportedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshd_events_exported_total",
			Help: "Commit events produced to the export topic by result.",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

// Register installs the collectors in the default registry. Safe to
// call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CommitsTotal,
			PlanErrorsTotal,
			PropagationsTotal,
			LocalRoutes,
			InternalRoutes,
			SessionPeers,
			SessionDialsTotal,
			SessionClosesTotal,
			MessagesTotal,
			SendFailuresTotal,
			JournalWriteDuration,
			JournalBatchSize,
			JournalDroppedTotal,
			EventsExportedTotal,
		)
	})
}
