package metrics

import "github.com/prometheus/client_golang/prometheus"

// Key constants are exported primarily for documentation reasons. Typically,
// they will not be used programmatically outside of defining the collectors.

// Keys for agent metrics.
const (
	BatchesTotalKey            = "storesync_batches_total"
	RowsTotalKey               = "storesync_rows_total"
	DeletesTotalKey            = "storesync_deletes_total"
	CycleDurationSecondsKey    = "storesync_cycle_duration_seconds"
	QuarantinedRowsTotalKey    = "storesync_quarantined_rows_total"
	StructuralFailuresTotalKey = "storesync_structural_failures_total"
)

// Outcome label values.
const (
	Delivered = "delivered"
	Rejected  = "rejected"
	Failed    = "failed"
)

// Collectors for agent metrics.
var (
	BatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: BatchesTotalKey,
		Help: "Cumulative number of batches sent, by table and outcome.",
	}, []string{"table", "outcome"})
	RowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: RowsTotalKey,
		Help: "Cumulative number of rows sent, by table and outcome.",
	}, []string{"table", "outcome"})
	DeletesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: DeletesTotalKey,
		Help: "Cumulative number of delete commands issued, by outcome.",
	}, []string{"outcome"})
	CycleDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    CycleDurationSecondsKey,
		Help:    "Duration of one sync cycle across all tables.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	QuarantinedRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: QuarantinedRowsTotalKey,
		Help: "Cumulative number of rows parked after repeated permanent rejection.",
	}, []string{"table"})
	StructuralFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: StructuralFailuresTotalKey,
		Help: "Cumulative number of failed marker column or trigger installs.",
	}, []string{"table"})
)

func AgentCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		BatchesTotal,
		RowsTotal,
		DeletesTotal,
		CycleDurationSeconds,
		QuarantinedRowsTotal,
		StructuralFailuresTotal,
	}
}

// Keys for ingest server metrics.
const (
	IngestRowsTotalKey     = "storesync_ingest_rows_total"
	IngestRequestsTotalKey = "storesync_ingest_requests_total"
)

// Collectors for ingest server metrics.
var (
	IngestRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: IngestRowsTotalKey,
		Help: "Cumulative number of rows upserted, by table.",
	}, []string{"table"})
	IngestRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: IngestRequestsTotalKey,
		Help: "Cumulative number of ingest requests, by route and status code.",
	}, []string{"route", "code"})
)

func ServerCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		IngestRowsTotal,
		IngestRequestsTotal,
	}
}
