package metrics

// Metric names for the pool and DLQ gauges/counters this module
// exposes through the Metrics interface. Centralized here so sqlpool
// and dlq call sites and any dashboard/alert definitions agree on
// spelling.
const (
	PoolSizeGauge        = "alya_sqlpool_size"
	PoolMaxSizeGauge      = "alya_sqlpool_max_size"
	PoolIdleSizeGauge     = "alya_sqlpool_idle_size"
	PoolUtilizationGauge  = "alya_sqlpool_utilization_pct"

	DLQDepthGauge       = "alya_dlq_depth"
	DLQPendingGauge     = "alya_dlq_pending"
	DLQRedriveCounter   = "alya_dlq_redrives_total"
	DLQDeadLetterCounter = "alya_dlq_dead_letters_total"
)

// RegisterPoolMetrics registers the gauges sqlpool.Pool/Cluster health
// checks feed on every HealthCheck call. labels names the label
// dimensions (sqlpool passes {"pool"}); the poolLabel value given to
// RecordPoolHealth distinguishes the primary from individual replicas.
func RegisterPoolMetrics(m Metrics, labels []string) {
	m.RegisterWithLabels(PoolSizeGauge, "Gauge", "current number of pooled connections", labels)
	m.RegisterWithLabels(PoolMaxSizeGauge, "Gauge", "configured maximum pool size", labels)
	m.RegisterWithLabels(PoolIdleSizeGauge, "Gauge", "current number of idle pooled connections", labels)
	m.RegisterWithLabels(PoolUtilizationGauge, "Gauge", "percentage of the pool currently in use", labels)
}

// RecordPoolHealth feeds one pool's HealthCheck result into the gauges
// registered by RegisterPoolMetrics.
func RecordPoolHealth(m Metrics, poolLabel string, size, maxSize, idle int, utilizationPct float64) {
	m.RecordWithLabels(PoolSizeGauge, float64(size), poolLabel)
	m.RecordWithLabels(PoolMaxSizeGauge, float64(maxSize), poolLabel)
	m.RecordWithLabels(PoolIdleSizeGauge, float64(idle), poolLabel)
	m.RecordWithLabels(PoolUtilizationGauge, utilizationPct, poolLabel)
}

// RegisterDLQMetrics registers the gauges and counters a DLQ's
// monitoring loop feeds.
func RegisterDLQMetrics(m Metrics) {
	m.Register(DLQDepthGauge, "Gauge", "entries currently parked in the dead-letter stream")
	m.Register(DLQPendingGauge, "Gauge", "entries claimed by a consumer but not yet acknowledged")
	m.Register(DLQRedriveCounter, "Counter", "entries moved back to their origin stream")
	m.Register(DLQDeadLetterCounter, "Counter", "entries added to the dead-letter stream")
}

// RecordDLQDepth feeds DLQ.MessageCount/PendingCount results into the
// gauges registered by RegisterDLQMetrics.
func RecordDLQDepth(m Metrics, depth, pending int64) {
	m.Record(DLQDepthGauge, float64(depth))
	m.Record(DLQPendingGauge, float64(pending))
}

// RecordDLQRedrive increments the redrive counter by count (1 for
// RedriveOne, the returned count for RedriveMany).
func RecordDLQRedrive(m Metrics, count int) {
	m.Record(DLQRedriveCounter, float64(count))
}

// RecordDLQDeadLetter increments the dead-letter counter once per
// DeadLetter call.
func RecordDLQDeadLetter(m Metrics) {
	m.Record(DLQDeadLetterCounter, 1)
}
