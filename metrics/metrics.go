// Package metrics provides an abstract interface for recording and
// managing the gauges and counters sqlpool and dlq feed: pool size and
// utilization, dead-letter depth, redrive counts. The interface exists
// so those packages never import Prometheus directly -- only
// PrometheusMetrics does.
//
// Key functionalities include:
//   - Register: To define and set up new metrics.
//   - Record: To record values for the standard metrics.
//   - RegisterWithLabels: To create new metrics with associated labels.
//   - RecordWithLabels: To record values for labeled metrics, providing
//     label values dynamically.
//
// Usage Example:
//
//	m := metrics.NewPrometheusMetrics()
//	metrics.RegisterPoolMetrics(m, []string{"pool"})
//	metrics.RecordPoolHealth(m, "primary", 4, 10, 2, 20.0)
package metrics

type Metrics interface {
	Register(name, metricType, help string)
	Record(name string, value float64)
	RegisterWithLabels(name, metricType, help string, labels []string)
	RecordWithLabels(name string, value float64, labelValues ...string)
}
