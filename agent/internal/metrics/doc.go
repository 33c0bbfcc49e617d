// Package metrics exposes delivery counters and queue gauges in the
// Prometheus text exposition format.
//
// Registry implements delivery.Observer. Counters are kept in memory and
// rendered on each scrape as client_model MetricFamily values, encoded
// with expfmt. Queue gauges are read from the queue at scrape time, so
// they reflect events persisted by earlier runs of the agent.
//
// Exported families:
//
//	phoenix_delivery_attempts_total{kind,phase,outcome}  counter
//	phoenix_delivery_queued_total{kind}                  counter
//	phoenix_delivery_rate_limited_total                  counter
//	phoenix_queue_events                                 gauge
//	phoenix_queue_size_bytes                             gauge
package metrics
