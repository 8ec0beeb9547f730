/*
Package metrics provides Prometheus metrics for Epicenter.

Collectors cover the CRDT substrate (transactions by origin), the table
runtime (row counts, invalid reads), the markdown provider (file operations,
diagnostics gauge, pull/push latency), and provider initialization time.
All collectors are registered on the default registry at init; Handler
returns the promhttp handler for embedding into a server.

The Timer helper times an operation and records it into a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PullDuration)
*/
package metrics
