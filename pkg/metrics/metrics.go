package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CRDT metrics
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epicenter_crdt_transactions_total",
			Help: "Total number of committed CRDT transactions by workspace and origin",
		},
		[]string{"workspace", "origin"},
	)

	// Table metrics
	TableRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "epicenter_table_rows",
			Help: "Current number of rows per table, including invalid rows",
		},
		[]string{"workspace", "table"},
	)

	TableInvalidReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epicenter_table_invalid_reads_total",
			Help: "Total number of reads that surfaced a row failing its schema",
		},
		[]string{"workspace", "table"},
	)

	// Markdown provider metrics
	MarkdownFileOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epicenter_markdown_file_ops_total",
			Help: "Total number of markdown file operations by table and op (write, delete, orphan, duplicate)",
		},
		[]string{"workspace", "table", "op"},
	)

	MarkdownDiagnostics = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "epicenter_markdown_diagnostics",
			Help: "Current number of files failing deserialization per provider",
		},
		[]string{"workspace", "provider"},
	)

	// Provider lifecycle metrics
	ProviderInitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "epicenter_provider_init_seconds",
			Help:    "Provider factory initialization time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// Bulk operation metrics
	PullDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "epicenter_markdown_pull_duration_seconds",
			Help:    "Time taken for a pull-to-markdown cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "epicenter_markdown_push_duration_seconds",
			Help:    "Time taken for a push-from-markdown cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(TransactionsTotal)
	prometheus.MustRegister(TableRows)
	prometheus.MustRegister(TableInvalidReads)
	prometheus.MustRegister(MarkdownFileOpsTotal)
	prometheus.MustRegister(MarkdownDiagnostics)
	prometheus.MustRegister(ProviderInitDuration)
	prometheus.MustRegister(PullDuration)
	prometheus.MustRegister(PushDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// OriginLabel maps a CRDT transaction origin to its metric label
func OriginLabel(origin any) string {
	if origin == nil {
		return "local"
	}
	return "remote"
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
