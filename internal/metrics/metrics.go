// Package metrics exposes Prometheus metrics for exports.
//
// vcompress runs as a one-shot CLI, so metrics are not scraped over HTTP;
// WriteTextfile dumps them for the node-exporter textfile collector.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Export outcomes used as the "outcome" label.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

// Export metrics
var (
	ExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcompress_exports_total",
			Help: "Total number of exports by outcome",
		},
		[]string{"outcome"},
	)

	ExportDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vcompress_export_duration_seconds",
			Help:    "Wall-clock duration of exports that reached finalization",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	ExportsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vcompress_exports_in_flight",
			Help: "Number of exports currently copying samples",
		},
	)

	SamplesAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcompress_samples_appended_total",
			Help: "Total number of samples appended to writer inputs",
		},
		[]string{"kind"},
	)

	CompositionsBuiltTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vcompress_compositions_built_total",
			Help: "Total number of default video compositions built",
		},
	)
)

// Engine metrics
var (
	DemuxedSamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcompress_engine_demuxed_samples_total",
			Help: "Total number of samples demuxed from source streams",
		},
		[]string{"kind"},
	)

	MuxedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vcompress_engine_muxed_bytes_total",
			Help: "Total number of bytes written to output files",
		},
	)

	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vcompress_probe_duration_seconds",
			Help:    "ffprobe duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
)

// WriteTextfile writes all registered metrics to path in the text
// exposition format.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
