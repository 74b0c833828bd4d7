// Package metrics registers the prometheus counters and histograms
// exposed by the crv-hive and crv-edge daemons. Scraping is wired up by
// the caller via a plain net/http handler; this package only owns
// registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric a daemon reports, registered against its
// own prometheus.Registry so unit tests can construct throwaway
// instances without colliding with the default global registry.
type Registry struct {
	reg *prometheus.Registry

	SubmitsTotal      *prometheus.CounterVec
	ChunksUploaded    prometheus.Counter
	BytesUploaded     prometheus.Counter
	ChunksDownloaded  prometheus.Counter
	BytesDownloaded   prometheus.Counter
	JobsCompleted     *prometheus.CounterVec
	SubmitDuration    prometheus.Histogram
	UploadChunkSize   prometheus.Histogram
	DownloadChunkSize prometheus.Histogram
}

// New constructs and registers a fresh Registry.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crv",
			Name:      "submits_total",
			Help:      "Total number of submit attempts, labeled by outcome.",
		}, []string{"outcome"}),
		ChunksUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crv",
			Name:      "chunks_uploaded_total",
			Help:      "Total number of chunks accepted by upload ingest.",
		}),
		BytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crv",
			Name:      "bytes_uploaded_total",
			Help:      "Total number of logical chunk bytes accepted by upload ingest.",
		}),
		ChunksDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crv",
			Name:      "chunks_downloaded_total",
			Help:      "Total number of chunks streamed out by download.",
		}),
		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crv",
			Name:      "bytes_downloaded_total",
			Help:      "Total number of logical chunk bytes streamed out by download.",
		}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crv",
			Name:      "jobs_completed_total",
			Help:      "Total number of edge jobs reaching a terminal state, labeled by status.",
		}, []string{"status"}),
		SubmitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crv",
			Name:      "submit_duration_seconds",
			Help:      "Wall-clock time from LaunchSubmit to a committed Submit.",
			Buckets:   prometheus.DefBuckets,
		}),
		UploadChunkSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crv",
			Name:      "upload_chunk_bytes",
			Help:      "Size distribution of chunks accepted by upload ingest.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		}),
		DownloadChunkSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crv",
			Name:      "download_chunk_bytes",
			Help:      "Size distribution of chunks streamed out by download.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		}),
	}

	r.reg.MustRegister(
		r.SubmitsTotal,
		r.ChunksUploaded,
		r.BytesUploaded,
		r.ChunksDownloaded,
		r.BytesDownloaded,
		r.JobsCompleted,
		r.SubmitDuration,
		r.UploadChunkSize,
		r.DownloadChunkSize,
	)
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for an HTTP scrape
// handler (promhttp.HandlerFor), without leaking the concrete registry
// type to callers that only need to read it.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
