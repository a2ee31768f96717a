// Package metrics exposes build counters on a private Prometheus registry.
// Every method is safe on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "packweaver"

type Metrics struct {
	registry *prometheus.Registry

	stagedWrites    *prometheus.CounterVec
	merges          prometheus.Counter
	flushFiles      *prometheus.CounterVec
	staleDeleted    prometheus.Counter
	dirsRemoved     prometheus.Counter
	archiveDuration prometheus.Histogram
	archiveEntries  prometheus.Counter
	archiveRetries  prometheus.Counter
	copyFailures    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stagedWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staged_writes_total",
			Help:      "Writes applied to the staging store, by write mode.",
		}, []string{"mode"}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "structured_merges_total",
			Help:      "Writes resolved by deep-merging structured content.",
		}),
		flushFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_files_total",
			Help:      "Staged artifacts visited by flush, by outcome.",
		}, []string{"outcome"}),
		staleDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_files_deleted_total",
			Help:      "Files removed because no generator staged them.",
		}),
		dirsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_dirs_removed_total",
			Help:      "Directories removed after stale cleanup left them empty.",
		}),
		archiveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_build_seconds",
			Help:      "Wall time spent building one archive.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		archiveEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_entries_total",
			Help:      "Entries written into archives.",
		}),
		archiveRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_lock_retries_total",
			Help:      "Archive writes retried because the destination was locked.",
		}),
		copyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_copy_failures_total",
			Help:      "Secondary archive copies that failed.",
		}),
	}
	m.registry.MustRegister(
		m.stagedWrites, m.merges, m.flushFiles, m.staleDeleted, m.dirsRemoved,
		m.archiveDuration, m.archiveEntries, m.archiveRetries, m.copyFailures,
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes the current values in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) StagedWrite(mode string) {
	if m == nil {
		return
	}
	m.stagedWrites.WithLabelValues(mode).Inc()
}

func (m *Metrics) Merged() {
	if m == nil {
		return
	}
	m.merges.Inc()
}

func (m *Metrics) Flushed(outcome string) {
	if m == nil {
		return
	}
	m.flushFiles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StaleDeleted() {
	if m == nil {
		return
	}
	m.staleDeleted.Inc()
}

func (m *Metrics) DirRemoved() {
	if m == nil {
		return
	}
	m.dirsRemoved.Inc()
}

func (m *Metrics) ArchiveBuilt(elapsed time.Duration, entries int) {
	if m == nil {
		return
	}
	m.archiveDuration.Observe(elapsed.Seconds())
	m.archiveEntries.Add(float64(entries))
}

func (m *Metrics) ArchiveRetried() {
	if m == nil {
		return
	}
	m.archiveRetries.Inc()
}

func (m *Metrics) CopyFailed() {
	if m == nil {
		return
	}
	m.copyFailures.Inc()
}
