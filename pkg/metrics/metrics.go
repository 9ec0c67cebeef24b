package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments a single backup or restore run. A nil *Metrics is
// valid: every method is a no-op, so callers can construct it once via New
// and pass it through unconditionally.
type Metrics struct {
	runsTotal          *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	itemsTotal         *prometheus.CounterVec
	bytesTransferred   *prometheus.CounterVec
	chunkUploadRetries prometheus.Counter
	activeUploads      prometheus.Gauge
	thawWaitSeconds    prometheus.Histogram
	verifyFailures     *prometheus.CounterVec
}

// New returns a Metrics instrumented against the process-wide registry, or
// nil if InitRegistry was never called.
func New() *Metrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &Metrics{
		runsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "btrfs_to_s3_runs_total",
				Help: "Total backup/restore runs by action and outcome",
			},
			[]string{"action", "result"},
		),
		runDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "btrfs_to_s3_run_duration_seconds",
				Help:    "Wall-clock duration of a full backup or restore run",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
			},
			[]string{"action"},
		),
		itemsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "btrfs_to_s3_items_total",
				Help: "Per-subvolume plan items by action and reason",
			},
			[]string{"subvolume", "action", "reason"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "btrfs_to_s3_bytes_transferred_total",
				Help: "Bytes uploaded or downloaded by direction",
			},
			[]string{"direction"},
		),
		chunkUploadRetries: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "btrfs_to_s3_chunk_upload_retries_total",
				Help: "Total retried chunk part uploads",
			},
		),
		activeUploads: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "btrfs_to_s3_active_uploads",
				Help: "Number of multipart uploads currently in flight",
			},
		),
		thawWaitSeconds: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "btrfs_to_s3_thaw_wait_seconds",
				Help:    "Time spent polling for archival restore completion",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
			},
		),
		verifyFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "btrfs_to_s3_verify_failures_total",
				Help: "Restore verification failures by stage",
			},
			[]string{"stage"},
		),
	}
}

// RecordRun records a completed run's outcome and duration.
func (m *Metrics) RecordRun(action string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.runsTotal.WithLabelValues(action, result).Inc()
	m.runDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordItem records a planned item's decision.
func (m *Metrics) RecordItem(subvolume, action, reason string) {
	if m == nil {
		return
	}
	m.itemsTotal.WithLabelValues(subvolume, action, reason).Inc()
}

// RecordBytes records bytes moved in a direction ("upload" or "download").
func (m *Metrics) RecordBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

// RecordChunkRetry records a retried part upload.
func (m *Metrics) RecordChunkRetry() {
	if m == nil {
		return
	}
	m.chunkUploadRetries.Inc()
}

// UploadStarted/UploadFinished track in-flight multipart uploads.
func (m *Metrics) UploadStarted() {
	if m == nil {
		return
	}
	m.activeUploads.Inc()
}

func (m *Metrics) UploadFinished() {
	if m == nil {
		return
	}
	m.activeUploads.Dec()
}

// RecordThawWait records time spent polling for archival thaw completion.
func (m *Metrics) RecordThawWait(d time.Duration) {
	if m == nil {
		return
	}
	m.thawWaitSeconds.Observe(d.Seconds())
}

// RecordVerifyFailure records a restore verification failure at stage
// ("metadata" or "content").
func (m *Metrics) RecordVerifyFailure(stage string) {
	if m == nil {
		return
	}
	m.verifyFailures.WithLabelValues(stage).Inc()
}
