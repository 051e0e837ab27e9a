package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/fedutinova/mockinterview/internal/job"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaq_jobs_enqueued_total",
			Help: "Total number of analysis jobs enqueued",
		},
		[]string{"type"},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaq_jobs_completed_total",
			Help: "Total number of analysis jobs completed",
		},
		[]string{"type"},
	)

	JobsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaq_jobs_failed_total",
			Help: "Total number of failed job attempts by error class",
		},
		[]string{"type", "class"},
	)

	JobsRetriedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaq_jobs_retried_total",
			Help: "Total number of failed jobs manually retried",
		},
		[]string{"type"},
	)

	JobsStalledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediaq_jobs_stalled_total",
			Help: "Total number of jobs detected as stalled",
		},
	)

	// 1s to ~68m
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediaq_job_duration_seconds",
			Help:    "Analysis job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 13),
		},
		[]string{"type"},
	)

	QueueJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediaq_queue_jobs",
			Help: "Current number of jobs per queue state",
		},
		[]string{"state"},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaq_ws_connections",
			Help: "Current number of notification websocket connections",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaq_notifications_total",
			Help: "Notifications emitted by event and result",
		},
		[]string{"event", "result"},
	)

	PipelineStageSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediaq_pipeline_stage_seconds",
			Help:    "Duration of each analysis pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 15),
		},
		[]string{"stage"},
	)
)

// ObserveStage records the time since start for a pipeline stage.
func ObserveStage(stage string, start time.Time) {
	PipelineStageSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// SetQueueStats publishes a stats snapshot to the queue gauge.
func SetQueueStats(s job.Stats) {
	QueueJobs.WithLabelValues(string(job.StateWaiting)).Set(float64(s.Waiting))
	QueueJobs.WithLabelValues(string(job.StateActive)).Set(float64(s.Active))
	QueueJobs.WithLabelValues(string(job.StateCompleted)).Set(float64(s.Completed))
	QueueJobs.WithLabelValues(string(job.StateFailed)).Set(float64(s.Failed))
	QueueJobs.WithLabelValues(string(job.StateDelayed)).Set(float64(s.Delayed))
}

type statsSource interface {
	Stats(ctx context.Context) (job.Stats, error)
}

// PollQueue refreshes the queue gauge every interval until ctx is done.
func PollQueue(ctx context.Context, q statsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s, err := q.Stats(ctx)
		if err != nil {
			slog.Debug("queue stats unavailable for metrics", "error", err)
		} else {
			SetQueueStats(s)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
