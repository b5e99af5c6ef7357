package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	EngineErrorReasonDeadlineExceeded = "deadline_exceeded"
	EngineErrorReasonDB               = "db"
	EngineErrorReasonRemote           = "remote"
	EngineErrorReasonUnknown          = "unknown"
)

// EngineMetrics captures background engine health signals.
type EngineMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec

	outboxDepth       prometheus.Gauge
	outboxDeadLetters prometheus.Gauge
	verifierConnected prometheus.Gauge
}

// NewEngineMetrics registers engine instruments on the given registerer.
// Tests pass a fresh prometheus.NewRegistry to avoid cross-test collisions.
func NewEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "campuspay"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "campuspay_engine_job_runs_total",
		Help:        "Engine job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "campuspay_engine_job_duration_seconds",
		Help:        "Engine job latency to keep sync and sweep cadences honest.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "campuspay_engine_job_timeouts_total",
		Help:        "Engine jobs that exceeded their per-run deadline.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "campuspay_engine_job_errors_total",
		Help:        "Engine job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "campuspay_engine_batch_processed_total",
		Help:        "Items processed per engine job to gauge throughput.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})

	outboxDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "campuspay_outbox_depth",
		Help:        "Pending outbox items awaiting remote sync.",
		ConstLabels: constLabels,
	})
	outboxDeadLetters := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "campuspay_outbox_dead_letters",
		Help:        "Outbox items parked after exhausting their retry budget.",
		ConstLabels: constLabels,
	})
	verifierConnected := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "campuspay_verifier_connected",
		Help:        "Whether the verification device polled within the liveness window.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		outboxDepth,
		outboxDeadLetters,
		verifierConnected,
	)

	return &EngineMetrics{
		jobRuns:           jobRuns,
		jobDuration:       jobDuration,
		jobTimeouts:       jobTimeouts,
		jobErrors:         jobErrors,
		batchProcessed:    batchProcessed,
		outboxDepth:       outboxDepth,
		outboxDeadLetters: outboxDeadLetters,
		verifierConnected: verifierConnected,
	}
}

// IncJobRun increments the run counter for an engine job.
func (m *EngineMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records engine job latency in seconds.
func (m *EngineMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the engine job.
func (m *EngineMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the engine job error counter with classification.
func (m *EngineMetrics) IncJobError(job string, err error) {
	if m == nil || m.jobErrors == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyEngineErrorReason(err)).Inc()
}

// IncJobErrorReason increments the engine job error counter with an explicit reason.
func (m *EngineMetrics) IncJobErrorReason(job, reason string) {
	if m == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, reason).Inc()
}

// AddBatchProcessed increments the processed counter for a resource by count.
func (m *EngineMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || m.batchProcessed == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// SetOutboxDepth records the current outbox backlog.
func (m *EngineMetrics) SetOutboxDepth(depth int64) {
	if m == nil || m.outboxDepth == nil {
		return
	}
	m.outboxDepth.Set(float64(depth))
}

// SetDeadLetterCount records the current dead-letter backlog.
func (m *EngineMetrics) SetDeadLetterCount(count int64) {
	if m == nil || m.outboxDeadLetters == nil {
		return
	}
	m.outboxDeadLetters.Set(float64(count))
}

// SetVerifierConnected records the verification device liveness signal.
func (m *EngineMetrics) SetVerifierConnected(connected bool) {
	if m == nil || m.verifierConnected == nil {
		return
	}
	if connected {
		m.verifierConnected.Set(1)
		return
	}
	m.verifierConnected.Set(0)
}

// ClassifyEngineErrorReason maps engine job errors to low-cardinality reasons.
func ClassifyEngineErrorReason(err error) string {
	if err == nil {
		return EngineErrorReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return EngineErrorReasonDeadlineExceeded
	}
	if isDBError(err) {
		return EngineErrorReasonDB
	}
	return EngineErrorReasonUnknown
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	return errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrDuplicatedKey)
}
