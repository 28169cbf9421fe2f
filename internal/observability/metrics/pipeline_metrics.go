package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics carries the prometheus instruments for the periodic
// tracking pipeline. They live on the default registry and are served
// from the /metrics endpoint.
type PipelineMetrics struct {
	jobRuns     *prometheus.CounterVec
	jobErrors   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	runLoopLag  prometheus.Histogram
	batchSize   prometheus.Histogram
}

var (
	pipelineOnce sync.Once
	pipeline     *PipelineMetrics
)

// Pipeline returns the process-wide pipeline metrics.
func Pipeline() *PipelineMetrics {
	pipelineOnce.Do(func() {
		pipeline = newPipelineMetrics(prometheus.DefaultRegisterer)
	})
	return pipeline
}

func newPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonledger_job_runs_total",
			Help: "Scheduler job executions, by job name.",
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonledger_job_errors_total",
			Help: "Scheduler job executions that returned an error.",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carbonledger_job_duration_seconds",
			Help:    "Scheduler job wall time.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"job"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carbonledger_run_loop_lag_seconds",
			Help:    "How far behind schedule a tick started.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carbonledger_batch_entities",
			Help:    "Entities processed per tracking cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.jobRuns, m.jobErrors, m.jobDuration, m.runLoopLag, m.batchSize)
	}
	return m
}

func (m *PipelineMetrics) IncJobRun(job string) {
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *PipelineMetrics) IncJobError(job string) {
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *PipelineMetrics) ObserveJobDuration(job string, d time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *PipelineMetrics) ObserveRunLoopLag(d time.Duration) {
	m.runLoopLag.Observe(d.Seconds())
}

func (m *PipelineMetrics) ObserveBatchSize(n int) {
	m.batchSize.Observe(float64(n))
}
