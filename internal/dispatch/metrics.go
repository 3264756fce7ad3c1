package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dunamismax/reelflow/internal/domain"
)

// Metrics is shared by the dispatcher and the resume path so both report
// job outcomes the same way. A nil *Metrics records nothing.
type Metrics struct {
	submitted  *prometheus.CounterVec
	finished   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	active     *prometheus.GaugeVec
	duplicates prometheus.Counter
	abandoned  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelflow_jobs_submitted_total",
			Help: "Jobs accepted by the dispatcher by job type.",
		}, []string{"job_type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelflow_jobs_finished_total",
			Help: "Jobs that reached a terminal status by job type, status and path.",
		}, []string{"job_type", "status", "path"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reelflow_job_duration_seconds",
			Help:    "Handler run time from dispatch to terminal write.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"job_type", "status"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reelflow_active_jobs",
			Help: "Jobs currently executing in this process by category.",
		}, []string{"category"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelflow_duplicate_submissions_total",
			Help: "Submissions answered with an already running job for the same slot.",
		}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelflow_jobs_abandoned_total",
			Help: "Jobs left generating at shutdown for the stale detector to recover.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.submitted, m.finished, m.duration, m.active, m.duplicates, m.abandoned)
	}
	return m
}

func (m *Metrics) jobSubmitted(t domain.JobType) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) jobStarted(cat domain.Category) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(string(cat)).Inc()
}

func (m *Metrics) jobStopped(cat domain.Category) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(string(cat)).Dec()
}

// JobFinished records a terminal outcome. path is "dispatch" or "resume".
func (m *Metrics) JobFinished(t domain.JobType, status, path string, took time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(string(t), status, path).Inc()
	if took > 0 {
		m.duration.WithLabelValues(string(t), status).Observe(took.Seconds())
	}
}

func (m *Metrics) duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) abandon() {
	if m == nil {
		return
	}
	m.abandoned.Inc()
}
