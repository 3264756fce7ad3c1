package recovery

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/provider"
)

// Resumable is implemented by handlers whose provider work keeps running
// after the process that started it is gone.
type Resumable interface {
	// Status reports the provider-side state of the handle persisted in the
	// job's progress.
	Status(ctx context.Context, job domain.Job) (provider.Prediction, error)
	// Finish turns a succeeded prediction into the job's final result,
	// exactly as the handler would have.
	Finish(ctx context.Context, job domain.Job, pred provider.Prediction) (domain.Result, error)
}

// Registry maps job types to their resumable handler.
type Registry map[domain.JobType]Resumable

func (r Registry) lookup(t domain.JobType) (Resumable, bool) {
	if r == nil {
		return nil, false
	}
	res, ok := r[t]
	return res, ok && res != nil
}

// Resumer takes over polling for a job whose provider work outlived its
// original task. ResumeWorker does it in-process; the queue package hands it
// to a worker.
type Resumer interface {
	Resume(ctx context.Context, job domain.Job) error
}

type ResumerFunc func(ctx context.Context, job domain.Job) error

func (f ResumerFunc) Resume(ctx context.Context, job domain.Job) error {
	return f(ctx, job)
}

// Sweep outcomes.
const (
	OutcomeFailed   = "failed"
	OutcomeResumed  = "resumed"
	OutcomeDeferred = "deferred"
	OutcomeSkipped  = "skipped"
)

// Metrics counts stale sweep and resume outcomes. A nil *Metrics records
// nothing.
type Metrics struct {
	stale   *prometheus.CounterVec
	resumes *prometheus.CounterVec
	sweeps  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelflow_stale_jobs_total",
			Help: "Stale generating jobs seen by the detector by job type and outcome.",
		}, []string{"job_type", "outcome"}),
		resumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelflow_resumes_total",
			Help: "Resume attempts by job type and final status.",
		}, []string{"job_type", "status"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelflow_stale_sweeps_total",
			Help: "Completed stale detector sweeps.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.stale, m.resumes, m.sweeps)
	}
	return m
}

func (m *Metrics) staleJob(t domain.JobType, outcome string) {
	if m == nil {
		return
	}
	m.stale.WithLabelValues(string(t), outcome).Inc()
}

func (m *Metrics) resumed(t domain.JobType, status string) {
	if m == nil {
		return
	}
	m.resumes.WithLabelValues(string(t), status).Inc()
}

func (m *Metrics) sweep() {
	if m == nil {
		return
	}
	m.sweeps.Inc()
}
