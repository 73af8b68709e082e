// Package metrics provides Prometheus-based metrics recording for the
// orchestration pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records pipeline metrics. A nil *Recorder is valid and records
// nothing, which keeps instrumentation optional in tests.
type Recorder struct {
	tasksTotal        *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	gitOperations     *prometheus.CounterVec
	reconcileEntities *prometheus.CounterVec
	projectsRunning   prometheus.Gauge
}

// NewRecorder creates a Recorder registered against the default registry.
func NewRecorder() *Recorder {
	return &Recorder{
		tasksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tasks_total",
				Help: "Total number of completed tasks by terminal status",
			},
			[]string{"project_id", "status"},
		),
		taskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_task_duration_seconds",
				Help:    "Wall-clock duration of agent task executions",
				Buckets: prometheus.ExponentialBuckets(10, 2, 10),
			},
			[]string{"project_id"},
		),
		gitOperations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_git_operations_total",
				Help: "Total git lifecycle operations by outcome",
			},
			[]string{"op", "status"},
		),
		reconcileEntities: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_reconcile_entities_total",
				Help: "Entities touched by backlog reconciliation",
			},
			[]string{"entity", "action"},
		),
		projectsRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_projects_running",
				Help: "Number of projects currently running",
			},
		),
	}
}

// ObserveTask records one task completion.
func (r *Recorder) ObserveTask(projectID, status string, duration *time.Duration) {
	if r == nil {
		return
	}
	r.tasksTotal.WithLabelValues(projectID, status).Inc()
	if duration != nil {
		r.taskDuration.WithLabelValues(projectID).Observe(duration.Seconds())
	}
}

// ObserveGitOperation records one branch lifecycle operation outcome.
func (r *Recorder) ObserveGitOperation(op string, err error) {
	if r == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.gitOperations.WithLabelValues(op, status).Inc()
}

// ObserveReconcile records the aggregate counts of one reconciliation pass.
func (r *Recorder) ObserveReconcile(featuresAdded, featuresRemoved, tasksAdded, tasksRemoved int) {
	if r == nil {
		return
	}
	r.reconcileEntities.WithLabelValues("feature", "added").Add(float64(featuresAdded))
	r.reconcileEntities.WithLabelValues("feature", "removed").Add(float64(featuresRemoved))
	r.reconcileEntities.WithLabelValues("task", "added").Add(float64(tasksAdded))
	r.reconcileEntities.WithLabelValues("task", "removed").Add(float64(tasksRemoved))
}

// ProjectStarted increments the running-projects gauge.
func (r *Recorder) ProjectStarted() {
	if r == nil {
		return
	}
	r.projectsRunning.Inc()
}

// ProjectStopped decrements the running-projects gauge.
func (r *Recorder) ProjectStopped() {
	if r == nil {
		return
	}
	r.projectsRunning.Dec()
}
