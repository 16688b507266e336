package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulerMetrics exposes counters for bookings and delayed message jobs.
type SchedulerMetrics struct {
	jobsScheduled *prometheus.CounterVec
	jobsCancelled *prometheus.CounterVec
	jobsExecuted  *prometheus.CounterVec
	jobLatency    *prometheus.HistogramVec
	bookings      *prometheus.CounterVec
	sideEffects   *prometheus.CounterVec
}

func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		jobsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "jobs",
			Name:      "scheduled_total",
			Help:      "Message jobs scheduled, by type and result",
		}, []string{"type", "result"}),
		jobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "jobs",
			Name:      "cancelled_total",
			Help:      "Message jobs removed before execution",
		}, []string{"type"}),
		jobsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "jobs",
			Name:      "executed_total",
			Help:      "Message job executions, by type and outcome",
		}, []string{"type", "outcome"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "jobs",
			Name:      "start_delay_seconds",
			Help:      "Delay between a job's due time and its execution",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"type"}),
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "appointments",
			Name:      "bookings_total",
			Help:      "Booking attempts, by outcome",
		}, []string{"outcome"}),
		sideEffects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "outbox",
			Name:      "side_effects_total",
			Help:      "Outbox side effects processed, by type and status",
		}, []string{"type", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.jobsScheduled, m.jobsCancelled, m.jobsExecuted, m.jobLatency, m.bookings, m.sideEffects)
	return m
}

func (m *SchedulerMetrics) ObserveScheduled(jobType, result string) {
	if m == nil {
		return
	}
	m.jobsScheduled.WithLabelValues(jobType, result).Inc()
}

func (m *SchedulerMetrics) ObserveCancelled(jobType string) {
	if m == nil {
		return
	}
	m.jobsCancelled.WithLabelValues(jobType).Inc()
}

func (m *SchedulerMetrics) ObserveExecuted(jobType, outcome string, delaySeconds float64) {
	if m == nil {
		return
	}
	m.jobsExecuted.WithLabelValues(jobType, outcome).Inc()
	if delaySeconds >= 0 {
		m.jobLatency.WithLabelValues(jobType).Observe(delaySeconds)
	}
}

func (m *SchedulerMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(outcome).Inc()
}

func (m *SchedulerMetrics) ObserveSideEffect(effectType, status string) {
	if m == nil {
		return
	}
	m.sideEffects.WithLabelValues(effectType, status).Inc()
}
