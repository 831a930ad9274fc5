package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors of the job registry.
//
//   - harvestd_jobs_total{status} - jobs by terminal status
//   - harvestd_jobs_active - jobs currently searching or running
//   - harvestd_job_tickets_total{outcome} - tickets by outcome (recorded, skipped)
//   - harvestd_job_duration_seconds - wall time of finished jobs
type Metrics struct {
	JobsTotal   *prometheus.CounterVec
	ActiveJobs  prometheus.Gauge
	Tickets     *prometheus.CounterVec
	JobDuration prometheus.Histogram
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvestd_jobs_total",
				Help: "Total number of finished harvest jobs",
			},
			[]string{"status"}, // "completed", "cancelled" or "failed"
		),
		ActiveJobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "harvestd_jobs_active",
			Help: "Number of harvest jobs currently searching or running",
		}),
		Tickets: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvestd_job_tickets_total",
				Help: "Tickets handled by harvest jobs",
			},
			[]string{"outcome"},
		),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvestd_job_duration_seconds",
			Help:    "Duration of finished harvest jobs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}),
	}
}
