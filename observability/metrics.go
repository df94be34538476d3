// Package observability exposes billing activity as Prometheus metrics.
//
// Metrics are driven by engine events, so the engine itself carries no
// instrumentation:
//   - claims_billing_jobs_created_total{firm}
//   - claims_billing_jobs_completed_total{firm}
//   - claims_billing_job_value_total{firm}          (sum of completed job totals)
//   - claims_billing_days_finalized_total
//   - claims_billing_finalized_day_earnings         (last finalized day)
//   - claims_billing_firms_deleted_total
//   - claims_billing_mileage_estimated_total{firm}  (jobs priced on the fallback estimate)
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/claims-billing/billing"
)

const namespace = "claims_billing"

type Metrics struct {
	registry *prometheus.Registry

	JobsCreated      *prometheus.CounterVec
	JobsCompleted    *prometheus.CounterVec
	JobValue         *prometheus.CounterVec
	MileageEstimated *prometheus.CounterVec
	DaysFinalized    prometheus.Counter
	DayEarnings      prometheus.Gauge
	FirmsDeleted     prometheus.Counter
}

// NewMetrics registers every collector on a fresh registry, alongside the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Jobs created, by firm.",
		}, []string{"firm"}),
		JobsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Job completions recorded, by firm.",
		}, []string{"firm"}),
		JobValue: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_value_total",
			Help:      "Sum of total job value at completion, by firm.",
		}, []string{"firm"}),
		MileageEstimated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mileage_estimated_total",
			Help:      "Jobs priced on the estimated mileage after a failed lookup.",
		}, []string{"firm"}),
		DaysFinalized: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "days_finalized_total",
			Help:      "Days closed by finalization.",
		}),
		DayEarnings: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "finalized_day_earnings",
			Help:      "Total earnings of the most recently finalized day.",
		}),
		FirmsDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firms_deleted_total",
			Help:      "Firm configurations deleted.",
		}),
	}
}

// Attach subscribes the metrics to bus and returns the unsubscribe func.
func (m *Metrics) Attach(bus *billing.EventBus) func() {
	return bus.Subscribe(m.Observe)
}

// Observe updates the collectors for one event.
func (m *Metrics) Observe(ev billing.Event) {
	switch ev.Type {
	case billing.EventJobCreated:
		m.JobsCreated.WithLabelValues(ev.FirmName).Inc()
		if ev.Job != nil && ev.Job.MileageEstimated {
			m.MileageEstimated.WithLabelValues(ev.FirmName).Inc()
		}

	case billing.EventJobCompleted:
		m.JobsCompleted.WithLabelValues(ev.FirmName).Inc()
		if ev.Job != nil {
			v, _ := ev.Job.TotalJobValue.Float64()
			if v > 0 {
				m.JobValue.WithLabelValues(ev.FirmName).Add(v)
			}
		}

	case billing.EventDayFinalized:
		m.DaysFinalized.Inc()
		if ev.Tally != nil {
			v, _ := ev.Tally.TotalEarnings.Float64()
			m.DayEarnings.Set(v)
		}

	case billing.EventFirmDeleted:
		m.FirmsDeleted.Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
