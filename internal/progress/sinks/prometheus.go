package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/chartsnap/internal/progress"
)

// PrometheusSink exports pool, job and admission metrics derived from
// pipeline events.
type PrometheusSink struct {
	slotsCreated   prometheus.Counter
	slotsDestroyed prometheus.Counter
	slotsInUse     prometheus.Gauge
	slotLifetime   prometheus.Histogram

	jobsQueued    prometheus.Counter
	jobsRunning   prometheus.Gauge
	jobsRetried   prometheus.Counter
	jobsStalled   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	captureTiming *prometheus.HistogramVec

	alertsRejected *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		slotsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartsnap_browser_slots_created_total",
			Help: "Browser slots launched by the pool.",
		}),
		slotsDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartsnap_browser_slots_destroyed_total",
			Help: "Browser slots torn down by the pool.",
		}),
		slotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartsnap_browser_slots_in_use",
			Help: "Browser slots currently acquired by workers.",
		}),
		slotLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartsnap_browser_slot_lifetime_seconds",
			Help:    "Age of browser slots when destroyed.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 4 * 3600, 24 * 3600},
		}),
		jobsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartsnap_capture_jobs_queued_total",
			Help: "Capture jobs accepted by the queue.",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartsnap_capture_jobs_running",
			Help: "Capture jobs currently owned by a worker.",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartsnap_capture_jobs_retried_total",
			Help: "Capture attempts re-queued with backoff.",
		}),
		jobsStalled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartsnap_capture_jobs_stalled_total",
			Help: "Capture jobs reclaimed after their lease expired.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartsnap_capture_jobs_finished_total",
			Help: "Capture jobs reaching a terminal state, by result and strategy.",
		}, []string{"result", "strategy"}),
		captureTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chartsnap_capture_duration_seconds",
			Help:    "Wall time of a capture attempt.",
			Buckets: []float64{1, 5, 10, 15, 20, 30, 45, 60, 120},
		}, []string{"result"}),
		alertsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartsnap_alerts_rejected_total",
			Help: "Alerts refused by the rate gate, by reason.",
		}, []string{"reason"}),
	}
	for _, collector := range []prometheus.Collector{
		s.slotsCreated,
		s.slotsDestroyed,
		s.slotsInUse,
		s.slotLifetime,
		s.jobsQueued,
		s.jobsRunning,
		s.jobsRetried,
		s.jobsStalled,
		s.jobsFinished,
		s.captureTiming,
		s.alertsRejected,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register pipeline collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSlotCreated:
		s.slotsCreated.Inc()
	case progress.StageSlotDestroyed:
		s.slotsDestroyed.Inc()
		if evt.Dur > 0 {
			s.slotLifetime.Observe(evt.Dur.Seconds())
		}
	case progress.StageSlotAcquired:
		s.slotsInUse.Inc()
	case progress.StageSlotReleased:
		s.slotsInUse.Dec()
	case progress.StageJobQueued:
		s.jobsQueued.Inc()
	case progress.StageJobStarted:
		s.jobsRunning.Inc()
	case progress.StageJobRetried:
		s.jobsRunning.Dec()
		s.jobsRetried.Inc()
		s.observeCapture(evt, "retry")
	case progress.StageJobStalled:
		s.jobsRunning.Dec()
		s.jobsStalled.Inc()
	case progress.StageJobCompleted:
		s.jobsRunning.Dec()
		s.jobsFinished.WithLabelValues("completed", strategyLabel(evt)).Inc()
		s.observeCapture(evt, "completed")
	case progress.StageJobFailed:
		s.jobsRunning.Dec()
		s.jobsFinished.WithLabelValues("failed", strategyLabel(evt)).Inc()
		s.observeCapture(evt, "failed")
	case progress.StageAlertRejected:
		reason := evt.Note
		if reason == "" {
			reason = "unknown"
		}
		s.alertsRejected.WithLabelValues(reason).Inc()
	}
}

func (s *PrometheusSink) observeCapture(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.captureTiming.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func strategyLabel(evt progress.Event) string {
	if evt.Strategy == "" {
		return "none"
	}
	return evt.Strategy
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
