// Package metrics defines the daemon's self-observability Prometheus
// metrics (SPEC_FULL §11: "bus publish/drop counters, probe attach/detach
// counters, task lifecycle gauges, exposed on a metrics endpoint").
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ntracing/ntd/internal/constants"
)

// Metrics holds every Prometheus instrument the daemon exposes.
//
// EventsPublished/EventsDropped are Gauges rather than Counters: they are
// populated by periodically snapshotting each task's event.Bus.Stats(),
// which is itself already a cumulative running total scoped to that
// bus's lifetime, so re-`Set`ting on each scrape tick (rather than
// `Add`ing a delta) is the correct way to mirror it.
type Metrics struct {
	EventsPublished *prometheus.GaugeVec
	EventsDropped   *prometheus.GaugeVec
	BusQueueDepth   *prometheus.GaugeVec

	TasksActive  prometheus.Gauge
	TasksCreated prometheus.Counter

	ProbeAttach     *prometheus.CounterVec
	ProbeRuntimeErr *prometheus.CounterVec

	// NetworkDelaySeconds observes the delay_analysis_{in,out}{,_v6}
	// probes' per-packet total elapsed time, by probe type.
	NetworkDelaySeconds *prometheus.HistogramVec

	// SchedLatencySeconds observes runqslower's run-queue wait time.
	SchedLatencySeconds prometheus.Histogram

	KtimeOffsetNs prometheus.Gauge
}

// New creates and registers every metric against the default registry.
func New() *Metrics {
	return &Metrics{
		EventsPublished: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricEventsPublished,
			Help: "Total events published onto a task's event bus, by task.",
		}, []string{constants.LabelTask}),

		EventsDropped: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricEventsDropped,
			Help: "Total events dropped due to a full subscriber queue, by task.",
		}, []string{constants.LabelTask}),

		BusQueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricBusQueueDepth,
			Help: "Current subscriber count for a task's event bus.",
		}, []string{constants.LabelTask}),

		TasksActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: constants.MetricTasksActive,
			Help: "Number of tracing tasks currently registered.",
		}),

		TasksCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: constants.MetricTasksCreated,
			Help: "Total tracing tasks created over the daemon's lifetime.",
		}),

		ProbeAttach: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: constants.MetricProbeAttach,
			Help: "Total probe attach attempts, by probe type and outcome.",
		}, []string{constants.LabelProbe, "outcome"}),

		ProbeRuntimeErr: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: constants.MetricProbeRuntimeErr,
			Help: "Total probe runtime errors (dropped/malformed events), by probe type.",
		}, []string{constants.LabelProbe}),

		NetworkDelaySeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    constants.MetricNetworkDelaySeconds,
			Help:    "Per-packet total elapsed time observed by the delay-analysis probes, by probe type.",
			Buckets: constants.NetworkDelayBuckets,
		}, []string{constants.LabelProbe}),

		SchedLatencySeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    constants.MetricSchedLatencySeconds,
			Help:    "Run-queue wait time observed by runqslower.",
			Buckets: constants.SchedLatencyBuckets,
		}),

		KtimeOffsetNs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: constants.MetricKtimeOffsetNs,
			Help: "Cached REALTIME-MONOTONIC clock offset in nanoseconds.",
		}),
	}
}

// ObserveTaskCreated records a tracing task coming into existence.
func (m *Metrics) ObserveTaskCreated() {
	m.TasksCreated.Inc()
	m.TasksActive.Inc()
}

// ObserveTaskRemoved records a tracing task being torn down.
func (m *Metrics) ObserveTaskRemoved() {
	m.TasksActive.Dec()
}

// ObserveProbeAttach records a probe start attempt's outcome ("ok" or
// "error").
func (m *Metrics) ObserveProbeAttach(probeType string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.ProbeAttach.WithLabelValues(probeType, outcome).Inc()
}

// ObserveProbeRuntimeError records a per-event decode/parse fault that was
// logged and dropped rather than failing the probe (§7).
func (m *Metrics) ObserveProbeRuntimeError(probeType string) {
	m.ProbeRuntimeErr.WithLabelValues(probeType).Inc()
}

// ObserveNetworkDelay records one delay-analysis probe's total elapsed
// time for a packet, in seconds.
func (m *Metrics) ObserveNetworkDelay(probeType string, seconds float64) {
	m.NetworkDelaySeconds.WithLabelValues(probeType).Observe(seconds)
}

// ObserveSchedLatency records one runqslower sample's run-queue wait
// time, in seconds.
func (m *Metrics) ObserveSchedLatency(seconds float64) {
	m.SchedLatencySeconds.Observe(seconds)
}

// ObserveBusStats mirrors one task's event.Bus.Stats() snapshot onto the
// published/dropped/queue-depth gauges, keyed by task ID.
func (m *Metrics) ObserveBusStats(taskID string, published uint64, subscriberCount int, dropped map[uint64]uint64) {
	m.EventsPublished.WithLabelValues(taskID).Set(float64(published))
	m.BusQueueDepth.WithLabelValues(taskID).Set(float64(subscriberCount))

	var totalDropped uint64
	for _, d := range dropped {
		totalDropped += d
	}
	m.EventsDropped.WithLabelValues(taskID).Set(float64(totalDropped))
}

// ForgetTask removes a removed task's label set from the per-task gauges
// so stale series don't linger in /metrics output after the task is gone.
func (m *Metrics) ForgetTask(taskID string) {
	m.EventsPublished.DeleteLabelValues(taskID)
	m.EventsDropped.DeleteLabelValues(taskID)
	m.BusQueueDepth.DeleteLabelValues(taskID)
}

// ObserveKtimeOffset records the cached REALTIME-MONOTONIC clock offset.
func (m *Metrics) ObserveKtimeOffset(offsetNs int64) {
	m.KtimeOffsetNs.Set(float64(offsetNs))
}
