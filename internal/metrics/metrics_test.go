package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

// m is constructed once for the whole test binary: every instrument is
// registered against the default Prometheus registry on New(), so a
// second call would panic with a duplicate-registration error. Tests
// that touch un-labeled instruments (TasksActive, TasksCreated) compare
// before/after deltas rather than absolute values; tests that touch
// vectors use a label value unique to that test so they don't observe
// each other's writes.
var m = New()

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return metric.GetGauge().GetValue()
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func TestObserveTaskCreatedAndRemoved(t *testing.T) {
	activeBefore := gaugeValue(t, m.TasksActive)
	createdBefore := counterValue(t, m.TasksCreated)

	m.ObserveTaskCreated()
	m.ObserveTaskCreated()
	if got := gaugeValue(t, m.TasksActive); got != activeBefore+2 {
		t.Fatalf("TasksActive = %v, want %v", got, activeBefore+2)
	}
	if got := counterValue(t, m.TasksCreated); got != createdBefore+2 {
		t.Fatalf("TasksCreated = %v, want %v", got, createdBefore+2)
	}

	m.ObserveTaskRemoved()
	if got := gaugeValue(t, m.TasksActive); got != activeBefore+1 {
		t.Fatalf("TasksActive after remove = %v, want %v", got, activeBefore+1)
	}
	if got := counterValue(t, m.TasksCreated); got != createdBefore+2 {
		t.Fatalf("TasksCreated after remove = %v, want still %v", got, createdBefore+2)
	}
}

func TestObserveProbeAttachOutcomeLabels(t *testing.T) {
	m.ObserveProbeAttach("test_attach_probe", true)
	m.ObserveProbeAttach("test_attach_probe", false)
	m.ObserveProbeAttach("test_attach_probe", false)

	if got := counterValue(t, m.ProbeAttach.WithLabelValues("test_attach_probe", "ok")); got != 1 {
		t.Fatalf("ok count = %v, want 1", got)
	}
	if got := counterValue(t, m.ProbeAttach.WithLabelValues("test_attach_probe", "error")); got != 2 {
		t.Fatalf("error count = %v, want 2", got)
	}
}

func TestObserveProbeRuntimeError(t *testing.T) {
	m.ObserveProbeRuntimeError("test_runtime_err_probe")
	m.ObserveProbeRuntimeError("test_runtime_err_probe")

	if got := counterValue(t, m.ProbeRuntimeErr.WithLabelValues("test_runtime_err_probe")); got != 2 {
		t.Fatalf("ProbeRuntimeErr = %v, want 2", got)
	}
}

func TestObserveBusStatsAndForgetTask(t *testing.T) {
	const taskID = "test_bus_stats_task"

	m.ObserveBusStats(taskID, 42, 3, map[uint64]uint64{1: 5, 2: 1})

	if got := gaugeValue(t, m.EventsPublished.WithLabelValues(taskID)); got != 42 {
		t.Fatalf("EventsPublished = %v, want 42", got)
	}
	if got := gaugeValue(t, m.BusQueueDepth.WithLabelValues(taskID)); got != 3 {
		t.Fatalf("BusQueueDepth = %v, want 3", got)
	}
	if got := gaugeValue(t, m.EventsDropped.WithLabelValues(taskID)); got != 6 {
		t.Fatalf("EventsDropped = %v, want 6", got)
	}

	m.ForgetTask(taskID)
	if got := gaugeValue(t, m.EventsPublished.WithLabelValues(taskID)); got != 0 {
		t.Fatalf("EventsPublished after ForgetTask = %v, want 0 (fresh series)", got)
	}
}

func TestObserveKtimeOffset(t *testing.T) {
	m.ObserveKtimeOffset(123456789)
	if got := gaugeValue(t, m.KtimeOffsetNs); got != 123456789 {
		t.Fatalf("KtimeOffsetNs = %v, want 123456789", got)
	}
}
