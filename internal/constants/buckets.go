package constants

// ─── Histogram Buckets ──────────────────────────────────────────────
// Pre-defined bucket sets for Prometheus histograms. Changing these
// affects all histograms using them.

// NetworkDelayBuckets covers 1µs to 50ms — tuned for the per-segment
// delay-analysis perf-buffer probes (qdisc/ip/tcp/mac stage timings).
var NetworkDelayBuckets = []float64{
	0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005,
	0.001, 0.005, 0.01, 0.05,
}

// SchedLatencyBuckets covers 10µs to 1s — tuned for runqslower's
// run-queue wait-time measurements.
var SchedLatencyBuckets = []float64{
	0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005,
	0.01, 0.05, 0.1, 0.5, 1.0,
}

// ─── Common Prometheus Label Sets ──────────────────────────────────
// Pre-defined label slices to avoid repeated allocations.

var LabelsTask = []string{LabelTask}
var LabelsTaskProbe = []string{LabelTask, LabelProbe}
var LabelsProbe = []string{LabelProbe}
