// Package daemon is the network tracing daemon's central orchestrator: it
// wires together the Probe Registry, Task Registry, HTTP API server, and
// self-observability metrics exporter, and drives graceful startup and
// shutdown. Grounded on the teacher's internal/agent.Agent — same
// root-privilege/rlimit preflight, optional Kubernetes watcher, metrics
// exporter goroutine, and signal-context-driven shutdown — generalized
// from KubePulse's fixed TCP/DNS probe pair onto this domain's dynamic,
// per-Tracing-Task probe sets.
package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/ntracing/ntd/internal/api"
	"github.com/ntracing/ntd/internal/config"
	"github.com/ntracing/ntd/internal/constants"
	"github.com/ntracing/ntd/internal/exporter"
	"github.com/ntracing/ntd/internal/ksym"
	"github.com/ntracing/ntd/internal/ktime"
	"github.com/ntracing/ntd/internal/metadata"
	"github.com/ntracing/ntd/internal/metrics"
	"github.com/ntracing/ntd/internal/probe"
	"github.com/ntracing/ntd/internal/task"
)

// metricsExportInterval is how often bus stats are snapshotted onto the
// per-task Prometheus gauges (there is no per-event hook for these; they
// mirror whatever Registry.BusStats reports at each tick).
const metricsExportInterval = 5 * time.Second

// Daemon is the running process: a Task Registry, an HTTP API server
// fronting it (§6), and a metrics exporter, sharing one set of Probe
// Dependencies.
type Daemon struct {
	logger *zap.Logger
	cfg    *config.Config
	tuning *config.PerfTuning

	metrics  *metrics.Metrics
	registry *task.Registry
	api      *api.Server
	exporter *exporter.Server
	offset   *ktime.Offset

	metaCache *metadata.Cache
}

// New wires every component from cfg/tuning but starts nothing.
func New(cfg *config.Config, tuning *config.PerfTuning, logger *zap.Logger) *Daemon {
	m := metrics.New()

	offset := ktime.New()
	symbols := ksym.New()
	metaCache := metadata.NewCache(metadata.DefaultCacheConfig())

	bpfObjectDir := os.Getenv(constants.EnvBPFObjectDir)
	if bpfObjectDir == "" {
		bpfObjectDir = constants.DefaultBPFObjectDir
	}

	deps := probe.Dependencies{
		Logger:          logger,
		Offset:          offset,
		Metadata:        metaCache,
		Symbols:         symbols,
		BPFObjectDir:    bpfObjectDir,
		Metrics:         m,
		PerfPollTimeout: tuning.PerfBuf.PollTimeout,
		PerfStopWait:    tuning.PerfBuf.StopWait,
	}

	probeReg := newProbeRegistry()
	registry := task.NewRegistry(probeReg, deps, logger, m)
	registry.SetDefaultBufferLength(tuning.Events.RingBufferLength)

	apiServer := api.NewServer(api.Config{
		Host: cfg.APIHost,
		Port: cfg.APIPort,
		CORS: cfg.CORS,
	}, registry, logger)

	metricsAddr := os.Getenv(constants.EnvMetricsAddr)
	if metricsAddr == "" {
		metricsAddr = constants.DefaultMetricsAddr
	}

	return &Daemon{
		logger:    logger,
		cfg:       cfg,
		tuning:    tuning,
		metrics:   m,
		registry:  registry,
		api:       apiServer,
		exporter:  exporter.New(metricsAddr, logger),
		offset:    offset,
		metaCache: metaCache,
	}
}

// Run performs the root/rlimit preflight, starts the optional Kubernetes
// watcher, the metrics exporter, and the API server, then blocks until ctx
// is cancelled. On return every Tracing Task has been stopped.
func (d *Daemon) Run(ctx context.Context) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("%s requires root privileges to attach eBPF probes", constants.DaemonName)
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		d.logger.Warn("failed to remove memlock rlimit (may not be needed on kernel >= 5.11)", zap.Error(err))
	}

	k8sWatcher, err := metadata.NewK8sWatcher(d.metaCache, d.logger)
	if err != nil {
		d.logger.Warn("kubernetes watcher unavailable — runqslower pod/namespace labels will be empty", zap.Error(err))
	} else {
		go func() {
			if err := k8sWatcher.Run(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("kubernetes watcher error", zap.Error(err))
			}
		}()
	}

	d.exporter.SetReady()
	go func() {
		if err := d.exporter.Run(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("metrics exporter error", zap.Error(err))
		}
	}()

	go d.exportBusStatsLoop(ctx)

	go func() {
		if err := d.api.Start(); err != nil {
			d.logger.Error("API server error", zap.Error(err))
		}
	}()

	d.logger.Info("daemon running",
		zap.String("api_addr", fmt.Sprintf("%s:%d", d.cfg.APIHost, d.cfg.APIPort)),
		zap.String("metrics", "see "+constants.EnvMetricsAddr))

	<-ctx.Done()
	d.logger.Info("shutdown signal received, stopping tracing tasks")

	if err := d.api.Stop(); err != nil {
		d.logger.Warn("error stopping API server", zap.Error(err))
	}
	d.registry.Shutdown()

	d.logger.Info("daemon stopped")
	return nil
}

// exportBusStatsLoop periodically snapshots every live task's event bus
// onto the per-task Prometheus gauges (Registry.BusStats / ObserveBusStats
// — see DESIGN.md's internal/metrics entry for why this is pull, not
// push).
func (d *Daemon) exportBusStatsLoop(ctx context.Context) {
	ticker := time.NewTicker(metricsExportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for taskID, stats := range d.registry.BusStats() {
				d.metrics.ObserveBusStats(taskID, stats.Published, stats.SubscriberCount, stats.Dropped)
			}
			d.metrics.ObserveKtimeOffset(d.offset.Nanos())
		}
	}
}
