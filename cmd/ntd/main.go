// Command ntd is the network tracing daemon: it exposes the Tracing Task
// HTTP API (§6) and runs the probes each task's options request.
//
// Grounded on the teacher's cmd/kubepulse/main.go: same zap production
// logger setup (ISO8601 timestamps), signal.NotifyContext-driven graceful
// shutdown, and env-driven overrides — generalized from KubePulse's fixed
// TCP/DNS agent loop onto internal/daemon.Daemon's dynamic, API-driven
// Tracing Task model.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ntracing/ntd/internal/config"
	"github.com/ntracing/ntd/internal/constants"
	"github.com/ntracing/ntd/internal/daemon"
)

func main() {
	cfg, tuning, logger, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("network tracing daemon starting",
		zap.String("version", constants.Version),
		zap.String("api_host", cfg.APIHost),
		zap.Int("api_port", cfg.APIPort))

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d := daemon.New(cfg, tuning, logger)
	if err := d.Run(ctx); err != nil {
		logger.Fatal("daemon exited with error", zap.Error(err))
	}
}

// loadConfig loads and validates both config files, then builds the zap
// logger at the configured level. A bad config file is returned as an
// error before any logger exists.
func loadConfig() (*config.Config, *config.PerfTuning, *zap.Logger, error) {
	configPath := os.Getenv(constants.EnvConfigPath)
	if configPath == "" {
		configPath = constants.DefaultConfigPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("validating config: %w", err)
	}

	perfConfigPath := os.Getenv(constants.EnvPerfConfigPath)
	if perfConfigPath == "" {
		perfConfigPath = constants.DefaultPerfConfigPath
	}
	tuning, err := config.LoadPerfTuning(perfConfigPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading performance tuning: %w", err)
	}

	logConfig := zap.NewProductionConfig()
	logConfig.EncoderConfig.TimeKey = "ts"
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level, levelErr := zapcore.ParseLevel(cfg.LogLevel); levelErr == nil {
		logConfig.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := logConfig.Build()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building logger: %w", err)
	}

	return cfg, tuning, logger, nil
}
