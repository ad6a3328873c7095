// Command ntctl is the control client for the network tracing daemon's
// HTTP API: it lists, inspects, creates, removes and streams events for
// Tracing Tasks.
//
// Grounded on cli/main.py's argparse dispatch (one subcommand per
// actions/*.py file). The global flags are -b/--base-url and
// -l/--logging-level; there is no config-file flag. Rebuilt on cobra, the CLI
// framework the rest of the example pack reaches for in place of
// argparse.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ntracing/ntd/internal/constants"
	"github.com/ntracing/ntd/internal/event"
	"github.com/ntracing/ntd/internal/ntctl"
	"github.com/ntracing/ntd/internal/task"
)

var (
	baseURL      string
	loggingLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "ntctl",
		Short:         "control client for the network tracing daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&baseURL, "base-url", "b", constants.DefaultNtctlBaseURL,
		"base URL of API service exposed by the daemon")
	root.PersistentFlags().StringVarP(&loggingLevel, "logging-level", "l", constants.DefaultLogLevel,
		"name of logging level")

	root.AddCommand(
		newListCommand(),
		newViewCommand(),
		newStartCommand(),
		newStopCommand(),
		newEventsCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ntctl: error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level, err := zapcore.ParseLevel(loggingLevel); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

// newListCommand is grounded on cli/actions/ls.py: a fixed-width ID/PROBES
// table, one row per tracing task.
func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "list all tracing tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := ntctl.NewClient(baseURL)
			tasks, err := client.ListTasks(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list tracing tasks: %w", err)
			}

			fmt.Printf("%-32s %s\n", "ID", "PROBES")
			for _, t := range tasks {
				probes := make([]string, 0, len(t.Options.Probes))
				for name := range t.Options.Probes {
					probes = append(probes, name)
				}
				fmt.Printf("%-32s %s (%d)\n", t.ID, joinComma(probes), len(probes))
			}
			return nil
		},
	}
}

// newViewCommand is grounded on cli/actions/view.py's field-by-field dump.
func newViewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "view ID",
		Short: "view the details of a tracing task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := ntctl.NewClient(baseURL)
			t, err := client.GetTask(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to retrieve information: %w", err)
			}

			fmt.Printf("ID: %s\n", t.ID)
			fmt.Printf("Event buffer length: %d\n", t.Options.Events.BufferLength)
			fmt.Printf("Probes (%d):\n", len(t.Options.Probes))
			for name, opts := range t.Options.Probes {
				fmt.Printf("  %s: %s\n", name, string(opts))
			}
			return nil
		},
	}
}

// newStartCommand is grounded on cli/actions/start.py's KEY=VALUE
// nested-dict builder (internal/ntctl.ParseOption/SetNested).
func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "start OPTIONS...",
		Aliases: []string{"create"},
		Short:   "create and start a tracing task",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := map[string]any{}
			for _, arg := range args {
				key, value, err := ntctl.ParseOption(arg)
				if err != nil {
					return fmt.Errorf("failed to create and start tracing task: %w", err)
				}
				if err := ntctl.SetNested(request, key, value); err != nil {
					return fmt.Errorf("failed to create and start tracing task: %w", err)
				}
			}

			data, err := json.Marshal(request)
			if err != nil {
				return fmt.Errorf("failed to create and start tracing task: %w", err)
			}
			var opts task.Options
			if err := json.Unmarshal(data, &opts); err != nil {
				return fmt.Errorf("failed to create and start tracing task: %w", err)
			}

			client := ntctl.NewClient(baseURL)
			id, err := client.CreateTask(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("failed to create and start tracing task: %w", err)
			}
			fmt.Println(id)
			return nil
		},
	}
}

// newStopCommand is grounded on cli/actions/stop.py.
func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stop ID",
		Aliases: []string{"rm", "remove"},
		Short:   "stop and remove a tracing task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := ntctl.NewClient(baseURL)
			if err := client.RemoveTask(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to stop and remove task: %w", err)
			}
			return nil
		},
	}
}

// newEventsCommand is grounded on cli/actions/events.py's `-a/--action`
// flag; unlike the original, `upload` here actually ships events to a
// sink instead of logging a not-implemented warning (SPEC_FULL §12.4).
func newEventsCommand() *cobra.Command {
	var actions []string
	var resume bool
	var redisAddr string

	cmd := &cobra.Command{
		Use:   "events ID",
		Short: "view events of a tracing task and/or upload them to a sink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(actions) == 0 {
				actions = []string{constants.SinkPrint}
			}

			logger := newLogger()
			defer logger.Sync()

			sinks := make([]ntctl.Sink, 0, len(actions))
			for _, kind := range actions {
				sink, err := ntctl.NewSink(kind, os.Stdout, logger)
				if err != nil {
					return fmt.Errorf("failed to get events: %w", err)
				}
				sinks = append(sinks, sink)
			}
			defer func() {
				for _, s := range sinks {
					if err := s.Close(); err != nil {
						logger.Warn("error closing sink", zap.Error(err))
					}
				}
			}()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			taskID := args[0]

			// --resume skips events at or before the last cursor this
			// client observed for this task, and keeps the cursor
			// advancing as new events arrive (cli/actions/events.py has
			// no equivalent — the original always replays from whatever
			// the daemon's in-memory ring buffer currently holds).
			var cursor *ntctl.ResumeCursor
			var since int64
			if resume {
				var err error
				cursor, err = ntctl.NewResumeCursor(redisAddr, logger)
				if err != nil {
					return fmt.Errorf("failed to get events: %w", err)
				}
				defer cursor.Close()

				since, err = cursor.Load(ctx, taskID)
				if err != nil {
					return fmt.Errorf("failed to get events: %w", err)
				}
			}

			client := ntctl.NewClient(baseURL)
			err := client.StreamEvents(ctx, taskID, func(e *event.Event) error {
				if resume && e.TimestampNs <= since {
					return nil
				}
				for _, s := range sinks {
					if err := s.Write(ctx, taskID, e); err != nil {
						return err
					}
				}
				if resume {
					since = e.TimestampNs
					if err := cursor.Save(ctx, taskID, since); err != nil {
						logger.Warn("failed to save resume cursor", zap.Error(err))
					}
				}
				return nil
			})
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("failed to get events: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&actions, "action", "a", nil,
		fmt.Sprintf("action(s) to take for events; one of %q, %q, %q; repeatable; defaults to %q",
			constants.SinkPrint, constants.SinkNATS, constants.SinkClickHouse, constants.SinkPrint))
	cmd.Flags().BoolVar(&resume, "resume", false,
		"skip events already seen in a previous --resume run, tracked in Redis")
	cmd.Flags().StringVar(&redisAddr, "resume-cache-addr", constants.RedisDefaultAddr,
		"address of the Redis instance backing --resume")

	return cmd
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
