package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/phoenixtracker/phoenixtracker/agent/internal/config"
	"github.com/phoenixtracker/phoenixtracker/agent/internal/delivery"
	"github.com/phoenixtracker/phoenixtracker/agent/internal/health"
	"github.com/phoenixtracker/phoenixtracker/agent/internal/metrics"
	"github.com/phoenixtracker/phoenixtracker/agent/internal/queue"
	"github.com/phoenixtracker/phoenixtracker/agent/internal/scheduler"
	"github.com/phoenixtracker/phoenixtracker/agent/internal/security"
	"github.com/phoenixtracker/phoenixtracker/agent/internal/transport"
)

const usage = `Usage: phoenix-agent [--config path] <command>

Commands:
  run                 run the tracker (default)
  check               send a connection test heartbeat and show queue status
  queue stats         show offline queue contents
  queue clear         delete every queued event
  queue flush         replay one batch of queued events now
  token setup         store the device token (encrypted, auth.mode file)
  token show          show the configured token, masked
  token delete        remove the stored token

Flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("phoenix-agent", pflag.ContinueOnError)
	configPath := flagSet.String("config", "config.yaml", "path to config file")
	fromFile := flagSet.String("from-file", "", "token setup: read the token from this file instead of the terminal")
	flagSet.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		rest = []string{"run"}
	}

	levelVar := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	levelVar.Set(cfg.Agent.Level())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch rest[0] {
	case "run":
		return runAgent(ctx, *configPath, cfg, levelVar, logger)
	case "check":
		return runCheck(ctx, cfg, logger)
	case "queue":
		return runQueue(ctx, cfg, logger, rest[1:])
	case "token":
		return runToken(cfg, rest[1:], *fromFile)
	}
	flagSet.Usage()
	return fmt.Errorf("unknown command %q", rest[0])
}

// stack is the wired delivery pipeline shared by the subcommands.
type stack struct {
	queue    *queue.Queue
	orch     *delivery.Orchestrator
	registry *metrics.Registry
	health   *health.Reporter
}

func openStack(cfg *config.Config, logger *slog.Logger) (*stack, error) {
	a := cfg.Agent
	q, err := queue.Open(queue.Config{Path: a.QueuePath, Logger: logger})
	if err != nil {
		return nil, err
	}

	client := transport.New(transport.Config{
		BaseURL:            a.APIURL,
		DeviceID:           a.DeviceID,
		Credentials:        a.Auth.Provider(),
		InsecureSkipVerify: a.TLS.InsecureSkipVerify,
	})
	reg := metrics.NewRegistry(q, logger)
	rep := health.NewReporter(logger)

	orch := delivery.New(delivery.Config{
		DeviceID:           a.DeviceID,
		MinCaptureInterval: a.MinCaptureInterval,
		ReplayBatchSize:    a.ReplayBatchSize,
		RequestTimeout:     a.RequestTimeout,
		ReplayAfterFailure: a.ReplayAfterFailure,
	}, client, q,
		delivery.WithLogger(logger),
		delivery.WithObserver(delivery.Observers{reg, rep}),
	)
	return &stack{queue: q, orch: orch, registry: reg, health: rep}, nil
}

func (s *stack) Close() {
	if err := s.queue.Close(); err != nil {
		slog.Error("failed to close queue", "err", err)
	}
}

func schedulerConfig(a config.AgentConfig) scheduler.Config {
	return scheduler.Config{
		LoopInterval:         a.LoopInterval,
		HeartbeatInterval:    a.HeartbeatInterval,
		CaptureInterval:      a.CaptureInterval,
		MaxConsecutiveErrors: a.MaxConsecutiveErrors,
		ErrorPause:           a.ErrorPause,
	}
}

func runAgent(ctx context.Context, configPath string, cfg *config.Config, levelVar *slog.LevelVar, logger *slog.Logger) error {
	a := cfg.Agent
	slog.Info("phoenix-agent starting", "config", configPath)
	slog.Info("config loaded",
		"api_url", a.APIURL,
		"device_id", a.DeviceID,
		"auth_mode", a.Auth.Mode,
		"heartbeat_interval", a.HeartbeatInterval,
		"capture_interval", a.CaptureInterval,
		"queue_path", a.QueuePath,
	)

	st, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	checker := security.Checker{InsecureSkipVerify: a.TLS.InsecureSkipVerify}
	if cs := checker.Check(ctx, a.APIURL); cs != nil && cs.Status != security.StatusValid {
		slog.Warn("ingestion service certificate problem",
			"status", cs.Status, "days_left", cs.DaysLeft, "not_after", cs.NotAfter, "err", cs.Err)
	}

	res, err := st.orch.TestConnection(ctx)
	switch {
	case errors.Is(err, delivery.ErrAuthInvalid):
		return fmt.Errorf("device token rejected; run 'phoenix-agent token setup': %w", err)
	case err != nil:
		slog.Warn("connection test failed", "err", err)
	case res.Status == delivery.StatusQueued:
		slog.Warn("service unreachable, running offline", "reason", res.Reason)
	default:
		slog.Info("connection test passed", "status", res.Status.String())
	}

	if a.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, a.MetricsAddr, st.registry); err != nil {
				slog.Error("metrics server stopped", "err", err)
			}
		}()
	}
	if a.HealthAddr != "" {
		go func() {
			if err := st.health.Serve(ctx, a.HealthAddr); err != nil {
				slog.Error("health server stopped", "err", err)
			}
		}()
	}

	var activity scheduler.ActivitySource = scheduler.StaticActivity{AppName: "Unknown", WindowTitle: "Unknown"}
	if len(a.ActivityCommand) > 0 {
		activity = scheduler.CommandActivity{Argv: a.ActivityCommand}
	}
	var screen scheduler.ScreenSource
	if len(a.CaptureCommand) > 0 {
		screen = scheduler.CommandScreen{Argv: a.CaptureCommand}
	} else {
		slog.Warn("no capture_command configured, screenshots disabled")
	}
	sched := scheduler.New(schedulerConfig(a), st.orch, activity, screen, logger)

	// Hot-reload applies log level and scheduler timing; everything else
	// needs a restart.
	go func() {
		if err := config.Watch(ctx, configPath, func(updated *config.Config) {
			levelVar.Set(updated.Agent.Level())
			sched.Update(schedulerConfig(updated.Agent))
			slog.Info("config hot-reloaded", "log_level", updated.Agent.LogLevel)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	sched.Run(ctx)
	slog.Info("phoenix-agent shutting down")
	return nil
}
