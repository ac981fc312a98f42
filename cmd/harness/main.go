package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mcpbench/mcpbench/internal/agent"
	"github.com/mcpbench/mcpbench/internal/common/config"
	"github.com/mcpbench/mcpbench/internal/common/logger"
	"github.com/mcpbench/mcpbench/internal/driver"
	"github.com/mcpbench/mcpbench/internal/events"
	"github.com/mcpbench/mcpbench/internal/ingest"
	"github.com/mcpbench/mcpbench/internal/orchestrator"
	"github.com/mcpbench/mcpbench/internal/runner"
	"github.com/mcpbench/mcpbench/internal/server"
	"github.com/mcpbench/mcpbench/internal/store"
	"github.com/mcpbench/mcpbench/internal/streaming"
	"github.com/mcpbench/mcpbench/internal/taskctx"
	"github.com/mcpbench/mcpbench/internal/telemetry"
	"github.com/mcpbench/mcpbench/internal/workspace"
	"github.com/mcpbench/mcpbench/pkg/ipc"
)

type cliFlags struct {
	runID       int64
	model       string
	include     string
	exclude     string
	exercise    string
	concurrent  int
	description string
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.Int64Var(&f.runID, "run-id", 0, "resume an existing run instead of creating one")
	flag.StringVar(&f.model, "model", "", "model identifier recorded with the run")
	flag.StringVar(&f.include, "include", "", "comma-separated languages to include")
	flag.StringVar(&f.exclude, "exclude", "", "comma-separated languages to exclude")
	flag.StringVar(&f.exercise, "exercise", "", "comma-separated exercises to run (default: all)")
	flag.IntVar(&f.concurrent, "concurrent", 0, "parallel agent sessions (overrides config)")
	flag.StringVar(&f.description, "description", "", "free-form run description")
	flag.Parse()
	return f
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	flags := parseFlags()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if flags.concurrent > 0 {
		cfg.Run.Concurrency = flags.concurrent
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting benchmark harness...")

	// 3. Context cancelled by SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Store: postgres when configured, in-memory otherwise
	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgres(ctx, cfg.Database.URL, log)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		st = pg
	} else {
		log.Warn("No database configured, results are kept in memory only")
		st = store.NewMemory()
	}
	defer st.Close()

	// 5. Event bus
	var bus events.Bus
	if cfg.NATS.Enabled {
		natsBus, err := events.NewNatsBus(cfg.NATS.URL, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		bus = natsBus
	} else {
		bus = events.NewLocalBus()
	}
	defer bus.Close()

	// 6. Registry + span ingestion
	registry := taskctx.NewRegistry()
	ingestor := ingest.NewIngestor(ingest.Config{
		AllowedServers:       cfg.Telemetry.AllowedServers,
		HistorySize:          cfg.Telemetry.SpanHistorySize,
		CreateEmptyBenchmark: cfg.Telemetry.CreateEmptyBenchmark,
	}, st, registry, log)

	// 7. OTLP ingress on the first free port above the base
	ln, otlpPort, err := telemetry.ListenAny("127.0.0.1", cfg.Server.BasePort, 100)
	if err != nil {
		log.Fatal("Failed to bind OTLP listener", zap.Error(err))
	}
	otlpEndpoint := fmt.Sprintf("http://127.0.0.1:%d", otlpPort)
	receiver := telemetry.NewReceiver(ingestor, log)

	hub, err := streaming.NewHub(bus, log)
	if err != nil {
		log.Fatal("Failed to initialize streaming hub", zap.Error(err))
	}
	defer hub.Close()

	srv := server.New(server.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, st, receiver, hub, log)

	// 8. IPC rendezvous socket
	socketPath := cfg.Agent.SocketPath
	if socketPath == "" {
		socketPath = fmt.Sprintf("%s/mcpbench-%s.sock", os.TempDir(), uuid.NewString()[:8])
	}
	transport, err := ipc.Listen(socketPath, log)
	if err != nil {
		log.Fatal("Failed to bind IPC socket", zap.Error(err), zap.String("path", socketPath))
	}
	defer transport.Close()

	// 9. Test executor: host commands or a docker sandbox
	var executor runner.Executor
	if cfg.Sandbox.Mode == "docker" {
		dockerExec, err := runner.NewDockerExecutor(cfg.Sandbox.Host, cfg.Sandbox.Image, log)
		if err != nil {
			log.Fatal("Failed to initialize docker executor", zap.Error(err))
		}
		defer dockerExec.Close()
		executor = dockerExec
	} else {
		executor = runner.NewLocalExecutor(log)
	}
	tests := runner.NewRunner(executor, cfg.Run.TestTimeout, log)

	// 10. Workspace
	ws := workspace.New(cfg.Exercises.Root, cfg.Exercises.BaseRef, log)

	// 11. Driver factory shared by every scheduled task
	driverCfg := driver.Config{
		HandshakeTimeout:     cfg.Run.HandshakeTimeout,
		TaskTimeout:          cfg.Run.TaskTimeout,
		CancelGrace:          cfg.Run.CancelGrace,
		CreateEmptyBenchmark: cfg.Telemetry.CreateEmptyBenchmark,
		OtlpEndpoint:         otlpEndpoint,
	}
	launcher := func(task *driver.TaskSpec) (driver.AgentProcess, error) {
		command, err := agent.ExpandCommand(cfg.Agent.Command, socketPath, otlpEndpoint)
		if err != nil {
			return nil, err
		}
		return agent.Start(agent.Spec{
			Command: command,
			Dir:     task.Dir,
			Env: []string{
				"MCPBENCH_SOCKET=" + socketPath,
				"OTEL_EXPORTER_OTLP_ENDPOINT=" + otlpEndpoint,
			},
		}, log)
	}
	factory := func(task *driver.TaskSpec) orchestrator.TaskDriver {
		return driver.New(task, driverCfg, launcher, transport, tests,
			st, registry, ingestor, bus, log)
	}

	mcpServer := ""
	if len(cfg.Telemetry.AllowedServers) > 0 {
		mcpServer = cfg.Telemetry.AllowedServers[0]
	}
	settings, _ := json.Marshal(map[string]string{"model": flags.model})

	orch := orchestrator.New(orchestrator.Config{
		RunID:           flags.runID,
		Model:           flags.model,
		Description:     flags.description,
		Concurrency:     cfg.Run.Concurrency,
		InterStartDelay: cfg.Run.InterStartDelay,
		Include:         splitList(flags.include),
		Exclude:         splitList(flags.exclude),
		Exercises:       splitList(flags.exercise),
		SocketPath:      socketPath,
		Settings:        settings,
		McpServer:       mcpServer,
	}, st, ws, factory, bus, log)

	// 12. Run the HTTP surface and the orchestration concurrently
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ln)
	})

	var runErr error
	g.Go(func() error {
		runID, agg, err := orch.Execute(gctx)
		runErr = err
		switch {
		case err == context.Canceled:
			log.Warn("Run cancelled, partial results finalized", zap.Int64("run_id", runID))
		case err != nil:
			log.Error("Run did not finalize cleanly", zap.Int64("run_id", runID), zap.Error(err))
		default:
			log.Info("Run complete",
				zap.Int64("run_id", runID),
				zap.Int("passed", agg.Passed),
				zap.Int("failed", agg.Failed))
		}
		if err == context.Canceled {
			runErr = nil
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Harness error", zap.Error(err))
	}

	// Exit 0 iff the run finalized; task pass/fail does not affect it.
	if runErr != nil && runErr != context.Canceled {
		os.Exit(1)
	}
}
