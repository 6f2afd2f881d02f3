// Package main is the entry point for the polyglot runner server.
//
// main reads configuration, builds every dependency once and hands them to
// the server. All actual logic lives in internal/.
//
// DEPENDENCY CHAIN:
//
//	config → registry, workspaces, runner (local or docker)
//	       → installer → pipeline (executor) → service → server
//	       → sqlite history, kafka reports (both optional)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sakif/polyglot-runner/internal/auth"
	"github.com/sakif/polyglot-runner/internal/config"
	"github.com/sakif/polyglot-runner/internal/executor/deps"
	"github.com/sakif/polyglot-runner/internal/executor/docker"
	"github.com/sakif/polyglot-runner/internal/executor/pipeline"
	"github.com/sakif/polyglot-runner/internal/executor/process"
	"github.com/sakif/polyglot-runner/internal/executor/workspace"
	"github.com/sakif/polyglot-runner/internal/report"
	"github.com/sakif/polyglot-runner/internal/repository"
	sqliteRepo "github.com/sakif/polyglot-runner/internal/repository/sqlite"
	"github.com/sakif/polyglot-runner/internal/server"
	"github.com/sakif/polyglot-runner/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// === 1. CONFIGURATION ===
	cfg, warnings, err := config.Load(os.LookupEnv)
	if err != nil {
		return err
	}

	// === 2. LOGGING ===
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	for _, w := range warnings {
		logger.Warn("configuration", slog.String("warning", w))
	}

	// === 3. LANGUAGES ===
	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	ids := make([]string, 0)
	for _, d := range registry.Languages() {
		ids = append(ids, d.ID)
	}
	logger.Info("languages loaded", slog.Any("languages", ids))

	// === 4. ENGINE ===
	workspaces, err := workspace.NewManager(cfg.WorkspaceRoot, logger)
	if err != nil {
		return fmt.Errorf("workspace root: %w", err)
	}

	runner, closeRunner, err := newRunner(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRunner()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	installer := deps.NewInstaller(runner, cfg.Toolchain, cfg.InstallTimeout, logger)
	engine := pipeline.New(registry, workspaces, installer, runner,
		pipeline.WithLogger(logger),
		pipeline.WithMaxConcurrent(cfg.MaxConcurrent),
		pipeline.WithTimeouts(cfg.CompileTimeout, cfg.RunTimeout),
		pipeline.WithToolchain(cfg.Toolchain),
		pipeline.WithMetrics(pipeline.NewMetrics(promReg)),
	)

	// === 5. HISTORY ===
	var repo repository.ExecutionRepository
	if cfg.DBPath != "" {
		if cfg.DBPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
				return fmt.Errorf("creating database directory: %w", err)
			}
		}
		db, err := sqliteRepo.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()
		repo = db
	} else {
		logger.Warn("DB_PATH is empty, execution history is disabled")
	}

	// === 6. REPORTS ===
	var publisher report.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		p, err := report.NewKafkaPublisher(report.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			return err
		}
		defer p.Close()
		publisher = p
		logger.Info("publishing execution reports",
			slog.Any("brokers", cfg.KafkaBrokers),
			slog.String("topic", cfg.KafkaTopic),
		)
	}

	svc := service.NewExecutionService(engine, repo, publisher, logger,
		service.WithMaxCodeLength(cfg.MaxCodeBytes),
	)
	// Deferred after the publisher's Close, so it runs first.
	defer svc.Wait()

	// === 7. AUTH ===
	var tokens *auth.TokenService
	if cfg.AuthEnabled() {
		tokens, err = auth.NewTokenService(cfg.JWTSecret)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("JWT_SECRET not set, the API is open to anyone who can reach it")
	}

	// === 8. SERVE ===
	srv, err := server.New(server.Config{
		Port:           cfg.Port,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		WriteTimeout:   cfg.InstallTimeout + cfg.CompileTimeout + cfg.RunTimeout + 30*time.Second,
	}, server.Deps{
		Runner:    svc,
		History:   svc,
		Languages: registry,
		Tokens:    tokens,
		Metrics:   promReg,
	}, logger)
	if err != nil {
		return err
	}
	return srv.Start()
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// newRunner picks the process backend. The docker backend must reach a
// daemon at startup; silently degrading to unsandboxed local processes would
// be a security surprise.
func newRunner(cfg config.Config, logger *slog.Logger) (process.Runner, func(), error) {
	if cfg.Backend != config.BackendDocker {
		logger.Warn("running programs as local processes without a sandbox")
		sup := process.NewSupervisor(
			process.WithMaxOutput(cfg.MaxOutputBytes),
			process.WithLogger(logger),
		)
		return sup, func() {}, nil
	}

	dcfg := docker.DefaultConfig()
	dcfg.MemoryLimit = cfg.DockerMemory
	dcfg.CPULimit = cfg.DockerCPUs
	dcfg.MaxOutput = cfg.MaxOutputBytes

	r, err := docker.New(dcfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("docker backend: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		r.Close()
		return nil, nil, fmt.Errorf("docker backend: daemon unreachable: %w", err)
	}
	logger.Info("running programs in docker containers")
	return r, func() { r.Close() }, nil
}
