package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/lmittmann/tint"

	"github.com/runforge/runforge/internal/approval"
	"github.com/runforge/runforge/internal/collab"
	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/fork"
	"github.com/runforge/runforge/internal/loop"
	"github.com/runforge/runforge/internal/modelclient"
	"github.com/runforge/runforge/internal/registry"
	"github.com/runforge/runforge/internal/sandbox"
	"github.com/runforge/runforge/internal/service"
	"github.com/runforge/runforge/internal/skills"
	handler "github.com/runforge/runforge/internal/transport/http"
	"github.com/runforge/runforge/internal/transport/http/internalapi"
	"github.com/runforge/runforge/internal/wal"
	"github.com/runforge/runforge/policy"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting runforge",
		"http_port", cfg.HTTPPort,
		"internal_port", cfg.InternalPort,
		"data_dir", cfg.DataDir,
		"registry_dsn", cfg.RegistryDSN)

	journal, err := wal.NewStore(cfg.DataDir, logger)
	if err != nil {
		logger.Error("failed to open event store", "err", err)
		os.Exit(1)
	}
	defer journal.Close()

	reg, err := registry.Open(cfg.RegistryDSN)
	if err != nil {
		logger.Error("failed to open run registry", "err", err)
		os.Exit(1)
	}
	defer reg.Close()

	ctx := context.Background()
	policySrc := policy.DefaultPolicy
	if cfg.PolicyFile != "" {
		raw, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			logger.Error("failed to read policy file", "path", cfg.PolicyFile, "err", err)
			os.Exit(1)
		}
		policySrc = string(raw)
	}
	policyEngine, err := policy.NewEngine(ctx, policySrc)
	if err != nil {
		logger.Error("failed to build policy engine", "err", err)
		os.Exit(1)
	}

	var model loop.ModelClient = modelclient.Scripted{}
	if endpoint := os.Getenv("MODEL_URL"); endpoint != "" {
		model = modelclient.NewClient(endpoint, 0)
	}

	var injector skills.Injector
	if cfg.SkillsDir != "" {
		injector = &skills.DirInjector{Dir: cfg.SkillsDir}
	}

	broker := approval.NewPendingBroker()
	coordinator := collab.New(collab.Deps{
		Journal:  journal,
		Registry: reg,
		Policy:   policyEngine,
		Model:    model,
		Broker:   broker,
		Sandbox: &sandbox.Static{Record: domain.SandboxEvidence{
			Requested: cfg.SandboxRequested,
			Effective: cfg.SandboxEffective,
			Adapter:   cfg.SandboxAdapter,
			Active:    cfg.SandboxActive,
		}},
		Skills:   injector,
		Logger:   logger,
		MaxTurns: cfg.MaxTurns,
	})

	svc := service.New(journal, reg, fork.New(journal, reg), coordinator, broker, cfg.WorkspaceRoot, logger)

	externalServer := handler.NewExternalServer(handler.NewHandler(svc))
	internalServer := internalapi.NewServer(internalapi.NewHandler(svc))

	go startServer(externalServer, cfg.HTTPPort, "external", logger)
	go startServer(internalServer, cfg.InternalPort, "internal", logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("live runs did not drain before deadline", "err", err)
	}
	if err := externalServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("external server shutdown", "err", err)
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("internal server shutdown", "err", err)
	}
}

func startServer(e *echo.Echo, port int, name string, logger *slog.Logger) {
	addr := fmt.Sprintf(":%d", port)
	logger.Info("server listening", "name", name, "addr", addr)
	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "name", name, "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: "2006-01-02 15:04:05.000Z07:00",
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	})
	return slog.New(handler)
}
