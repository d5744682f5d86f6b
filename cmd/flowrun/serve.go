package main

import (
	"context"
	"flag"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun"
	"github.com/BaSui01/flowrun/internal/server"
	"github.com/BaSui01/flowrun/internal/telemetry"
)

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting FlowRun",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	engine, err := flowrun.New(cfg, flowrun.WithLogger(logger))
	if err != nil {
		return err
	}

	handler := server.NewHandler(engine, server.Options{
		Version: server.BuildInfo{
			Version:   Version,
			BuildTime: BuildTime,
			GitCommit: GitCommit,
		},
		Gatherer: engine.Gatherer(),
		Recorder: engine.Metrics(),
		Logger:   logger,
	})
	httpManager := server.NewManager(handler, server.ConfigFromServerConfig(cfg.Server), logger)
	if err := httpManager.Start(); err != nil {
		_ = engine.Close()
		return err
	}

	// 等待关闭信号
	httpManager.WaitForShutdown(ctx)

	if err := engine.Close(); err != nil {
		logger.Error("engine close failed", zap.Error(err))
	}
	if otelProviders != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}

	logger.Info("FlowRun stopped")
	return nil
}
