// Command strata builds an OCI/Docker image by pulling a base image and
// pushing the result directly to a registry without a local daemon. All
// options come from environment variables via buildconfig.FromEnv; this
// command does not set the dependency, resource, or class file lists, so
// they are empty.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/strataimg/strata/lib/buildconfig"
	"github.com/strataimg/strata/lib/cache"
	"github.com/strataimg/strata/lib/logger"
	"github.com/strataimg/strata/lib/metrics"
	"github.com/strataimg/strata/lib/otel"
	"github.com/strataimg/strata/lib/pipeline"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("build failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := buildconfig.FromEnv()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	otelCfg := otel.Config{
		Enabled:     getEnvBool("OTEL_ENABLED", false),
		Endpoint:    getEnv("OTEL_ENDPOINT", "localhost:4317"),
		ServiceName: getEnv("OTEL_SERVICE_NAME", "strata"),
		Insecure:    getEnvBool("OTEL_INSECURE", true),
		Version:     version,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, otelShutdown, err := otel.Init(ctx, otelCfg)
	if err != nil {
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
		otelProvider, otelShutdown, _ = otel.Init(ctx, otel.Config{})
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("error shutting down OpenTelemetry", "error", err)
		}
	}()

	logCfg := logger.NewConfig()
	log := logger.NewSubsystemLogger(logger.SubsystemPipeline, logCfg, nil)
	ctx = logger.AddToContext(ctx, log)

	m, err := metrics.New(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("initialize metrics: %w", err)
	}

	baseCache, err := cache.Open(cfg.BaseCacheDir)
	if err != nil {
		return fmt.Errorf("open base layer cache: %w", err)
	}
	defer baseCache.Close()

	appCache, err := cache.Open(cfg.ApplicationCacheDir)
	if err != nil {
		return fmt.Errorf("open application layer cache: %w", err)
	}
	defer appCache.Close()

	log.Info("starting build",
		"base_image", cfg.BaseImage.String(),
		"target_image", cfg.TargetImage.String(),
	)

	start := time.Now()
	p := pipeline.New(cfg, baseCache, appCache, m)
	result, err := p.Run(ctx)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.RecordBuild(ctx, outcome, time.Since(start))
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}

	log.Info("build complete", "digest", result.TargetDigest.String())
	fmt.Println(result.TargetDigest.String())
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		switch v {
		case "1", "true", "TRUE", "True":
			return true
		case "0", "false", "FALSE", "False":
			return false
		}
	}
	return defaultValue
}
