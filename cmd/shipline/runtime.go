package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/config"
	"github.com/fyrsmithlabs/shipline/internal/logging"
	"github.com/fyrsmithlabs/shipline/internal/services"
	"github.com/fyrsmithlabs/shipline/internal/telemetry"
)

// runtime holds everything a command needs, in start order.
type runtime struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	registry  services.Registry
}

// setup loads configuration and builds telemetry, the logger and the
// component registry. Logs go to logOut.
func setup(ctx context.Context, logOut io.Writer) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	rt := &runtime{cfg: cfg}
	rt.telemetry, err = telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	lc, err := loggingConfig(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.logger, err = logging.NewLoggerTo(lc, logOut, rt.telemetry.LoggerProvider())
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	rt.registry, err = services.Build(ctx, cfg, rt.logger, services.Options{Version: version})
	if err != nil {
		rt.logger.Error(ctx, "failed to build components", zap.Error(err))
		rt.Close()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return rt, nil
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	o := cfg.Observability
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = o.Telemetry
	tc.Endpoint = o.OTLPEndpoint
	tc.Protocol = o.OTLPProtocol
	tc.Insecure = o.OTLPInsecure
	tc.ServiceName = o.ServiceName
	tc.ServiceVersion = version
	tc.Sampling.Rate = o.SampleRate
	tc.Metrics.ExportInterval = o.MetricsEvery
	return tc
}

func loggingConfig(cfg *config.Config) (*logging.Config, error) {
	o := cfg.Observability
	level, err := logging.ParseLevel(o.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", o.LogLevel, err)
	}
	lc := logging.NewDefaultConfig()
	lc.Level = level
	lc.Format = o.LogFormat
	lc.Output.OTEL = o.Telemetry
	lc.Fields = map[string]string{"service": o.ServiceName, "version": version}
	return lc, nil
}

// Close releases the registry, flushes telemetry and syncs the logger.
func (rt *runtime) Close() {
	if rt.registry != nil {
		if err := rt.registry.Close(); err != nil && rt.logger != nil {
			rt.logger.Warn(context.Background(), "component shutdown error", zap.Error(err))
		}
	}
	if rt.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.telemetry.Shutdown(ctx)
		cancel()
	}
	if rt.logger != nil {
		_ = rt.logger.Sync() // Best-effort sync on shutdown
	}
}
