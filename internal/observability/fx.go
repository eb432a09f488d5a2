package observability

import (
	"github.com/smallbiznis/marketpulse/internal/observability/logger"
	"github.com/smallbiznis/marketpulse/internal/observability/metrics"
	"github.com/smallbiznis/marketpulse/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var logging = fx.Options(
	fx.Provide(Config.LoggerConfig, logger.New),
)

var traces = fx.Options(
	fx.Provide(Config.TracingConfig, tracing.NewProvider),
)

// research outcome instruments go over OTLP; worker and HTTP collectors are
// scraped from /metrics.
var instruments = fx.Options(
	fx.Provide(
		Config.MetricsConfig,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.WorkerWithConfig,
	),
)

var Module = fx.Module("observability",
	fx.Provide(LoadConfig),
	logging,
	traces,
	instruments,
	fx.Invoke(announce),
)

// announce forces the tracer provider to be built before any span starts.
func announce(cfg Config, _ *sdktrace.TracerProvider, log *zap.Logger) {
	fields := []zap.Field{
		zap.String("service", cfg.Service()),
		zap.Bool("telemetry_enabled", cfg.Telemetry.Enabled),
	}
	if cfg.Telemetry.Enabled {
		fields = append(fields,
			zap.String("otlp_endpoint", cfg.Telemetry.Endpoint),
			zap.String("otlp_protocol", cfg.Telemetry.Protocol),
			zap.Float64("trace_sampling_ratio", cfg.Telemetry.SamplingRatio),
		)
	}
	log.Named("observability").Debug("telemetry configured", fields...)
}
