package observability

import (
	"strings"

	"github.com/smallbiznis/marketpulse/internal/config"
	"github.com/smallbiznis/marketpulse/internal/observability/logger"
	"github.com/smallbiznis/marketpulse/internal/observability/metrics"
	"github.com/smallbiznis/marketpulse/internal/observability/tracing"
	"github.com/spf13/viper"
)

const (
	defaultSamplingRatio = 0.1
	defaultOTLPEndpoint  = "localhost:4317"
)

// Config is the observability view of a MarketPulse process. The api, the
// worker and the CLI share one schema; Role only labels the telemetry.
type Config struct {
	ServiceName string
	Role        string
	Environment string
	Version     string

	Log       LogConfig
	Telemetry TelemetryConfig
}

type LogConfig struct {
	Level  string
	Format string
}

// TelemetryConfig drives both OTLP exporters. TraceProtocol differs from
// Protocol only when OTEL_EXPORTER_OTLP_TRACES_PROTOCOL is set.
type TelemetryConfig struct {
	Enabled       bool
	Endpoint      string
	Protocol      string
	TraceProtocol string
	SamplingRatio float64
}

// LoadConfig layers OTEL_* and LOG_* environment variables over the
// application config.
func LoadConfig(app config.Config) Config {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("DEPLOYMENT_ENV", app.Environment)
	v.SetDefault("SERVICE_VERSION", app.AppVersion)
	v.SetDefault("SERVICE_ROLE", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", defaultOTLPEndpoint)
	v.SetDefault("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	v.SetDefault("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "")
	v.SetDefault("OTEL_SAMPLING_RATIO", defaultSamplingRatio)

	name := strings.TrimSpace(app.AppName)
	if name == "" {
		name = "marketpulse"
	}

	protocol := lower(v.GetString("OTEL_EXPORTER_OTLP_PROTOCOL"))
	traceProtocol := lower(v.GetString("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"))
	if traceProtocol == "" {
		traceProtocol = protocol
	}

	ratio := v.GetFloat64("OTEL_SAMPLING_RATIO")
	if ratio < 0 || ratio > 1 {
		ratio = defaultSamplingRatio
	}

	return Config{
		ServiceName: name,
		Role:        lower(v.GetString("SERVICE_ROLE")),
		Environment: strings.TrimSpace(v.GetString("DEPLOYMENT_ENV")),
		Version:     strings.TrimSpace(v.GetString("SERVICE_VERSION")),
		Log: LogConfig{
			Level:  lower(v.GetString("LOG_LEVEL")),
			Format: lower(v.GetString("LOG_FORMAT")),
		},
		Telemetry: TelemetryConfig{
			Enabled:       v.GetBool("OTEL_ENABLED"),
			Endpoint:      strings.TrimSpace(v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT")),
			Protocol:      protocol,
			TraceProtocol: traceProtocol,
			SamplingRatio: ratio,
		},
	}
}

// Debug is true for debug logging and for local environments.
func (c Config) Debug() bool {
	if c.Log.Level == "debug" {
		return true
	}
	switch lower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

// Service names the telemetry source, suffixed with the process role.
func (c Config) Service() string {
	if c.Role == "" {
		return c.ServiceName
	}
	return c.ServiceName + "-" + c.Role
}

func (c Config) LoggerConfig() logger.Config {
	return logger.Config{
		ServiceName:         c.Service(),
		Environment:         c.Environment,
		Version:             c.Version,
		Level:               c.Log.Level,
		Format:              c.Log.Format,
		Debug:               c.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: c.Debug(),
	}
}

func (c Config) TracingConfig() tracing.Config {
	return tracing.Config{
		Enabled:          c.Telemetry.Enabled,
		ServiceName:      c.Service(),
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.Telemetry.Endpoint,
		ExporterProtocol: c.Telemetry.TraceProtocol,
		SamplingRatio:    c.Telemetry.SamplingRatio,
	}
}

func (c Config) MetricsConfig() metrics.Config {
	return metrics.Config{
		Enabled:          c.Telemetry.Enabled,
		ExporterEndpoint: c.Telemetry.Endpoint,
		ExporterProtocol: c.Telemetry.Protocol,
		ServiceName:      c.Service(),
		Environment:      c.Environment,
	}
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
