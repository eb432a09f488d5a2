package engine

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/smallbiznis/marketpulse/internal/clock"
	"github.com/smallbiznis/marketpulse/internal/config"
	"github.com/smallbiznis/marketpulse/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("engine",
	fx.Provide(New),
)

func New(cfg config.Config, clk clock.Clock, log *zap.Logger) (Engine, error) {
	log = log.Named("engine")
	switch cfg.Engine.Mode {
	case config.EngineOllama:
		client, err := newOllamaClient(cfg.Engine.URL)
		if err != nil {
			return nil, err
		}
		log.Info("using ollama research engine", zap.String("model", cfg.Engine.OllamaModel))
		return NewOllama(client, cfg.Engine.OllamaModel, clk, log), nil
	case config.EngineRemote:
		if strings.TrimSpace(cfg.Engine.URL) == "" {
			return nil, fmt.Errorf("ENGINE_URL is required for engine mode %q", cfg.Engine.Mode)
		}
		log.Info("using remote research engine", zap.String("url", cfg.Engine.URL))
		return NewRemote(cfg.Engine.URL, tracing.WrapHTTPClient(&http.Client{})), nil
	default:
		log.Info("using simulated research engine", zap.Duration("step_delay", cfg.Engine.StepDelay))
		return NewSimulated(cfg.Engine.StepDelay, clk), nil
	}
}

func newOllamaClient(rawURL string) (*api.Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return api.ClientFromEnvironment()
	}
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse ENGINE_URL: %w", err)
	}
	return api.NewClient(base, tracing.WrapHTTPClient(&http.Client{})), nil
}
