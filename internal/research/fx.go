package research

import (
	"github.com/smallbiznis/marketpulse/internal/research/repository"
	"github.com/smallbiznis/marketpulse/internal/research/service"
	"go.uber.org/fx"
)

var Module = fx.Module("research.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
