package authorization

import (
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
)

type EnforcerParams struct {
	fx.In

	DB *gorm.DB
}
