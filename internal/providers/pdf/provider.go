package pdf

import (
	"context"
	"io"

	"github.com/smallbiznis/marketpulse/internal/engine"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.pdf",
	fx.Provide(New),
)

type Provider interface {
	RenderReport(ctx context.Context, report *engine.Report) (io.Reader, error)
}
