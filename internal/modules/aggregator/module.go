package aggregator

import (
	"breakout_bot/internal/modules/aggregator/service"
	"breakout_bot/internal/modules/config"
	"breakout_bot/pkg/logger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Module("aggregator",
		fx.Provide(
			func(cfg *config.Config, log *zap.Logger) *service.Aggregator {
				return service.NewAggregator(service.Config{
					MaxGapFill: cfg.Aggregator.MaxGapFill,
				}, logger.OrNop(log).Named("aggregator"))
			},
		),
	)
}
