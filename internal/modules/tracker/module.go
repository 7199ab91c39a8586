package tracker

import (
	"breakout_bot/internal/detector"
	"breakout_bot/internal/modules/config"
	"breakout_bot/internal/modules/tracker/service"
	"breakout_bot/pkg/logger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Module("tracker",
		fx.Provide(
			func(cfg *config.Config, policy detector.RangePolicy, log *zap.Logger) *service.Tracker {
				l := logger.OrNop(log).Named("tracker")
				l.Info("[TRACKER] range policy", zap.String("policy", policy.Name()))
				return service.NewTracker(cfg.Tracker, policy, l)
			},
		),
	)
}
