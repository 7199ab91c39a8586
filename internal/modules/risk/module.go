package risk

import (
	"breakout_bot/internal/modules/config"
	"breakout_bot/internal/modules/risk/service"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("risk",
		fx.Provide(
			func(cfg *config.Config) *service.FixedFractional {
				return service.NewFixedFractional(service.Config{
					RiskPct:        cfg.Risk.RiskPct,
					MaxPositionPct: cfg.Risk.MaxPositionPct,
					MinStopVolMult: cfg.Risk.MinStopVolMult,
				})
			},
		),
	)
}
