package config

import (
	"breakout_bot/internal/detector"

	"go.uber.org/fx"
)

// Module — конфиг процесса и производные от него зависимости: политика ширины
// диапазона собирается один раз и ошибкой валит старт.
func Module() fx.Option {
	return fx.Module("config",
		fx.Provide(
			NewConfig,
			NewRangePolicy,
		),
	)
}

// NewRangePolicy — политика ширины консолидации из секции range_policy.
func NewRangePolicy(cfg *Config) (detector.RangePolicy, error) {
	return cfg.RangePolicy.Policy()
}

func (rp RangePolicyConfig) Policy() (detector.RangePolicy, error) {
	return detector.NewRangePolicy(rp.Kind, detector.RangeParams{
		MinPct:     rp.MinPct,
		MaxPct:     rp.MaxPct,
		ATRPeriod:  rp.ATRPeriod,
		MinATRMult: rp.MinATRMult,
		MaxATRMult: rp.MaxATRMult,
	})
}
