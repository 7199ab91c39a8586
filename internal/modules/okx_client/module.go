package okx_client

import (
	"breakout_bot/internal/modules/config"
	"breakout_bot/internal/modules/okx_client/service"
	"breakout_bot/pkg/logger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module — REST клиент OKX: ордера, позиции, история свечей.
func Module() fx.Option {
	return fx.Module("okx_client",
		fx.Provide(
			func(cfg *config.Config, log *zap.Logger) *service.Client {
				return service.NewClient(service.Config{
					APIKey:     cfg.OKX.APIKey,
					APISecret:  cfg.OKX.APISecret,
					Passphrase: cfg.OKX.Passphrase,
					BaseURL:    cfg.OKX.BaseURL,
					Simulated:  cfg.OKX.Simulated,
					TdMode:     cfg.OKX.TdMode,
					RatePerSec: cfg.OKX.RatePerSec,
					Burst:      cfg.OKX.Burst,
				}, logger.OrNop(log).Named("okx"))
			},
		),
	)
}
