package bootstrap

import (
	"breakout_bot/internal/modules/bootstrap/service"
	"breakout_bot/internal/modules/config"
	okx "breakout_bot/internal/modules/okx_client/service"
	"breakout_bot/pkg/logger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module — стартовые данные: список символов и уровни прошлой сессии из REST OKX.
func Module() fx.Option {
	return fx.Module("bootstrap",
		fx.Provide(
			func(cfg *config.Config) (service.Session, error) {
				start, end, err := cfg.SessionWindow()
				if err != nil {
					return service.Session{}, err
				}
				return service.NewSession(start, end, cfg.SessionLocation())
			},
			func(client *okx.Client, session service.Session, log *zap.Logger) *service.LevelSeeder {
				return service.NewLevelSeeder(client, session, 8, logger.OrNop(log).Named("bootstrap"))
			},
			func(cfg *config.Config, client *okx.Client) *service.Watchlist {
				return service.NewWatchlist(client, cfg.Symbols, cfg.WatchTopN)
			},
		),
	)
}
