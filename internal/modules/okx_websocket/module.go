package okx_websocket

import (
	"breakout_bot/internal/modules/config"
	"breakout_bot/internal/modules/okx_websocket/service"
	"breakout_bot/pkg/logger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module — источник тиков OKX. Подключение и остановкой управляет runner.
func Module() fx.Option {
	return fx.Module("okx_websocket",
		fx.Provide(
			func(cfg *config.Config, log *zap.Logger) *service.Source {
				return service.NewSource(service.Config{
					URL:                  cfg.OKX.WSURL,
					ReconnectBase:        cfg.TickSource.ReconnectBase,
					ReconnectMax:         cfg.TickSource.ReconnectMax,
					MaxReconnectAttempts: cfg.TickSource.MaxReconnectAttempts,
					PingInterval:         cfg.TickSource.PingInterval,
				}, logger.OrNop(log).Named("ws"))
			},
		),
	)
}
