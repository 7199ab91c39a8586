package eventbus

import (
	"context"

	"breakout_bot/internal/modules/config"
	"breakout_bot/internal/modules/eventbus/service"
	"breakout_bot/pkg/logger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Module("eventbus",
		fx.Provide(
			func(cfg *config.Config, log *zap.Logger) *service.Bus {
				return service.NewBus(service.Config{
					MailboxSize: cfg.Bus.MailboxSize,
					HistorySize: cfg.Bus.HistorySize,
					MaxRetries:  cfg.Bus.MaxRetries,
					RetryDelay:  cfg.Bus.RetryDelay,
				}, logger.OrNop(log).Named("bus"))
			},
		),
		fx.Invoke(func(lc fx.Lifecycle, b *service.Bus) {
			lc.Append(fx.Hook{
				// шина закрывается последней: модули выше успевают дописать события
				OnStop: func(ctx context.Context) error {
					return b.Close(ctx)
				},
			})
		}),
	)
}
