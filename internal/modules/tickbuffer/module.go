package tickbuffer

import (
	"context"

	"breakout_bot/internal/models"
	"breakout_bot/internal/modules/config"
	"breakout_bot/internal/modules/tickbuffer/service"
	"breakout_bot/pkg/logger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module поднимает буфер тиков и фоновое вытеснение по TTL.
func Module() fx.Option {
	return fx.Module("tickbuffer",
		fx.Provide(
			func(cfg *config.Config, log *zap.Logger) *service.Buffer {
				l := logger.OrNop(log).Named("buffer")
				return service.NewBuffer(service.Config{
					Capacity:      cfg.Buffer.Capacity,
					TTL:           cfg.Buffer.TTL,
					EvictInterval: cfg.Buffer.EvictInterval,
				}, l, service.WithOverflowCallback(func(d models.Tick, total uint64) {
					// не спамим: каждое тысячное переполнение
					if total == 1 || total%1000 == 0 {
						l.Warn("[BUFFER] overflow, dropped oldest tick",
							zap.String("symbol", d.Symbol), zap.Uint64("total", total))
					}
				}))
			},
		),
		fx.Invoke(func(lc fx.Lifecycle, b *service.Buffer) {
			var cancel context.CancelFunc
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					var ctx context.Context
					ctx, cancel = context.WithCancel(context.Background())
					go b.Run(ctx)
					return nil
				},
				OnStop: func(context.Context) error {
					if cancel != nil {
						cancel()
					}
					return nil
				},
			})
		}),
	)
}
