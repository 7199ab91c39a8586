package archive

import (
	"context"

	"breakout_bot/internal/models"
	"breakout_bot/internal/modules/archive/service"
	"breakout_bot/internal/modules/config"
	eventbus "breakout_bot/internal/modules/eventbus/service"
	"breakout_bot/pkg/logger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module — архив свечей в ClickHouse. Пустой dsn отключает модуль.
func Module() fx.Option {
	return fx.Module("archive",
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, bus *eventbus.Bus, log *zap.Logger) {
			l := logger.OrNop(log).Named("archive")
			if cfg.ClickHouse.DSN == "" {
				l.Info("[ARCHIVE] clickhouse dsn not set, archive disabled")
				return
			}

			var (
				ch     *service.ClickHouse
				cancel context.CancelFunc
				done   = make(chan struct{})
			)
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					var err error
					ch, err = service.OpenClickHouse(ctx, cfg.ClickHouse.DSN)
					if err != nil {
						return err
					}
					if err := ch.Migrate(ctx); err != nil {
						return err
					}
					sink := service.NewSink(service.Config{
						BatchSize:     cfg.ClickHouse.BatchSize,
						FlushInterval: cfg.ClickHouse.FlushInterval,
					}, ch, l)
					bus.Subscribe(models.EventCandleClosed, "archive", sink.HandleCandle)

					var runCtx context.Context
					runCtx, cancel = context.WithCancel(context.Background())
					go func() {
						defer close(done)
						sink.Run(runCtx)
					}()
					l.Info("[ARCHIVE] started")
					return nil
				},
				OnStop: func(ctx context.Context) error {
					if cancel == nil {
						return nil
					}
					cancel()
					select {
					case <-done:
					case <-ctx.Done():
					}
					return ch.Close()
				},
			})
		}),
	)
}
