package state

import (
	"context"

	"breakout_bot/internal/modules/config"
	"breakout_bot/internal/modules/state/service"
	"breakout_bot/internal/modules/state/service/pg"
	"breakout_bot/pkg/db"
	"breakout_bot/pkg/logger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type storeParams struct {
	fx.In

	Lc  fx.Lifecycle
	Cfg *config.Config
	Log *zap.Logger
	DB  *db.PgTxManager `optional:"true"`
}

// Module — хранилище состояния: Postgres, если настроен, иначе память.
func Module() fx.Option {
	return fx.Module("state",
		fx.Provide(
			func(p storeParams) service.Store {
				l := logger.OrNop(p.Log).Named("state")
				if p.DB == nil {
					l.Warn("[STATE] no database configured, state is kept in memory")
					return service.NewMemoryStore()
				}
				s := pg.New(p.DB)
				p.Lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						return s.Migrate(ctx)
					},
				})
				return s
			},
			func(cfg *config.Config, store service.Store, log *zap.Logger) *service.Manager {
				return service.NewManager(store, service.Config{
					QueueSize:   cfg.State.QueueSize,
					MaxAttempts: cfg.State.MaxAttempts,
					RetryDelay:  cfg.State.RetryDelay,
				}, logger.OrNop(log).Named("state"))
			},
		),
		fx.Invoke(func(lc fx.Lifecycle, m *service.Manager) {
			var (
				cancel context.CancelFunc
				done   = make(chan struct{})
			)
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					var ctx context.Context
					ctx, cancel = context.WithCancel(context.Background())
					go func() {
						defer close(done)
						m.Run(ctx)
					}()
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
					return nil
				},
			})
		}),
	)
}
