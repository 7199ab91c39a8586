package postgres

import (
	"context"
	"fmt"
	"time"

	"breakout_bot/internal/modules/config"
	"breakout_bot/pkg/db"

	"go.uber.org/fx"
)

const connectTimeout = 10 * time.Second

// Module поднимает пул Postgres. Без DSN отдаёт nil, и state живёт в памяти.
func Module() fx.Option {
	return fx.Module("postgres",
		fx.Provide(
			func(lc fx.Lifecycle, cfg *config.Config) (*db.PgTxManager, error) {
				if cfg.DB == "" {
					return nil, nil
				}
				ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
				defer cancel()

				poolMaster, err := db.NewPool(ctx, db.PoolConfig{
					DSN: cfg.DB,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to create poolMaster: %w", err)
				}

				err = poolMaster.Ping(ctx)
				if err != nil {
					poolMaster.Close()
					return nil, err
				}

				m := db.NewPgTxManager(poolMaster)
				lc.Append(fx.Hook{
					OnStop: func(context.Context) error {
						m.Close()
						return nil
					},
				})
				return m, nil
			},
		),
	)
}
