package executor

import (
	"context"

	"breakout_bot/internal/modules/config"
	eventbus "breakout_bot/internal/modules/eventbus/service"
	exec "breakout_bot/internal/modules/executor/service"
	okx "breakout_bot/internal/modules/okx_client/service"
	risk "breakout_bot/internal/modules/risk/service"
	state "breakout_bot/internal/modules/state/service"
	"breakout_bot/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module — исполнение сетапов: брокер, ledger захватов, breaker, executor.
func Module() fx.Option {
	return fx.Module("executor",
		fx.Provide(
			func(cfg *config.Config, client *okx.Client, log *zap.Logger) exec.Broker {
				if cfg.OKX.Paper {
					logger.OrNop(log).Warn("[EXEC] paper trading, orders are filled in memory",
						zap.Float64("balance", cfg.OKX.PaperBalance))
					return exec.NewPaperBroker(cfg.OKX.PaperBalance)
				}
				return client
			},
			func(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (exec.Ledger, error) {
				if cfg.Redis.Addr == "" {
					logger.OrNop(log).Warn("[EXEC] redis not configured, order claims are process-local")
					return exec.NewMemoryLedger(), nil
				}
				client := redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						return client.Ping(ctx).Err()
					},
					OnStop: func(context.Context) error {
						return client.Close()
					},
				})
				return exec.NewRedisLedger(client, cfg.Redis.KeyPrefix), nil
			},
			func(cfg *config.Config, bus *eventbus.Bus, log *zap.Logger) *exec.Breaker {
				return exec.NewBreaker(cfg.Executor.BreakerThreshold, bus, logger.OrNop(log).Named("breaker"))
			},
			func(
				cfg *config.Config,
				broker exec.Broker,
				rm *risk.FixedFractional,
				st *state.Manager,
				ledger exec.Ledger,
				breaker *exec.Breaker,
				bus *eventbus.Bus,
				log *zap.Logger,
			) *exec.Executor {
				return exec.NewExecutor(exec.Config{
					MaxAttempts: cfg.Executor.MaxAttempts,
					BaseBackoff: cfg.Executor.BaseBackoff,
					MaxBackoff:  cfg.Executor.MaxBackoff,
					CallTimeout: cfg.Executor.CallTimeout,
					ClaimTTL:    cfg.Redis.ClaimTTL,
				}, broker, rm, st, ledger, breaker, bus, logger.OrNop(log).Named("executor"))
			},
		),
	)
}
