package notify

import (
	"context"

	"breakout_bot/internal/models"
	"breakout_bot/internal/modules/config"
	eventbus "breakout_bot/internal/modules/eventbus/service"
	exec "breakout_bot/internal/modules/executor/service"
	"breakout_bot/internal/modules/notify/service"
	tracker "breakout_bot/internal/modules/tracker/service"
	"breakout_bot/pkg/logger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module — алерты в Telegram. Без токена модуль ничего не делает.
func Module() fx.Option {
	return fx.Module("notify",
		fx.Invoke(func(
			lc fx.Lifecycle,
			cfg *config.Config,
			bus *eventbus.Bus,
			breaker *exec.Breaker,
			broker exec.Broker,
			tr *tracker.Tracker,
			log *zap.Logger,
		) error {
			l := logger.OrNop(log).Named("notify")
			if cfg.Telegram.Token == "" {
				l.Info("[TG] token not set, telegram disabled")
				return nil
			}
			tg, err := service.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, breaker, broker, tr, l)
			if err != nil {
				return err
			}

			bus.Subscribe(models.EventSetupCompleted, "telegram", tg.HandleSetupCompleted)
			bus.Subscribe(models.EventOrderDecision, "telegram", tg.HandleOrderDecision)
			bus.Subscribe(models.EventBreakerTripped, "telegram", tg.HandleBreaker)
			bus.Subscribe(models.EventBreakerCleared, "telegram", tg.HandleBreaker)
			bus.Subscribe(models.EventMismatch, "telegram", tg.HandleMismatch)

			var cancel context.CancelFunc
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					var ctx context.Context
					ctx, cancel = context.WithCancel(context.Background())
					tg.Start(ctx)
					tg.Send("🚀 breakout_bot запущен")
					return nil
				},
				OnStop: func(context.Context) error {
					tg.Stop()
					if cancel != nil {
						cancel()
					}
					return nil
				},
			})
			return nil
		}),
	)
}
