package main

import (
	"context"
	"log"

	"breakout_bot/internal/modules/aggregator"
	"breakout_bot/internal/modules/archive"
	"breakout_bot/internal/modules/bootstrap"
	"breakout_bot/internal/modules/config"
	"breakout_bot/internal/modules/eventbus"
	"breakout_bot/internal/modules/executor"
	"breakout_bot/internal/modules/health"
	"breakout_bot/internal/modules/notify"
	"breakout_bot/internal/modules/okx_client"
	"breakout_bot/internal/modules/okx_websocket"
	"breakout_bot/internal/modules/postgres"
	"breakout_bot/internal/modules/risk"
	"breakout_bot/internal/modules/state"
	"breakout_bot/internal/modules/tickbuffer"
	"breakout_bot/internal/modules/tracker"
	"breakout_bot/internal/runner"
	"breakout_bot/pkg/logger"
	"breakout_bot/pkg/tracing"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(cfg.Service.Name, cfg.Service.LogLevel)
}

func initTracing(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) error {
	tracing.SetServiceName(cfg.Service.Name)
	_, closer, err := tracing.InitTracer(tracing.Config{
		Enabled: cfg.Jaeger.Enabled,
		Host:    cfg.Jaeger.Host,
		Port:    cfg.Jaeger.Port,
	}, log)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			closer()
			return nil
		},
	})
	return nil
}

func main() {
	app := fx.New(
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		config.Module(),
		fx.Provide(newLogger),
		fx.Invoke(initTracing),

		// порядок важен: хуки останавливаются в обратном порядке, шина закрывается последней
		postgres.Module(),
		eventbus.Module(),
		tickbuffer.Module(),
		aggregator.Module(),
		tracker.Module(),
		risk.Module(),
		state.Module(),
		okx_client.Module(),
		okx_websocket.Module(),
		bootstrap.Module(),
		executor.Module(),
		archive.Module(),
		notify.Module(),
		runner.Module(),
		health.Module(),
	)
	if err := app.Err(); err != nil {
		log.Fatal(err)
	}
	app.Run()
}
