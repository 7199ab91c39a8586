package runner

import (
	"context"

	"breakout_bot/internal/models"
	aggregator "breakout_bot/internal/modules/aggregator/service"
	bootstrap "breakout_bot/internal/modules/bootstrap/service"
	"breakout_bot/internal/modules/config"
	eventbus "breakout_bot/internal/modules/eventbus/service"
	exec "breakout_bot/internal/modules/executor/service"
	ws "breakout_bot/internal/modules/okx_websocket/service"
	state "breakout_bot/internal/modules/state/service"
	tickbuffer "breakout_bot/internal/modules/tickbuffer/service"
	tracker "breakout_bot/internal/modules/tracker/service"
	"breakout_bot/pkg/logger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type pipelineParams struct {
	fx.In

	Cfg        *config.Config
	Source     *ws.Source
	Buffer     *tickbuffer.Buffer
	Aggregator *aggregator.Aggregator
	Bus        *eventbus.Bus
	Tracker    *tracker.Tracker
	State      *state.Manager
	Watchlist  *bootstrap.Watchlist
	Seeder     *bootstrap.LevelSeeder
	Broker     exec.Broker
	Log        *zap.Logger
}

func NewPipeline(p pipelineParams) *Pipeline {
	return New(Config{
		DequeueTimeout: p.Cfg.Buffer.DequeueTimeout,
		IdleGrace:      p.Cfg.Aggregator.IdleGrace,
	}, Deps{
		Source:     p.Source,
		Buffer:     p.Buffer,
		Aggregator: p.Aggregator,
		Bus:        p.Bus,
		Tracker:    p.Tracker,
		State:      p.State,
		Symbols:    p.Watchlist,
		Levels:     p.Seeder,
		Positions:  p.Broker,
	}, logger.OrNop(p.Log).Named("runner"))
}

// Subscribe — исполнитель и breaker слушают шину.
func Subscribe(bus *eventbus.Bus, executor *exec.Executor, breaker *exec.Breaker) {
	bus.Subscribe(models.EventSetupCompleted, "executor", executor.HandleSetupCompleted)
	bus.Subscribe(models.EventConnState, "breaker", breaker.HandleConnState)
}

func Module() fx.Option {
	return fx.Module("runner",
		fx.Provide(
			NewPipeline,
		),
		fx.Invoke(
			Subscribe,
			func(lc fx.Lifecycle, p *Pipeline) {
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						return p.Start(ctx)
					},
					OnStop: func(ctx context.Context) error {
						return p.Stop(ctx)
					},
				})
			},
		),
	)
}
