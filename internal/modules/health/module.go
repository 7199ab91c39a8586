package health

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"breakout_bot/internal/models"
	"breakout_bot/internal/modules/config"
	eventbus "breakout_bot/internal/modules/eventbus/service"
	exec "breakout_bot/internal/modules/executor/service"
	"breakout_bot/internal/modules/health/service"
	tickbuffer "breakout_bot/internal/modules/tickbuffer/service"
	"breakout_bot/pkg/logger"
)

type Config struct {
	Addr string // например ":8080"
}

func NewConfig(cfg *config.Config) Config {
	return Config{Addr: cfg.Service.HealthAddr}
}

func NewState(breaker *exec.Breaker, buffer *tickbuffer.Buffer, bus *eventbus.Bus) *service.State {
	st := service.NewState(breaker, buffer)
	bus.Subscribe(models.EventConnState, "health", st.HandleConnState)
	bus.Subscribe(models.EventCandleClosed, "health", st.HandleCandle)
	return st
}

func RunHTTP(lc fx.Lifecycle, cfg Config, mux *http.ServeMux, state *service.State, log *zap.Logger) {
	l := logger.OrNop(log).Named("health")
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					l.Error("[HEALTH] server stopped", zap.Error(err))
				}
			}()
			// модуль стартует последним: пайплайн уже поднят
			state.SetReady(true)
			l.Info("[HEALTH] listening", zap.String("addr", cfg.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			state.SetReady(false)
			return srv.Shutdown(ctx)
		},
	})
}

func Module() fx.Option {
	return fx.Module("health",
		fx.Provide(
			NewState,
			NewConfig,
			service.NewMux,
		),
		fx.Invoke(RunHTTP),
	)
}
