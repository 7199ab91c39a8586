package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"breakout_bot/internal/runner"
	"breakout_bot/pkg/logger"

	"go.uber.org/zap"
)

// Прогон записанного дня через пайплайн с бумажным брокером.
// Лог переходов печатается в stdout и совпадает между прогонами.
func main() {
	var (
		fixture = flag.String("fixture", "internal/runner/testdata/lifecycle.yaml", "yaml/json с уровнями и тиками")
		level   = flag.String("log-level", "warn", "уровень zap")
		timeout = flag.Duration("timeout", 5*time.Minute, "предел на весь прогон")
	)
	flag.Parse()

	l, err := logger.New("replay", *level)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = l.Sync() }()

	fx, err := runner.LoadFixture(*fixture)
	if err != nil {
		l.Fatal("[REPLAY] load fixture", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	started := time.Now()
	rep, err := runner.Replay(ctx, fx, l)
	if err != nil {
		l.Fatal("[REPLAY] run", zap.Error(err))
	}
	if err := rep.WriteLog(os.Stdout); err != nil {
		l.Fatal("[REPLAY] write log", zap.Error(err))
	}
	l.Info("[REPLAY] done",
		zap.Int("ticks", len(fx.Ticks)),
		zap.Int("transitions", len(rep.Transitions)),
		zap.Int("orders", len(rep.Decisions)),
		zap.Duration("took", time.Since(started)),
	)
}
