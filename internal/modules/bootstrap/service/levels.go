package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"breakout_bot/internal/models"
	"breakout_bot/pkg/logger"

	"go.uber.org/zap"
)

// History — минутные свечи из REST биржи.
type History interface {
	HistoryCandles(ctx context.Context, instID string, from, to time.Time) ([]models.Candle, error)
}

// LevelSeeder считает уровни для текущей сессии по хаю/лою прошлой.
type LevelSeeder struct {
	hist    History
	session Session
	log     *zap.Logger

	// ограничитель параллелизма, чтобы не словить rate limit
	sem chan struct{}
}

func NewLevelSeeder(hist History, session Session, concurrency int, log *zap.Logger) *LevelSeeder {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &LevelSeeder{
		hist:    hist,
		session: session,
		log:     logger.OrNop(log),
		sem:     make(chan struct{}, concurrency),
	}
}

func (s *LevelSeeder) Session() Session { return s.session }

// Levels — уровни по символам. Символ без истории пропускается с предупреждением,
// ошибка REST по любому символу возвращается первой.
func (s *LevelSeeder) Levels(ctx context.Context, symbols []string, now time.Time) (map[string]models.SessionLevels, error) {
	curStart, curEnd := s.session.Window(now)
	prevStart, prevEnd := s.session.Previous(now)

	s.log.Info("[BOOT] seeding session levels",
		zap.Int("symbols", len(symbols)),
		zap.Time("prev_start", prevStart),
		zap.Time("prev_end", prevEnd),
		zap.Time("session_start", curStart))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		out      = make(map[string]models.SessionLevels, len(symbols))
	)
	for _, sym := range symbols {
		sym := sym
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-s.sem }()

			candles, err := s.hist.HistoryCandles(ctx, sym, prevStart, prevEnd)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("history %s: %w", sym, err)
				}
				mu.Unlock()
				return
			}
			high, low, ok := extremes(candles)
			if !ok {
				s.log.Warn("[BOOT] no history for previous session, symbol skipped", zap.String("symbol", sym))
				return
			}
			levels := models.SessionLevels{High: high, Low: low, Start: curStart, End: curEnd}
			if !levels.Valid() {
				s.log.Warn("[BOOT] degenerate levels, symbol skipped",
					zap.String("symbol", sym), zap.Float64("high", high), zap.Float64("low", low))
				return
			}
			mu.Lock()
			out[sym] = levels
			mu.Unlock()
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seeded := make([]string, 0, len(out))
	for sym := range out {
		seeded = append(seeded, sym)
	}
	sort.Strings(seeded)
	s.log.Info("[BOOT] session levels ready", zap.Strings("symbols", seeded))
	return out, nil
}

func extremes(candles []models.Candle) (high, low float64, ok bool) {
	for _, c := range candles {
		if c.High <= 0 || c.Low <= 0 {
			continue
		}
		if !ok || c.High > high {
			high = c.High
		}
		if !ok || c.Low < low {
			low = c.Low
		}
		ok = true
	}
	return high, low, ok
}
