package service

import (
	"sort"
	"sync"
	"time"

	"breakout_bot/internal/helper"
	"breakout_bot/internal/models"
	"breakout_bot/pkg/logger"
	"breakout_bot/pkg/metrics"

	"go.uber.org/zap"
)

type Config struct {
	// MaxGapFill — сколько пропущенных минут подряд можно закрыть плоскими свечами
	MaxGapFill int
}

type symbolState struct {
	cur        *models.Candle
	lastClosed time.Time // время последней закрытой свечи
	lastClose  float64
	hasClosed  bool
}

// Aggregator складывает тики в минутные свечи по каждому символу.
// Закрытие свечи возвращается ровно один раз.
type Aggregator struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	symbols map[string]*symbolState
}

func NewAggregator(cfg Config, log *zap.Logger) *Aggregator {
	if cfg.MaxGapFill < 0 {
		cfg.MaxGapFill = 0
	}
	return &Aggregator{
		cfg:     cfg,
		log:     logger.OrNop(log),
		symbols: make(map[string]*symbolState),
	}
}

// ProcessTick возвращает свечи, закрытые этим тиком (включая синтетические), по порядку.
func (a *Aggregator) ProcessTick(t models.Tick) []models.Candle {
	if !t.Valid() {
		metrics.RecordTickDropped("malformed")
		a.log.Warn("[AGG] malformed tick skipped",
			zap.String("symbol", t.Symbol), zap.Float64("price", t.Price),
			zap.Float64("size", t.Size), zap.Time("ts", t.Time))
		return nil
	}
	if t.Size == 0 {
		a.log.Debug("[AGG] tick without volume", zap.String("symbol", t.Symbol), zap.Time("ts", t.Time))
	}

	minute := helper.MinuteFloor(t.Time)

	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.state(t.Symbol)
	var out []models.Candle

	switch {
	case st.cur == nil:
		if st.hasClosed && !minute.After(st.lastClosed) {
			a.late(t, st.lastClosed)
			return nil
		}
		out = a.fillGap(st, t.Symbol, minute, out)
		st.cur = newCandle(t, minute)

	case minute.Equal(st.cur.Time):
		apply(st.cur, t)

	case minute.Before(st.cur.Time):
		a.late(t, st.cur.Time)
		return nil

	default:
		out = append(out, a.close(st))
		out = a.fillGap(st, t.Symbol, minute, out)
		st.cur = newCandle(t, minute)
	}

	metrics.RecordTick()
	return out
}

// ForceCompleteAll закрывает все незавершённые свечи (остановка процесса).
// Порядок по символу, чтобы результат был детерминированным.
func (a *Aggregator) ForceCompleteAll() []models.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()

	syms := make([]string, 0, len(a.symbols))
	for s, st := range a.symbols {
		if st.cur != nil {
			syms = append(syms, s)
		}
	}
	sort.Strings(syms)

	out := make([]models.Candle, 0, len(syms))
	for _, s := range syms {
		out = append(out, a.close(a.symbols[s]))
	}
	if len(out) > 0 {
		a.log.Info("[AGG] force-completed in-progress candles", zap.Int("count", len(out)))
	}
	return out
}

// FlushIdle закрывает свечу символа, если её минута кончилась больше grace назад,
// а новых тиков не было. Иначе тихий символ держал бы свечу открытой.
func (a *Aggregator) FlushIdle(symbol string, now time.Time, grace time.Duration) (models.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.symbols[symbol]
	if !ok || st.cur == nil {
		return models.Candle{}, false
	}
	if now.Before(st.cur.End().Add(grace)) {
		return models.Candle{}, false
	}
	return a.close(st), true
}

// InProgress — копия текущей свечи символа.
func (a *Aggregator) InProgress(symbol string) (models.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.symbols[symbol]
	if !ok || st.cur == nil {
		return models.Candle{}, false
	}
	return *st.cur, true
}

func (a *Aggregator) state(symbol string) *symbolState {
	st, ok := a.symbols[symbol]
	if !ok {
		st = &symbolState{}
		a.symbols[symbol] = st
	}
	return st
}

func (a *Aggregator) close(st *symbolState) models.Candle {
	c := *st.cur
	st.cur = nil
	st.lastClosed = c.Time
	st.lastClose = c.Close
	st.hasClosed = true
	metrics.RecordCandle(false)
	return c
}

// fillGap дописывает плоские свечи между последней закрытой и minute,
// если пропущено не больше MaxGapFill минут.
func (a *Aggregator) fillGap(st *symbolState, symbol string, minute time.Time, out []models.Candle) []models.Candle {
	if !st.hasClosed {
		return out
	}
	missing := int(minute.Sub(st.lastClosed)/time.Minute) - 1
	if missing <= 0 {
		return out
	}
	if missing > a.cfg.MaxGapFill {
		metrics.DefaultMetrics.GapsUnfilled.Inc()
		a.log.Warn("[AGG] gap too large, left unfilled",
			zap.String("symbol", symbol),
			zap.Int("missing_minutes", missing),
			zap.Int("max_gap_fill", a.cfg.MaxGapFill),
			zap.Time("from", st.lastClosed.Add(time.Minute)),
			zap.Time("to", minute.Add(-time.Minute)))
		return out
	}

	for i := 1; i <= missing; i++ {
		px := st.lastClose
		c := models.Candle{
			Symbol: symbol,
			Time:   st.lastClosed.Add(time.Minute),
			Open:   px, High: px, Low: px, Close: px,
			Filled: true,
		}
		st.lastClosed = c.Time
		metrics.RecordCandle(true)
		out = append(out, c)
	}
	return out
}

func (a *Aggregator) late(t models.Tick, ref time.Time) {
	metrics.RecordTickDropped("late")
	a.log.Debug("[AGG] late tick dropped",
		zap.String("symbol", t.Symbol), zap.Time("ts", t.Time), zap.Time("current", ref))
}

func newCandle(t models.Tick, minute time.Time) *models.Candle {
	return &models.Candle{
		Symbol:    t.Symbol,
		Time:      minute,
		Open:      t.Price,
		High:      t.Price,
		Low:       t.Price,
		Close:     t.Price,
		Volume:    t.Size,
		TickCount: 1,
	}
}

func apply(c *models.Candle, t models.Tick) {
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	c.Close = t.Price
	c.Volume += t.Size
	c.TickCount++
}
