package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"breakout_bot/internal/detector"
	"breakout_bot/internal/helper"
	"breakout_bot/internal/models"
	"breakout_bot/internal/modules/config"
	"breakout_bot/pkg/logger"
	"breakout_bot/pkg/metrics"

	"go.uber.org/zap"
)

var (
	ErrOutOfOrder      = errors.New("candle is older than the last processed one")
	ErrDuplicateCandle = errors.New("candle timestamp already processed")
	ErrInvalidLevels   = errors.New("invalid session levels")
)

// volatilityPeriod — период ATR для подсказки риск-менеджеру.
const volatilityPeriod = 14

// Tracker ведёт кандидатов по каждому символу. Свечи одного символа обрабатываются
// строго последовательно под замком книги, разные символы не мешают друг другу.
type Tracker struct {
	cfg    config.TrackerConfig
	policy detector.RangePolicy
	log    *zap.Logger

	mu    sync.Mutex
	books map[string]*book
}

// book — всё состояние одного символа.
type book struct {
	mu sync.Mutex

	symbol   string
	history  []models.Candle
	lastTime time.Time

	levels    models.SessionLevels
	hasLevels bool
	// наблюдаемые экстремумы текущей сессии, станут уровнями следующей
	sessHigh float64
	sessLow  float64

	candidates map[string]*models.SetupCandidate
	order      []string
	nextSeq    map[models.Side]int
	// dirty — кандидаты, изменённые после последнего Checkpoint
	dirty map[string]bool
}

func NewTracker(cfg config.TrackerConfig, policy detector.RangePolicy, log *zap.Logger) *Tracker {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = config.DefaultTracker().HistorySize
	}
	return &Tracker{
		cfg:    cfg,
		policy: policy,
		log:    logger.OrNop(log),
		books:  make(map[string]*book),
	}
}

func (t *Tracker) book(symbol string) *book {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.books[symbol]
	if !ok {
		b = &book{
			symbol:     symbol,
			candidates: make(map[string]*models.SetupCandidate),
			nextSeq:    make(map[models.Side]int),
			dirty:      make(map[string]bool),
		}
		t.books[symbol] = b
	}
	return b
}

// OpenSession ставит уровни сессии и заводит двух наблюдателей: шорт над хаем и лонг под лоем.
// Повторный вызов для той же сессии ничего не делает (например, после Restore).
// Кандидаты прошлых сессий, пережившие рестарт, гасятся с SESSION_END.
func (t *Tracker) OpenSession(symbol string, levels models.SessionLevels) ([]models.Transition, error) {
	if symbol == "" || !levels.Valid() {
		return nil, fmt.Errorf("%w: %s %+v", ErrInvalidLevels, symbol, levels)
	}
	b := t.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hasLevels && b.levels.Start.Equal(levels.Start) {
		return nil, nil
	}
	out := t.expireLocked(b, levels)
	out = append(out, t.openSessionLocked(b, levels)...)
	b.prune()
	return out, nil
}

// expireLocked гасит кандидатов на уровнях другой сессии. Время перехода — конец
// их сессии, но не позже начала новой.
func (t *Tracker) expireLocked(b *book, levels models.SessionLevels) []models.Transition {
	var out []models.Transition
	for _, id := range b.order {
		cand := b.candidates[id]
		if cand == nil || cand.State.Terminal() || cand.Levels.Start.Equal(levels.Start) {
			continue
		}
		at := cand.Levels.End
		if at.IsZero() || at.After(levels.Start) {
			at = levels.Start
		}
		out = append(out, t.invalidate(cand, at, models.ReasonSessionEnd))
	}
	return out
}

func (t *Tracker) openSessionLocked(b *book, levels models.SessionLevels) []models.Transition {
	b.levels = levels
	b.hasLevels = true
	b.sessHigh, b.sessLow = 0, 0
	for side := range b.nextSeq {
		delete(b.nextSeq, side)
	}

	t.log.Info("[TRACKER] session opened",
		zap.String("symbol", b.symbol),
		zap.Float64("high", levels.High),
		zap.Float64("low", levels.Low),
		zap.Time("start", levels.Start),
		zap.Time("end", levels.End))

	return []models.Transition{
		t.spawn(b, models.SideSell, levels.Start, true),
		t.spawn(b, models.SideBuy, levels.Start, true),
	}
}

// spawn заводит наблюдателя первого пробоя. Новые кандидаты не видят свечу, на которой родились.
func (t *Tracker) spawn(b *book, side models.Side, at time.Time, armed bool) models.Transition {
	seq := b.nextSeq[side]
	b.nextSeq[side] = seq + 1

	c := &models.SetupCandidate{
		ID:             helper.CandidateID(b.symbol, string(side), b.levels.Start, seq),
		Symbol:         b.symbol,
		Side:           side,
		Seq:            seq,
		Levels:         b.levels,
		State:          models.StateWatchingFirstBreakout,
		StateEnteredAt: at,
		CreatedAt:      at,
		UpdatedAt:      at,
		Armed:          armed,
	}
	b.candidates[c.ID] = c
	b.order = append(b.order, c.ID)

	metrics.DefaultMetrics.CandidatesOpened.WithLabelValues(string(side)).Inc()
	return models.Transition{
		CandidateID: c.ID,
		Symbol:      c.Symbol,
		Side:        c.Side,
		To:          c.State,
		At:          at,
		Candidate:   c.Clone(),
	}
}

// OnCandle применяет закрытую свечу ко всем активным кандидатам символа.
// Свеча не новее последней обработанной отклоняется и ничего не меняет.
func (t *Tracker) OnCandle(ctx context.Context, c models.Candle) ([]models.Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := t.book(c.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.lastTime.IsZero() {
		switch {
		case c.Time.Equal(b.lastTime):
			metrics.DefaultMetrics.CandidatesRejected.WithLabelValues("duplicate").Inc()
			return nil, fmt.Errorf("%w: %s %s", ErrDuplicateCandle, c.Symbol, c.Time.Format(time.RFC3339))
		case c.Time.Before(b.lastTime):
			metrics.DefaultMetrics.CandidatesRejected.WithLabelValues("out_of_order").Inc()
			return nil, fmt.Errorf("%w: %s %s < %s", ErrOutOfOrder, c.Symbol,
				c.Time.Format(time.RFC3339), b.lastTime.Format(time.RFC3339))
		}
	}

	// past — история строго до текущей свечи
	past := b.tail(t.cfg.HistorySize)
	var out []models.Transition

	if b.hasLevels && !c.Time.Before(b.levels.End) {
		out = append(out, t.closeSessionLocked(b, c)...)
	}

	if b.hasLevels && !c.Time.Before(b.levels.Start) && c.Time.Before(b.levels.End) {
		if b.sessHigh == 0 || c.High > b.sessHigh {
			b.sessHigh = c.High
		}
		if b.sessLow == 0 || c.Low < b.sessLow {
			b.sessLow = c.Low
		}

		// снимок порядка: наблюдатели, родившиеся на этой свече, её не видят
		ids := append([]string(nil), b.order...)
		for _, id := range ids {
			cand := b.candidates[id]
			if cand == nil || cand.State.Terminal() {
				continue
			}
			out = append(out, t.advance(b, cand, c, past)...)
		}
	}

	for _, id := range b.order {
		if cand := b.candidates[id]; cand != nil && !cand.State.Terminal() && cand.UpdatedAt.Equal(c.Time) {
			b.dirty[id] = true
		}
	}

	b.history = append(b.history, c)
	if len(b.history) >= 2*t.cfg.HistorySize {
		b.history = append([]models.Candle(nil), b.tail(t.cfg.HistorySize)...)
	}
	b.lastTime = c.Time
	b.prune()

	return out, nil
}

// closeSessionLocked гасит всех активных кандидатов и открывает следующую сессию.
// Уровни новой сессии — хай/лой закончившейся; если свечей не было, уровни прежние.
func (t *Tracker) closeSessionLocked(b *book, c models.Candle) []models.Transition {
	var out []models.Transition
	for _, id := range b.order {
		cand := b.candidates[id]
		if cand == nil || cand.State.Terminal() {
			continue
		}
		out = append(out, t.invalidate(cand, c.Time, models.ReasonSessionEnd))
	}

	next := b.levels
	if b.sessHigh > 0 && b.sessLow > 0 && b.sessHigh > b.sessLow {
		next.High, next.Low = b.sessHigh, b.sessLow
	}
	for !c.Time.Before(next.End) {
		next.Start = next.Start.Add(24 * time.Hour)
		next.End = next.End.Add(24 * time.Hour)
	}
	return append(out, t.openSessionLocked(b, next)...)
}

// tail — последние n свечей истории. Массив подрезается только при удвоении,
// чтобы не копировать историю на каждой свече.
func (b *book) tail(n int) []models.Candle {
	if len(b.history) > n {
		return b.history[len(b.history)-n:]
	}
	return b.history
}

// prune выкидывает терминальных кандидатов: они уже отданы наружу снапшотом перехода.
func (b *book) prune() {
	kept := b.order[:0]
	for _, id := range b.order {
		if c := b.candidates[id]; c != nil && !c.State.Terminal() {
			kept = append(kept, id)
			continue
		}
		delete(b.candidates, id)
		delete(b.dirty, id)
	}
	b.order = kept
}

// Checkpoint отдаёт состояние книги и кандидатов, изменившихся после прошлого вызова.
// Свечи одного символа идут последовательно, поэтому снимок берётся сразу после OnCandle.
func (t *Tracker) Checkpoint(symbol string) (models.Checkpoint, bool) {
	b := t.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lastTime.IsZero() {
		return models.Checkpoint{}, false
	}
	cp := models.Checkpoint{Book: b.state(t.cfg.HistorySize)}
	for _, id := range b.order {
		if !b.dirty[id] {
			continue
		}
		if c := b.candidates[id]; c != nil && !c.State.Terminal() {
			cp.Candidates = append(cp.Candidates, c.Clone())
		}
	}
	clear(b.dirty)
	return cp, true
}

func (b *book) state(historySize int) models.BookState {
	st := models.BookState{
		Symbol:      b.symbol,
		SessionHigh: b.sessHigh,
		SessionLow:  b.sessLow,
		NextSeq:     make(map[models.Side]int, len(b.nextSeq)),
		LastTime:    b.lastTime,
		History:     append([]models.Candle(nil), b.tail(historySize)...),
	}
	if b.hasLevels {
		st.Levels = b.levels
	}
	for side, seq := range b.nextSeq {
		st.NextSeq[side] = seq
	}
	return st
}

// RestoreBooks возвращает историю, время последней свечи и нумерацию наблюдателей.
// Вызывается вместе с Restore до OpenSession.
func (t *Tracker) RestoreBooks(states []models.BookState) {
	for _, st := range states {
		if st.Symbol == "" {
			continue
		}
		b := t.book(st.Symbol)
		b.mu.Lock()
		hist := st.History
		if n := len(hist); n > t.cfg.HistorySize {
			hist = hist[n-t.cfg.HistorySize:]
		}
		b.history = append([]models.Candle(nil), hist...)
		if st.LastTime.After(b.lastTime) {
			b.lastTime = st.LastTime
		}
		if st.Levels.Valid() && (!b.hasLevels || !st.Levels.Start.Before(b.levels.Start)) {
			b.levels = st.Levels
			b.hasLevels = true
		}
		if b.hasLevels && b.levels.Start.Equal(st.Levels.Start) {
			b.sessHigh, b.sessLow = st.SessionHigh, st.SessionLow
		}
		for side, seq := range st.NextSeq {
			if seq > b.nextSeq[side] {
				b.nextSeq[side] = seq
			}
		}
		b.mu.Unlock()
	}
	t.log.Info("[TRACKER] restored books", zap.Int("count", len(states)))
}

// Restore поднимает карту кандидатов из сохранённого состояния без пересчёта по истории.
func (t *Tracker) Restore(cands []models.SetupCandidate) {
	sorted := append([]models.SetupCandidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if a.Side != b.Side {
			return a.Side > b.Side // SELL раньше BUY, как при открытии сессии
		}
		return a.ID < b.ID
	})

	for _, sc := range sorted {
		if sc.State.Terminal() {
			continue
		}
		b := t.book(sc.Symbol)
		b.mu.Lock()
		if _, dup := b.candidates[sc.ID]; !dup {
			c := sc.Clone()
			b.candidates[c.ID] = &c
			b.order = append(b.order, c.ID)
		}
		if !b.hasLevels || sc.Levels.Start.After(b.levels.Start) {
			b.levels = sc.Levels
			b.hasLevels = true
		}
		if sc.Seq >= b.nextSeq[sc.Side] {
			b.nextSeq[sc.Side] = sc.Seq + 1
		}
		b.mu.Unlock()
	}
	t.log.Info("[TRACKER] restored candidates", zap.Int("count", len(sorted)))
}

// Active — снапшоты активных кандидатов, по символу и порядку создания.
func (t *Tracker) Active() []models.SetupCandidate {
	t.mu.Lock()
	symbols := make([]string, 0, len(t.books))
	for s := range t.books {
		symbols = append(symbols, s)
	}
	t.mu.Unlock()
	sort.Strings(symbols)

	var out []models.SetupCandidate
	for _, s := range symbols {
		b := t.book(s)
		b.mu.Lock()
		for _, id := range b.order {
			if c := b.candidates[id]; c != nil && !c.State.Terminal() {
				out = append(out, c.Clone())
			}
		}
		b.mu.Unlock()
	}
	return out
}

// Levels — текущие уровни сессии символа.
func (t *Tracker) Levels(symbol string) (models.SessionLevels, bool) {
	b := t.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.levels, b.hasLevels
}
