package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"breakout_bot/internal/models"
	"breakout_bot/pkg/logger"
	"breakout_bot/pkg/metrics"

	"go.uber.org/zap"
)

const (
	maxBatch     = 64
	drainTimeout = 5 * time.Second
)

type Config struct {
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
}

type job struct {
	trs  []models.Transition
	cp   *models.Checkpoint
	done chan error
}

// Manager пишет переходы кандидатов в фоне, не задерживая обработку свечей.
// Порядок записи совпадает с порядком постановки в очередь.
type Manager struct {
	store Store
	cfg   Config
	log   *zap.Logger

	queue chan job
}

func NewManager(store Store, cfg Config, log *zap.Logger) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		log:   logger.OrNop(log),
		queue: make(chan job, cfg.QueueSize),
	}
}

// Enqueue ставит переходы в очередь записи. Блокируется, только если очередь полна.
func (m *Manager) Enqueue(ctx context.Context, trs ...models.Transition) error {
	if len(trs) == 0 {
		return nil
	}
	select {
	case m.queue <- job{trs: trs}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueCheckpoint ставит снимок символа в ту же очередь, что и переходы,
// чтобы более свежий снимок кандидата не затирался более старым.
func (m *Manager) EnqueueCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	select {
	case m.queue <- job{cp: &cp}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SaveNow пишет переходы после всего, что уже стоит в очереди, и ждёт результата.
// Вызывается перед любым внешним действием по кандидату.
func (m *Manager) SaveNow(ctx context.Context, trs ...models.Transition) error {
	j := job{trs: trs, done: make(chan error, 1)}
	select {
	case m.queue <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush ждёт записи всего, что поставлено до вызова.
func (m *Manager) Flush(ctx context.Context) error {
	return m.SaveNow(ctx)
}

// Run — единственный писатель очереди. После отмены ctx дописывает остаток.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case j := <-m.queue:
			m.process(ctx, m.collect(j))
		case <-ctx.Done():
			m.drain()
			return
		}
	}
}

func (m *Manager) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case j := <-m.queue:
			m.process(ctx, m.collect(j))
		default:
			return
		}
	}
}

// collect добирает из очереди то, что уже лежит, чтобы писать пачкой.
func (m *Manager) collect(first job) []job {
	batch := []job{first}
	for len(batch) < maxBatch {
		select {
		case j := <-m.queue:
			batch = append(batch, j)
		default:
			return batch
		}
	}
	return batch
}

// process пишет пачку в порядке очереди: подряд идущие переходы одним вызовом,
// снимки между ними отдельно. Ошибка одной записи не останавливает остальные.
func (m *Manager) process(ctx context.Context, batch []job) {
	var (
		err     error
		pending []models.Transition
	)
	keep := func(e error) {
		if e != nil && err == nil {
			err = e
		}
	}
	for _, j := range batch {
		pending = append(pending, j.trs...)
		if j.cp != nil {
			keep(m.saveTransitions(ctx, pending))
			pending = nil
			keep(m.saveCheckpoint(ctx, *j.cp))
		}
	}
	keep(m.saveTransitions(ctx, pending))

	for _, j := range batch {
		if j.done != nil {
			j.done <- err
		}
	}
}

func (m *Manager) saveTransitions(ctx context.Context, trs []models.Transition) error {
	if len(trs) == 0 {
		return nil
	}
	err := m.retry(ctx, "save_transitions", func(ctx context.Context) error {
		return m.store.SaveTransitions(ctx, trs)
	})
	if err != nil {
		ids := make([]string, 0, len(trs))
		for _, tr := range trs {
			ids = append(ids, tr.CandidateID)
		}
		m.log.Error("[STATE] failed to persist transitions",
			zap.Int("count", len(trs)), zap.Strings("candidates", ids), zap.Error(err))
	}
	return err
}

func (m *Manager) saveCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	err := m.retry(ctx, "save_checkpoint", func(ctx context.Context) error {
		return m.store.SaveCheckpoint(ctx, cp)
	})
	if err != nil {
		m.log.Error("[STATE] failed to persist checkpoint",
			zap.String("symbol", cp.Book.Symbol), zap.Time("last", cp.Book.LastTime),
			zap.Int("candidates", len(cp.Candidates)), zap.Error(err))
	}
	return err
}

func (m *Manager) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		metrics.DefaultMetrics.PersistErrors.WithLabelValues(op).Inc()
		m.log.Warn("[STATE] write failed", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == m.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(m.cfg.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// SaveTrade пишет сделку синхронно: исполнитель не идёт к брокеру без записи.
func (m *Manager) SaveTrade(ctx context.Context, t models.Trade) error {
	return m.retry(ctx, "save_trade", func(ctx context.Context) error {
		return m.store.SaveTrade(ctx, t)
	})
}

func (m *Manager) GetTrade(ctx context.Context, reference string) (models.Trade, error) {
	return m.store.GetTrade(ctx, reference)
}

// Recover — активные кандидаты для восстановления трекера.
func (m *Manager) Recover(ctx context.Context) ([]models.SetupCandidate, error) {
	cands, err := m.store.LoadActiveCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active candidates: %w", err)
	}
	m.log.Info("[STATE] recovered candidates", zap.Int("count", len(cands)))
	return cands, nil
}

// RecoverBooks — история и счётчики трекера по символам.
func (m *Manager) RecoverBooks(ctx context.Context) ([]models.BookState, error) {
	books, err := m.store.LoadBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tracker books: %w", err)
	}
	m.log.Info("[STATE] recovered tracker books", zap.Int("count", len(books)))
	return books, nil
}

// Reconcile сверяет открытые сделки с позициями брокера и только сообщает о расхождениях.
func (m *Manager) Reconcile(ctx context.Context, positions []models.BrokerPosition) ([]models.Mismatch, error) {
	trades, err := m.store.LoadOpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open trades: %w", err)
	}

	key := func(symbol, posSide string) string { return symbol + "/" + posSide }

	open := make(map[string]models.BrokerPosition, len(positions))
	for _, p := range positions {
		if p.Size != 0 {
			open[key(p.Symbol, p.PosSide)] = p
		}
	}

	var out []models.Mismatch
	known := make(map[string]bool)
	for i := range trades {
		t := trades[i]
		if t.Status != models.TradePlaced {
			continue
		}
		k := key(t.Symbol, t.Side.PosSide())
		known[k] = true
		if _, ok := open[k]; !ok {
			out = append(out, models.Mismatch{
				Kind:    models.MismatchMissingPosition,
				Symbol:  t.Symbol,
				PosSide: t.Side.PosSide(),
				Trade:   &t,
			})
		}
	}
	for k, p := range open {
		if known[k] {
			continue
		}
		p := p
		out = append(out, models.Mismatch{
			Kind:     models.MismatchUnknownPosition,
			Symbol:   p.Symbol,
			PosSide:  p.PosSide,
			Position: &p,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		if out[i].PosSide != out[j].PosSide {
			return out[i].PosSide < out[j].PosSide
		}
		return out[i].Kind < out[j].Kind
	})

	for _, mm := range out {
		m.log.Warn("[STATE] position mismatch",
			zap.String("kind", string(mm.Kind)),
			zap.String("symbol", mm.Symbol),
			zap.String("pos_side", mm.PosSide))
	}
	return out, nil
}
