package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"breakout_bot/internal/models"
	aggregator "breakout_bot/internal/modules/aggregator/service"
	eventbus "breakout_bot/internal/modules/eventbus/service"
	state "breakout_bot/internal/modules/state/service"
	tickbuffer "breakout_bot/internal/modules/tickbuffer/service"
	tracker "breakout_bot/internal/modules/tracker/service"
	"breakout_bot/pkg/logger"

	"go.uber.org/zap"
)

type SymbolSource interface {
	Symbols(ctx context.Context) ([]string, error)
}

type LevelSource interface {
	Levels(ctx context.Context, symbols []string, now time.Time) (map[string]models.SessionLevels, error)
}

type PositionLister interface {
	OpenPositions(ctx context.Context) ([]models.BrokerPosition, error)
}

type Config struct {
	DequeueTimeout time.Duration
	// IdleGrace — через сколько после конца минуты закрывать свечу тихого символа; 0 — не закрывать
	IdleGrace time.Duration
	// Lanes — параллельность трекера по символам на шине
	Lanes          int
	WorkerQueue    int
	HealthInterval time.Duration
}

type Deps struct {
	Source     TickSource
	Buffer     *tickbuffer.Buffer
	Aggregator *aggregator.Aggregator
	Bus        *eventbus.Bus
	Tracker    *tracker.Tracker
	State      *state.Manager
	Symbols    SymbolSource
	Levels     LevelSource
	// Positions — для сверки при старте; nil пропускает сверку
	Positions PositionLister
}

// Pipeline: Source → Buffer → воркер символа (Aggregator) → Bus → Tracker → State/Executor.
type Pipeline struct {
	cfg Config
	Deps
	log *zap.Logger
	now func() time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	symbols []string

	workers   map[string]chan models.Tick
	workersWG sync.WaitGroup
	bgWG      sync.WaitGroup

	stopOnce sync.Once
}

func New(cfg Config, deps Deps, log *zap.Logger) *Pipeline {
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 100 * time.Millisecond
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = 8
	}
	if cfg.WorkerQueue <= 0 {
		cfg.WorkerQueue = 256
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Minute
	}
	p := &Pipeline{
		cfg:     cfg,
		Deps:    deps,
		log:     logger.OrNop(log),
		now:     time.Now,
		done:    make(chan struct{}),
		workers: make(map[string]chan models.Tick),
	}
	p.Bus.Subscribe(models.EventCandleClosed, "tracker", p.onCandle,
		eventbus.WithLanes(cfg.Lanes, func(ev models.Event) string {
			if c, ok := ev.Payload.(models.Candle); ok {
				return c.Symbol
			}
			return ""
		}),
		// повтор применил бы свечу дважды
		eventbus.WithRetries(0),
	)
	return p
}

// Done закрывается, когда тики кончились и буфер пуст, или после Stop.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Watchlist — символы, выбранные при старте.
func (p *Pipeline) Watchlist() []string { return append([]string(nil), p.symbols...) }

// Start: список символов, восстановление кандидатов и истории, уровни сессии, сверка с брокером,
// затем подписка и подключение источника.
func (p *Pipeline) Start(ctx context.Context) error {
	symbols, err := p.Deps.Symbols.Symbols(ctx)
	if err != nil {
		return fmt.Errorf("resolve symbols: %w", err)
	}
	if len(symbols) == 0 {
		return errors.New("resolve symbols: empty watchlist")
	}
	p.symbols = symbols
	p.log.Info("[RUNNER] watchlist", zap.Int("count", len(symbols)), zap.Strings("symbols", symbols))

	cands, err := p.State.Recover(ctx)
	if err != nil {
		return err
	}
	p.Tracker.Restore(cands)
	books, err := p.State.RecoverBooks(ctx)
	if err != nil {
		return err
	}
	p.Tracker.RestoreBooks(books)

	levels, err := p.Levels.Levels(ctx, symbols, p.now())
	if err != nil {
		return fmt.Errorf("seed session levels: %w", err)
	}
	for _, sym := range symbols {
		lv, ok := levels[sym]
		if !ok {
			p.log.Warn("[RUNNER] no session levels, symbol is watched without candidates", zap.String("symbol", sym))
			continue
		}
		trs, err := p.Tracker.OpenSession(sym, lv)
		if err != nil {
			p.log.Warn("[RUNNER] open session", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		if err := p.publish(ctx, trs); err != nil {
			return err
		}
	}

	if err := p.reconcile(ctx); err != nil {
		// расхождения только сообщаем, торговлю не блокируем
		p.log.Error("[RUNNER] reconcile failed", zap.Error(err))
	}

	if err := p.Source.Subscribe(ctx, symbols); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := p.Source.Connect(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	pumped := make(chan struct{})
	p.bgWG.Add(3)
	go p.pump(runCtx, pumped)
	go p.watchStates(runCtx)
	go p.healthLoop(runCtx)
	go p.dispatch(runCtx, pumped)

	p.log.Info("[RUNNER] ▶️ pipeline started")
	return nil
}

// Stop останавливает источник и воркеры, закрывает незавершённые свечи
// и ждёт, пока шина и очередь записи опустеют.
func (p *Pipeline) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		if p.cancel == nil {
			return
		}
		if derr := p.Source.Disconnect(); derr != nil {
			p.log.Warn("[RUNNER] disconnect", zap.Error(derr))
		}
		p.cancel()
		select {
		case <-p.done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		p.bgWG.Wait()

		for _, c := range p.Aggregator.ForceCompleteAll() {
			p.emitCandle(ctx, c)
		}
		if derr := p.Bus.Drain(ctx); derr != nil {
			err = fmt.Errorf("drain bus: %w", derr)
			return
		}
		if ferr := p.State.Flush(ctx); ferr != nil {
			err = fmt.Errorf("flush state: %w", ferr)
			return
		}
		p.log.Info("[RUNNER] ⏹ pipeline stopped")
	})
	return err
}

// pump перекладывает тики источника в буфер. Enqueue не блокирует.
func (p *Pipeline) pump(ctx context.Context, pumped chan<- struct{}) {
	defer p.bgWG.Done()
	defer close(pumped)
	ticks := p.Source.Ticks()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			p.Buffer.Enqueue(t)
		}
	}
}

func (p *Pipeline) watchStates(ctx context.Context) {
	defer p.bgWG.Done()
	states := p.Source.States()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			if err := p.Bus.Emit(ctx, models.EventConnState, st, time.Time{}); err != nil {
				p.log.Warn("[RUNNER] emit conn state", zap.Error(err))
			}
		}
	}
}

// dispatch раздаёт тики по воркерам символов. Порядок тиков одного символа сохраняется.
func (p *Pipeline) dispatch(ctx context.Context, pumped <-chan struct{}) {
	defer close(p.done)
	defer func() {
		for _, ch := range p.workers {
			close(ch)
		}
		p.workersWG.Wait()
	}()

	for {
		if t, ok := p.Buffer.Dequeue(ctx, p.cfg.DequeueTimeout); ok {
			p.worker(ctx, t.Symbol) <- t
			continue
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-pumped:
			if p.Buffer.Len() == 0 {
				p.log.Info("[RUNNER] tick source exhausted")
				return
			}
		default:
		}
	}
}

func (p *Pipeline) worker(ctx context.Context, symbol string) chan models.Tick {
	if ch, ok := p.workers[symbol]; ok {
		return ch
	}
	ch := make(chan models.Tick, p.cfg.WorkerQueue)
	p.workers[symbol] = ch
	p.workersWG.Add(1)
	go p.runSymbol(ctx, symbol, ch)
	return ch
}

func (p *Pipeline) runSymbol(ctx context.Context, symbol string, ticks <-chan models.Tick) {
	defer p.workersWG.Done()

	var idle <-chan time.Time
	if p.cfg.IdleGrace > 0 {
		t := time.NewTicker(p.cfg.IdleGrace)
		defer t.Stop()
		idle = t.C
	}

	for {
		select {
		case t, ok := <-ticks:
			if !ok {
				return
			}
			for _, c := range p.Aggregator.ProcessTick(t) {
				p.emitCandle(ctx, c)
			}
		case <-idle:
			if c, ok := p.Aggregator.FlushIdle(symbol, p.now(), p.cfg.IdleGrace); ok {
				p.emitCandle(ctx, c)
			}
		}
	}
}

func (p *Pipeline) emitCandle(ctx context.Context, c models.Candle) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := p.Bus.Emit(ctx, models.EventCandleClosed, c, c.Time); err != nil {
		p.log.Error("[RUNNER] emit candle", zap.String("symbol", c.Symbol), zap.Time("time", c.Time), zap.Error(err))
	}
}

// onCandle — единственный подписчик трекера. Кривые свечи пропускаются.
func (p *Pipeline) onCandle(ctx context.Context, ev models.Event) error {
	c, ok := ev.Payload.(models.Candle)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	trs, err := p.Tracker.OnCandle(ctx, c)
	if errors.Is(err, tracker.ErrOutOfOrder) || errors.Is(err, tracker.ErrDuplicateCandle) {
		p.log.Warn("[RUNNER] candle skipped", zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.publish(ctx, trs); err != nil {
		return err
	}
	return p.checkpoint(ctx, c.Symbol)
}

// checkpoint сохраняет то, что свеча поменяла без смены состояния: окно, взвод,
// экстремум спайка, историю символа.
func (p *Pipeline) checkpoint(ctx context.Context, symbol string) error {
	cp, ok := p.Tracker.Checkpoint(symbol)
	if !ok {
		return nil
	}
	if err := p.State.EnqueueCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("enqueue checkpoint %s: %w", symbol, err)
	}
	return nil
}

// publish сохраняет переходы и отдаёт их на шину. Завершённый сетап уходит
// исполнителю только после того, как запись о нём легла в хранилище.
func (p *Pipeline) publish(ctx context.Context, trs []models.Transition) error {
	for _, tr := range trs {
		if tr.To == models.StateSetupComplete {
			if err := p.State.SaveNow(ctx, tr); err != nil {
				p.log.Error("[RUNNER] setup not persisted, order skipped",
					zap.String("candidate", tr.CandidateID), zap.Error(err))
				continue
			}
			p.emit(ctx, models.EventCandidateTransition, tr, tr.At)
			p.emit(ctx, models.EventSetupCompleted, tr.Candidate, tr.At)
			continue
		}
		if err := p.State.Enqueue(ctx, tr); err != nil {
			return fmt.Errorf("enqueue transition %s: %w", tr.CandidateID, err)
		}
		p.emit(ctx, models.EventCandidateTransition, tr, tr.At)
	}
	return nil
}

func (p *Pipeline) emit(ctx context.Context, t models.EventType, payload any, ts time.Time) {
	if err := p.Bus.Emit(ctx, t, payload, ts); err != nil {
		p.log.Error("[RUNNER] emit", zap.String("event", string(t)), zap.Error(err))
	}
}

func (p *Pipeline) reconcile(ctx context.Context) error {
	if p.Positions == nil {
		return nil
	}
	positions, err := p.Positions.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("open positions: %w", err)
	}
	mismatches, err := p.State.Reconcile(ctx, positions)
	if err != nil {
		return err
	}
	for _, m := range mismatches {
		p.emit(ctx, models.EventMismatch, m, time.Time{})
	}
	return nil
}

func (p *Pipeline) healthLoop(ctx context.Context) {
	defer p.bgWG.Done()
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active := p.Tracker.Active()
			byState := make(map[models.CandidateState]int)
			for _, c := range active {
				byState[c.State]++
			}
			states := make([]string, 0, len(byState))
			for st, n := range byState {
				states = append(states, fmt.Sprintf("%s=%d", st, n))
			}
			sort.Strings(states)

			st := p.Buffer.Stats()
			p.log.Info("[RUNNER] 🩺 health",
				zap.Int("symbols", len(p.symbols)),
				zap.Int("buffered", p.Buffer.Len()),
				zap.Float64("utilization", p.Buffer.Utilization()),
				zap.Uint64("overflows", st.Overflows),
				zap.Int("candidates", len(active)),
				zap.Strings("by_state", states))
		}
	}
}
