package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"breakout_bot/internal/detector"
	"breakout_bot/internal/helper"
	"breakout_bot/internal/models"
	aggregator "breakout_bot/internal/modules/aggregator/service"
	"breakout_bot/internal/modules/config"
	eventbus "breakout_bot/internal/modules/eventbus/service"
	exec "breakout_bot/internal/modules/executor/service"
	risk "breakout_bot/internal/modules/risk/service"
	state "breakout_bot/internal/modules/state/service"
	tickbuffer "breakout_bot/internal/modules/tickbuffer/service"
	tracker "breakout_bot/internal/modules/tracker/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const symbol = "BTC-USDT-SWAP"

var sessionStart = time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)

func levels() StaticLevels {
	return StaticLevels{symbol: {
		High:  15300,
		Low:   15150,
		Start: sessionStart,
		End:   sessionStart.Add(6 * time.Hour),
	}}
}

// ticksFor раскладывает OHLC минуты на четыре сделки по 2.5.
func ticksFor(minute int, o, h, l, c float64) []models.Tick {
	at := sessionStart.Add(time.Duration(minute) * time.Minute)
	mk := func(sec int, px float64) models.Tick {
		return models.Tick{Symbol: symbol, Price: px, Size: 2.5, Exchange: "replay", Time: at.Add(time.Duration(sec) * time.Second)}
	}
	return []models.Tick{mk(0, o), mk(10, h), mk(20, l), mk(50, c)}
}

// LIQ#1 над 15300, консолидация 15305/15270 с опорной свечой (лой 15278),
// LIQ#2 15315, закрытие 15275 ниже опорной.
func lifecycleTicks() []models.Tick {
	bars := [][4]float64{
		{15290, 15310, 15288, 15298},
		{15298, 15305, 15285, 15288},
		{15288, 15292, 15270, 15275},
		{15275, 15285, 15271, 15282},
		{15278, 15295, 15278, 15290},
		{15290, 15304, 15284, 15292},
		{15292, 15315, 15290, 15296},
		{15296, 15300, 15280, 15285},
		{15285, 15288, 15270, 15275},
		{15275, 15276, 15274, 15275}, // закрывает предыдущую минуту
	}
	var out []models.Tick
	for i, b := range bars {
		out = append(out, ticksFor(i, b[0], b[1], b[2], b[3])...)
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) handle(_ context.Context, ev models.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

type harness struct {
	pipeline *Pipeline
	bus      *eventbus.Bus
	store    *state.MemoryStore
	manager  *state.Manager
	broker   *exec.PaperBroker
	breaker  *exec.Breaker
	executor *exec.Executor
	rec      *recorder

	stopManager context.CancelFunc
	managerDone chan struct{}
}

type harnessOpts struct {
	source    TickSource
	store     *state.MemoryStore
	broker    *exec.PaperBroker
	positions PositionLister
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.store == nil {
		o.store = state.NewMemoryStore()
	}
	if o.broker == nil {
		o.broker = exec.NewPaperBroker(10000)
	}
	if o.source == nil {
		o.source = NewReplaySource(lifecycleTicks())
	}

	bus := eventbus.NewBus(eventbus.Config{MailboxSize: 256, HistorySize: 512}, nil)
	manager := state.NewManager(o.store, state.Config{QueueSize: 256, MaxAttempts: 1}, nil)
	mctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); manager.Run(mctx) }()

	breaker := exec.NewBreaker(3, bus, nil)
	executor := exec.NewExecutor(exec.Config{
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		CallTimeout: time.Second,
		ClaimTTL:    time.Hour,
	}, o.broker, risk.NewFixedFractional(risk.Config{RiskPct: 1, MaxPositionPct: 300}),
		manager, exec.NewMemoryLedger(), breaker, bus, nil)
	Subscribe(bus, executor, breaker)

	rec := &recorder{}
	for _, et := range []models.EventType{
		models.EventCandidateTransition, models.EventSetupCompleted,
		models.EventOrderDecision, models.EventMismatch, models.EventBreakerTripped,
	} {
		bus.Subscribe(et, "recorder", rec.handle)
	}

	tr := tracker.NewTracker(config.DefaultTracker(), detector.PercentPolicy{MinPct: 0.05, MaxPct: 1.0}, nil)
	p := New(Config{DequeueTimeout: 5 * time.Millisecond, Lanes: 2}, Deps{
		Source:     o.source,
		Buffer:     tickbuffer.NewBuffer(tickbuffer.Config{Capacity: 1024}, nil),
		Aggregator: aggregator.NewAggregator(aggregator.Config{MaxGapFill: 2}, nil),
		Bus:        bus,
		Tracker:    tr,
		State:      manager,
		Symbols:    StaticSymbols{symbol},
		Levels:     levels(),
		Positions:  o.positions,
	}, nil)

	h := &harness{
		pipeline: p, bus: bus, store: o.store, manager: manager,
		broker: o.broker, breaker: breaker, executor: executor, rec: rec,
		stopManager: cancel, managerDone: done,
	}
	t.Cleanup(h.close)
	return h
}

func (h *harness) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.pipeline.Stop(ctx)
	_ = h.bus.Close(ctx)
	h.stopManager()
	<-h.managerDone
}

// replay прогоняет источник до конца и останавливает пайплайн.
func (h *harness) replay(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, h.pipeline.Start(ctx))
	select {
	case <-h.pipeline.Done():
	case <-ctx.Done():
		t.Fatal("replay did not finish")
	}
	require.NoError(t, h.pipeline.Stop(ctx))
}

func (h *harness) ofType(et models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range h.rec.all() {
		if ev.Type == et {
			out = append(out, ev)
		}
	}
	return out
}

func firstShortID() string {
	return helper.CandidateID(symbol, string(models.SideSell), sessionStart, 0)
}

func TestPipeline_ReplayPlacesOneOrder(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.replay(t)

	var path []models.CandidateState
	for _, tr := range h.store.Transitions() {
		if tr.CandidateID == firstShortID() {
			path = append(path, tr.To)
		}
	}
	assert.Equal(t, []models.CandidateState{
		models.StateWatchingFirstBreakout,
		models.StateWatchingConsolidation,
		models.StateWatchingSecondBreakout,
		models.StateWaitingEntry,
		models.StateSetupComplete,
	}, path)

	completed := h.ofType(models.EventSetupCompleted)
	require.Len(t, completed, 1)
	cand := completed[0].Payload.(models.SetupCandidate)
	assert.Equal(t, firstShortID(), cand.ID)
	assert.InDelta(t, 15275, cand.EntryPrice, 1e-9)
	assert.Equal(t, sessionStart.Add(8*time.Minute), completed[0].Timestamp)

	decisions := h.ofType(models.EventOrderDecision)
	require.Len(t, decisions, 1)
	res := decisions[0].Payload.(models.OrderResult)
	assert.Equal(t, models.DecisionPlaced, res.Decision)
	assert.Equal(t, helper.OrderReference(firstShortID()), res.Reference)
	assert.Equal(t, 1, h.broker.Placed())

	trade, err := h.store.GetTrade(context.Background(), res.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.TradePlaced, trade.Status)

	// повторная доставка того же сетапа не даёт второго ордера
	again := h.executor.Execute(context.Background(), cand)
	assert.Equal(t, models.DecisionDuplicate, again.Decision)
	assert.Equal(t, 1, h.broker.Placed())
}

type step struct {
	id   string
	from models.CandidateState
	to   models.CandidateState
	at   time.Time
	ts   time.Time
}

func transitionLog(h *harness) []step {
	var out []step
	for _, ev := range h.ofType(models.EventCandidateTransition) {
		tr := ev.Payload.(models.Transition)
		out = append(out, step{id: tr.CandidateID, from: tr.From, to: tr.To, at: tr.At, ts: ev.Timestamp})
	}
	return out
}

func TestPipeline_ReplayIsDeterministic(t *testing.T) {
	a := newHarness(t, harnessOpts{})
	a.replay(t)
	b := newHarness(t, harnessOpts{})
	b.replay(t)

	la, lb := transitionLog(a), transitionLog(b)
	require.NotEmpty(t, la)
	assert.Equal(t, la, lb)
	for _, s := range la {
		assert.Equal(t, s.at, s.ts, "время события — время свечи")
	}
}

func TestPipeline_RestartRestoresCandidates(t *testing.T) {
	store := state.NewMemoryStore()
	broker := exec.NewPaperBroker(10000)
	ticks := lifecycleTicks()

	// первый процесс падает посреди консолидации: последняя свеча c5
	first := newHarness(t, harnessOpts{store: store, broker: broker, source: NewReplaySource(ticks[:24])})
	first.replay(t)
	first.close()

	ctx := context.Background()
	cands, err := store.LoadActiveCandidates(ctx)
	require.NoError(t, err)
	books, err := store.LoadBooks(ctx)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, sessionStart.Add(5*time.Minute), books[0].LastTime)
	assert.Len(t, books[0].History, 6)

	restored := tracker.NewTracker(config.DefaultTracker(), detector.PercentPolicy{MinPct: 0.05, MaxPct: 1.0}, nil)
	restored.Restore(cands)
	restored.RestoreBooks(books)
	require.Equal(t, first.pipeline.Tracker.Active(), restored.Active())

	var window int
	for _, c := range restored.Active() {
		if c.ID == firstShortID() {
			assert.Equal(t, models.StateWatchingConsolidation, c.State)
			window = len(c.Consolidation)
		}
	}
	assert.Equal(t, 5, window)

	// второй процесс с тем же хранилищем получает оставшиеся свечи
	second := newHarness(t, harnessOpts{store: store, broker: broker, source: NewReplaySource(ticks[24:])})
	second.replay(t)

	var path []models.CandidateState
	for _, ev := range second.ofType(models.EventCandidateTransition) {
		tr := ev.Payload.(models.Transition)
		if tr.CandidateID == firstShortID() {
			path = append(path, tr.To)
		}
	}
	assert.Equal(t, []models.CandidateState{
		models.StateWatchingSecondBreakout,
		models.StateWaitingEntry,
		models.StateSetupComplete,
	}, path)

	completed := second.ofType(models.EventSetupCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, firstShortID(), completed[0].Payload.(models.SetupCandidate).ID)
	assert.Equal(t, 1, broker.Placed())
}

func TestPipeline_RestartWithoutCandlesKeepsCandidates(t *testing.T) {
	store := state.NewMemoryStore()
	broker := exec.NewPaperBroker(10000)

	first := newHarness(t, harnessOpts{store: store, broker: broker})
	first.replay(t)
	first.close()

	active, err := store.LoadActiveCandidates(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, active)

	// сессия уже открыта, новых наблюдателей нет
	second := newHarness(t, harnessOpts{
		store: store, broker: broker,
		source: NewReplaySource(nil),
	})
	second.replay(t)
	assert.Equal(t, first.pipeline.Tracker.Active(), second.pipeline.Tracker.Active())

	for _, ev := range second.ofType(models.EventCandidateTransition) {
		tr := ev.Payload.(models.Transition)
		assert.NotEqual(t, models.CandidateState(""), tr.From, "кандидат %s заведён заново", tr.CandidateID)
	}
	assert.Equal(t, 1, broker.Placed())
}

type fixedPositions []models.BrokerPosition

func (p fixedPositions) OpenPositions(context.Context) ([]models.BrokerPosition, error) { return p, nil }

func TestPipeline_ReconcileFlagsUnknownPosition(t *testing.T) {
	h := newHarness(t, harnessOpts{
		source:    NewReplaySource(nil),
		positions: fixedPositions{{Symbol: "ETH-USDT-SWAP", PosSide: "long", Size: 3, AvgPrice: 2000}},
	})
	h.replay(t)

	mm := h.ofType(models.EventMismatch)
	require.Len(t, mm, 1)
	m := mm[0].Payload.(models.Mismatch)
	assert.Equal(t, models.MismatchUnknownPosition, m.Kind)
	assert.Equal(t, "ETH-USDT-SWAP", m.Symbol)
}

// chanSource — источник, которым тест управляет вручную.
type chanSource struct {
	ticks  chan models.Tick
	states chan models.ConnStateEvent
	once   sync.Once
}

func newChanSource() *chanSource {
	return &chanSource{ticks: make(chan models.Tick, 16), states: make(chan models.ConnStateEvent, 16)}
}

func (s *chanSource) Connect(context.Context) error { return nil }
func (s *chanSource) Subscribe(context.Context, []string) error { return nil }
func (s *chanSource) Ticks() <-chan models.Tick { return s.ticks }
func (s *chanSource) States() <-chan models.ConnStateEvent { return s.states }
func (s *chanSource) Disconnect() error {
	s.once.Do(func() {
		close(s.ticks)
		close(s.states)
	})
	return nil
}

func TestPipeline_CircuitBrokenSourceTripsSafeMode(t *testing.T) {
	src := newChanSource()
	h := newHarness(t, harnessOpts{source: src})

	require.NoError(t, h.pipeline.Start(context.Background()))
	src.states <- models.ConnStateEvent{From: models.ConnReconnecting, To: models.ConnCircuitBroken}

	assert.Eventually(t, h.breaker.Open, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.ofType(models.EventBreakerTripped)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "tick_source", h.ofType(models.EventBreakerTripped)[0].Payload.(models.BreakerEvent).Source)
}

func TestPipeline_SkipsMalformedTicks(t *testing.T) {
	ticks := lifecycleTicks()
	bad := []models.Tick{
		{Symbol: symbol, Price: -1, Size: 1, Time: sessionStart.Add(30 * time.Second)},
		{Symbol: symbol, Price: 15290, Size: 1},
	}
	h := newHarness(t, harnessOpts{source: NewReplaySource(append(bad, ticks...))})
	h.replay(t)

	assert.Len(t, h.ofType(models.EventSetupCompleted), 1)
}
