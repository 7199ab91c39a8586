package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"breakout_bot/internal/helper"
	"breakout_bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Emit(_ context.Context, t models.EventType, payload any, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, models.Event{Type: t, Payload: payload, Timestamp: ts})
	return nil
}

func (r *recorder) EmitAndWait(ctx context.Context, t models.EventType, payload any, ts time.Time) error {
	return r.Emit(ctx, t, payload, ts)
}

func (r *recorder) count(t models.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type memTrades struct {
	mu     sync.Mutex
	fail   bool
	trades map[string]models.Trade
}

func newMemTrades() *memTrades { return &memTrades{trades: make(map[string]models.Trade)} }

func (m *memTrades) SaveTrade(_ context.Context, t models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("database is down")
	}
	m.trades[t.Reference] = t
	return nil
}

func (m *memTrades) get(ref string) models.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trades[ref]
}

type fixedRisk struct {
	size float64
	err  error
}

func (r fixedRisk) PositionSize(_, _, _, _ float64) (float64, error) { return r.size, r.err }

var transientErr = &models.BrokerError{Code: "50001", Msg: "service temporarily unavailable", Transient: true}

type fixture struct {
	exec    *Executor
	broker  *PaperBroker
	trades  *memTrades
	ledger  *MemoryLedger
	breaker *Breaker
	bus     *recorder
}

func newFixture(t *testing.T, threshold int, risk RiskManager) *fixture {
	t.Helper()
	f := &fixture{
		broker: NewPaperBroker(10000),
		trades: newMemTrades(),
		ledger: NewMemoryLedger(),
		bus:    &recorder{},
	}
	f.breaker = NewBreaker(threshold, f.bus, nil)
	if risk == nil {
		risk = fixedRisk{size: 2}
	}
	f.exec = NewExecutor(Config{
		MaxAttempts: 4,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		CallTimeout: time.Second,
		ClaimTTL:    time.Hour,
	}, f.broker, risk, f.trades, f.ledger, f.breaker, f.bus, nil)
	return f
}

func completed(id string) models.SetupCandidate {
	return models.SetupCandidate{
		ID:         id,
		Symbol:     "BTC-USDT-SWAP",
		Side:       models.SideSell,
		State:      models.StateSetupComplete,
		EntryTime:  time.Date(2024, 3, 1, 14, 9, 0, 0, time.UTC),
		EntryPrice: 15275,
		StopLoss:   15318.06,
		TakeProfit: 15150,
		RiskReward: 2.9,
	}
}

func TestExecute_DuplicateOpenOrderIsRefused(t *testing.T) {
	f := newFixture(t, 3, nil)
	cand := completed("cand-1")
	ref := helper.OrderReference(cand.ID)

	f.broker.SeedOpenOrder(models.BrokerOrder{
		OrderID:   "777",
		ClientRef: helper.LegReference(ref, string(models.LegStop)),
		Symbol:    cand.Symbol,
		State:     "live",
	})

	res := f.exec.Execute(context.Background(), cand)
	assert.Equal(t, models.DecisionDuplicate, res.Decision)
	assert.Equal(t, models.DecisionReasonOpenOrder, res.Reason)
	assert.Equal(t, 0, f.broker.Placed())
	assert.Equal(t, 1, f.bus.count(models.EventOrderDecision))
}

func TestExecute_SecondCallForSameCandidateIsDuplicate(t *testing.T) {
	f := newFixture(t, 3, nil)
	cand := completed("cand-1")
	ctx := context.Background()

	first := f.exec.Execute(ctx, cand)
	require.Equal(t, models.DecisionPlaced, first.Decision, first.Detail)
	assert.NotEmpty(t, first.EntryOrderID)
	assert.Equal(t, 1, first.Attempts)

	second := f.exec.Execute(ctx, cand)
	assert.Equal(t, models.DecisionDuplicate, second.Decision)
	assert.Equal(t, first.Reference, second.Reference)

	assert.Equal(t, 1, f.broker.Placed())
	positions, err := f.broker.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 2.0, positions[0].Size)

	trade := f.trades.get(first.Reference)
	assert.Equal(t, models.TradePlaced, trade.Status)
	assert.Equal(t, first.EntryOrderID, trade.EntryOrderID)
}

func TestExecute_ReferenceClaimedByAnotherProcess(t *testing.T) {
	f := newFixture(t, 3, nil)
	cand := completed("cand-1")

	ok, err := f.ledger.Claim(context.Background(), helper.OrderReference(cand.ID), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	res := f.exec.Execute(context.Background(), cand)
	assert.Equal(t, models.DecisionDuplicate, res.Decision)
	assert.Equal(t, models.DecisionReasonClaimed, res.Reason)
	assert.Equal(t, 0, f.broker.Placed())
}

func TestExecute_RetriesTransientError(t *testing.T) {
	f := newFixture(t, 3, nil)
	f.broker.FailNext(transientErr)

	res := f.exec.Execute(context.Background(), completed("cand-1"))
	assert.Equal(t, models.DecisionPlaced, res.Decision)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, f.broker.Placed())
	assert.False(t, f.breaker.Open())
}

func TestExecute_LostResponseDoesNotDuplicate(t *testing.T) {
	f := newFixture(t, 3, nil)
	f.broker.LoseAckNext()

	res := f.exec.Execute(context.Background(), completed("cand-1"))
	assert.Equal(t, models.DecisionPlaced, res.Decision)
	assert.Equal(t, 1, f.broker.Placed())
	assert.NotEmpty(t, res.EntryOrderID)
	assert.NotEmpty(t, res.StopOrderID)
	assert.NotEmpty(t, res.TargetOrderID)
}

func TestExecute_NonTransientRejectionIsNotRetried(t *testing.T) {
	f := newFixture(t, 3, nil)
	f.broker.FailNext(&models.BrokerError{Code: "51008", Msg: "insufficient balance"})
	cand := completed("cand-1")

	res := f.exec.Execute(context.Background(), cand)
	assert.Equal(t, models.DecisionRejected, res.Decision)
	assert.Equal(t, models.DecisionReasonBrokerRejected, res.Reason)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Detail, "51008")

	assert.Equal(t, models.TradeRejected, f.trades.get(res.Reference).Status)

	// ничего не выставлено — ссылка снова свободна
	ok, err := f.ledger.Claim(context.Background(), res.Reference, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExecute_RepeatedTransientErrorsTripSafeMode(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.broker.FailNext(transientErr, transientErr)
	ctx := context.Background()

	res := f.exec.Execute(ctx, completed("cand-1"))
	assert.Equal(t, models.DecisionFailed, res.Decision)
	assert.Equal(t, models.DecisionReasonBreakerOpen, res.Reason)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, models.TradeFailed, f.trades.get(res.Reference).Status)

	require.True(t, f.breaker.Open())
	assert.Equal(t, 1, f.bus.count(models.EventBreakerTripped))

	halted := f.exec.Execute(ctx, completed("cand-2"))
	assert.Equal(t, models.DecisionSafeMode, halted.Decision)
	assert.Equal(t, models.DecisionReasonBreakerOpen, halted.Reason)
	assert.Equal(t, 0, f.broker.Placed())

	require.True(t, f.breaker.Clear(ctx, "test"))
	assert.Equal(t, 1, f.bus.count(models.EventBreakerCleared))

	resumed := f.exec.Execute(ctx, completed("cand-2"))
	assert.Equal(t, models.DecisionPlaced, resumed.Decision)
}

func TestExecute_PersistBeforePlace(t *testing.T) {
	f := newFixture(t, 3, nil)
	f.trades.fail = true
	cand := completed("cand-1")

	res := f.exec.Execute(context.Background(), cand)
	assert.Equal(t, models.DecisionFailed, res.Decision)
	assert.Equal(t, models.DecisionReasonPersistFailed, res.Reason)
	assert.Equal(t, 0, f.broker.Placed())

	ok, err := f.ledger.Claim(context.Background(), res.Reference, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExecute_InvalidSizeIsRejected(t *testing.T) {
	f := newFixture(t, 3, fixedRisk{err: errors.New("invalid position size: equity <= 0")})

	res := f.exec.Execute(context.Background(), completed("cand-1"))
	assert.Equal(t, models.DecisionRejected, res.Decision)
	assert.Equal(t, models.DecisionReasonSizing, res.Reason)
	assert.Equal(t, 0, f.broker.Placed())
}

func TestHandleSetupCompleted(t *testing.T) {
	f := newFixture(t, 3, nil)
	ctx := context.Background()

	err := f.exec.HandleSetupCompleted(ctx, models.Event{Type: models.EventSetupCompleted, Payload: "oops"})
	assert.Error(t, err)

	err = f.exec.HandleSetupCompleted(ctx, models.Event{Type: models.EventSetupCompleted, Payload: completed("cand-1")})
	require.NoError(t, err)
	assert.Equal(t, 1, f.broker.Placed())
}

func TestBreaker_TripsWhenTickSourceGivesUp(t *testing.T) {
	bus := &recorder{}
	b := NewBreaker(3, bus, nil)
	ctx := context.Background()

	require.NoError(t, b.HandleConnState(ctx, models.Event{Payload: models.ConnStateEvent{
		From: models.ConnConnected, To: models.ConnReconnecting,
	}}))
	assert.False(t, b.Open())

	require.NoError(t, b.HandleConnState(ctx, models.Event{Payload: models.ConnStateEvent{
		From: models.ConnReconnecting, To: models.ConnCircuitBroken,
	}}))
	assert.True(t, b.Open())
	assert.Equal(t, "tick_source", b.Status().Source)
	assert.Equal(t, 1, bus.count(models.EventBreakerTripped))

	// повторный сигнал не плодит событий
	assert.False(t, b.Trip(ctx, "tick_source", "again"))
	assert.Equal(t, 1, bus.count(models.EventBreakerTripped))
}
