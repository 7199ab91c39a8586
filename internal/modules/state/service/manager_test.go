package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"breakout_bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)

func transition(id string, from, to models.CandidateState, minute int) models.Transition {
	at := t0.Add(time.Duration(minute) * time.Minute)
	return models.Transition{
		CandidateID: id,
		Symbol:      "ES",
		Side:        models.SideSell,
		From:        from,
		To:          to,
		At:          at,
		Candidate: models.SetupCandidate{
			ID: id, Symbol: "ES", Side: models.SideSell, State: to,
			StateEnteredAt: at, CreatedAt: t0, UpdatedAt: at,
		},
	}
}

func startManager(t *testing.T, store Store) *Manager {
	t.Helper()
	m := NewManager(store, Config{QueueSize: 16, MaxAttempts: 2, RetryDelay: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m
}

func TestManager_PersistsInOrderAndRecovers(t *testing.T) {
	store := NewMemoryStore()
	m := startManager(t, store)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, transition("a", "", models.StateWatchingFirstBreakout, 0)))
	require.NoError(t, m.Enqueue(ctx,
		transition("a", models.StateWatchingFirstBreakout, models.StateWatchingConsolidation, 1),
		transition("b", "", models.StateWatchingFirstBreakout, 1),
	))
	require.NoError(t, m.SaveNow(ctx, transition("a", models.StateWatchingConsolidation, models.StateInvalidated, 9)))

	trs := store.Transitions()
	require.Len(t, trs, 2)
	assert.Equal(t, models.StateWatchingConsolidation, trs[0].To)
	assert.Equal(t, models.StateInvalidated, trs[1].To)

	active, err := m.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].ID)
}

func TestManager_CheckpointsKeepQueueOrder(t *testing.T) {
	store := NewMemoryStore()
	m := startManager(t, store)
	ctx := context.Background()

	entry := transition("a", models.StateWatchingSecondBreakout, models.StateWaitingEntry, 6)
	entry.Candidate.SpikeExtreme = 15315

	spiked := entry.Candidate.Clone()
	spiked.SpikeExtreme = 15320
	spiked.UpdatedAt = t0.Add(7 * time.Minute)
	book := models.BookState{
		Symbol:   "ES",
		LastTime: t0.Add(7 * time.Minute),
		NextSeq:  map[models.Side]int{models.SideSell: 2},
		History:  []models.Candle{{Symbol: "ES", Time: t0.Add(7 * time.Minute), Open: 1, High: 2, Low: 1, Close: 2}},
	}

	consolidating := transition("b", models.StateWatchingFirstBreakout, models.StateWatchingConsolidation, 1)
	grown := consolidating.Candidate.Clone()
	grown.Consolidation = book.History

	require.NoError(t, m.Enqueue(ctx, entry, consolidating))
	require.NoError(t, m.EnqueueCheckpoint(ctx, models.Checkpoint{Book: book, Candidates: []models.SetupCandidate{spiked, grown}}))
	require.NoError(t, m.Enqueue(ctx, transition("b", models.StateWatchingConsolidation, models.StateInvalidated, 8)))
	require.NoError(t, m.Flush(ctx))

	got, ok := store.Candidate("a")
	require.True(t, ok)
	assert.Equal(t, spiked, got)

	// переход после снимка не затирается им
	got, ok = store.Candidate("b")
	require.True(t, ok)
	assert.Equal(t, models.StateInvalidated, got.State)

	// снимок не добавляет строк в журнал переходов
	assert.Len(t, store.Transitions(), 3)

	books, err := m.RecoverBooks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.BookState{book}, books)

	active, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.SetupCandidate{spiked}, active)
}

type flakyStore struct {
	*MemoryStore
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) SaveTransitions(ctx context.Context, trs []models.Transition) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.MemoryStore.SaveTransitions(ctx, trs)
}

func TestManager_SaveNowRetriesThenSurfacesFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), fails: 1}
	m := startManager(t, store)
	ctx := context.Background()

	// одна ошибка укладывается в MaxAttempts
	require.NoError(t, m.SaveNow(ctx, transition("a", "", models.StateWatchingFirstBreakout, 0)))

	store.mu.Lock()
	store.fails = 5
	store.mu.Unlock()

	err := m.SaveNow(ctx, transition("a", models.StateWaitingEntry, models.StateSetupComplete, 8))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestManager_FlushWaitsForQueued(t *testing.T) {
	store := NewMemoryStore()
	m := startManager(t, store)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Enqueue(ctx, transition("a", models.StateWatchingConsolidation, models.StateWatchingConsolidation, i)))
	}
	require.NoError(t, m.Flush(ctx))
	assert.Len(t, store.Transitions(), 10)
}

func TestManager_Reconcile(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, Config{}, nil)
	ctx := context.Background()

	trades := []models.Trade{
		{Reference: "r1", Symbol: "BTC-USDT-SWAP", Side: models.SideSell, Status: models.TradePlaced, CreatedAt: t0},
		{Reference: "r2", Symbol: "ETH-USDT-SWAP", Side: models.SideBuy, Status: models.TradePlaced, CreatedAt: t0},
		{Reference: "r3", Symbol: "SOL-USDT-SWAP", Side: models.SideBuy, Status: models.TradeRejected, CreatedAt: t0},
	}
	for _, tr := range trades {
		require.NoError(t, m.SaveTrade(ctx, tr))
	}

	mismatches, err := m.Reconcile(ctx, []models.BrokerPosition{
		{Symbol: "BTC-USDT-SWAP", PosSide: "short", Size: 3},
		{Symbol: "DOGE-USDT-SWAP", PosSide: "long", Size: 100},
		{Symbol: "XRP-USDT-SWAP", PosSide: "long", Size: 0},
	})
	require.NoError(t, err)
	require.Len(t, mismatches, 2)

	assert.Equal(t, models.MismatchUnknownPosition, mismatches[0].Kind)
	assert.Equal(t, "DOGE-USDT-SWAP", mismatches[0].Symbol)
	require.NotNil(t, mismatches[0].Position)

	assert.Equal(t, models.MismatchMissingPosition, mismatches[1].Kind)
	assert.Equal(t, "ETH-USDT-SWAP", mismatches[1].Symbol)
	require.NotNil(t, mismatches[1].Trade)
	assert.Equal(t, "r2", mismatches[1].Trade.Reference)

	// сверка ничего не меняет
	open, err := store.LoadOpenTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}
