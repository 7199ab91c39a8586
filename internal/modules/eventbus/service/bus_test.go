package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"breakout_bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := NewBus(Config{MailboxSize: 64, HistorySize: 4}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

func TestEmitAndWait_RunsAllHandlersDespiteFailures(t *testing.T) {
	b := newTestBus(t)

	var ok atomic.Int32
	b.Subscribe(models.EventCandleClosed, "failing", func(context.Context, models.Event) error {
		return errors.New("boom")
	})
	b.Subscribe(models.EventCandleClosed, "panicking", func(context.Context, models.Event) error {
		panic("bad handler")
	})
	b.Subscribe(models.EventCandleClosed, "healthy", func(context.Context, models.Event) error {
		ok.Add(1)
		return nil
	})

	err := b.EmitAndWait(context.Background(), models.EventCandleClosed, models.Candle{Symbol: "ES"}, time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing")
	assert.Contains(t, err.Error(), "panicking")
	assert.Equal(t, int32(1), ok.Load())
}

func TestEmit_RetriesTransientHandlerError(t *testing.T) {
	b := NewBus(Config{MailboxSize: 8, MaxRetries: 2}, nil)
	defer b.Close(context.Background())

	var calls atomic.Int32
	b.Subscribe(models.EventOrderDecision, "flaky", func(context.Context, models.Event) error {
		if calls.Add(1) < 3 {
			return errors.New("try again")
		}
		return nil
	})

	err := b.EmitAndWait(context.Background(), models.EventOrderDecision, nil, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestLanes_PreserveOrderPerKey(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	seen := map[string][]int{}
	b.Subscribe(models.EventCandleClosed, "tracker", func(_ context.Context, ev models.Event) error {
		c := ev.Payload.(models.Candle)
		mu.Lock()
		seen[c.Symbol] = append(seen[c.Symbol], c.TickCount)
		mu.Unlock()
		return nil
	}, WithLanes(4, func(ev models.Event) string {
		return ev.Payload.(models.Candle).Symbol
	}))

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		for _, sym := range []string{"ES", "NQ", "BTC-USDT"} {
			require.NoError(t, b.Emit(ctx, models.EventCandleClosed, models.Candle{Symbol: sym, TickCount: i}, time.Time{}))
		}
	}
	require.NoError(t, b.Drain(ctx))

	mu.Lock()
	defer mu.Unlock()
	for sym, got := range seen {
		require.Len(t, got, 50, sym)
		for i := range got {
			assert.Equal(t, i, got[i], sym)
		}
	}
}

func TestClose_DrainsNestedEmits(t *testing.T) {
	b := NewBus(Config{MailboxSize: 8}, nil)

	var completed atomic.Int32
	b.Subscribe(models.EventCandleClosed, "tracker", func(ctx context.Context, ev models.Event) error {
		return b.Emit(ctx, models.EventSetupCompleted, ev.Payload, ev.Timestamp)
	})
	b.Subscribe(models.EventSetupCompleted, "executor", func(context.Context, models.Event) error {
		time.Sleep(5 * time.Millisecond)
		completed.Add(1)
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Emit(ctx, models.EventCandleClosed, models.Candle{}, time.Time{}))
	}
	require.NoError(t, b.Close(ctx))
	assert.Equal(t, int32(5), completed.Load())

	assert.ErrorIs(t, b.Emit(ctx, models.EventCandleClosed, nil, time.Time{}), ErrClosed)
}

func TestHistory_IsBounded(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		require.NoError(t, b.Emit(ctx, models.EventCandleClosed, i, base.Add(time.Duration(i)*time.Minute)))
	}

	h := b.History()
	require.Len(t, h, 4)
	assert.Equal(t, 2, h[0].Payload)
	assert.Equal(t, 5, h[3].Payload)
	for _, ev := range h {
		assert.NotEmpty(t, ev.ID)
	}
}

func TestEmitAndWait_WithoutSubscribers(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.EmitAndWait(context.Background(), models.EventBreakerTripped, models.BreakerEvent{}, time.Time{}))
}
