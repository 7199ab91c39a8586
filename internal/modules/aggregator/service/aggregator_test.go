package service

import (
	"testing"
	"time"

	"breakout_bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sym = "BTC-USDT-SWAP"

var base = time.Date(2024, 3, 4, 13, 30, 0, 0, time.UTC)

func at(minute int, sec int, px, sz float64) models.Tick {
	return models.Tick{
		Symbol: sym,
		Price:  px,
		Size:   sz,
		Time:   base.Add(time.Duration(minute)*time.Minute + time.Duration(sec)*time.Second),
	}
}

func TestAggregatorBuildsOHLCV(t *testing.T) {
	a := NewAggregator(Config{MaxGapFill: 2}, nil)

	assert.Empty(t, a.ProcessTick(at(0, 1, 100, 1)))
	assert.Empty(t, a.ProcessTick(at(0, 10, 105, 2)))
	assert.Empty(t, a.ProcessTick(at(0, 20, 98, 1)))
	assert.Empty(t, a.ProcessTick(at(0, 59, 101, 0.5)))

	closed := a.ProcessTick(at(1, 0, 102, 1))
	require.Len(t, closed, 1)
	c := closed[0]
	assert.Equal(t, base, c.Time)
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 105.0, c.High)
	assert.Equal(t, 98.0, c.Low)
	assert.Equal(t, 101.0, c.Close)
	assert.InDelta(t, 4.5, c.Volume, 1e-9)
	assert.Equal(t, 4, c.TickCount)
	assert.False(t, c.Filled)

	cur, ok := a.InProgress(sym)
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Minute), cur.Time)
	assert.Equal(t, 102.0, cur.Open)
}

func TestAggregatorGapFillBoundary(t *testing.T) {
	t.Run("two missing minutes are filled", func(t *testing.T) {
		a := NewAggregator(Config{MaxGapFill: 2}, nil)
		a.ProcessTick(at(0, 5, 100, 1))

		closed := a.ProcessTick(at(3, 5, 110, 1)) // минуты 1 и 2 пустые
		require.Len(t, closed, 3)
		assert.False(t, closed[0].Filled)
		for i, c := range closed[1:] {
			assert.True(t, c.Filled)
			assert.Equal(t, base.Add(time.Duration(i+1)*time.Minute), c.Time)
			assert.Equal(t, 100.0, c.Open)
			assert.Equal(t, 100.0, c.High)
			assert.Equal(t, 100.0, c.Low)
			assert.Equal(t, 100.0, c.Close)
			assert.Zero(t, c.Volume)
		}
	})

	t.Run("three missing minutes are left unfilled", func(t *testing.T) {
		a := NewAggregator(Config{MaxGapFill: 2}, nil)
		a.ProcessTick(at(0, 5, 100, 1))

		closed := a.ProcessTick(at(4, 5, 110, 1))
		require.Len(t, closed, 1)
		assert.False(t, closed[0].Filled)
		assert.Equal(t, base, closed[0].Time)

		next := a.ProcessTick(at(5, 0, 111, 1))
		require.Len(t, next, 1)
		assert.Equal(t, base.Add(4*time.Minute), next[0].Time)
	})
}

func TestAggregatorDropsLateAndMalformed(t *testing.T) {
	a := NewAggregator(Config{MaxGapFill: 2}, nil)
	a.ProcessTick(at(1, 0, 100, 1))

	assert.Empty(t, a.ProcessTick(at(0, 30, 90, 1)), "tick from an earlier minute")
	assert.Empty(t, a.ProcessTick(models.Tick{Symbol: sym, Price: -1, Size: 1, Time: base.Add(time.Minute)}))
	assert.Empty(t, a.ProcessTick(models.Tick{Price: 100, Size: 1, Time: base.Add(time.Minute)}))
	assert.Empty(t, a.ProcessTick(models.Tick{Symbol: sym, Price: 100, Size: 1}))

	cur, ok := a.InProgress(sym)
	require.True(t, ok)
	assert.Equal(t, 1, cur.TickCount)
	assert.Equal(t, 100.0, cur.Low)
}

func TestAggregatorSymbolsIndependent(t *testing.T) {
	a := NewAggregator(Config{MaxGapFill: 2}, nil)
	eth := at(0, 1, 2000, 1)
	eth.Symbol = "ETH-USDT-SWAP"

	a.ProcessTick(at(0, 1, 100, 1))
	a.ProcessTick(eth)

	closed := a.ProcessTick(at(1, 1, 101, 1))
	require.Len(t, closed, 1)
	assert.Equal(t, sym, closed[0].Symbol)

	_, ok := a.InProgress("ETH-USDT-SWAP")
	assert.True(t, ok)
}

func TestAggregatorForceCompleteAll(t *testing.T) {
	a := NewAggregator(Config{MaxGapFill: 2}, nil)
	eth := at(0, 1, 2000, 1)
	eth.Symbol = "ETH-USDT-SWAP"
	a.ProcessTick(eth)
	a.ProcessTick(at(0, 1, 100, 1))

	closed := a.ForceCompleteAll()
	require.Len(t, closed, 2)
	assert.Equal(t, sym, closed[0].Symbol)
	assert.Equal(t, "ETH-USDT-SWAP", closed[1].Symbol)

	assert.Empty(t, a.ForceCompleteAll(), "nothing left to close")
	// свеча той же минуты уже закрыта, поздний тик не должен её переоткрыть
	assert.Empty(t, a.ProcessTick(at(0, 30, 100, 1)))
	_, ok := a.InProgress(sym)
	assert.False(t, ok)
}

func TestAggregatorFlushIdle(t *testing.T) {
	a := NewAggregator(Config{MaxGapFill: 2}, nil)
	a.ProcessTick(at(0, 10, 100, 1))

	_, ok := a.FlushIdle(sym, base.Add(61*time.Second), 5*time.Second)
	assert.False(t, ok, "grace not elapsed")

	c, ok := a.FlushIdle(sym, base.Add(66*time.Second), 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, base, c.Time)

	// следующий тик через минуту: пропуск 1 минуты заполняется
	closed := a.ProcessTick(at(2, 0, 103, 1))
	require.Len(t, closed, 1)
	assert.True(t, closed[0].Filled)
	assert.Equal(t, base.Add(time.Minute), closed[0].Time)
}
