package detector

import (
	"testing"
	"time"

	"breakout_bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 4, 13, 30, 0, 0, time.UTC)

func candle(i int, o, h, l, c, v float64) models.Candle {
	return models.Candle{
		Symbol: "BTC-USDT-SWAP",
		Time:   t0.Add(time.Duration(i) * time.Minute),
		Open:   o, High: h, Low: l, Close: c,
		Volume: v, TickCount: 1,
	}
}

// окно консолидации из сценария: high 15305 / low 15270
func scenarioWindow() []models.Candle {
	return []models.Candle{
		candle(1, 15298, 15305, 15285, 15288, 10),
		candle(2, 15288, 15292, 15270, 15275, 10),
		candle(3, 15275, 15285, 15271, 15282, 10),
		candle(4, 15278, 15295, 15278, 15290, 10),
		candle(5, 15290, 15304, 15284, 15292, 10),
	}
}

func TestPercentile(t *testing.T) {
	vals := []float64{4, 1, 3, 2}
	assert.InDelta(t, 1.0, Percentile(vals, 0), 1e-9)
	assert.InDelta(t, 4.0, Percentile(vals, 100), 1e-9)
	assert.InDelta(t, 2.5, Percentile(vals, 50), 1e-9)
	assert.InDelta(t, 1.75, Percentile(vals, 25), 1e-9)
	assert.Equal(t, []float64{4, 1, 3, 2}, vals, "input must not be reordered")
	assert.Zero(t, Percentile(nil, 50))
}

func TestATR(t *testing.T) {
	past := []models.Candle{
		candle(0, 100, 101, 99, 100, 1),
		candle(1, 100, 102, 99, 101, 1),  // tr 3
		candle(2, 101, 101, 100, 100, 1), // tr 1
	}
	assert.InDelta(t, 2.0, ATR(past, 2), 1e-9)
	assert.Zero(t, ATR(past, 3), "not enough candles")
}

func TestComputeBoundsNoLookahead(t *testing.T) {
	window := scenarioWindow()
	full := ComputeBounds(window)
	assert.Equal(t, 15305.0, full.High)
	assert.Equal(t, 15270.0, full.Low)
	assert.Equal(t, 35.0, full.Range)

	// на каждом шаге границы равны тому, что видит наблюдатель, знающий только префикс
	for k := 1; k <= len(window); k++ {
		prefix := append([]models.Candle(nil), window[:k]...)
		naiveHigh, naiveLow := prefix[0].High, prefix[0].Low
		for _, c := range prefix {
			naiveHigh = max(naiveHigh, c.High)
			naiveLow = min(naiveLow, c.Low)
		}
		got := ComputeBounds(window[:k])
		assert.Equal(t, naiveHigh, got.High, "step %d", k)
		assert.Equal(t, naiveLow, got.Low, "step %d", k)
	}
}

func TestComputeQuality(t *testing.T) {
	q := ComputeQuality(scenarioWindow(), QualityParams{
		MinDuration:    5 * time.Minute,
		TouchTolerance: 0.15,
		MinTouches:     4,
	})
	assert.InDelta(t, 1.0, q.Duration, 1e-9)
	assert.Equal(t, 4, q.TouchCount)
	assert.InDelta(t, 1.0, q.Touches, 1e-9)
	assert.InDelta(t, 1-6.0/35.0, q.Dispersion, 1e-9)
	assert.Greater(t, q.Score, 0.9)

	short := ComputeQuality(scenarioWindow()[:2], QualityParams{MinDuration: 5 * time.Minute, TouchTolerance: 0.15, MinTouches: 4})
	assert.InDelta(t, 0.4, short.Duration, 1e-9)
	assert.Less(t, short.Score, q.Score)
}

func TestRangePolicies(t *testing.T) {
	b := ComputeBounds(scenarioWindow())

	pct := PercentPolicy{MinPct: 0.05, MaxPct: 0.5}
	assert.Equal(t, RangeOK, pct.Check(b, nil))
	assert.Equal(t, RangeTooWide, PercentPolicy{MinPct: 0.01, MaxPct: 0.1}.Check(b, nil))
	assert.Equal(t, RangeTooNarrow, PercentPolicy{MinPct: 0.3, MaxPct: 1}.Check(b, nil))

	past := make([]models.Candle, 0, 16)
	for i := 0; i < 16; i++ {
		past = append(past, candle(i-20, 15280, 15290, 15270, 15280, 5)) // tr = 20
	}
	atr := ATRPolicy{Period: 14, MinMult: 0.5, MaxMult: 3}
	assert.Equal(t, RangeOK, atr.Check(b, past)) // 35 / 20 = 1.75
	assert.Equal(t, RangeTooWide, ATRPolicy{Period: 14, MinMult: 0.5, MaxMult: 1.5}.Check(b, past))
	assert.Equal(t, RangeUnknown, atr.Check(b, past[:3]))

	// одна и та же консолидация по-разному оценивается разными политиками
	narrowPct := PercentPolicy{MinPct: 0.01, MaxPct: 0.2}
	assert.NotEqual(t, narrowPct.Check(b, past), atr.Check(b, past))
}

func TestNewRangePolicy(t *testing.T) {
	p, err := NewRangePolicy("ATR", RangeParams{ATRPeriod: 14, MinATRMult: 1, MaxATRMult: 2})
	require.NoError(t, err)
	assert.Equal(t, "atr", p.Name())

	p, err = NewRangePolicy("percent", RangeParams{MinPct: 0.1, MaxPct: 1})
	require.NoError(t, err)
	assert.Equal(t, "percent", p.Name())

	_, err = NewRangePolicy("", RangeParams{})
	require.Error(t, err)
	_, err = NewRangePolicy("median", RangeParams{})
	require.Error(t, err)
}

func refParams() ReferenceParams {
	return ReferenceParams{
		WickLookback:    30,
		WickPercentile:  25,
		WickMinSamples:  10,
		WickFallbackPct: 0.02,
		MinBodyPct:      0.01,
		MaxBodyPct:      0.5,
	}
}

func TestSelectReferenceMostRecent(t *testing.T) {
	window := scenarioWindow()
	ref, ok := SelectReference(window, window, Down, refParams())
	require.True(t, ok)
	assert.Equal(t, 15278.0, ref.Low)
	assert.Equal(t, window[3].Time, ref.Time)

	// две подходящие свечи: побеждает более поздняя, даже если у ранней тело "лучше"
	w2 := []models.Candle{
		candle(1, 15200, 15240, 15200, 15238, 10),
		candle(2, 15238, 15245, 15230, 15232, 10),
		candle(3, 15230, 15236, 15230, 15235, 10),
	}
	ref, ok = SelectReference(w2, w2, Down, refParams())
	require.True(t, ok)
	assert.Equal(t, w2[2].Time, ref.Time)
}

func TestSelectReferenceMirrorAndReject(t *testing.T) {
	// для разворота вверх нужна медвежья свеча без верхнего фитиля
	w := []models.Candle{
		candle(1, 15160, 15160, 15150, 15152, 10),
		candle(2, 15152, 15158, 15148, 15155, 10),
	}
	ref, ok := SelectReference(w, w, Up, refParams())
	require.True(t, ok)
	assert.Equal(t, 15160.0, ref.High)

	_, ok = SelectReference(w, w, Down, refParams())
	assert.False(t, ok, "no qualifying bullish candle in window")

	filled := []models.Candle{candle(1, 15278, 15295, 15278, 15290, 0)}
	filled[0].Filled = true
	_, ok = SelectReference(filled, filled, Down, refParams())
	assert.False(t, ok)
}

func TestWickThresholdUsesOnlyPastOfCandle(t *testing.T) {
	p := refParams()
	p.WickMinSamples = 3
	hist := []models.Candle{
		candle(0, 100, 101, 99, 100.5, 1), // нижний фитиль 1
		candle(1, 100, 101, 98, 100.5, 1), // 2
		candle(2, 100, 101, 97, 100.5, 1), // 3
		candle(3, 100, 101, 90, 100.5, 1), // 10 — будущее для свечи 2
	}
	th := WickThreshold(hist[2], hist, Down, p)
	assert.InDelta(t, Percentile([]float64{1, 2, 3}, 25), th, 1e-9)

	few := WickThreshold(hist[0], hist, Down, p)
	assert.InDelta(t, hist[0].Close*p.WickFallbackPct/100, few, 1e-9)
}

func TestScoreBreakout(t *testing.T) {
	bp := BreakoutParams{VolumeLookback: 4, VolumeMultiplier: 1.5, RejectionWickFrac: 0.4, MinScore: 0.6}

	liq1 := candle(0, 15290, 15310, 15288, 15298, 10)
	s := ScoreBreakout(liq1, 15300, Up, nil, bp)
	assert.True(t, s.Crossed)
	assert.True(t, s.Rejection)
	assert.False(t, s.VolumeSurge, "no volume history")
	assert.InDelta(t, 0.7, s.Score, 1e-9)
	assert.True(t, s.Confirmed(bp.MinScore))

	// пересекли и закрылись выше без фитиля и без объёма — не подтверждено
	clean := candle(1, 15295, 15320, 15294, 15319, 10)
	s = ScoreBreakout(clean, 15300, Up, nil, bp)
	assert.True(t, s.Crossed)
	assert.False(t, s.Confirmed(bp.MinScore))

	// тот же пробой, но на объёме
	past := []models.Candle{
		candle(-4, 1, 1, 1, 1, 10), candle(-3, 1, 1, 1, 1, 10),
		candle(-2, 1, 1, 1, 1, 10), candle(-1, 1, 1, 1, 1, 10),
	}
	clean.Volume = 20
	s = ScoreBreakout(clean, 15300, Up, past, bp)
	assert.True(t, s.VolumeSurge)
	assert.True(t, s.Confirmed(bp.MinScore))

	// вниз
	down := candle(2, 15160, 15162, 15140, 15155, 10)
	s = ScoreBreakout(down, 15150, Down, nil, bp)
	assert.True(t, s.Crossed)
	assert.True(t, s.Rejection)

	miss := candle(3, 15160, 15170, 15151, 15165, 10)
	assert.False(t, ScoreBreakout(miss, 15150, Down, nil, bp).Crossed)
}
