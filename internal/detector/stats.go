package detector

import (
	"math"
	"sort"

	"breakout_bot/internal/models"
)

// Direction — куда пробивается уровень.
type Direction int

const (
	Up   Direction = 1
	Down Direction = -1
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// Percentile с линейной интерполяцией, p в [0, 100]. Вход не меняется.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// ATR — простое среднее true range по последним period свечам из past.
// Нужна хотя бы period+1 свеча, иначе 0.
func ATR(past []models.Candle, period int) float64 {
	if period <= 0 || len(past) < period+1 {
		return 0
	}
	tail := past[len(past)-period-1:]
	var sum float64
	for i := 1; i < len(tail); i++ {
		sum += trueRange(tail[i], tail[i-1].Close)
	}
	return sum / float64(period)
}

func trueRange(c models.Candle, prevClose float64) float64 {
	tr := c.High - c.Low
	if d := math.Abs(c.High - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(c.Low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// averageVolume — средний объём реальных (не синтетических) свечей в хвосте past.
func averageVolume(past []models.Candle, lookback int) (float64, int) {
	if lookback <= 0 {
		return 0, 0
	}
	var (
		sum float64
		n   int
	)
	for i := len(past) - 1; i >= 0 && n < lookback; i-- {
		if past[i].Filled {
			continue
		}
		sum += past[i].Volume
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}
