package detector

import "breakout_bot/internal/models"

type ReferenceParams struct {
	WickLookback    int
	WickPercentile  float64
	WickMinSamples  int
	WickFallbackPct float64 // % от цены, когда выборки мало
	MinBodyPct      float64
	MaxBodyPct      float64
}

// triggerWick — фитиль со стороны, где потом сработает вход.
// Разворот вниз: вход на закрытии ниже лоя опорной свечи, значит важен нижний фитиль.
func triggerWick(c models.Candle, reversal Direction) float64 {
	if reversal == Down {
		return c.LowerWick()
	}
	return c.UpperWick()
}

// WickThreshold — перцентиль фитилей по хвосту истории, заканчивающемуся на свече c.
// Свечи позже c не смотрим.
func WickThreshold(c models.Candle, past []models.Candle, reversal Direction, p ReferenceParams) float64 {
	samples := make([]float64, 0, p.WickLookback)
	for i := len(past) - 1; i >= 0 && len(samples) < p.WickLookback; i-- {
		h := past[i]
		if h.Time.After(c.Time) || h.Filled {
			continue
		}
		samples = append(samples, triggerWick(h, reversal))
	}
	if len(samples) < p.WickMinSamples || len(samples) == 0 {
		return c.Close * p.WickFallbackPct / 100
	}
	return Percentile(samples, p.WickPercentile)
}

// QualifiesAsReference — свеча против будущего разворота, почти без фитиля
// со стороны триггера и с телом в заданной полосе.
func QualifiesAsReference(c models.Candle, past []models.Candle, reversal Direction, p ReferenceParams) bool {
	if c.Filled || c.Close <= 0 {
		return false
	}
	if reversal == Down && !c.Bullish() {
		return false
	}
	if reversal == Up && !c.Bearish() {
		return false
	}

	bodyPct := c.Body() / c.Close * 100
	if bodyPct < p.MinBodyPct || bodyPct > p.MaxBodyPct {
		return false
	}
	return triggerWick(c, reversal) <= WickThreshold(c, past, reversal, p)
}

// SelectReference возвращает самую позднюю подходящую свечу окна.
// Выбираем по времени, а не по качеству: ближайшая ко второму пробою свеча
// задаёт уровень входа.
func SelectReference(window, past []models.Candle, reversal Direction, p ReferenceParams) (models.Candle, bool) {
	for i := len(window) - 1; i >= 0; i-- {
		if QualifiesAsReference(window[i], past, reversal, p) {
			return window[i], true
		}
	}
	return models.Candle{}, false
}
