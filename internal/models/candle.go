package models

import "time"

// Candle — минутная OHLCV свеча. После закрытия не меняется.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Time      time.Time `json:"time"` // начало минуты, UTC
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	TickCount int       `json:"tick_count"`
	// Filled — синтетическая плоская свеча, закрывающая короткий разрыв в данных
	Filled bool `json:"filled"`
}

func (c Candle) Bullish() bool { return c.Close > c.Open }
func (c Candle) Bearish() bool { return c.Close < c.Open }

func (c Candle) Body() float64 {
	if c.Close > c.Open {
		return c.Close - c.Open
	}
	return c.Open - c.Close
}

// UpperWick — расстояние от верха тела до хая.
func (c Candle) UpperWick() float64 {
	top := c.Open
	if c.Close > top {
		top = c.Close
	}
	return c.High - top
}

// LowerWick — расстояние от низа тела до лоя.
func (c Candle) LowerWick() float64 {
	bottom := c.Open
	if c.Close < bottom {
		bottom = c.Close
	}
	return bottom - c.Low
}

func (c Candle) Range() float64 { return c.High - c.Low }

// End — момент закрытия свечи.
func (c Candle) End() time.Time { return c.Time.Add(time.Minute) }
