package models

import "time"

// Tick — одна сделка с биржи.
type Tick struct {
	Symbol   string    `json:"symbol"`
	Price    float64   `json:"price"`
	Size     float64   `json:"size"`
	Exchange string    `json:"exchange"`
	Time     time.Time `json:"time"`
}

// Valid отсекает мусорные тики (пустой символ, нулевое время, цена <= 0, отрицательный объём).
func (t Tick) Valid() bool {
	return t.Symbol != "" && !t.Time.IsZero() && t.Price > 0 && t.Size >= 0
}
