package models

// Side — сторона входа: "BUY"/"SELL".
type Side string

const (
	SideNone Side = ""
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PosSide переводит сторону входа в posSide OKX.
func (s Side) PosSide() string {
	if s == SideSell {
		return "short"
	}
	return "long"
}

// Opposite — сторона закрывающих ордеров (SL/TP).
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	}
	return SideNone
}
