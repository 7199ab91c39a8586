package models

// BrokerPosition — открытая позиция, как её видит брокер.
type BrokerPosition struct {
	Symbol   string
	PosSide  string // "long"/"short"
	Size     float64
	AvgPrice float64
	LastPx   float64
}

type MismatchKind string

const (
	// MismatchMissingPosition — у нас сделка PLACED, а у брокера позиции нет
	MismatchMissingPosition MismatchKind = "MISSING_AT_BROKER"
	// MismatchUnknownPosition — у брокера позиция, о которой мы ничего не знаем
	MismatchUnknownPosition MismatchKind = "UNKNOWN_AT_BROKER"
)

type Mismatch struct {
	Kind     MismatchKind
	Symbol   string
	PosSide  string
	Trade    *Trade
	Position *BrokerPosition
}
