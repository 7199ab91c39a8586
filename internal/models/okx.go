package models

type ContractKind int

const (
	ContractUnknown ContractKind = iota
	ContractLinearUSDT
	ContractInverseCoin
)

// Instrument — метаданные SWAP инструмента, уже распарсенные в числа.
type Instrument struct {
	InstID    string
	Kind      ContractKind
	SettleCcy string
	CtValCcy  string

	LastPx   float64
	LotSz    float64
	MinSz    float64
	TickSz   float64
	CtVal    float64
	MaxMktSz float64
}
