package models

import "time"

type CandidateState string

const (
	StateWatchingFirstBreakout  CandidateState = "WATCHING_FIRST_BREAKOUT"
	StateWatchingConsolidation  CandidateState = "WATCHING_CONSOLIDATION"
	StateWatchingSecondBreakout CandidateState = "WATCHING_SECOND_BREAKOUT"
	StateWaitingEntry           CandidateState = "WAITING_ENTRY"
	StateSetupComplete          CandidateState = "SETUP_COMPLETE"
	StateInvalidated            CandidateState = "INVALIDATED"
)

func (s CandidateState) Terminal() bool {
	return s == StateSetupComplete || s == StateInvalidated
}

// InvalidationReason — закрытый список причин. Свободный текст сюда не пишем.
type InvalidationReason string

const (
	ReasonNone                  InvalidationReason = ""
	ReasonFirstBreakoutTimeout  InvalidationReason = "FIRST_BREAKOUT_TIMEOUT"
	ReasonConsolidationTimeout  InvalidationReason = "CONSOLIDATION_TIMEOUT"
	ReasonQualityTooLow         InvalidationReason = "QUALITY_TOO_LOW"
	ReasonRangeOutOfBounds      InvalidationReason = "RANGE_OUT_OF_BOUNDS"
	ReasonNoReferenceCandle     InvalidationReason = "NO_REFERENCE_CANDLE"
	ReasonSecondBreakoutTimeout InvalidationReason = "SECOND_BREAKOUT_TIMEOUT"
	ReasonExcessiveRetracement  InvalidationReason = "EXCESSIVE_RETRACEMENT"
	ReasonEntryTimeout          InvalidationReason = "ENTRY_TIMEOUT"
	ReasonSessionEnd            InvalidationReason = "SESSION_END"
)

var AllInvalidationReasons = []InvalidationReason{
	ReasonFirstBreakoutTimeout,
	ReasonConsolidationTimeout,
	ReasonQualityTooLow,
	ReasonRangeOutOfBounds,
	ReasonNoReferenceCandle,
	ReasonSecondBreakoutTimeout,
	ReasonExcessiveRetracement,
	ReasonEntryTimeout,
	ReasonSessionEnd,
}

// SessionLevels — уровни прошлой сессии и окно текущей.
type SessionLevels struct {
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (l SessionLevels) Valid() bool {
	return l.High > 0 && l.Low > 0 && l.High > l.Low && l.End.After(l.Start)
}

// BreakoutMark — подтверждённый пробой (LIQ#1).
type BreakoutMark struct {
	Price float64   `json:"price"`
	Time  time.Time `json:"time"`
	Score float64   `json:"score"`
}

// SetupCandidate — одна попытка собрать сетап. Меняет его только трекер.
//
// Границы консолидации (high/low/range/quality) не хранятся: они всегда
// пересчитываются из Consolidation. После заморозки список больше не растёт.
type SetupCandidate struct {
	ID     string        `json:"id"`
	Symbol string        `json:"symbol"`
	Side   Side          `json:"side"`
	Seq    int           `json:"seq"`
	Levels SessionLevels `json:"levels"`

	State          CandidateState `json:"state"`
	StateEnteredAt time.Time      `json:"state_entered_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	// Armed — наблюдатель готов ловить пробой (после возврата цены за уровень)
	Armed bool `json:"armed"`

	FirstBreakout *BreakoutMark `json:"first_breakout,omitempty"`

	Consolidation       []Candle `json:"consolidation"`
	ConsolidationFrozen bool     `json:"consolidation_frozen"`
	Reference           *Candle  `json:"reference,omitempty"`

	SecondBreakout *Candle `json:"second_breakout,omitempty"`
	// SpikeExtreme — хай (для шорта) или лой (для лонга) после LIQ#2
	SpikeExtreme float64 `json:"spike_extreme"`

	EntryTime      time.Time `json:"entry_time"`
	EntryPrice     float64   `json:"entry_price"`
	StopLoss       float64   `json:"stop_loss"`
	TakeProfit     float64   `json:"take_profit"`
	RiskReward     float64   `json:"risk_reward"`
	VolatilityHint float64   `json:"volatility_hint"`

	Reason InvalidationReason `json:"reason,omitempty"`
}

// Clone — снапшот для шины и персистентности, чтобы никто не держал ссылки на живой кандидат.
func (c SetupCandidate) Clone() SetupCandidate {
	out := c
	if c.FirstBreakout != nil {
		fb := *c.FirstBreakout
		out.FirstBreakout = &fb
	}
	if c.Consolidation != nil {
		out.Consolidation = append([]Candle(nil), c.Consolidation...)
	}
	if c.Reference != nil {
		ref := *c.Reference
		out.Reference = &ref
	}
	if c.SecondBreakout != nil {
		sb := *c.SecondBreakout
		out.SecondBreakout = &sb
	}
	return out
}

// Transition — факт перехода кандидата, с временем свечи, которая его вызвала.
type Transition struct {
	CandidateID string             `json:"candidate_id"`
	Symbol      string             `json:"symbol"`
	Side        Side               `json:"side"`
	From        CandidateState     `json:"from"`
	To          CandidateState     `json:"to"`
	Reason      InvalidationReason `json:"reason,omitempty"`
	At          time.Time          `json:"at"`
	Candidate   SetupCandidate     `json:"candidate"`
}
