package models

import "time"

type OrderLeg string

const (
	LegEntry  OrderLeg = "en"
	LegStop   OrderLeg = "sl"
	LegTarget OrderLeg = "tp"
)

// OrderRequest — брекет: вход + SL + TP, у каждой ноги своя детерминированная ссылка.
type OrderRequest struct {
	Reference   string  `json:"reference"`
	CandidateID string  `json:"candidate_id"`
	Symbol      string  `json:"symbol"`
	Side        Side    `json:"side"`
	Size        float64 `json:"size"`
	Entry       float64 `json:"entry"`
	StopLoss    float64 `json:"stop_loss"`
	TakeProfit  float64 `json:"take_profit"`

	EntryRef  string `json:"entry_ref"`
	StopRef   string `json:"stop_ref"`
	TargetRef string `json:"target_ref"`
}

type OrderDecision string

const (
	DecisionPlaced    OrderDecision = "PLACED"
	DecisionDuplicate OrderDecision = "DUPLICATE"
	DecisionRejected  OrderDecision = "REJECTED"
	DecisionSafeMode  OrderDecision = "SAFE_MODE"
	DecisionFailed    OrderDecision = "FAILED"
)

type DecisionReason string

const (
	DecisionReasonNone           DecisionReason = ""
	DecisionReasonOpenOrder      DecisionReason = "OPEN_ORDER_WITH_REFERENCE"
	DecisionReasonRecentFill     DecisionReason = "RECENT_FILL_WITH_REFERENCE"
	DecisionReasonClaimed        DecisionReason = "REFERENCE_ALREADY_CLAIMED"
	DecisionReasonBrokerRejected DecisionReason = "BROKER_REJECTED"
	DecisionReasonRetryExhausted DecisionReason = "TRANSIENT_RETRIES_EXHAUSTED"
	DecisionReasonBreakerOpen    DecisionReason = "CIRCUIT_BREAKER_OPEN"
	DecisionReasonPersistFailed  DecisionReason = "PERSIST_FAILED"
	DecisionReasonSizing         DecisionReason = "POSITION_SIZE_INVALID"
	DecisionReasonBrokerQuery    DecisionReason = "BROKER_QUERY_FAILED"
	DecisionReasonLedger         DecisionReason = "CLAIM_LEDGER_UNAVAILABLE"
)

// OrderResult — итог попытки исполнения. Всегда с решением и причиной.
type OrderResult struct {
	Decision      OrderDecision  `json:"decision"`
	Reason        DecisionReason `json:"reason,omitempty"`
	Detail        string         `json:"detail,omitempty"`
	Reference     string         `json:"reference"`
	CandidateID   string         `json:"candidate_id"`
	Symbol        string         `json:"symbol"`
	Size          float64        `json:"size"`
	EntryOrderID  string         `json:"entry_order_id,omitempty"`
	StopOrderID   string         `json:"stop_order_id,omitempty"`
	TargetOrderID string         `json:"target_order_id,omitempty"`
	Attempts      int            `json:"attempts"`
}

// BracketAck — что вернул брокер после выставления брекета.
type BracketAck struct {
	EntryOrderID  string
	StopOrderID   string
	TargetOrderID string
}

// BrokerOrder — открытый ордер (обычный или алго) со стороны брокера.
type BrokerOrder struct {
	OrderID   string
	ClientRef string
	Symbol    string
	Side      Side
	Kind      string // limit/market/conditional
	Price     float64
	Size      float64
	State     string
	CreatedAt time.Time
}

// BrokerFill — недавнее исполнение.
type BrokerFill struct {
	TradeID   string
	OrderID   string
	ClientRef string
	Symbol    string
	Side      Side
	Price     float64
	Size      float64
	Time      time.Time
}

type TradeStatus string

const (
	TradePending  TradeStatus = "PENDING"
	TradePlaced   TradeStatus = "PLACED"
	TradeRejected TradeStatus = "REJECTED"
	TradeFailed   TradeStatus = "FAILED"
)

// Trade — запись о сделке по завершённому сетапу.
type Trade struct {
	Reference     string         `json:"reference"`
	CandidateID   string         `json:"candidate_id"`
	Symbol        string         `json:"symbol"`
	Side          Side           `json:"side"`
	Status        TradeStatus    `json:"status"`
	Entry         float64        `json:"entry"`
	StopLoss      float64        `json:"stop_loss"`
	TakeProfit    float64        `json:"take_profit"`
	Size          float64        `json:"size"`
	EntryOrderID  string         `json:"entry_order_id"`
	StopOrderID   string         `json:"stop_order_id"`
	TargetOrderID string         `json:"target_order_id"`
	Reason        DecisionReason `json:"reason"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
