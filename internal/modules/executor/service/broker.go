package service

import (
	"context"
	"time"

	"breakout_bot/internal/models"
)

// Broker — то, что исполнитель требует от биржи.
type Broker interface {
	PlaceBracketOrder(ctx context.Context, req models.OrderRequest) (models.BracketAck, error)
	ListOpenOrders(ctx context.Context) ([]models.BrokerOrder, error)
	ListRecentFills(ctx context.Context) ([]models.BrokerFill, error)
	OpenPositions(ctx context.Context) ([]models.BrokerPosition, error)
	Balance(ctx context.Context) (float64, error)
}

type RiskManager interface {
	PositionSize(entryPrice, stopPrice, volatilityHint, balance float64) (float64, error)
}

type TradeStore interface {
	SaveTrade(ctx context.Context, t models.Trade) error
}

// Emitter — часть шины, нужная исполнителю.
type Emitter interface {
	Emit(ctx context.Context, t models.EventType, payload any, ts time.Time) error
	EmitAndWait(ctx context.Context, t models.EventType, payload any, ts time.Time) error
}
