package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"breakout_bot/internal/models"
)

// PaperBroker — брокер в памяти: вход исполняется сразу по цене заявки,
// SL/TP висят как условные ордера. Используется в replay и тестах.
type PaperBroker struct {
	mu        sync.Mutex
	balance   float64
	seq       int
	open      []models.BrokerOrder
	fills     []models.BrokerFill
	positions map[string]models.BrokerPosition
	placed    int
	failNext  []error
	loseAck   int
	now       func() time.Time
}

func NewPaperBroker(balance float64) *PaperBroker {
	return &PaperBroker{
		balance:   balance,
		positions: make(map[string]models.BrokerPosition),
		now:       time.Now,
	}
}

// FailNext — следующие вызовы PlaceBracketOrder вернут эти ошибки, ничего не выставив.
func (p *PaperBroker) FailNext(errs ...error) {
	p.mu.Lock()
	p.failNext = append(p.failNext, errs...)
	p.mu.Unlock()
}

// LoseAckNext — следующий брекет выставится, но ответ «потеряется» по таймауту.
func (p *PaperBroker) LoseAckNext() {
	p.mu.Lock()
	p.loseAck++
	p.mu.Unlock()
}

// Placed — сколько брекетов реально выставлено.
func (p *PaperBroker) Placed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.placed
}

// SeedOpenOrder — ордер, выставленный до нас (другим процессом или до рестарта).
func (p *PaperBroker) SeedOpenOrder(o models.BrokerOrder) {
	p.mu.Lock()
	p.open = append(p.open, o)
	p.mu.Unlock()
}

func (p *PaperBroker) nextID() string {
	p.seq++
	return fmt.Sprintf("paper-%d", p.seq)
}

func (p *PaperBroker) PlaceBracketOrder(ctx context.Context, req models.OrderRequest) (models.BracketAck, error) {
	if err := ctx.Err(); err != nil {
		return models.BracketAck{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.failNext) > 0 {
		err := p.failNext[0]
		p.failNext = p.failNext[1:]
		return models.BracketAck{}, err
	}
	if req.Size <= 0 || req.Entry <= 0 {
		return models.BracketAck{}, &models.BrokerError{Code: "51000", Msg: "parameter sz error"}
	}

	now := p.now().UTC()
	ack := models.BracketAck{
		EntryOrderID:  p.nextID(),
		StopOrderID:   p.nextID(),
		TargetOrderID: p.nextID(),
	}

	p.fills = append(p.fills, models.BrokerFill{
		TradeID:   p.nextID(),
		OrderID:   ack.EntryOrderID,
		ClientRef: req.EntryRef,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Price:     req.Entry,
		Size:      req.Size,
		Time:      now,
	})
	p.open = append(p.open,
		models.BrokerOrder{
			OrderID: ack.StopOrderID, ClientRef: req.StopRef, Symbol: req.Symbol,
			Side: req.Side.Opposite(), Kind: "conditional", Price: req.StopLoss, Size: req.Size,
			State: "live", CreatedAt: now,
		},
		models.BrokerOrder{
			OrderID: ack.TargetOrderID, ClientRef: req.TargetRef, Symbol: req.Symbol,
			Side: req.Side.Opposite(), Kind: "conditional", Price: req.TakeProfit, Size: req.Size,
			State: "live", CreatedAt: now,
		},
	)

	key := req.Symbol + "/" + req.Side.PosSide()
	pos := p.positions[key]
	pos.Symbol, pos.PosSide, pos.LastPx = req.Symbol, req.Side.PosSide(), req.Entry
	pos.AvgPrice = (pos.AvgPrice*pos.Size + req.Entry*req.Size) / (pos.Size + req.Size)
	pos.Size += req.Size
	p.positions[key] = pos
	p.placed++

	if p.loseAck > 0 {
		p.loseAck--
		return models.BracketAck{}, fmt.Errorf("read response: %w", context.DeadlineExceeded)
	}
	return ack, nil
}

func (p *PaperBroker) ListOpenOrders(ctx context.Context) ([]models.BrokerOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.BrokerOrder(nil), p.open...), nil
}

func (p *PaperBroker) ListRecentFills(ctx context.Context) ([]models.BrokerFill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.BrokerFill(nil), p.fills...), nil
}

func (p *PaperBroker) OpenPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (p *PaperBroker) Balance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.balance <= 0 {
		return 0, errors.New("paper balance is not set")
	}
	return p.balance, nil
}
