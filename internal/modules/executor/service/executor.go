package service

import (
	"context"
	"fmt"
	"time"

	"breakout_bot/internal/helper"
	"breakout_bot/internal/models"
	"breakout_bot/pkg/logger"
	"breakout_bot/pkg/metrics"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"go.uber.org/zap"
)

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	CallTimeout time.Duration
	ClaimTTL    time.Duration
}

// Executor выставляет брекет по завершённому сетапу не больше одного раза.
// Ссылка ордера выводится из id кандидата, поэтому повтор после реконнекта
// находит уже выставленный ордер и отказывается дублировать.
type Executor struct {
	cfg     Config
	broker  Broker
	risk    RiskManager
	trades  TradeStore
	ledger  Ledger
	breaker *Breaker
	bus     Emitter
	log     *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(
	cfg Config,
	broker Broker,
	risk RiskManager,
	trades TradeStore,
	ledger Ledger,
	breaker *Breaker,
	bus Emitter,
	log *zap.Logger,
) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return &Executor{
		cfg:     cfg,
		broker:  broker,
		risk:    risk,
		trades:  trades,
		ledger:  ledger,
		breaker: breaker,
		bus:     bus,
		log:     logger.OrNop(log),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleSetupCompleted — подписчик шины. Ошибкой не отвечает: решение уходит событием.
func (e *Executor) HandleSetupCompleted(ctx context.Context, ev models.Event) error {
	cand, ok := ev.Payload.(models.SetupCandidate)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	e.Execute(ctx, cand)
	return nil
}

// Execute проводит сетап через проверки и выставляет брекет. Результат всегда
// содержит решение и перечислимую причину.
func (e *Executor) Execute(ctx context.Context, cand models.SetupCandidate) (res models.OrderResult) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "executor.execute")
	span.SetTag("candidate", cand.ID)
	span.SetTag("symbol", cand.Symbol)

	ref := helper.OrderReference(cand.ID)
	res = models.OrderResult{
		Reference:   ref,
		CandidateID: cand.ID,
		Symbol:      cand.Symbol,
	}

	defer func() {
		span.SetTag("decision", string(res.Decision))
		if res.Decision != models.DecisionPlaced && res.Decision != models.DecisionDuplicate {
			ext.Error.Set(span, true)
		}
		span.Finish()
		e.report(ctx, cand, res)
	}()

	if e.breaker != nil && e.breaker.Open() {
		return decide(res, models.DecisionSafeMode, models.DecisionReasonBreakerOpen, ErrSafeMode.Error())
	}

	if reason, err := e.findExisting(ctx, ref); err != nil {
		e.noteTransient(ctx, err)
		return decide(res, models.DecisionFailed, models.DecisionReasonBrokerQuery, err.Error())
	} else if reason != models.DecisionReasonNone {
		return decide(res, models.DecisionDuplicate, reason, "")
	}

	claimed, err := e.ledger.Claim(ctx, ref, e.cfg.ClaimTTL)
	if err != nil {
		return decide(res, models.DecisionFailed, models.DecisionReasonLedger, err.Error())
	}
	if !claimed {
		return decide(res, models.DecisionDuplicate, models.DecisionReasonClaimed, "")
	}
	// пока ничего не выставлено, захват можно отпустить
	release := func() {
		if err := e.ledger.Release(context.Background(), ref); err != nil {
			e.log.Warn("[EXEC] release claim failed", zap.String("ref", ref), zap.Error(err))
		}
	}

	balance, err := e.callBalance(ctx)
	if err != nil {
		release()
		e.noteTransient(ctx, err)
		return decide(res, models.DecisionFailed, models.DecisionReasonBrokerQuery, err.Error())
	}
	size, err := e.risk.PositionSize(cand.EntryPrice, cand.StopLoss, cand.VolatilityHint, balance)
	if err != nil {
		release()
		return decide(res, models.DecisionRejected, models.DecisionReasonSizing, err.Error())
	}
	res.Size = size

	req := models.OrderRequest{
		Reference:   ref,
		CandidateID: cand.ID,
		Symbol:      cand.Symbol,
		Side:        cand.Side,
		Size:        size,
		Entry:       cand.EntryPrice,
		StopLoss:    cand.StopLoss,
		TakeProfit:  cand.TakeProfit,
		EntryRef:    helper.LegReference(ref, string(models.LegEntry)),
		StopRef:     helper.LegReference(ref, string(models.LegStop)),
		TargetRef:   helper.LegReference(ref, string(models.LegTarget)),
	}

	now := e.now().UTC()
	trade := models.Trade{
		Reference:   ref,
		CandidateID: cand.ID,
		Symbol:      cand.Symbol,
		Side:        cand.Side,
		Status:      models.TradePending,
		Entry:       cand.EntryPrice,
		StopLoss:    cand.StopLoss,
		TakeProfit:  cand.TakeProfit,
		Size:        size,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	// без записи о сделке к брокеру не идём
	if err := e.trades.SaveTrade(ctx, trade); err != nil {
		release()
		return decide(res, models.DecisionFailed, models.DecisionReasonPersistFailed, err.Error())
	}

	ack, attempts, err := e.place(ctx, req)
	res.Attempts = attempts

	switch {
	case err == nil:
		trade.Status = models.TradePlaced
		trade.EntryOrderID, trade.StopOrderID, trade.TargetOrderID = ack.EntryOrderID, ack.StopOrderID, ack.TargetOrderID
		res.EntryOrderID, res.StopOrderID, res.TargetOrderID = ack.EntryOrderID, ack.StopOrderID, ack.TargetOrderID
		res = decide(res, models.DecisionPlaced, models.DecisionReasonNone, "")
	case !models.IsTransient(err):
		release()
		trade.Status = models.TradeRejected
		trade.Reason = models.DecisionReasonBrokerRejected
		res = decide(res, models.DecisionRejected, models.DecisionReasonBrokerRejected, err.Error())
	default:
		// ответ мог потеряться после выставления: захват держим, чтобы не задублировать
		reason := models.DecisionReasonRetryExhausted
		if e.breaker != nil && e.breaker.Open() {
			reason = models.DecisionReasonBreakerOpen
		}
		trade.Status = models.TradeFailed
		trade.Reason = reason
		res = decide(res, models.DecisionFailed, reason, err.Error())
	}

	trade.UpdatedAt = e.now().UTC()
	if err := e.trades.SaveTrade(ctx, trade); err != nil {
		e.log.Error("[EXEC] failed to record trade outcome",
			zap.String("ref", ref), zap.String("status", string(trade.Status)), zap.Error(err))
	}
	return res
}

// place — попытки с экспоненциальной паузой. Перед повтором снова спрашиваем брокера:
// если ордер с нашей ссылкой уже есть, прошлая попытка дошла.
func (e *Executor) place(ctx context.Context, req models.OrderRequest) (models.BracketAck, int, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, e.backoff(attempt-1)); err != nil {
				return models.BracketAck{}, attempt - 1, err
			}
			if ack, found, err := e.existingAck(ctx, req.Reference); err == nil && found {
				e.log.Info("[EXEC] bracket found after lost response", zap.String("ref", req.Reference))
				if e.breaker != nil {
					e.breaker.Success()
				}
				return ack, attempt - 1, nil
			}
		}

		callCtx, cancel := e.callCtx(ctx)
		start := time.Now()
		ack, err := e.broker.PlaceBracketOrder(callCtx, req)
		cancel()
		metrics.DefaultMetrics.BrokerLatency.WithLabelValues("place_bracket").Observe(time.Since(start).Seconds())

		if err == nil {
			if e.breaker != nil {
				e.breaker.Success()
			}
			return ack, attempt, nil
		}
		lastErr = err

		e.log.Warn("[EXEC] place bracket failed",
			zap.String("ref", req.Reference),
			zap.Int("attempt", attempt),
			zap.Bool("transient", models.IsTransient(err)),
			zap.Error(err))

		if !models.IsTransient(err) {
			return models.BracketAck{}, attempt, err
		}
		if e.noteTransient(ctx, err) || (e.breaker != nil && e.breaker.Open()) {
			return models.BracketAck{}, attempt, err
		}
	}
	return models.BracketAck{}, e.cfg.MaxAttempts, lastErr
}

func (e *Executor) backoff(n int) time.Duration {
	d := e.cfg.BaseBackoff << (n - 1)
	if e.cfg.MaxBackoff > 0 && (d > e.cfg.MaxBackoff || d <= 0) {
		d = e.cfg.MaxBackoff
	}
	return d
}

func (e *Executor) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Executor) callBalance(ctx context.Context) (float64, error) {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	return e.broker.Balance(callCtx)
}

// noteTransient считает временные ошибки в breaker. true — breaker только что открылся.
func (e *Executor) noteTransient(ctx context.Context, err error) bool {
	if e.breaker == nil || !models.IsTransient(err) {
		return false
	}
	return e.breaker.Failure(ctx, err.Error())
}

// findExisting ищет нашу ссылку среди открытых ордеров и недавних исполнений.
func (e *Executor) findExisting(ctx context.Context, ref string) (models.DecisionReason, error) {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	orders, err := e.broker.ListOpenOrders(callCtx)
	if err != nil {
		return models.DecisionReasonNone, fmt.Errorf("list open orders: %w", err)
	}
	for _, o := range orders {
		if helper.HasReference(o.ClientRef, ref) {
			return models.DecisionReasonOpenOrder, nil
		}
	}

	fills, err := e.broker.ListRecentFills(callCtx)
	if err != nil {
		return models.DecisionReasonNone, fmt.Errorf("list recent fills: %w", err)
	}
	for _, f := range fills {
		if helper.HasReference(f.ClientRef, ref) {
			return models.DecisionReasonRecentFill, nil
		}
	}
	return models.DecisionReasonNone, nil
}

// existingAck восстанавливает id ног брекета по ссылке.
func (e *Executor) existingAck(ctx context.Context, ref string) (models.BracketAck, bool, error) {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	var ack models.BracketAck
	orders, err := e.broker.ListOpenOrders(callCtx)
	if err != nil {
		return ack, false, err
	}
	fills, err := e.broker.ListRecentFills(callCtx)
	if err != nil {
		return ack, false, err
	}

	assign := func(clientRef, orderID string) {
		switch clientRef {
		case helper.LegReference(ref, string(models.LegEntry)):
			ack.EntryOrderID = orderID
		case helper.LegReference(ref, string(models.LegStop)):
			ack.StopOrderID = orderID
		case helper.LegReference(ref, string(models.LegTarget)):
			ack.TargetOrderID = orderID
		}
	}
	for _, o := range orders {
		assign(o.ClientRef, o.OrderID)
	}
	for _, f := range fills {
		assign(f.ClientRef, f.OrderID)
	}
	found := ack.EntryOrderID != "" || ack.StopOrderID != "" || ack.TargetOrderID != ""
	return ack, found, nil
}

func decide(res models.OrderResult, d models.OrderDecision, reason models.DecisionReason, detail string) models.OrderResult {
	res.Decision = d
	res.Reason = reason
	res.Detail = detail
	return res
}

func (e *Executor) report(ctx context.Context, cand models.SetupCandidate, res models.OrderResult) {
	metrics.RecordOrderDecision(string(res.Decision), string(res.Reason))

	fields := []zap.Field{
		zap.String("decision", string(res.Decision)),
		zap.String("reason", string(res.Reason)),
		zap.String("candidate", res.CandidateID),
		zap.String("symbol", res.Symbol),
		zap.String("ref", res.Reference),
		zap.Float64("size", res.Size),
		zap.Int("attempts", res.Attempts),
	}
	if res.Detail != "" {
		fields = append(fields, zap.String("detail", res.Detail))
	}
	switch res.Decision {
	case models.DecisionPlaced, models.DecisionDuplicate:
		e.log.Info("[EXEC] order decision", fields...)
	default:
		e.log.Warn("[EXEC] order decision", fields...)
	}

	if e.bus != nil {
		if err := e.bus.Emit(ctx, models.EventOrderDecision, res, cand.EntryTime); err != nil {
			e.log.Warn("[EXEC] order decision event dropped", zap.Error(err))
		}
	}
}
