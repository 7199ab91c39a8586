package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"breakout_bot/internal/models"
	"breakout_bot/pkg/logger"
	"breakout_bot/pkg/metrics"

	"go.uber.org/zap"
)

// ErrSafeMode — новые ордера остановлены до ручного сброса.
var ErrSafeMode = errors.New("safe mode is on")

// Breaker — safe mode. Открывается после threshold подряд временных ошибок брокера
// или по сигналу источника тиков. Закрывается только вручную.
type Breaker struct {
	threshold int
	bus       Emitter
	log       *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	failures int
	open     bool
	source   string
	reason   string
	since    time.Time
}

type BreakerStatus struct {
	Open     bool      `json:"open"`
	Source   string    `json:"source,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Since    time.Time `json:"since,omitempty"`
	Failures int       `json:"failures"`
}

func NewBreaker(threshold int, bus Emitter, log *zap.Logger) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		bus:       bus,
		log:       logger.OrNop(log),
		now:       time.Now,
	}
}

func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStatus{Open: b.open, Source: b.source, Reason: b.reason, Since: b.since, Failures: b.failures}
}

func (b *Breaker) Success() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// Failure считает временную ошибку брокера. true — именно эта ошибка открыла breaker.
func (b *Breaker) Failure(ctx context.Context, reason string) bool {
	b.mu.Lock()
	b.failures++
	hit := b.failures >= b.threshold
	b.mu.Unlock()

	if !hit {
		return false
	}
	return b.Trip(ctx, "executor", reason)
}

// Trip открывает breaker и дожидается, пока подписчики обработают событие.
func (b *Breaker) Trip(ctx context.Context, source, reason string) bool {
	b.mu.Lock()
	if b.open {
		b.mu.Unlock()
		return false
	}
	b.open = true
	b.source = source
	b.reason = reason
	b.since = b.now()
	b.mu.Unlock()

	metrics.SetSafeMode(true)
	b.log.Error("[BREAKER] safe mode on, new orders halted",
		zap.String("source", source), zap.String("reason", reason))

	if b.bus != nil {
		ev := models.BreakerEvent{Source: source, Reason: reason}
		if err := b.bus.EmitAndWait(ctx, models.EventBreakerTripped, ev, time.Time{}); err != nil {
			b.log.Warn("[BREAKER] trip subscribers failed", zap.Error(err))
		}
	}
	return true
}

// Clear — ручной выход из safe mode (HTTP или Telegram).
func (b *Breaker) Clear(ctx context.Context, source string) bool {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return false
	}
	b.open = false
	b.failures = 0
	b.source, b.reason = "", ""
	b.since = time.Time{}
	b.mu.Unlock()

	metrics.SetSafeMode(false)
	b.log.Info("[BREAKER] safe mode cleared", zap.String("by", source))

	if b.bus != nil {
		ev := models.BreakerEvent{Source: source, Reason: "manual resume"}
		if err := b.bus.Emit(ctx, models.EventBreakerCleared, ev, time.Time{}); err != nil {
			b.log.Warn("[BREAKER] clear event dropped", zap.Error(err))
		}
	}
	return true
}

// HandleConnState — подписчик шины: источник тиков сдался, торговать вслепую нельзя.
func (b *Breaker) HandleConnState(ctx context.Context, ev models.Event) error {
	st, ok := ev.Payload.(models.ConnStateEvent)
	if !ok {
		return nil
	}
	if st.To == models.ConnCircuitBroken {
		b.Trip(ctx, "tick_source", "tick source circuit broken")
	}
	return nil
}
