package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"time"

	"breakout_bot/internal/models"
	"breakout_bot/pkg/logger"
	"breakout_bot/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("event bus is closed")

// Handler обработчик события. Ошибка логируется и ретраится, соседей не задевает.
type Handler func(ctx context.Context, ev models.Event) error

type Config struct {
	MailboxSize int
	HistorySize int
	MaxRetries  int
	RetryDelay  time.Duration
}

type delivery struct {
	ev   models.Event
	wait *waiter
}

// waiter — ожидание EmitAndWait по всем обработчикам события.
type waiter struct {
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

func (w *waiter) done(err error) {
	if err != nil {
		w.mu.Lock()
		w.errs = append(w.errs, err)
		w.mu.Unlock()
	}
	w.wg.Done()
}

type subscriber struct {
	name       string
	eventType  models.EventType
	handler    Handler
	lanes      []chan delivery
	keyFn      func(models.Event) string
	maxRetries int
}

type SubscribeOption func(*subscriber)

// WithLanes — n упорядоченных очередей на подписчика, ключ выбирает очередь.
// События с одним ключом обрабатываются строго последовательно, разные ключи — параллельно.
func WithLanes(n int, key func(models.Event) string) SubscribeOption {
	return func(s *subscriber) {
		if n > 0 {
			s.lanes = make([]chan delivery, n)
		}
		s.keyFn = key
	}
}

func WithRetries(n int) SubscribeOption {
	return func(s *subscriber) { s.maxRetries = n }
}

// Bus — типизированный pub/sub. У каждого подписчика свой почтовый ящик,
// поэтому порядок доставки совпадает с порядком Emit.
type Bus struct {
	cfg Config
	log *zap.Logger

	mu     sync.RWMutex
	subs   map[models.EventType][]*subscriber
	closed bool

	pendingMu   sync.Mutex
	pendingCond *sync.Cond
	pending     int

	historyMu sync.Mutex
	history   []models.Event
	histNext  int
	histFull  bool

	quit  chan struct{}
	lanes sync.WaitGroup
}

func NewBus(cfg Config, log *zap.Logger) *Bus {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 1024
	}
	b := &Bus{
		cfg:  cfg,
		log:  logger.OrNop(log),
		subs: make(map[models.EventType][]*subscriber),
		quit: make(chan struct{}),
	}
	b.pendingCond = sync.NewCond(&b.pendingMu)
	if cfg.HistorySize > 0 {
		b.history = make([]models.Event, cfg.HistorySize)
	}
	return b
}

// Subscribe регистрирует обработчик и сразу запускает его очереди.
func (b *Bus) Subscribe(eventType models.EventType, name string, h Handler, opts ...SubscribeOption) {
	s := &subscriber{
		name:       name,
		eventType:  eventType,
		handler:    h,
		maxRetries: b.cfg.MaxRetries,
	}
	for _, o := range opts {
		o(s)
	}
	if len(s.lanes) == 0 {
		s.lanes = make([]chan delivery, 1)
	}
	for i := range s.lanes {
		s.lanes[i] = make(chan delivery, b.cfg.MailboxSize)
	}

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], s)
	b.mu.Unlock()

	for i := range s.lanes {
		b.lanes.Add(1)
		go b.runLane(s, s.lanes[i])
	}
	b.log.Info("[BUS] subscribed", zap.String("subscriber", name),
		zap.String("event", string(eventType)), zap.Int("lanes", len(s.lanes)))
}

// Emit ставит событие в очереди всех подписчиков и не ждёт обработки.
func (b *Bus) Emit(ctx context.Context, t models.EventType, payload any, ts time.Time) error {
	return b.emit(ctx, t, payload, ts, nil)
}

// EmitAndWait возвращается, когда все обработчики события отработали.
// Нельзя вызывать из обработчика того же подписчика: его очередь занята вызывающим.
func (b *Bus) EmitAndWait(ctx context.Context, t models.EventType, payload any, ts time.Time) error {
	w := &waiter{}
	if err := b.emit(ctx, t, payload, ts, w); err != nil {
		return err
	}

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	return errors.Join(w.errs...)
}

func (b *Bus) emit(ctx context.Context, t models.EventType, payload any, ts time.Time, w *waiter) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ev := models.Event{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		Timestamp: ts,
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := b.subs[t]
	b.addPending(len(subs))
	if w != nil {
		w.wg.Add(len(subs))
	}
	b.mu.RUnlock()

	b.remember(ev)

	for i, s := range subs {
		lane := s.lanes[s.laneFor(ev)]
		select {
		case lane <- delivery{ev: ev, wait: w}:
		case <-ctx.Done():
			// неотправленным подписчикам засчитываем отказ
			rest := len(subs) - i
			b.addPending(-rest)
			if w != nil {
				for j := 0; j < rest; j++ {
					w.done(ctx.Err())
				}
			}
			return fmt.Errorf("emit %s: %w", t, ctx.Err())
		}
	}
	return nil
}

func (s *subscriber) laneFor(ev models.Event) int {
	if len(s.lanes) == 1 || s.keyFn == nil {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(s.keyFn(ev)))
	return int(h.Sum32() % uint32(len(s.lanes)))
}

func (b *Bus) runLane(s *subscriber, ch chan delivery) {
	defer b.lanes.Done()
	for {
		select {
		case d := <-ch:
			b.deliver(s, d)
		case <-b.quit:
			return
		}
	}
}

func (b *Bus) deliver(s *subscriber, d delivery) {
	err := b.handleWithRetry(s, d.ev)
	if d.wait != nil {
		d.wait.done(err)
	}
	b.addPending(-1)
}

func (b *Bus) handleWithRetry(s *subscriber, ev models.Event) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 && b.cfg.RetryDelay > 0 {
			time.Sleep(b.cfg.RetryDelay)
		}
		if err = b.invoke(s, ev); err == nil {
			return nil
		}
		b.log.Warn("[BUS] handler failed",
			zap.String("subscriber", s.name),
			zap.String("event", string(ev.Type)),
			zap.String("event_id", ev.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	metrics.DefaultMetrics.BusHandlerErrors.WithLabelValues(string(ev.Type), s.name).Inc()
	b.log.Error("[BUS] handler gave up",
		zap.String("subscriber", s.name),
		zap.String("event", string(ev.Type)),
		zap.String("event_id", ev.ID),
		zap.Error(err))
	return fmt.Errorf("%s: %w", s.name, err)
}

func (b *Bus) invoke(s *subscriber, ev models.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			b.log.Error("[BUS] handler panic",
				zap.String("subscriber", s.name),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	return s.handler(context.Background(), ev)
}

func (b *Bus) addPending(n int) {
	b.pendingMu.Lock()
	b.pending += n
	if b.pending == 0 {
		b.pendingCond.Broadcast()
	}
	b.pendingMu.Unlock()
}

// Drain ждёт, пока все поставленные события обработаются (включая порождённые обработчиками).
func (b *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.pendingMu.Lock()
		for b.pending > 0 {
			b.pendingCond.Wait()
		}
		b.pendingMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close дожидается опустошения очередей и останавливает обработчики.
// Emit после Close возвращает ErrClosed.
func (b *Bus) Close(ctx context.Context) error {
	for {
		if err := b.Drain(ctx); err != nil {
			return err
		}
		b.mu.Lock()
		b.pendingMu.Lock()
		idle := b.pending == 0
		b.pendingMu.Unlock()
		if idle {
			if b.closed {
				b.mu.Unlock()
				return nil
			}
			b.closed = true
			b.mu.Unlock()
			break
		}
		b.mu.Unlock()
	}

	close(b.quit)
	b.lanes.Wait()
	b.log.Info("[BUS] closed")
	return nil
}

func (b *Bus) remember(ev models.Event) {
	if len(b.history) == 0 {
		return
	}
	b.historyMu.Lock()
	b.history[b.histNext] = ev
	b.histNext = (b.histNext + 1) % len(b.history)
	if b.histNext == 0 {
		b.histFull = true
	}
	b.historyMu.Unlock()
}

// History — последние события, от старых к новым.
func (b *Bus) History() []models.Event {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	if !b.histFull {
		return append([]models.Event(nil), b.history[:b.histNext]...)
	}
	out := make([]models.Event, 0, len(b.history))
	out = append(out, b.history[b.histNext:]...)
	out = append(out, b.history[:b.histNext]...)
	return out
}
