package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"breakout_bot/internal/models"
	"breakout_bot/pkg/logger"
	"breakout_bot/pkg/metrics"

	"go.uber.org/zap"
)

type Config struct {
	Capacity      int
	TTL           time.Duration // 0 — не вытесняем по возрасту
	EvictInterval time.Duration
}

// OverflowFunc вызывается синхронно из Enqueue на каждый выброшенный тик.
type OverflowFunc func(dropped models.Tick, total uint64)

type entry struct {
	tick models.Tick
	at   time.Time
}

// Buffer — ограниченная FIFO очередь тиков между источником и агрегатором.
// При переполнении выбрасываем самый старый тик: это учтённая потеря данных, не ошибка.
type Buffer struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu    sync.Mutex
	ring  []entry
	head  int
	size  int
	ready chan struct{}

	onOverflow OverflowFunc

	overflows atomic.Uint64
	evicted   atomic.Uint64
	enqueued  atomic.Uint64
}

type Option func(*Buffer)

func WithOverflowCallback(fn OverflowFunc) Option {
	return func(b *Buffer) { b.onOverflow = fn }
}

// WithClock — подмена часов для тестов TTL.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

func NewBuffer(cfg Config, log *zap.Logger, opts ...Option) *Buffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = time.Second
	}
	b := &Buffer{
		cfg:   cfg,
		log:   logger.OrNop(log),
		now:   time.Now,
		ring:  make([]entry, cfg.Capacity),
		ready: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Enqueue никогда не блокирует продюсера.
func (b *Buffer) Enqueue(t models.Tick) {
	var (
		dropped    models.Tick
		overflowed bool
	)

	b.mu.Lock()
	if b.size == len(b.ring) {
		dropped = b.ring[b.head].tick
		b.ring[b.head] = entry{}
		b.head = (b.head + 1) % len(b.ring)
		b.size--
		overflowed = true
	}
	idx := (b.head + b.size) % len(b.ring)
	b.ring[idx] = entry{tick: t, at: b.now()}
	b.size++
	b.mu.Unlock()

	b.enqueued.Add(1)
	b.signal()

	if overflowed {
		total := b.overflows.Add(1)
		metrics.RecordTickDropped("overflow")
		if b.onOverflow != nil {
			b.onOverflow(dropped, total)
		}
	}
}

// Dequeue ждёт тик не дольше timeout. ok=false — за это время ничего не пришло.
func (b *Buffer) Dequeue(ctx context.Context, timeout time.Duration) (models.Tick, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if t, ok := b.pop(); ok {
			return t, true
		}
		select {
		case <-ctx.Done():
			return models.Tick{}, false
		case <-timer.C:
			// последний шанс: тик мог прийти одновременно с таймером
			return b.pop()
		case <-b.ready:
		}
	}
}

func (b *Buffer) pop() (models.Tick, bool) {
	b.mu.Lock()
	if b.size == 0 {
		b.mu.Unlock()
		return models.Tick{}, false
	}
	e := b.ring[b.head]
	b.ring[b.head] = entry{}
	b.head = (b.head + 1) % len(b.ring)
	b.size--
	left := b.size
	b.mu.Unlock()

	if left > 0 {
		b.signal()
	}
	return e.tick, true
}

func (b *Buffer) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// Evict удаляет из головы записи старше TTL. Возвращает сколько удалено.
func (b *Buffer) Evict() int {
	if b.cfg.TTL <= 0 {
		return 0
	}
	cutoff := b.now().Add(-b.cfg.TTL)

	b.mu.Lock()
	n := 0
	for b.size > 0 && b.ring[b.head].at.Before(cutoff) {
		b.ring[b.head] = entry{}
		b.head = (b.head + 1) % len(b.ring)
		b.size--
		n++
	}
	b.mu.Unlock()

	if n > 0 {
		b.evicted.Add(uint64(n))
		b.log.Warn("[BUFFER] evicted stale ticks", zap.Int("count", n), zap.Duration("ttl", b.cfg.TTL))
		for i := 0; i < n; i++ {
			metrics.RecordTickDropped("ttl")
		}
	}
	return n
}

// Run — фоновое вытеснение по TTL и публикация заполненности в метрики.
func (b *Buffer) Run(ctx context.Context) {
	t := time.NewTicker(b.cfg.EvictInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.Evict()
			metrics.DefaultMetrics.BufferUtilization.Set(b.Utilization())
		}
	}
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) Cap() int { return len(b.ring) }

// Utilization — size/capacity для health.
func (b *Buffer) Utilization() float64 {
	return float64(b.Len()) / float64(len(b.ring))
}

type Stats struct {
	Enqueued  uint64
	Overflows uint64
	Evicted   uint64
	Size      int
	Capacity  int
}

func (b *Buffer) Stats() Stats {
	return Stats{
		Enqueued:  b.enqueued.Load(),
		Overflows: b.overflows.Load(),
		Evicted:   b.evicted.Load(),
		Size:      b.Len(),
		Capacity:  len(b.ring),
	}
}
