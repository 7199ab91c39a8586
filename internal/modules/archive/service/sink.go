package service

import (
	"context"
	"sync"
	"time"

	"breakout_bot/internal/models"
	"breakout_bot/pkg/logger"
	"breakout_bot/pkg/metrics"

	"go.uber.org/zap"
)

type Writer interface {
	WriteCandles(ctx context.Context, candles []models.Candle) error
}

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	// MaxPending — сколько свечей держим при недоступном хранилище, старые отбрасываются
	MaxPending int
}

// Sink копит закрытые свечи и пишет их пачками: по размеру или по таймеру.
// Ошибка записи не доходит до шины: архив не должен тормозить торговлю.
type Sink struct {
	cfg Config
	w   Writer
	log *zap.Logger

	mu      sync.Mutex
	pending []models.Candle
	flushCh chan struct{}
}

func NewSink(cfg Config, w Writer, log *zap.Logger) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxPending < cfg.BatchSize {
		cfg.MaxPending = cfg.BatchSize * 20
	}
	return &Sink{
		cfg:     cfg,
		w:       w,
		log:     logger.OrNop(log),
		flushCh: make(chan struct{}, 1),
	}
}

// HandleCandle — подписчик CandleClosed.
func (s *Sink) HandleCandle(_ context.Context, ev models.Event) error {
	c, ok := ev.Payload.(models.Candle)
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.pending = append(s.pending, c)
	if over := len(s.pending) - s.cfg.MaxPending; over > 0 {
		s.pending = append([]models.Candle(nil), s.pending[over:]...)
		metrics.DefaultMetrics.PersistErrors.WithLabelValues("archive_drop").Inc()
	}
	full := len(s.pending) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run пишет пачки до отмены ctx, затем делает последний flush.
func (s *Sink) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.FlushInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Flush(fctx)
			cancel()
			return
		case <-t.C:
			s.Flush(ctx)
		case <-s.flushCh:
			s.Flush(ctx)
		}
	}
}

// Flush пишет накопленное. При ошибке пачка возвращается в начало очереди.
func (s *Sink) Flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := s.w.WriteCandles(ctx, batch); err != nil {
		metrics.DefaultMetrics.PersistErrors.WithLabelValues("archive").Inc()
		s.log.Warn("[ARCHIVE] write failed, batch kept",
			zap.Int("candles", len(batch)), zap.Error(err))

		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		if over := len(s.pending) - s.cfg.MaxPending; over > 0 {
			s.pending = append([]models.Candle(nil), s.pending[over:]...)
		}
		s.mu.Unlock()
		return
	}
	s.log.Debug("[ARCHIVE] flushed", zap.Int("candles", len(batch)))
}
