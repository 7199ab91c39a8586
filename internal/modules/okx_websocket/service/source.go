package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"breakout_bot/internal/models"
	"breakout_bot/pkg/logger"
	"breakout_bot/pkg/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("tick source is not connected")

var allStates = []string{
	string(models.ConnConnected),
	string(models.ConnReconnecting),
	string(models.ConnCircuitBroken),
	string(models.ConnDisconnected),
}

type Config struct {
	URL                  string
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration
	ReadTimeout          time.Duration
}

// Source — поток сделок OKX (канал trades) по одному WebSocket.
// После реконнекта подписка восстанавливается сама; после MaxReconnectAttempts
// неудач подряд источник переходит в CIRCUIT_BROKEN и больше не переподключается.
type Source struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *zap.Logger

	ticks  chan models.Tick
	states chan models.ConnStateEvent

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	state   models.ConnState
	symbols []string
	subbed  map[string]bool
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool

	sleep func(ctx context.Context, d time.Duration) error
}

func NewSource(cfg Config, log *zap.Logger) *Source {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * cfg.PingInterval
	}
	return &Source{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    logger.OrNop(log),
		ticks:  make(chan models.Tick, 4096),
		states: make(chan models.ConnStateEvent, 64),
		state:  models.ConnDisconnected,
		subbed: make(map[string]bool),
		sleep:  sleepCtx,
	}
}

func (s *Source) Ticks() <-chan models.Tick { return s.ticks }

func (s *Source) States() <-chan models.ConnStateEvent { return s.states }

func (s *Source) State() models.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect — первое подключение синхронно, дальше read-loop с реконнектами в фоне.
func (s *Source) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("connect: source is disconnected")
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.cfg.URL, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.setState(models.ConnConnected)
	go s.run(runCtx, conn)
	return nil
}

// Subscribe добавляет символы к подписке. Повторная подписка на тот же символ ничего не делает.
func (s *Source) Subscribe(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	var fresh []string
	for _, sym := range symbols {
		if sym == "" || s.subbed[sym] {
			continue
		}
		s.subbed[sym] = true
		s.symbols = append(s.symbols, sym)
		fresh = append(fresh, sym)
	}
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	if conn == nil || state != models.ConnConnected {
		// отправим при следующем подключении
		return nil
	}
	return s.writeSubscribe(conn, fresh)
}

// Disconnect останавливает источник окончательно и закрывает каналы.
func (s *Source) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done, conn := s.cancel, s.done, s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}

	s.setState(models.ConnDisconnected)
	close(s.ticks)
	close(s.states)
	return nil
}

func (s *Source) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Source) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)

	s.mu.Lock()
	initial := append([]string(nil), s.symbols...)
	s.mu.Unlock()
	if len(initial) > 0 {
		if err := s.writeSubscribe(conn, initial); err != nil {
			s.log.Warn("[WS] initial subscribe failed", zap.Error(err))
		}
	}

	for {
		err := s.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("[WS] connection lost", zap.Error(err))
		s.setState(models.ConnReconnecting)

		conn = s.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

// reconnect — экспоненциальная пауза между попытками. nil — сдались или остановлены.
func (s *Source) reconnect(ctx context.Context) *websocket.Conn {
	delay := s.cfg.ReconnectBase
	for attempt := 1; s.cfg.MaxReconnectAttempts <= 0 || attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
		metrics.DefaultMetrics.Reconnects.Inc()

		conn, err := s.dial(ctx)
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			symbols := append([]string(nil), s.symbols...)
			s.mu.Unlock()

			if len(symbols) > 0 {
				if err := s.writeSubscribe(conn, symbols); err != nil {
					s.log.Warn("[WS] resubscribe failed", zap.Error(err))
					_ = conn.Close()
					continue
				}
			}
			s.log.Info("[WS] reconnected",
				zap.Int("attempt", attempt), zap.Int("symbols", len(symbols)))
			s.setState(models.ConnConnected)
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("[WS] reconnect failed", zap.Int("attempt", attempt), zap.Error(err))

		delay *= 2
		if delay > s.cfg.ReconnectMax {
			delay = s.cfg.ReconnectMax
		}
	}

	s.log.Error("[WS] reconnect attempts exhausted, circuit broken",
		zap.Int("attempts", s.cfg.MaxReconnectAttempts))
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	s.setState(models.ConnCircuitBroken)
	return nil
}

func (s *Source) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// keepalive ping, иначе OKX рвёт соединение через 30с тишины
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-stopPing:
				return
			case <-t.C:
				s.writeMu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
				s.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ticks, err := parseFrame(msg)
		if err != nil {
			metrics.RecordTickDropped("malformed")
			s.log.Debug("[WS] skip frame", zap.Error(err))
			continue
		}
		for _, t := range ticks {
			select {
			case s.ticks <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *Source) writeSubscribe(conn *websocket.Conn, symbols []string) error {
	args := make([]map[string]string, 0, len(symbols))
	for _, sym := range symbols {
		args = append(args, map[string]string{"channel": "trades", "instId": sym})
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		return fmt.Errorf("subscribe %d symbols: %w", len(symbols), err)
	}
	return nil
}

func (s *Source) setState(to models.ConnState) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	metrics.SetConnState(string(to), allStates)
	s.log.Info("[WS] state", zap.String("from", string(from)), zap.String("to", string(to)))

	select {
	case s.states <- models.ConnStateEvent{From: from, To: to}:
	default:
		s.log.Warn("[WS] state channel full, transition dropped", zap.String("to", string(to)))
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
