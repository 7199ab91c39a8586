package runner

import (
	"context"
	"sort"
	"sync"
	"time"

	"breakout_bot/internal/models"
)

// TickSource — поток сделок по символам с состоянием подключения.
// После реконнекта источник сам восстанавливает подписку.
type TickSource interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, symbols []string) error
	Ticks() <-chan models.Tick
	States() <-chan models.ConnStateEvent
	Disconnect() error
}

// ReplaySource проигрывает заранее записанные тики по порядку времени.
// Когда тики кончились, канал Ticks закрывается.
type ReplaySource struct {
	ticks  []models.Tick
	out    chan models.Tick
	states chan models.ConnStateEvent

	mu      sync.Mutex
	subbed  map[string]bool
	state   models.ConnState
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewReplaySource(ticks []models.Tick) *ReplaySource {
	sorted := append([]models.Tick(nil), ticks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })
	return &ReplaySource{
		ticks:  sorted,
		out:    make(chan models.Tick, 1024),
		states: make(chan models.ConnStateEvent, 8),
		subbed: make(map[string]bool),
		state:  models.ConnDisconnected,
		done:   make(chan struct{}),
	}
}

func (r *ReplaySource) Ticks() <-chan models.Tick { return r.out }

func (r *ReplaySource) States() <-chan models.ConnStateEvent { return r.states }

// Subscribe — фильтр символов. Без подписки не отдаётся ничего.
func (r *ReplaySource) Subscribe(_ context.Context, symbols []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range symbols {
		r.subbed[s] = true
	}
	return nil
}

func (r *ReplaySource) Connect(context.Context) error {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	subbed := make(map[string]bool, len(r.subbed))
	for s := range r.subbed {
		subbed[s] = true
	}
	r.mu.Unlock()

	r.setState(models.ConnConnected)
	go func() {
		defer close(r.done)
		defer close(r.out)
		for _, t := range r.ticks {
			if !subbed[t.Symbol] {
				continue
			}
			select {
			case r.out <- t:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (r *ReplaySource) Disconnect() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started, cancel := r.started, r.cancel
	r.mu.Unlock()

	if started {
		cancel()
		<-r.done
	} else {
		close(r.out)
	}
	r.setState(models.ConnDisconnected)
	close(r.states)
	return nil
}

func (r *ReplaySource) setState(to models.ConnState) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()
	if from == to {
		return
	}
	select {
	case r.states <- models.ConnStateEvent{From: from, To: to}:
	default:
	}
}

// StaticSymbols — фиксированный список символов (replay, тесты).
type StaticSymbols []string

func (s StaticSymbols) Symbols(context.Context) ([]string, error) { return []string(s), nil }

// StaticLevels — уровни сессии, заданные заранее.
type StaticLevels map[string]models.SessionLevels

func (l StaticLevels) Levels(_ context.Context, symbols []string, _ time.Time) (map[string]models.SessionLevels, error) {
	out := make(map[string]models.SessionLevels, len(symbols))
	for _, s := range symbols {
		if lv, ok := l[s]; ok {
			out[s] = lv
		}
	}
	return out, nil
}
