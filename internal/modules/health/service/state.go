package service

import (
	"context"
	"sync/atomic"
	"time"

	"breakout_bot/internal/models"
)

// SafeMode — то, что health знает о breaker.
type SafeMode interface {
	Open() bool
	Clear(ctx context.Context, source string) bool
}

type Utilizer interface {
	Utilization() float64
}

type State struct {
	ready     atomic.Bool
	startedAt time.Time

	connState      atomic.Value // models.ConnState
	lastCandleUnix atomic.Int64 // unix seconds

	safe   SafeMode
	buffer Utilizer
}

func NewState(safe SafeMode, buffer Utilizer) *State {
	s := &State{startedAt: time.Now(), safe: safe, buffer: buffer}
	s.ready.Store(false)
	s.connState.Store(models.ConnDisconnected)
	return s
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }

// Ready — процесс поднят, источник подключён и breaker закрыт.
func (s *State) Ready() bool {
	return s.ready.Load() && s.ConnState() == models.ConnConnected && !s.SafeMode()
}

func (s *State) ConnState() models.ConnState { return s.connState.Load().(models.ConnState) }

func (s *State) SafeMode() bool { return s.safe != nil && s.safe.Open() }

func (s *State) BufferUtilization() float64 {
	if s.buffer == nil {
		return 0
	}
	return s.buffer.Utilization()
}

func (s *State) TouchCandle(t time.Time) { s.lastCandleUnix.Store(t.Unix()) }
func (s *State) LastCandle() time.Time {
	u := s.lastCandleUnix.Load()
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0).UTC()
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }

// Resume снимает safe mode. false — он и не был включён.
func (s *State) Resume(ctx context.Context, source string) bool {
	if s.safe == nil {
		return false
	}
	return s.safe.Clear(ctx, source)
}

// HandleConnState — подписчик шины на смену состояния источника.
func (s *State) HandleConnState(_ context.Context, ev models.Event) error {
	if st, ok := ev.Payload.(models.ConnStateEvent); ok {
		s.connState.Store(st.To)
	}
	return nil
}

// HandleCandle — подписчик шины на закрытые свечи.
func (s *State) HandleCandle(_ context.Context, ev models.Event) error {
	if c, ok := ev.Payload.(models.Candle); ok {
		s.TouchCandle(c.End())
	}
	return nil
}
