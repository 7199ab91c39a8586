package service

import (
	"context"
	"sort"
	"sync"

	"breakout_bot/internal/models"
	"breakout_bot/internal/modules/state/service/pg"
)

var ErrNotFound = pg.ErrNotFound

// Store — долговременное хранилище кандидатов и сделок.
type Store interface {
	SaveTransitions(ctx context.Context, trs []models.Transition) error
	SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error
	LoadActiveCandidates(ctx context.Context) ([]models.SetupCandidate, error)
	LoadBooks(ctx context.Context) ([]models.BookState, error)
	SaveTrade(ctx context.Context, t models.Trade) error
	GetTrade(ctx context.Context, reference string) (models.Trade, error)
	LoadOpenTrades(ctx context.Context) ([]models.Trade, error)
}

var _ Store = (*pg.Store)(nil)

// MemoryStore — хранилище в памяти для replay и тестов.
type MemoryStore struct {
	mu          sync.RWMutex
	candidates  map[string]models.SetupCandidate
	transitions []models.Transition
	books       map[string]models.BookState
	trades      map[string]models.Trade
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candidates: make(map[string]models.SetupCandidate),
		books:      make(map[string]models.BookState),
		trades:     make(map[string]models.Trade),
	}
}

func (m *MemoryStore) SaveTransitions(ctx context.Context, trs []models.Transition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tr := range trs {
		m.candidates[tr.CandidateID] = tr.Candidate.Clone()
		if tr.From != "" {
			tr.Candidate = models.SetupCandidate{}
			m.transitions = append(m.transitions, tr)
		}
	}
	return nil
}

func (m *MemoryStore) SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cp.Candidates {
		m.candidates[c.ID] = c.Clone()
	}
	if prev, ok := m.books[cp.Book.Symbol]; !ok || !cp.Book.LastTime.Before(prev.LastTime) {
		m.books[cp.Book.Symbol] = cp.Book.Clone()
	}
	return nil
}

func (m *MemoryStore) LoadBooks(ctx context.Context) ([]models.BookState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.BookState, 0, len(m.books))
	for _, b := range m.books {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MemoryStore) LoadActiveCandidates(ctx context.Context) ([]models.SetupCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.SetupCandidate
	for _, c := range m.candidates {
		if !c.State.Terminal() {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if a.Side != b.Side {
			return a.Side > b.Side
		}
		return a.ID < b.ID
	})
	return out, nil
}

// Transitions — журнал переходов в порядке записи.
func (m *MemoryStore) Transitions() []models.Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Transition(nil), m.transitions...)
}

func (m *MemoryStore) Candidate(id string) (models.SetupCandidate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.candidates[id]
	return c.Clone(), ok
}

func (m *MemoryStore) SaveTrade(ctx context.Context, t models.Trade) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.trades[t.Reference]; ok && !prev.CreatedAt.IsZero() {
		t.CreatedAt = prev.CreatedAt
	}
	m.trades[t.Reference] = t
	return nil
}

func (m *MemoryStore) GetTrade(ctx context.Context, reference string) (models.Trade, error) {
	if err := ctx.Err(); err != nil {
		return models.Trade{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[reference]
	if !ok {
		return models.Trade{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) LoadOpenTrades(ctx context.Context) ([]models.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Trade
	for _, t := range m.trades {
		if t.Status == models.TradePending || t.Status == models.TradePlaced {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Reference < out[j].Reference
	})
	return out, nil
}
