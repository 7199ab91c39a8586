package service

import (
	"context"
	"errors"
)

type volatilityRanker interface {
	TopVolatile(ctx context.Context, n int) ([]string, error)
}

// Watchlist — символы из конфига или, если их нет, топ волатильных с биржи.
type Watchlist struct {
	ranker  volatilityRanker
	symbols []string
	topN    int
}

func NewWatchlist(ranker volatilityRanker, symbols []string, topN int) *Watchlist {
	return &Watchlist{ranker: ranker, symbols: symbols, topN: topN}
}

func (w *Watchlist) Symbols(ctx context.Context) ([]string, error) {
	if len(w.symbols) > 0 {
		return append([]string(nil), w.symbols...), nil
	}
	if w.ranker == nil || w.topN <= 0 {
		return nil, errors.New("watchlist is empty")
	}
	syms, err := w.ranker.TopVolatile(ctx, w.topN)
	if err != nil {
		return nil, err
	}
	if len(syms) == 0 {
		return nil, errors.New("exchange returned no volatile instruments")
	}
	return syms, nil
}
