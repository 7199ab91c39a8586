package service

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidSize = errors.New("invalid position size")

type Config struct {
	// RiskPct — доля equity под риском на сделку, в процентах (1.0 => 1%)
	RiskPct float64
	// MaxPositionPct — потолок номинала позиции в процентах от equity (плечо 3x => 300)
	MaxPositionPct float64
	// MinStopVolMult — стоп не ближе MinStopVolMult * ATR, даже если сетап дал ближе
	MinStopVolMult float64
}

// FixedFractional считает размер так, чтобы при срабатывании стопа
// потерять ровно RiskPct от equity. Размер в базовой валюте, без учёта
// контрактов: перевод в sz делает брокер по метаданным инструмента.
type FixedFractional struct {
	cfg Config
}

func NewFixedFractional(cfg Config) *FixedFractional {
	return &FixedFractional{cfg: cfg}
}

func (r *FixedFractional) PositionSize(entryPrice, stopPrice, volatilityHint, balance float64) (float64, error) {
	if entryPrice <= 0 || stopPrice <= 0 {
		return 0, fmt.Errorf("%w: entry/sl <= 0", ErrInvalidSize)
	}
	if balance <= 0 {
		return 0, fmt.Errorf("%w: equity <= 0", ErrInvalidSize)
	}

	riskFraction := r.cfg.RiskPct / 100.0
	if riskFraction <= 0 {
		return 0, fmt.Errorf("%w: riskFraction <= 0", ErrInvalidSize)
	}
	riskUSDT := balance * riskFraction

	// дистанция до стопа, но не уже волатильности
	stopDist := math.Abs(entryPrice - stopPrice)
	if floor := volatilityHint * r.cfg.MinStopVolMult; floor > stopDist {
		stopDist = floor
	}
	if stopDist <= 0 {
		return 0, fmt.Errorf("%w: нулевая дистанция до стопа", ErrInvalidSize)
	}

	size := riskUSDT / stopDist

	// ограничиваем номинал позиции
	if r.cfg.MaxPositionPct > 0 {
		maxSize := balance * r.cfg.MaxPositionPct / 100.0 / entryPrice
		size = math.Min(size, maxSize)
	}

	if size <= 0 || math.IsNaN(size) || math.IsInf(size, 0) {
		return 0, fmt.Errorf("%w: size=%.8f", ErrInvalidSize, size)
	}
	return size, nil
}
