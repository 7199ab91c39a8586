package detector

import (
	"fmt"
	"strings"

	"breakout_bot/internal/models"
)

type RangeVerdict int

const (
	RangeOK RangeVerdict = iota
	RangeTooNarrow
	RangeTooWide
	// RangeUnknown — политике не хватает данных (например, ATR ещё не посчитан)
	RangeUnknown
)

func (v RangeVerdict) String() string {
	switch v {
	case RangeOK:
		return "ok"
	case RangeTooNarrow:
		return "too_narrow"
	case RangeTooWide:
		return "too_wide"
	}
	return "unknown"
}

// RangePolicy решает, допустима ли ширина консолидации.
// past — свечи символа строго до текущей.
type RangePolicy interface {
	Name() string
	Check(b Bounds, past []models.Candle) RangeVerdict
}

// PercentPolicy — ширина в процентах от середины диапазона.
type PercentPolicy struct {
	MinPct float64
	MaxPct float64
}

func (p PercentPolicy) Name() string { return "percent" }

func (p PercentPolicy) Check(b Bounds, _ []models.Candle) RangeVerdict {
	mid := b.Mid()
	if mid <= 0 {
		return RangeUnknown
	}
	pct := b.Range / mid * 100
	return band(pct, p.MinPct, p.MaxPct)
}

// ATRPolicy — ширина в долях ATR по истории до текущей свечи.
type ATRPolicy struct {
	Period  int
	MinMult float64
	MaxMult float64
}

func (p ATRPolicy) Name() string { return "atr" }

func (p ATRPolicy) Check(b Bounds, past []models.Candle) RangeVerdict {
	atr := ATR(past, p.Period)
	if atr <= 0 {
		return RangeUnknown
	}
	return band(b.Range/atr, p.MinMult, p.MaxMult)
}

func band(v, lo, hi float64) RangeVerdict {
	switch {
	case v > hi:
		return RangeTooWide
	case v < lo:
		return RangeTooNarrow
	}
	return RangeOK
}

type RangeParams struct {
	MinPct     float64
	MaxPct     float64
	ATRPeriod  int
	MinATRMult float64
	MaxATRMult float64
}

// NewRangePolicy — выбор политики по имени из конфига. Пустое имя — ошибка.
func NewRangePolicy(kind string, p RangeParams) (RangePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "percent":
		return PercentPolicy{MinPct: p.MinPct, MaxPct: p.MaxPct}, nil
	case "atr":
		return ATRPolicy{Period: p.ATRPeriod, MinMult: p.MinATRMult, MaxMult: p.MaxATRMult}, nil
	case "":
		return nil, fmt.Errorf("range policy kind is empty")
	}
	return nil, fmt.Errorf("unknown range policy %q", kind)
}
