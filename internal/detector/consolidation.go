package detector

import (
	"math"
	"time"

	"breakout_bot/internal/models"
)

// Bounds — границы окна. Всегда считаются из списка свечей, отдельно не хранятся.
type Bounds struct {
	High  float64
	Low   float64
	Range float64
}

func (b Bounds) Mid() float64 { return (b.High + b.Low) / 2 }

// ComputeBounds — max(high), min(low) по окну.
func ComputeBounds(window []models.Candle) Bounds {
	if len(window) == 0 {
		return Bounds{}
	}
	b := Bounds{High: window[0].High, Low: window[0].Low}
	for _, c := range window[1:] {
		if c.High > b.High {
			b.High = c.High
		}
		if c.Low < b.Low {
			b.Low = c.Low
		}
	}
	b.Range = b.High - b.Low
	return b
}

// WindowSpan — сколько времени покрывает окно (минутные свечи).
func WindowSpan(window []models.Candle) time.Duration {
	if len(window) == 0 {
		return 0
	}
	return window[len(window)-1].End().Sub(window[0].Time)
}

type QualityParams struct {
	MinDuration    time.Duration
	TouchTolerance float64 // доля range, в пределах которой считаем касание границы
	MinTouches     int
}

// Веса качества консолидации.
const (
	qualityDurationWeight   = 0.4
	qualityTouchesWeight    = 0.4
	qualityDispersionWeight = 0.2
)

type Quality struct {
	Duration   float64
	Touches    float64
	Dispersion float64
	TouchCount int
	Score      float64
}

// ComputeQuality: длительность, число возвратов к границам и насколько окно
// боковое (слабый дрейф от первого открытия к последнему закрытию).
func ComputeQuality(window []models.Candle, p QualityParams) Quality {
	var q Quality
	if len(window) == 0 {
		return q
	}

	if p.MinDuration > 0 {
		q.Duration = math.Min(1, float64(WindowSpan(window))/float64(p.MinDuration))
	} else {
		q.Duration = 1
	}

	b := ComputeBounds(window)
	tol := p.TouchTolerance * b.Range
	for _, c := range window {
		if c.High >= b.High-tol {
			q.TouchCount++
		}
		if c.Low <= b.Low+tol {
			q.TouchCount++
		}
	}
	if p.MinTouches > 0 {
		q.Touches = math.Min(1, float64(q.TouchCount)/float64(p.MinTouches))
	} else {
		q.Touches = 1
	}

	if b.Range > 0 {
		drift := math.Abs(window[len(window)-1].Close - window[0].Open)
		q.Dispersion = 1 - math.Min(1, drift/b.Range)
	}

	q.Score = qualityDurationWeight*q.Duration +
		qualityTouchesWeight*q.Touches +
		qualityDispersionWeight*q.Dispersion
	return q
}
