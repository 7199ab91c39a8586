package detector

import "breakout_bot/internal/models"

// Веса композитного скора пробоя.
const (
	breakoutCrossWeight     = 0.4
	breakoutVolumeWeight    = 0.3
	breakoutRejectionWeight = 0.3
)

type BreakoutParams struct {
	VolumeLookback    int
	VolumeMultiplier  float64
	RejectionWickFrac float64
	MinScore          float64
}

type BreakoutSignal struct {
	Crossed     bool
	VolumeSurge bool
	Rejection   bool
	Score       float64
}

// Confirmed — пересечение уровня плюс хотя бы одно подтверждение по скору.
func (s BreakoutSignal) Confirmed(minScore float64) bool {
	return s.Crossed && (s.VolumeSurge || s.Rejection) && s.Score >= minScore
}

// ScoreBreakout оценивает свечу c как пробой уровня level в направлении dir.
// past — свечи строго до c, по ним считается средний объём.
func ScoreBreakout(c models.Candle, level float64, dir Direction, past []models.Candle, p BreakoutParams) BreakoutSignal {
	var s BreakoutSignal

	if dir == Up {
		s.Crossed = c.High > level
	} else {
		s.Crossed = c.Low < level
	}
	if !s.Crossed {
		return s
	}

	if avg, n := averageVolume(past, p.VolumeLookback); n >= minVolumeSamples(p.VolumeLookback) && avg > 0 {
		s.VolumeSurge = c.Volume >= avg*p.VolumeMultiplier
	}

	// отбой: закрылись обратно за уровнем или длинный фитиль в сторону пробоя
	rng := c.Range()
	if dir == Up {
		s.Rejection = c.Close <= level || (rng > 0 && c.UpperWick()/rng >= p.RejectionWickFrac)
	} else {
		s.Rejection = c.Close >= level || (rng > 0 && c.LowerWick()/rng >= p.RejectionWickFrac)
	}

	s.Score = breakoutCrossWeight
	if s.VolumeSurge {
		s.Score += breakoutVolumeWeight
	}
	if s.Rejection {
		s.Score += breakoutRejectionWeight
	}
	return s
}

func minVolumeSamples(lookback int) int {
	if lookback <= 1 {
		return 1
	}
	return lookback / 2
}
