package service

import (
	"math"
	"time"

	"breakout_bot/internal/detector"
	"breakout_bot/internal/models"
	"breakout_bot/pkg/metrics"

	"go.uber.org/zap"
)

// step — результат одного шага автомата: переход (если был) и нужно ли
// прогнать ту же свечу через новое состояние.
type step struct {
	tr     *models.Transition
	reeval bool

	// spawned — наблюдатель, заведённый на смену ушедшему из первого состояния
	spawned *models.Transition
}

// advance прогоняет свечу через кандидата, пока состояние меняется и разрешена переоценка.
func (t *Tracker) advance(b *book, cand *models.SetupCandidate, c models.Candle, past []models.Candle) []models.Transition {
	var out []models.Transition
	for !cand.State.Terminal() {
		var s step
		switch cand.State {
		case models.StateWatchingFirstBreakout:
			s = t.onFirstBreakout(b, cand, c, past)
		case models.StateWatchingConsolidation:
			s = t.onConsolidation(cand, c, past)
		case models.StateWatchingSecondBreakout:
			s = t.onSecondBreakout(cand, c, past)
		case models.StateWaitingEntry:
			s = t.onWaitingEntry(cand, c, past)
		default:
			return out
		}
		if s.tr == nil {
			return out
		}
		out = append(out, *s.tr)
		if s.spawned != nil {
			out = append(out, *s.spawned)
		}
		if !s.reeval {
			return out
		}
	}
	return out
}

// sweep — уровень и направление пробоя для стороны: шорт ловит вынос хая, лонг — вынос лоя.
func sweep(side models.Side, high, low float64) (float64, detector.Direction) {
	if side == models.SideSell {
		return high, detector.Up
	}
	return low, detector.Down
}

// reversal — направление ожидаемого разворота после второго пробоя.
func reversal(side models.Side) detector.Direction {
	if side == models.SideSell {
		return detector.Down
	}
	return detector.Up
}

func (t *Tracker) breakoutParams() detector.BreakoutParams {
	return detector.BreakoutParams{
		VolumeLookback:    t.cfg.VolumeLookback,
		VolumeMultiplier:  t.cfg.VolumeMultiplier,
		RejectionWickFrac: t.cfg.RejectionWickFrac,
		MinScore:          t.cfg.MinBreakoutScore,
	}
}

func (t *Tracker) referenceParams() detector.ReferenceParams {
	return detector.ReferenceParams{
		WickLookback:    t.cfg.WickLookback,
		WickPercentile:  t.cfg.WickPercentile,
		WickMinSamples:  t.cfg.WickMinSamples,
		WickFallbackPct: t.cfg.WickFallbackPct,
		MinBodyPct:      t.cfg.MinBodyPct,
		MaxBodyPct:      t.cfg.MaxBodyPct,
	}
}

func (t *Tracker) qualityParams() detector.QualityParams {
	return detector.QualityParams{
		MinDuration:    t.cfg.MinConsolidation,
		TouchTolerance: t.cfg.TouchTolerance,
		MinTouches:     t.cfg.MinTouches,
	}
}

func (t *Tracker) onFirstBreakout(b *book, cand *models.SetupCandidate, c models.Candle, past []models.Candle) step {
	if t.cfg.FirstBreakoutWindow > 0 && c.Time.Sub(cand.StateEnteredAt) > t.cfg.FirstBreakoutWindow {
		return step{tr: ptr(t.invalidate(cand, c.Time, models.ReasonFirstBreakoutTimeout))}
	}

	level, dir := sweep(cand.Side, cand.Levels.High, cand.Levels.Low)

	if !cand.Armed {
		inside := c.Close < level
		if dir == detector.Down {
			inside = c.Close > level
		}
		if inside {
			cand.Armed = true
			cand.UpdatedAt = c.Time
		}
		return step{}
	}

	sig := detector.ScoreBreakout(c, level, dir, past, t.breakoutParams())
	if !sig.Confirmed(t.cfg.MinBreakoutScore) {
		return step{}
	}

	extreme := c.High
	if dir == detector.Down {
		extreme = c.Low
	}
	cand.FirstBreakout = &models.BreakoutMark{Price: extreme, Time: c.Time, Score: sig.Score}
	tr := t.move(cand, c.Time, models.StateWatchingConsolidation)

	t.log.Info("[TRACKER] first breakout",
		zap.String("candidate", cand.ID),
		zap.String("symbol", cand.Symbol),
		zap.String("side", string(cand.Side)),
		zap.Float64("level", level),
		zap.Float64("extreme", extreme),
		zap.Float64("score", sig.Score),
		zap.Bool("volume", sig.VolumeSurge),
		zap.Bool("rejection", sig.Rejection))

	// следующий наблюдатель той же стороны, взведётся после возврата под уровень
	next := t.spawn(b, cand.Side, c.Time, false)

	// окно консолидации начинается со следующей свечи
	return step{tr: &tr, spawned: &next}
}

func (t *Tracker) onConsolidation(cand *models.SetupCandidate, c models.Candle, past []models.Candle) step {
	window := cand.Consolidation
	rev := reversal(cand.Side)

	// подтверждение по окну без текущей свечи: она сама может оказаться вторым пробоем
	var (
		bounds  detector.Bounds
		quality detector.Quality
		verdict = detector.RangeUnknown
		ref     models.Candle
		hasRef  bool
		spanOK  bool
	)
	if len(window) > 0 {
		bounds = detector.ComputeBounds(window)
		quality = detector.ComputeQuality(window, t.qualityParams())
		verdict = t.policy.Check(bounds, past)
		ref, hasRef = detector.SelectReference(window, past, rev, t.referenceParams())
		spanOK = detector.WindowSpan(window) >= t.cfg.MinConsolidation
	}
	qualityOK := quality.Score >= t.cfg.MinQuality

	if spanOK && qualityOK && verdict == detector.RangeOK && hasRef {
		cand.ConsolidationFrozen = true
		r := ref
		cand.Reference = &r
		tr := t.move(cand, c.Time, models.StateWatchingSecondBreakout)

		t.log.Info("[TRACKER] consolidation confirmed",
			zap.String("candidate", cand.ID),
			zap.String("symbol", cand.Symbol),
			zap.Float64("high", bounds.High),
			zap.Float64("low", bounds.Low),
			zap.Float64("quality", quality.Score),
			zap.String("policy", t.policy.Name()),
			zap.Time("reference", ref.Time))
		return step{tr: &tr, reeval: true}
	}

	if c.Time.Sub(cand.StateEnteredAt) > t.cfg.MaxConsolidation {
		reason := models.ReasonConsolidationTimeout
		switch {
		case !spanOK:
		case !qualityOK:
			reason = models.ReasonQualityTooLow
		case verdict != detector.RangeOK:
			reason = models.ReasonRangeOutOfBounds
		case !hasRef:
			reason = models.ReasonNoReferenceCandle
		}
		return step{tr: ptr(t.invalidate(cand, c.Time, reason))}
	}

	cand.Consolidation = append(cand.Consolidation, c)
	cand.UpdatedAt = c.Time

	if t.policy.Check(detector.ComputeBounds(cand.Consolidation), past) == detector.RangeTooWide {
		return step{tr: ptr(t.invalidate(cand, c.Time, models.ReasonRangeOutOfBounds))}
	}
	return step{}
}

func (t *Tracker) onSecondBreakout(cand *models.SetupCandidate, c models.Candle, past []models.Candle) step {
	if c.Time.Sub(cand.StateEnteredAt) > t.cfg.SecondBreakoutTimeout {
		return step{tr: ptr(t.invalidate(cand, c.Time, models.ReasonSecondBreakoutTimeout))}
	}

	frozen := detector.ComputeBounds(cand.Consolidation)
	level, dir := sweep(cand.Side, frozen.High, frozen.Low)

	sig := detector.ScoreBreakout(c, level, dir, past, t.breakoutParams())
	if sig.Confirmed(t.cfg.MinBreakoutScore) {
		sb := c
		cand.SecondBreakout = &sb
		cand.SpikeExtreme = c.High
		if dir == detector.Down {
			cand.SpikeExtreme = c.Low
		}
		tr := t.move(cand, c.Time, models.StateWaitingEntry)

		t.log.Info("[TRACKER] second breakout",
			zap.String("candidate", cand.ID),
			zap.String("symbol", cand.Symbol),
			zap.Float64("level", level),
			zap.Float64("spike", cand.SpikeExtreme),
			zap.Float64("score", sig.Score))
		return step{tr: &tr, reeval: true}
	}

	// закрытие за опорной свечой до второго пробоя — разворот случился без нас
	ref := cand.Reference
	if ref != nil {
		if (cand.Side == models.SideSell && c.Close < ref.Low) ||
			(cand.Side == models.SideBuy && c.Close > ref.High) {
			return step{tr: ptr(t.invalidate(cand, c.Time, models.ReasonExcessiveRetracement))}
		}
	}
	return step{}
}

func (t *Tracker) onWaitingEntry(cand *models.SetupCandidate, c models.Candle, past []models.Candle) step {
	if c.Time.Sub(cand.StateEnteredAt) > t.cfg.EntryTimeout {
		return step{tr: ptr(t.invalidate(cand, c.Time, models.ReasonEntryTimeout))}
	}

	if cand.Side == models.SideSell {
		cand.SpikeExtreme = math.Max(cand.SpikeExtreme, c.High)
	} else {
		cand.SpikeExtreme = math.Min(cand.SpikeExtreme, c.Low)
	}
	cand.UpdatedAt = c.Time

	ref := cand.Reference
	triggered := (cand.Side == models.SideSell && c.Close < ref.Low) ||
		(cand.Side == models.SideBuy && c.Close > ref.High)
	if !triggered {
		return step{}
	}

	t.fillEntry(cand, c, past)
	tr := t.move(cand, c.Time, models.StateSetupComplete)
	metrics.DefaultMetrics.CandidatesCompleted.Inc()

	t.log.Info("[TRACKER] setup complete",
		zap.String("candidate", cand.ID),
		zap.String("symbol", cand.Symbol),
		zap.String("side", string(cand.Side)),
		zap.Float64("entry", cand.EntryPrice),
		zap.Float64("stop", cand.StopLoss),
		zap.Float64("target", cand.TakeProfit),
		zap.Float64("rr", cand.RiskReward))
	return step{tr: &tr}
}

// fillEntry: вход по закрытию, стоп за экстремумом спайка с буфером,
// цель — противоположный уровень сессии или фиксированный RR, если уровень уже пройден.
func (t *Tracker) fillEntry(cand *models.SetupCandidate, c models.Candle, past []models.Candle) {
	entry := c.Close
	buf := t.cfg.StopBufferPct / 100

	var stop, target float64
	if cand.Side == models.SideSell {
		stop = cand.SpikeExtreme * (1 + buf)
		risk := stop - entry
		target = cand.Levels.Low
		if target <= 0 || target >= entry {
			target = entry - t.cfg.FallbackRR*risk
		}
	} else {
		stop = cand.SpikeExtreme * (1 - buf)
		risk := entry - stop
		target = cand.Levels.High
		if target <= entry {
			target = entry + t.cfg.FallbackRR*risk
		}
	}

	risk := math.Abs(entry - stop)
	cand.EntryTime = c.End()
	cand.EntryPrice = entry
	cand.StopLoss = stop
	cand.TakeProfit = target
	if risk > 0 {
		cand.RiskReward = math.Abs(target-entry) / risk
	}
	cand.VolatilityHint = detector.ATR(past, volatilityPeriod)
}

func (t *Tracker) move(cand *models.SetupCandidate, at time.Time, to models.CandidateState) models.Transition {
	from := cand.State
	cand.State = to
	cand.StateEnteredAt = at
	cand.UpdatedAt = at
	return models.Transition{
		CandidateID: cand.ID,
		Symbol:      cand.Symbol,
		Side:        cand.Side,
		From:        from,
		To:          to,
		At:          at,
		Candidate:   cand.Clone(),
	}
}

func (t *Tracker) invalidate(cand *models.SetupCandidate, at time.Time, reason models.InvalidationReason) models.Transition {
	cand.Reason = reason
	tr := t.move(cand, at, models.StateInvalidated)
	tr.Reason = reason
	metrics.DefaultMetrics.CandidatesInvalidated.WithLabelValues(string(reason)).Inc()

	t.log.Info("[TRACKER] candidate invalidated",
		zap.String("candidate", cand.ID),
		zap.String("symbol", cand.Symbol),
		zap.String("side", string(cand.Side)),
		zap.String("reason", string(reason)))
	return tr
}

func ptr[T any](v T) *T { return &v }
