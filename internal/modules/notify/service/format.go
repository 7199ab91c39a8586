package service

import (
	"fmt"
	"strconv"
	"strings"

	"breakout_bot/internal/models"
)

func f2(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
func f4(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func sideLabel(s models.Side) string {
	if s == models.SideSell {
		return "SHORT"
	}
	return "LONG"
}

func formatSetup(c models.SetupCandidate) string {
	return fmt.Sprintf(
		"*🎯 Сетап готов* `%s` %s\n\n"+
			"Вход: `%s`\n"+
			"Стоп: `%s`\n"+
			"Тейк: `%s`\n"+
			"RR: `%s`\n"+
			"Время: `%s`",
		c.Symbol, sideLabel(c.Side),
		f4(c.EntryPrice),
		f4(c.StopLoss),
		f4(c.TakeProfit),
		f2(c.RiskReward),
		c.EntryTime.UTC().Format("2006-01-02 15:04"),
	)
}

func formatDecision(r models.OrderResult) string {
	emoji := "⚠️"
	switch r.Decision {
	case models.DecisionPlaced:
		emoji = "✅"
	case models.DecisionDuplicate:
		emoji = "♻️"
	case models.DecisionSafeMode:
		emoji = "⛔️"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* `%s`\nref: `%s`", emoji, r.Decision, r.Symbol, r.Reference)
	if r.Reason != models.DecisionReasonNone {
		fmt.Fprintf(&b, "\nпричина: `%s`", r.Reason)
	}
	if r.Decision == models.DecisionPlaced {
		fmt.Fprintf(&b, "\nразмер: `%s`, попыток: %d", f4(r.Size), r.Attempts)
	}
	return b.String()
}

func formatBreaker(t models.EventType, e models.BreakerEvent) string {
	if t == models.EventBreakerCleared {
		return fmt.Sprintf("🟢 *Safe mode снят* (%s). Новые ордера разрешены.", e.Source)
	}
	return fmt.Sprintf(
		"🔴 *Safe mode включён*\nисточник: `%s`\nпричина: %s\n\nНовые ордера остановлены. Снять: /resume",
		e.Source, e.Reason,
	)
}

func formatMismatch(m models.Mismatch) string {
	return fmt.Sprintf("🧐 *Расхождение с брокером* `%s`\n%s %s", m.Kind, m.Symbol, strings.ToUpper(m.PosSide))
}

func formatStatus(safe bool, active []models.SetupCandidate) string {
	mode := "🟢 торговля разрешена"
	if safe {
		mode = "🔴 safe mode"
	}
	counts := make(map[models.CandidateState]int)
	for _, c := range active {
		counts[c.State]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*📊 Статус*\n%s\nактивных кандидатов: %d", mode, len(active))
	for _, st := range []models.CandidateState{
		models.StateWatchingFirstBreakout,
		models.StateWatchingConsolidation,
		models.StateWatchingSecondBreakout,
		models.StateWaitingEntry,
	} {
		if n := counts[st]; n > 0 {
			fmt.Fprintf(&b, "\n  %s: %d", st, n)
		}
	}
	return b.String()
}
