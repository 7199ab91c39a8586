package service

import (
	"fmt"
	"time"
)

// Session — ежедневное окно торговой сессии в часовом поясе Loc.
type Session struct {
	Start time.Duration // смещение от полуночи
	End   time.Duration
	Loc   *time.Location
}

func NewSession(start, end time.Duration, loc *time.Location) (Session, error) {
	if loc == nil {
		loc = time.UTC
	}
	if start < 0 || end > 24*time.Hour || end <= start {
		return Session{}, fmt.Errorf("bad session window %s-%s", start, end)
	}
	return Session{Start: start, End: end, Loc: loc}, nil
}

// Window — текущая сессия, если now внутри неё, иначе ближайшая следующая. Время в UTC.
func (s Session) Window(now time.Time) (start, end time.Time) {
	local := now.In(s.Loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.Loc)

	start, end = day.Add(s.Start), day.Add(s.End)
	if !now.Before(end) {
		next := day.AddDate(0, 0, 1)
		start, end = next.Add(s.Start), next.Add(s.End)
	}
	return start.UTC(), end.UTC()
}

// Previous — сессия, закончившаяся до Window(now).
func (s Session) Previous(now time.Time) (start, end time.Time) {
	curStart, _ := s.Window(now)
	day := curStart.In(s.Loc)
	prev := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.Loc).AddDate(0, 0, -1)
	return prev.Add(s.Start).UTC(), prev.Add(s.End).UTC()
}
