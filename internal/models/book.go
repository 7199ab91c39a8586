package models

import "time"

// BookState — состояние трекера по символу помимо кандидатов: хвост истории
// для детекторов, защита от повторных свечей и нумерация наблюдателей.
type BookState struct {
	Symbol      string        `json:"symbol"`
	Levels      SessionLevels `json:"levels"`
	SessionHigh float64       `json:"session_high"`
	SessionLow  float64       `json:"session_low"`
	NextSeq     map[Side]int  `json:"next_seq"`
	LastTime    time.Time     `json:"last_time"`
	History     []Candle      `json:"history"`
}

func (b BookState) Clone() BookState {
	out := b
	if b.NextSeq != nil {
		out.NextSeq = make(map[Side]int, len(b.NextSeq))
		for side, seq := range b.NextSeq {
			out.NextSeq[side] = seq
		}
	}
	if b.History != nil {
		out.History = append([]Candle(nil), b.History...)
	}
	return out
}

// Checkpoint — снимок символа после свечи: книга и кандидаты, изменившиеся без перехода
// (окно консолидации, взвод наблюдателя, экстремум спайка).
type Checkpoint struct {
	Book       BookState        `json:"book"`
	Candidates []SetupCandidate `json:"candidates"`
}
