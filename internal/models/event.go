package models

import "time"

type EventType string

const (
	EventCandleClosed        EventType = "candle.closed"
	EventCandidateTransition EventType = "candidate.transition"
	EventSetupCompleted      EventType = "setup.completed"
	EventOrderDecision       EventType = "order.decision"
	EventBreakerTripped      EventType = "breaker.tripped"
	EventBreakerCleared      EventType = "breaker.cleared"
	EventConnState           EventType = "source.conn_state"
	EventTickOverflow        EventType = "buffer.overflow"
	EventMismatch            EventType = "state.mismatch"
)

// Event — конверт шины. Timestamp для событий трекера — время свечи, не wall clock.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type BreakerEvent struct {
	Source string
	Reason string
}

type ConnStateEvent struct {
	From ConnState
	To   ConnState
}

type OverflowEvent struct {
	Dropped Tick
	Total   uint64
}
