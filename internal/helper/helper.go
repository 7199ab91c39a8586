package helper

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
)

// MinuteFloor выравнивает время по началу минуты в UTC.
func MinuteFloor(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

func RoundDownToTick(px, tick float64) float64 {
	if tick <= 0 {
		return px
	}
	steps := math.Floor(px/tick + 1e-12)
	return steps * tick
}

func RoundUpToTick(px, tick float64) float64 {
	if tick <= 0 {
		return px
	}
	steps := math.Ceil(px/tick - 1e-12)
	return steps * tick
}

// HashID — детерминированный id из частей: sha256 в hex.
func HashID(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

// CandidateID зависит только от символа, стороны, начала сессии и номера наблюдателя,
// поэтому повторный прогон тех же данных даёт те же id.
func CandidateID(symbol, side string, sessionStart time.Time, seq int) string {
	return HashID(symbol, side, sessionStart.UTC().Format(time.RFC3339), fmt.Sprintf("%d", seq))
}

const referencePrefix = "lq"

// OrderReference — базовая ссылка ордера для кандидата.
// OKX принимает clOrdId до 32 символов [a-zA-Z0-9]: "lq" + 24 hex + 2 символа ноги = 28.
func OrderReference(candidateID string) string {
	return referencePrefix + HashID("order", candidateID)[:24]
}

// LegReference — ссылка конкретной ноги брекета.
func LegReference(base, leg string) string {
	return base + leg
}

// HasReference — относится ли clOrdId брокера к базовой ссылке.
func HasReference(clientRef, base string) bool {
	return base != "" && strings.HasPrefix(clientRef, base)
}
