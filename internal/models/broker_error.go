package models

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// BrokerError — ошибка брокера с признаком, можно ли повторить запрос.
type BrokerError struct {
	Code      string
	Msg       string
	Transient bool
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker error code=%s msg=%s transient=%t", e.Code, e.Msg, e.Transient)
}

// IsTransient — стоит ли повторять. Таймауты и сетевые ошибки считаются временными.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
