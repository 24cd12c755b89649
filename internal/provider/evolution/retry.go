package evolution

import (
	"context"
	"errors"
	"net"
	"time"
)

// ShouldRetry decides whether a gateway call failure is transient.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ae *apiError
	if errors.As(err, &ae) {
		if ae.Status == 429 || ae.Status == 408 {
			return true
		}
		return ae.Status >= 500 && ae.Status <= 599
	}
	return false
}

func Backoff(attempt int) time.Duration {
	// 200ms, 600ms, 1400ms approx
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
