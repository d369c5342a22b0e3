package runner

import (
	"math"
	"time"
)

// backoffDelay returns the delay before retry number attempt (1-based),
// exponential with a cap.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max || d < 0 {
		d = max
	}
	return d
}
