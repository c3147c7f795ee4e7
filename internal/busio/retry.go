package busio

import (
	"time"

	"github.com/jpillora/backoff"
)

var sleep = time.Sleep

type retryBus struct {
	Bus
	attempts int
	min, max time.Duration
}

// WithRetry retries failed transactions up to attempts extra times with
// exponential backoff between min and max.
func WithRetry(b Bus, attempts int, min, max time.Duration) Bus {
	if min <= 0 {
		min = 5 * time.Millisecond
	}
	if max < min {
		max = 20 * min
	}
	return &retryBus{Bus: b, attempts: attempts, min: min, max: max}
}

func (r *retryBus) Tx(addr uint16, w, rd []byte) error {
	bo := &backoff.Backoff{Min: r.min, Max: r.max, Factor: 2}
	var err error
	for i := 0; ; i++ {
		if err = r.Bus.Tx(addr, w, rd); err == nil {
			return nil
		}
		if i >= r.attempts {
			return err
		}
		sleep(bo.Duration())
	}
}
