package mutex

import (
	"time"

	"github.com/sony/gobreaker"
)

// BreakerOptions tunes the optional contention circuit breaker. When open,
// Lock fails immediately instead of burning a full retry budget against a
// word that defeated the last several acquisitions.
type BreakerOptions struct {
	ConsecutiveFailures uint32        // failed acquisitions before tripping
	OpenInterval        time.Duration // how long the breaker stays open
}

type contentionBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func newContentionBreaker(name string, opts BreakerOptions) *contentionBreaker {
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.OpenInterval <= 0 {
		opts.OpenInterval = 2 * time.Second
	}
	return &contentionBreaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: opts.OpenInterval,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.ConsecutiveFailures
			},
		}),
	}
}

func (b *contentionBreaker) run(acquire func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, acquire()
	})
	return err
}
