package livechannel

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// delayPolicy yields initial, 2*initial, 4*initial... capped at max, with no
// jitter and no overall deadline.
type delayPolicy struct {
	exponential *backoff.ExponentialBackOff
}

func newDelayPolicy(initial, maximum time.Duration) *delayPolicy {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if maximum < initial {
		maximum = initial
	}
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = initial
	exponential.Multiplier = 2
	exponential.RandomizationFactor = 0
	exponential.MaxInterval = maximum
	exponential.MaxElapsedTime = 0 // retry indefinitely
	exponential.Reset()
	return &delayPolicy{exponential: exponential}
}

// Next returns the delay before the next attempt and advances the sequence.
func (p *delayPolicy) Next() time.Duration {
	delay := p.exponential.NextBackOff()
	if delay == backoff.Stop {
		return p.exponential.MaxInterval
	}
	return delay
}

// Reset restarts the sequence at the initial delay.
func (p *delayPolicy) Reset() {
	p.exponential.Reset()
}
