package syncqueue

import (
	"math"
	"math/rand"
	"time"
)

const maxDelay = time.Duration(math.MaxInt64)

// Backoff spaces out retries of a failed task.
type Backoff struct {
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier"`
	// Jitter adds ±20% randomness to each delay
	Jitter bool `yaml:"jitter"`
}

func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Delay returns the wait after the given number of failed attempts.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 || b.InitialDelay <= 0 {
		return 0
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	// initialDelay * multiplier^(attempts-1)
	delay := float64(b.InitialDelay) * math.Pow(multiplier, float64(attempts-1))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if b.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}
	// without MaxDelay the product overflows after enough attempts
	if delay >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(delay)
}
