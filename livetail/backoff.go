package livetail

import "time"

const (
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// Backoff computes reconnection delays: Base * 2^attempt, capped at Cap.
// The zero value uses DefaultBaseDelay and DefaultMaxDelay.
type Backoff struct {
	Base    time.Duration
	Cap     time.Duration
	attempt int
}

// Delay returns the delay for the current attempt without consuming it.
func (backoff *Backoff) Delay() time.Duration {
	base, maxDelay := backoff.Base, backoff.Cap
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	delay := base
	for i := 0; i < backoff.attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// Next returns the delay for the current attempt and moves to the next one.
func (backoff *Backoff) Next() time.Duration {
	delay := backoff.Delay()
	backoff.attempt++
	return delay
}

func (backoff *Backoff) Reset() {
	backoff.attempt = 0
}

func (backoff *Backoff) Attempt() int {
	return backoff.attempt
}
