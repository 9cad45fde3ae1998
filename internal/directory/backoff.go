package directory

import "time"

// Backoff yields exponentially growing reconnect delays, capped at Max.
// It is not safe for concurrent use.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	current time.Duration
}

// NewBackoff returns a Backoff starting at initial and doubling up to max.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max}
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	}
	d := b.current
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return d
}

// Reset restarts the sequence after a successful connection.
func (b *Backoff) Reset() {
	b.current = 0
}
