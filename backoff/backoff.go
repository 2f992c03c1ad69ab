// Package backoff implements the doubling reconnect delay shared by the
// cluster and radio control links.
package backoff

import "time"

// Backoff doubles its delay on every call to Next, up to max, and resets
// to min after a successful connection.
type Backoff struct {
	min, max time.Duration
	current  time.Duration
}

// New returns a Backoff starting at min and saturating at max.
func New(min, max time.Duration) *Backoff {
	return &Backoff{min: min, max: max, current: min}
}

// Next returns the delay to wait before the next reconnect attempt and
// doubles the internal delay for next time.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset returns the delay to its minimum, to be called after a
// connection is established and held long enough to be considered
// stable.
func (b *Backoff) Reset() {
	b.current = b.min
}
