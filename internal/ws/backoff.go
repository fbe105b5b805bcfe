package ws

import (
	"math/rand/v2"
	"time"
)

// Backoff doubles a reconnect delay from Base up to Max. With Jitter set, each
// delay is shortened by a random fraction of up to Jitter so that agents
// dropped by the same relay restart do not reconnect in lockstep.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // 0..1

	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay for the current attempt and advances.
func (b *Backoff) Next() time.Duration {
	d := b.Max
	if b.attempt < 30 {
		if shifted := b.Base << b.attempt; shifted > 0 && shifted < b.Max {
			d = shifted
		}
	}
	b.attempt++
	if b.Jitter > 0 {
		d -= time.Duration(rand.Float64() * min(b.Jitter, 1) * float64(d))
	}
	return d
}

// Attempts reports how many delays have been handed out since the last Reset.
func (b *Backoff) Attempts() int { return b.attempt }

func (b *Backoff) Reset() { b.attempt = 0 }
