// Package pacing implements the token-bucket pacer used by the download
// engine (§4.5); the upload engine has no pacing bucket. It is deliberately hand-rolled rather than built on
// golang.org/x/time/rate: the spec's bucket has bespoke bounded-wait
// semantics (MIN_WAIT_MS/MAX_WAIT_MS, capacity expressed as seconds of
// target throughput, reservation growth under elevated RTT) that don't map
// onto rate.Limiter's burst/refill model without fighting it, and no
// retrieved example repo imports x/time/rate directly (only listed as an
// indirect, unused dependency in TheEntropyCollective-noisefs/go.mod) — so
// there's no idiomatic usage in the pack to follow either way.
package pacing

import (
	"sync"
	"time"
)

const (
	// MaxWaitMs bounds how long a single Wait call may block.
	MaxWaitMs = 50
	// MinWaitMs is the shortest wait Wait will ever impose once under-filled.
	MinWaitMs = 5
)

// Bucket is a linearly-refilled token bucket measured in bytes. Capacity is
// 3 seconds' worth of the target rate (§4.5).
type Bucket struct {
	mu sync.Mutex

	targetBytesPerSec float64
	capacity          float64
	tokens            float64
	last              time.Time

	// reserveFrac reserves a fraction of tokens for the latency probe;
	// raised under elevated RTT per §4.5's "higher reservation under
	// elevated RTT" purpose note.
	reserveFrac float64
}

// New creates a Bucket targeting targetBytesPerSec, fully filled.
func New(targetBytesPerSec float64) *Bucket {
	cap := targetBytesPerSec * 3
	return &Bucket{
		targetBytesPerSec: targetBytesPerSec,
		capacity:          cap,
		tokens:            cap,
		last:              time.Now(),
		reserveFrac:       0.05,
	}
}

// SetReserveFraction adjusts how much of the bucket's capacity is held back
// from consumers (e.g. raised when the latency probe observes elevated
// RTT, lowered back down once it recovers).
func (b *Bucket) SetReserveFraction(frac float64) {
	if frac < 0 {
		frac = 0
	}
	if frac > 0.5 {
		frac = 0.5
	}
	b.mu.Lock()
	b.reserveFrac = frac
	b.mu.Unlock()
}

// ReserveFraction reports the fraction of capacity currently held back from
// consumers, chiefly for tests and diagnostics.
func (b *Bucket) ReserveFraction() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserveFrac
}

// ScaleTarget multiplies the bucket's target rate by factor (0, 1], used by
// the App shell's force_backoff handling to throttle a saturating engine in
// response to sustained latency timeouts.
func (b *Bucket) ScaleTarget(factor float64) {
	if factor <= 0 || factor >= 1 {
		return
	}
	b.mu.Lock()
	b.targetBytesPerSec *= factor
	b.capacity = b.targetBytesPerSec * 3
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.mu.Unlock()
}

func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.targetBytesPerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// Wait blocks (bounded by MaxWaitMs) until at least n bytes' worth of
// tokens are available outside the reserved fraction, then consumes them.
// It never blocks longer than MaxWaitMs per call; a caller needing to wait
// longer should call Wait again. Wait honors ctx-less cancellation via the
// stop channel: closing stop causes Wait to return immediately.
func (b *Bucket) Wait(n int, stop <-chan struct{}) {
	if b == nil || b.targetBytesPerSec <= 0 {
		return
	}
	for {
		b.mu.Lock()
		now := time.Now()
		b.refill(now)
		available := b.tokens - b.capacity*b.reserveFrac
		if available >= float64(n) {
			b.tokens -= float64(n)
			b.mu.Unlock()
			return
		}
		deficit := float64(n) - available
		waitSecs := deficit / b.targetBytesPerSec
		b.mu.Unlock()

		waitMs := waitSecs * 1000
		if waitMs < MinWaitMs {
			waitMs = MinWaitMs
		}
		if waitMs > MaxWaitMs {
			waitMs = MaxWaitMs
		}

		timer := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return
		}
	}
}
