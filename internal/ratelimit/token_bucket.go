// Package ratelimit implements the token bucket that bounds DCS
// compare-and-swap retry storms for pgkeeper.
//
// A CAS mismatch (spec §4.3) means another writer raced; the executor
// aborts the remainder of the sequence and the next tick re-resolves. If
// two supervisors disagree about leadership and both keep retrying writes
// to the same sync key, an unbounded retry loop would hammer the DCS.
// The bucket caps how many CAS attempts a supervisor may spend per
// refill window; once exhausted, further attempts in the same window are
// deferred to the next tick.
//
// Cost model: every CAS attempt costs 1 token, regardless of transition
// kind — the resource being protected is DCS request rate, not any
// property of the transition itself.
//
// Invariants:
//   - tokens ∈ [0, capacity] at all times.
//   - Allow() is atomic under mutex.
//   - Refill goroutine runs for the lifetime of the Bucket.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bucket is a thread-safe token bucket for rate-limiting DCS CAS attempts.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64

	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts the refill
// goroutine. capacity must be > 0. refillPeriod must be > 0.
// Call Close() to stop the refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("ratelimit.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("ratelimit.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

// refillLoop runs in a dedicated goroutine and refills the bucket to full
// capacity every refillPeriod. Exits when Close() is called.
func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Allow attempts to consume one token for a single DCS CAS attempt.
// Returns true if a token was available. Returns false if the bucket is
// exhausted, in which case the caller must defer the retry to the next
// tick rather than attempting the CAS write.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= 1 {
		b.tokens--
		b.consumedTotal.Add(1)
		return true
	}
	return false
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the maximum token capacity.
func (b *Bucket) Capacity() int {
	return b.capacity // Immutable after construction.
}

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 {
	return b.consumedTotal.Load()
}

// RefillCount returns the number of refill cycles completed.
func (b *Bucket) RefillCount() uint64 {
	return b.refillCount.Load()
}

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() {
	close(b.stop)
}
