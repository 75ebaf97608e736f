// Package ratelimit applies a per-identity token bucket to mutation traffic.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keys token buckets by caller identity. Buckets idle past the
// eviction window are dropped so the map stays bounded.
type Limiter struct {
	capacity int
	refill   rate.Limit
	idle     time.Duration
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New builds a Limiter with the given burst capacity and per-second refill.
// idle bounds how long an unused bucket survives.
func New(capacity, refillPerSec int, idle time.Duration) *Limiter {
	if capacity <= 0 {
		capacity = 10
	}
	if refillPerSec <= 0 {
		refillPerSec = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Limiter{
		capacity: capacity,
		refill:   rate.Limit(refillPerSec),
		idle:     idle,
		now:      time.Now,
		buckets:  map[string]*bucket{},
	}
}

// Allow consumes one token for the identity, reporting whether the request
// may proceed.
func (l *Limiter) Allow(identity string) bool {
	l.mu.Lock()
	b, ok := l.buckets[identity]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.refill, l.capacity)}
		l.buckets[identity] = b
	}
	b.lastSeen = l.now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

// Update applies new limits to existing buckets and to any bucket created
// afterwards. Zero or negative values leave the current setting in place.
// Called from the config watcher on reload.
func (l *Limiter) Update(capacity, refillPerSec int, idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if capacity > 0 {
		l.capacity = capacity
	}
	if refillPerSec > 0 {
		l.refill = rate.Limit(refillPerSec)
	}
	if idle > 0 {
		l.idle = idle
	}
	for _, b := range l.buckets {
		b.limiter.SetLimit(l.refill)
		b.limiter.SetBurst(l.capacity)
	}
}

// Sweep evicts buckets idle past the window. Wired to the periodic
// maintenance job.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
			evicted++
		}
	}
	return evicted
}

// Size returns the number of live buckets.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
