package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a sliding-window request limiter keyed by caller identity.
// Hosted auth endpoints throttle credential attempts per account; the fake
// backend uses this to reproduce that behavior in tests.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	maxReqs int
	window  time.Duration
	cleanup *time.Ticker
}

type bucket struct {
	requests []time.Time
	lastSeen time.Time
}

func NewLimiter(maxRequests int, window time.Duration) *Limiter {
	limiter := &Limiter{
		buckets: make(map[string]*bucket),
		maxReqs: maxRequests,
		window:  window,
		cleanup: time.NewTicker(5 * time.Minute),
	}
	go limiter.cleanupOldBuckets()
	return limiter
}

// Allow records a request for key and reports whether it fits inside the
// window. An empty key is never limited.
func (l *Limiter) Allow(key string) bool {
	if key == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, exists := l.buckets[key]
	if !exists {
		b = &bucket{}
		l.buckets[key] = b
	}

	cutoff := now.Add(-l.window)
	var reqs []time.Time
	for _, t := range b.requests {
		if t.After(cutoff) {
			reqs = append(reqs, t)
		}
	}
	b.requests = reqs
	b.lastSeen = now

	if len(b.requests) >= l.maxReqs {
		return false
	}

	b.requests = append(b.requests, now)
	return true
}

func (l *Limiter) cleanupOldBuckets() {
	for range l.cleanup.C {
		l.mu.Lock()
		staleThreshold := time.Now().Add(-15 * time.Minute)
		for key, b := range l.buckets {
			if b.lastSeen.Before(staleThreshold) {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}

func (l *Limiter) Stop() {
	l.cleanup.Stop()
}
