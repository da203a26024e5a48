package main

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window request limiter keyed by client IP. The
// API only talks to UIs on the same machine, so this guards against a
// runaway client loop rather than network abuse.
type RateLimiter struct {
	mu       sync.RWMutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration

	lastSweep time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests:  make(map[string][]time.Time),
		limit:     limit,
		window:    window,
		lastSweep: time.Now(),
	}
}

// Allow records a request for the client and reports whether it fits within
// the window. A non-positive limit blocks everything.
func (rl *RateLimiter) Allow(clientIP string) bool {
	if rl.limit <= 0 {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	if now.Sub(rl.lastSweep) > rl.window {
		rl.sweepLocked(cutoff)
		rl.lastSweep = now
	}

	recent := pruneBefore(rl.requests[clientIP], cutoff)
	if len(recent) >= rl.limit {
		rl.requests[clientIP] = recent
		return false
	}

	rl.requests[clientIP] = append(recent, now)
	return true
}

// sweepLocked drops clients whose whole history has aged out so the map does
// not keep one slice per IP ever seen.
func (rl *RateLimiter) sweepLocked(cutoff time.Time) {
	for ip, stamps := range rl.requests {
		recent := pruneBefore(stamps, cutoff)
		if len(recent) == 0 {
			delete(rl.requests, ip)
			continue
		}
		rl.requests[ip] = recent
	}
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
