// Package ratelimit rate-limits inbound camera connections. A burst of
// reconnect attempts from one misbehaving viewer must not starve the accept
// loop for everyone else.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUse    time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now,
		lastUse:    now,
	}
}

// Allow checks if a request can be allowed and consumes a token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.lastUse = now
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}

	return false
}

func (tb *TokenBucket) idleSince(cutoff time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUse.Before(cutoff)
}

// ConnLimiter manages global and per-address connection rate limiting. A rate
// of 0 disables that limit.
type ConnLimiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perAddr   map[string]*TokenBucket
	addrRate  int
	burstSize int
}

// NewConnLimiter creates a connection limiter. globalRate and addrRate are
// connections per second; burstSize is the bucket capacity for both.
func NewConnLimiter(globalRate, addrRate, burstSize int) *ConnLimiter {
	l := &ConnLimiter{
		perAddr:   make(map[string]*TokenBucket),
		addrRate:  addrRate,
		burstSize: burstSize,
	}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burstSize)
	}
	return l
}

// Allow checks whether a new connection from addr is allowed.
func (l *ConnLimiter) Allow(addr string) bool {
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.addrRate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, exists := l.perAddr[addr]
	if !exists {
		bucket = NewTokenBucket(l.addrRate, l.burstSize)
		l.perAddr[addr] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Prune drops per-address buckets that have been idle longer than maxIdle so
// the map doesn't grow with every address ever seen.
func (l *ConnLimiter) Prune(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, bucket := range l.perAddr {
		if bucket.idleSince(cutoff) {
			delete(l.perAddr, addr)
		}
	}
}

// Len reports the number of tracked addresses.
func (l *ConnLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perAddr)
}
