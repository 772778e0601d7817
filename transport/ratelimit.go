package transport

import (
	"net"
	"sync"
	"time"
)

// RateLimiter implements per-IP rate limiting using token buckets.
//
// Discovery sockets use it to keep a single chatty or hostile device from
// starving replies from the rest of the network. Each source IP gets its
// own bucket refilled at a constant rate; a datagram consumes one token.
type RateLimiter struct {
	// rate is the number of datagrams per second allowed per IP
	rate int

	buckets map[string]*bucket
	mu      sync.RWMutex

	cleanupTicker *time.Ticker
	done          chan struct{}
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a per-IP rate limiter allowing rate datagrams per
// second per source IP.
func NewRateLimiter(rate int) *RateLimiter {
	rl := &RateLimiter{
		rate:          rate,
		buckets:       make(map[string]*bucket),
		cleanupTicker: time.NewTicker(5 * time.Minute),
		done:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a datagram from the given IP should be processed.
func (rl *RateLimiter) Allow(ip net.IP) bool {
	if ip == nil {
		return false
	}

	key := ip.String()

	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		b = &bucket{
			tokens:     float64(rl.rate),
			lastRefill: time.Now(),
		}

		rl.mu.Lock()
		rl.buckets[key] = b
		rl.mu.Unlock()
	}

	return b.consume(rl.rate)
}

// consume attempts to take one token, refilling from elapsed time first.
func (b *bucket) consume(rate int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()

	b.tokens += elapsed * float64(rate)
	b.lastRefill = now

	// Cap at rate (burst allowance)
	if b.tokens > float64(rate) {
		b.tokens = float64(rate)
	}

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}

	return false
}

// cleanupLoop periodically drops buckets for IPs not seen recently.
func (rl *RateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.cleanup()
		case <-rl.done:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	threshold := 10 * time.Minute

	for key, b := range rl.buckets {
		b.mu.Lock()
		age := now.Sub(b.lastRefill)
		b.mu.Unlock()

		if age > threshold {
			delete(rl.buckets, key)
		}
	}
}

// Stop stops the rate limiter's cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.done)
	rl.cleanupTicker.Stop()
}
