// Package storage - admission control for the admin RPC surface.
//
// What: a token-bucket rate limiter.
// How: a buffered channel of tokens refilled on a ticker.
// Why: protect background contraction from being starved by a scripted
//      admin client hammering ForceContract (cmd/ibufctl/main.go).
package storage

import (
	"context"
	"time"
)

// RateLimiter limits the rate of operations.
type RateLimiter struct {
	ticker   *time.Ticker
	tokens   chan struct{}
	capacity int
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(opsPerSecond int) *RateLimiter {
	rl := &RateLimiter{
		ticker:   time.NewTicker(time.Second / time.Duration(opsPerSecond)),
		tokens:   make(chan struct{}, opsPerSecond),
		capacity: opsPerSecond,
	}

	// Fill initial tokens
	for i := 0; i < opsPerSecond; i++ {
		rl.tokens <- struct{}{}
	}

	// Refill tokens
	go func() {
		for range rl.ticker.C {
			select {
			case rl.tokens <- struct{}{}:
			default:
			}
		}
	}()

	return rl
}

// Wait blocks until a token is available.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-rl.tokens:
		return nil
	}
}

// Stop stops the rate limiter.
func (rl *RateLimiter) Stop() {
	rl.ticker.Stop()
}
