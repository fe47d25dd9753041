// Package backoff computes the retry delay sequence used when the session
// transport drops involuntarily. Retries never give up: only an explicit
// disconnect or a terminal session error stops the loop, so the policy only
// bounds how often attempts happen, never how many.
package backoff

import (
	"sync"
	"time"
)

// Config holds the delay curve parameters.
type Config struct {
	// FastStep is the per-attempt increment during the fast phase.
	FastStep time.Duration
	// FastRetries is the number of fast attempts before linear growth.
	FastRetries int
	// LinearStep is the per-attempt increment after the fast phase.
	LinearStep time.Duration
	// Cap bounds the delay.
	Cap time.Duration
}

// DefaultConfig returns the production curve: 300/600/900ms to absorb
// transient blips, then +500ms per attempt capped at 60s.
func DefaultConfig() Config {
	return Config{
		FastStep:    300 * time.Millisecond,
		FastRetries: 3,
		LinearStep:  500 * time.Millisecond,
		Cap:         60 * time.Second,
	}
}

// Policy tracks the attempt count since the last successful connection.
type Policy struct {
	mu       sync.Mutex
	cfg      Config
	attempts int
}

// New creates a policy with the given curve.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

// Delay returns the delay before attempt n (1-based). Pure function of n.
func (p *Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n <= p.cfg.FastRetries {
		return p.cfg.FastStep * time.Duration(n)
	}
	d := p.cfg.FastStep*time.Duration(p.cfg.FastRetries) + p.cfg.LinearStep*time.Duration(n-p.cfg.FastRetries)
	if d > p.cfg.Cap {
		return p.cfg.Cap
	}
	return d
}

// Next records one more failed attempt and returns the delay to wait
// before retrying.
func (p *Policy) Next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	return p.Delay(p.attempts)
}

// Reset clears the attempt count after a successful (re)connection.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
}

// Attempts returns the failed attempt count since the last reset.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}
