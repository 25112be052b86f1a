package sync

import (
	"math/rand"
	"sync"
	"time"

	"github.com/lorekeep/loresync/internal/config"
)

// Scheduler computes retry backoff: exponential with a cap, plus
// bounded random jitter so a reconnect does not fire every queued
// retry at the same instant.
type Scheduler struct {
	base        time.Duration
	cap         time.Duration
	jitter      float64
	maxAttempts int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewScheduler creates a scheduler from queue configuration. A nil
// source seeds from the wall clock; tests inject a fixed seed.
func NewScheduler(cfg *config.QueueConfig, src rand.Source) *Scheduler {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}

	return &Scheduler{
		base:        cfg.RetryBase,
		cap:         cfg.RetryCap,
		jitter:      cfg.RetryJitter,
		maxAttempts: cfg.MaxAttempts,
		rng:         rand.New(src),
	}
}

// NextDelay returns the backoff before attempt n+1, given n prior
// attempts: min(base * 2^n, cap), jittered by the configured fraction.
func (s *Scheduler) NextDelay(attempts int) time.Duration {
	delay := s.base
	for i := 0; i < attempts && delay < s.cap; i++ {
		delay *= 2
	}
	if delay > s.cap {
		delay = s.cap
	}

	if s.jitter > 0 {
		s.mu.Lock()
		factor := 1 + s.jitter*(2*s.rng.Float64()-1)
		s.mu.Unlock()
		delay = time.Duration(float64(delay) * factor)
	}

	return delay
}

// Exhausted reports whether a mutation with the given attempt count has
// used up its retry budget and must be dead-lettered.
func (s *Scheduler) Exhausted(attempts int) bool {
	return attempts >= s.maxAttempts
}

// MaxAttempts returns the configured retry budget.
func (s *Scheduler) MaxAttempts() int {
	return s.maxAttempts
}
