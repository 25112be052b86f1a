package sync_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lorekeep/loresync/internal/config"
	"github.com/lorekeep/loresync/internal/services/sync"
)

func TestNextDelayDoublesToCap(t *testing.T) {
	scheduler := sync.NewScheduler(&config.QueueConfig{
		MaxAttempts: 10,
		RetryBase:   time.Second,
		RetryCap:    30 * time.Second,
		RetryJitter: 0,
	}, rand.NewSource(1))

	assert.Equal(t, 1*time.Second, scheduler.NextDelay(0))
	assert.Equal(t, 2*time.Second, scheduler.NextDelay(1))
	assert.Equal(t, 4*time.Second, scheduler.NextDelay(2))
	assert.Equal(t, 16*time.Second, scheduler.NextDelay(4))
	assert.Equal(t, 30*time.Second, scheduler.NextDelay(5))
	assert.Equal(t, 30*time.Second, scheduler.NextDelay(50))
}

func TestNextDelayJitterStaysBounded(t *testing.T) {
	scheduler := sync.NewScheduler(&config.QueueConfig{
		MaxAttempts: 10,
		RetryBase:   time.Second,
		RetryCap:    60 * time.Second,
		RetryJitter: 0.25,
	}, rand.NewSource(42))

	for attempts := 0; attempts < 8; attempts++ {
		ideal := time.Duration(1<<attempts) * time.Second
		if ideal > 60*time.Second {
			ideal = 60 * time.Second
		}
		lo := time.Duration(float64(ideal) * 0.75)
		hi := time.Duration(float64(ideal) * 1.25)

		for i := 0; i < 50; i++ {
			delay := scheduler.NextDelay(attempts)
			assert.GreaterOrEqual(t, delay, lo, "attempts=%d", attempts)
			assert.LessOrEqual(t, delay, hi, "attempts=%d", attempts)
		}
	}
}

func TestExhausted(t *testing.T) {
	scheduler := sync.NewScheduler(&config.QueueConfig{
		MaxAttempts: 3,
		RetryBase:   time.Second,
		RetryCap:    30 * time.Second,
	}, rand.NewSource(1))

	assert.False(t, scheduler.Exhausted(2))
	assert.True(t, scheduler.Exhausted(3))
	assert.Equal(t, 3, scheduler.MaxAttempts())
}
