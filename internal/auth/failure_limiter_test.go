package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(now *time.Time) *FailureLimiter {
	l := NewFailureLimiter(3, time.Minute, time.Second, 10*time.Second)
	l.now = func() time.Time { return *now }
	return l
}

func TestFailureLimiterBlocksAfterThreshold(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	l := newTestLimiter(&now)

	l.Failure("10.0.0.1")
	l.Failure("10.0.0.1")
	blocked, _ := l.Blocked("10.0.0.1")
	assert.False(t, blocked)

	l.Failure("10.0.0.1")
	blocked, remaining := l.Blocked("10.0.0.1")
	assert.True(t, blocked)
	assert.Equal(t, time.Second, remaining)

	blocked, _ = l.Blocked("10.0.0.2")
	assert.False(t, blocked, "other clients are unaffected")

	now = now.Add(time.Second)
	blocked, _ = l.Blocked("10.0.0.1")
	assert.False(t, blocked, "block expires")
}

func TestFailureLimiterBackoffGrowsAndCaps(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	l := newTestLimiter(&now)

	for i := 0; i < 5; i++ {
		l.Failure("k")
	}
	_, remaining := l.Blocked("k")
	assert.Equal(t, 4*time.Second, remaining)

	for i := 0; i < 10; i++ {
		l.Failure("k")
	}
	_, remaining = l.Blocked("k")
	assert.Equal(t, 10*time.Second, remaining)
}

func TestFailureLimiterWindowAndSuccess(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	l := newTestLimiter(&now)

	l.Failure("k")
	l.Failure("k")
	now = now.Add(2 * time.Minute)
	l.Failure("k")
	blocked, _ := l.Blocked("k")
	assert.False(t, blocked, "failures outside the window reset the count")

	l.Failure("k")
	l.Failure("k")
	blocked, _ = l.Blocked("k")
	assert.True(t, blocked)

	l.Success("k")
	blocked, _ = l.Blocked("k")
	assert.False(t, blocked)
}
