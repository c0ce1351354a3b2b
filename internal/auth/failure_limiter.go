package auth

import (
	"sync"
	"time"
)

// FailureLimiter blocks a client after repeated failed credential checks,
// with exponential backoff once the threshold is passed. Keys are opaque,
// usually the client IP.
type FailureLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord
	now      func() time.Time

	maxAttempts int
	window      time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type attemptRecord struct {
	failures  int
	lastFail  time.Time
	blockedAt time.Time
}

// NewFailureLimiter blocks a key for baseBackoff after maxAttempts failures
// within window; every further failure doubles the block up to maxBackoff.
func NewFailureLimiter(maxAttempts int, window, baseBackoff, maxBackoff time.Duration) *FailureLimiter {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &FailureLimiter{
		attempts:    make(map[string]*attemptRecord),
		now:         time.Now,
		maxAttempts: maxAttempts,
		window:      window,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
}

// Blocked reports whether key is blocked and for how much longer.
func (l *FailureLimiter) Blocked(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.attempts[key]
	if !ok || rec.blockedAt.IsZero() {
		return false, 0
	}
	until := rec.blockedAt.Add(l.backoff(rec.failures))
	now := l.now()
	if !now.Before(until) {
		return false, 0
	}
	return true, until.Sub(now)
}

// Failure records a failed attempt for key.
func (l *FailureLimiter) Failure(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	rec, ok := l.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		l.attempts[key] = rec
	}
	if !rec.lastFail.IsZero() && now.Sub(rec.lastFail) > l.window {
		rec.failures = 0
		rec.blockedAt = time.Time{}
	}
	rec.failures++
	rec.lastFail = now
	if rec.failures >= l.maxAttempts {
		rec.blockedAt = now
	}
}

// Success forgets key.
func (l *FailureLimiter) Success(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

// backoff is base * 2^(failures - maxAttempts), capped.
func (l *FailureLimiter) backoff(failures int) time.Duration {
	if failures <= l.maxAttempts {
		return l.baseBackoff
	}
	shift := failures - l.maxAttempts
	if shift > 20 {
		return l.maxBackoff
	}
	d := l.baseBackoff * time.Duration(1<<shift)
	if d > l.maxBackoff {
		return l.maxBackoff
	}
	return d
}

// prune drops records idle for more than twice the window and whose block
// has run out. Caller holds mu.
func (l *FailureLimiter) prune(now time.Time) {
	stale := 2 * l.window
	if stale < l.maxBackoff {
		stale = l.maxBackoff
	}
	for k, rec := range l.attempts {
		if now.Sub(rec.lastFail) > stale {
			delete(l.attempts, k)
		}
	}
}
