package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	localIdleTTL    = 10 * time.Minute
	localSweepEvery = 5000
)

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter is a process-local token bucket per scope. The api uses it for
// intake throttling when no redis is configured; limits are per replica.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	lookups int
	now     func() time.Time
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: map[string]*localBucket{}, now: time.Now}
}

// FixedWindowAllow spreads limit tokens evenly over window with a burst of
// limit. The returned count is the number of tokens already spent.
func (l *LocalLimiter) FixedWindowAllow(_ context.Context, scope string, limit int64, window time.Duration) (bool, int64, error) {
	if limit <= 0 || window <= 0 {
		return true, 0, nil
	}
	now := l.now()
	lim := l.bucket(scope, now, rate.Limit(float64(limit)/window.Seconds()), int(limit))
	if lim.AllowN(now, 1) {
		return true, limit - int64(lim.TokensAt(now)), nil
	}
	return false, limit + 1, nil
}

func (l *LocalLimiter) bucket(scope string, now time.Time, r rate.Limit, burst int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	// sweep before lookup so an idle bucket is not refreshed
	l.lookups++
	if l.lookups >= localSweepEvery {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) >= localIdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lookups = 0
	}

	if b, ok := l.buckets[scope]; ok {
		b.lastSeen = now
		return b.limiter
	}
	lim := rate.NewLimiter(r, burst)
	l.buckets[scope] = &localBucket{limiter: lim, lastSeen: now}
	return lim
}
