package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// localLimiter bounds traffic from this one instance while the shared store
// is unreachable. It is deliberately not authoritative: with N instances the
// effective limit degrades to N times the policy limit, which is still far
// better than unbounded admission during an outage.
type localLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLocalLimiter() *localLimiter {
	return &localLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *localLimiter) allowN(policy Policy, subjectID string, n int64) bool {
	window := policy.Window
	if policy.Kind == KindSpend {
		window = 24 * time.Hour
	}

	key := policy.Name + ":" + subjectID

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		perSecond := rate.Limit(float64(policy.Limit) / window.Seconds())
		lim = rate.NewLimiter(perSecond, int(policy.Limit))
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	return lim.AllowN(time.Now(), int(n))
}
