package auth

import (
	"sync"
	"time"
)

// Rate tiers, in requests per minute. Elevated callers get the higher
// allowance; credential-issuance endpoints use the strict tier
// regardless of caller.
const (
	strictPerMinute   = 10
	standardPerMinute = 240
	elevatedPerMinute = 1200
)

// bucketIdleTTL bounds how long an idle subject keeps a bucket. Every
// tier refills to capacity within a minute, so a bucket idle this long
// holds no state a fresh one would not.
const bucketIdleTTL = 2 * time.Minute

// tierLimiter is a token-bucket limiter keyed by caller subject. Idle
// buckets are swept on the allow path so the map stays bounded by the
// set of recently active subjects.
type tierLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
}

func newTierLimiter() *tierLimiter {
	return &tierLimiter{buckets: make(map[string]*bucket), lastSweep: time.Now()}
}

func (l *tierLimiter) allow(ident Identity, strict bool) bool {
	perMinute := standardPerMinute
	key := ident.Subject
	switch {
	case strict:
		perMinute = strictPerMinute
		key = "strict/" + ident.Subject
	case ident.Elevated:
		perMinute = elevatedPerMinute
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) >= bucketIdleTTL {
		for k, stale := range l.buckets {
			if now.Sub(stale.last) >= bucketIdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			tokens:   float64(perMinute),
			capacity: float64(perMinute),
			rate:     float64(perMinute) / 60,
			last:     now,
		}
		l.buckets[key] = b
	}
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
