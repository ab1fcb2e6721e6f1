package engine

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterConfig holds the per-tenant token-bucket settings.
type LimiterConfig struct {
	// RequestsPerSecond is the sustained rate (tokens added per second).
	RequestsPerSecond float64
	// Burst is the maximum number of runs allowed in a burst.
	Burst int
}

// tenantBucket tracks one tenant's limiter and when it was last seen.
type tenantBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TenantLimiter enforces a per-tenant token-bucket run limit. Stale
// tenant entries are swept on access so idle tenants do not accumulate.
type TenantLimiter struct {
	cfg       LimiterConfig
	mu        sync.Mutex
	tenants   map[string]*tenantBucket
	lastSweep time.Time
	now       func() time.Time
}

const (
	limiterSweepEvery = 5 * time.Minute
	limiterStaleAfter = 10 * time.Minute
)

// NewTenantLimiter creates a limiter shared across requests.
func NewTenantLimiter(cfg LimiterConfig) *TenantLimiter {
	return &TenantLimiter{
		cfg:     cfg,
		tenants: make(map[string]*tenantBucket),
		now:     time.Now,
	}
}

// Allow reports whether the tenant may run a query right now.
func (l *TenantLimiter) Allow(tenantID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterSweepEvery {
		for id, b := range l.tenants {
			if now.Sub(b.lastSeen) > limiterStaleAfter {
				delete(l.tenants, id)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.tenants[tenantID]
	if !ok {
		b = &tenantBucket{
			limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst),
		}
		l.tenants[tenantID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}
