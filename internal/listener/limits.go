package listener

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Rejection reasons reported by Limits.Acquire.
const (
	RejectRate   = "rate"
	RejectGlobal = "global"
	RejectPerIP  = "per_ip"
)

const (
	rateCleanupInterval = 5 * time.Minute
	rateIdleTimeout     = 10 * time.Minute
)

// LimitSettings configures the admission checks applied to every accepted connection.
type LimitSettings struct {
	MaxConnections      int64
	MaxConnectionsPerIP int
	RatePerSecond       float64
	Burst               int
}

// Limits admits connections by per-IP accept rate, a global cap and a per-IP cap, in that order.
// Every successful Acquire must be paired with one Release for the same ip.
type Limits struct {
	global *globalLimiter
	perIP  *ipLimiter
	rate   *rateLimiter
}

func NewLimits(s LimitSettings, clock clockwork.Clock) *Limits {
	return &Limits{
		global: &globalLimiter{max: s.MaxConnections},
		perIP:  &ipLimiter{ips: make(map[string]int), maxPer: s.MaxConnectionsPerIP},
		rate:   newRateLimiter(s.RatePerSecond, s.Burst, clock),
	}
}

// Acquire reserves a slot for ip. On rejection it returns false and the reason.
func (l *Limits) Acquire(ip string) (bool, string) {
	if !l.rate.allow(ip) {
		return false, RejectRate
	}
	if !l.global.acquire() {
		return false, RejectGlobal
	}
	if !l.perIP.acquire(ip) {
		l.global.release()
		return false, RejectPerIP
	}
	return true, ""
}

func (l *Limits) Release(ip string) {
	l.perIP.release(ip)
	l.global.release()
}

// Current returns the number of held slots.
func (l *Limits) Current() int64 {
	return l.global.current.Load()
}

// CountIP returns the slots held by ip.
func (l *Limits) CountIP(ip string) int {
	return l.perIP.count(ip)
}

// globalLimiter caps concurrent connections without a lock.
type globalLimiter struct {
	current atomic.Int64
	max     int64
}

func (l *globalLimiter) acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *globalLimiter) release() {
	l.current.Add(-1)
}

type ipLimiter struct {
	mu     sync.Mutex
	ips    map[string]int
	maxPer int
}

func (l *ipLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *ipLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.ips[ip]; count > 1 {
		l.ips[ip] = count - 1
	} else {
		delete(l.ips, ip)
	}
}

func (l *ipLimiter) count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ips[ip]
}

// rateLimiter keeps one token bucket per ip and drops buckets idle for rateIdleTimeout.
type rateLimiter struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	limiters  map[string]*rateEntry
	limit     rate.Limit
	burst     int
	cleanupAt time.Time
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(perSecond float64, burst int, clock clockwork.Clock) *rateLimiter {
	return &rateLimiter{
		clock:     clock,
		limiters:  make(map[string]*rateEntry),
		limit:     rate.Limit(perSecond),
		burst:     burst,
		cleanupAt: clock.Now().Add(rateCleanupInterval),
	}
}

func (l *rateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		cutoff := now.Add(-rateIdleTimeout)
		for key, entry := range l.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(l.limiters, key)
			}
		}
		l.cleanupAt = now.Add(rateCleanupInterval)
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
