// Package ratelimit bounds what a single client address can hold open or
// trigger: concurrent live sessions and notification broadcasts.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type Config struct {
	// MaxSessionsPerClient caps concurrent live sessions per client key.
	MaxSessionsPerClient int

	// RPS and Burst shape the request token bucket per client key.
	RPS   float64
	Burst int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*clientLimiter
}

type clientLimiter struct {
	mu sync.Mutex

	tb       tokenBucket
	sessions int
	lastSeen time.Time
}

type tokenBucket struct {
	tokens float64
	last   time.Time
	primed bool
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*clientLimiter),
	}
}

// ClientKey identifies the caller by remote IP. Ports are dropped so a client
// reconnecting from a new source port shares its budget.
func ClientKey(r *http.Request) string {
	if r == nil {
		return "anonymous"
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if addr == "" {
		return "anonymous"
	}
	return "ip_" + addr
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AcquireSession reserves a live session slot. The permit must be released
// when the session ends.
func (l *Limiter) AcquireSession(key string, now time.Time) Decision {
	if l == nil || l.cfg.MaxSessionsPerClient <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}

	cl := l.getOrCreate(key, now)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.lastSeen = now
	if cl.sessions >= l.cfg.MaxSessionsPerClient {
		return Decision{Allowed: false, RetryAfter: 1}
	}
	cl.sessions++
	return Decision{
		Allowed: true,
		Permit: &Permit{release: func() {
			cl.mu.Lock()
			cl.sessions--
			cl.mu.Unlock()
		}},
	}
}

// AllowRequest takes one token from the client's bucket.
func (l *Limiter) AllowRequest(key string, now time.Time) Decision {
	if l == nil || l.cfg.RPS <= 0 || l.cfg.Burst <= 0 {
		return Decision{Allowed: true}
	}
	cl := l.getOrCreate(key, now)
	ok, retryAfter := cl.allowToken(now, l.cfg.RPS, l.cfg.Burst)
	return Decision{Allowed: ok, RetryAfter: retryAfter}
}

func (l *Limiter) getOrCreate(key string, now time.Time) *clientLimiter {
	if key == "" {
		key = "anonymous"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if cl, ok := l.m[key]; ok {
		return cl
	}
	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
	}
	cl := &clientLimiter{lastSeen: now}
	l.m[key] = cl
	return cl
}

// gcLocked drops idle entries. Entries holding sessions are kept so a permit
// release never lands on a forgotten limiter.
func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		v.mu.Lock()
		idle := v.sessions == 0 && now.Sub(v.lastSeen) > l.cfg.EntryTTL
		v.mu.Unlock()
		if idle {
			delete(l.m, k)
		}
	}
}

func (cl *clientLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.lastSeen = now

	capacity := float64(burst)
	if !cl.tb.primed {
		cl.tb = tokenBucket{tokens: capacity, last: now, primed: true}
	}

	elapsed := now.Sub(cl.tb.last).Seconds()
	if elapsed > 0 {
		cl.tb.tokens = math.Min(capacity, cl.tb.tokens+(elapsed*rps))
		cl.tb.last = now
	}

	if cl.tb.tokens >= 1.0 {
		cl.tb.tokens -= 1.0
		return true, 0
	}

	retryAfter := int(math.Ceil((1.0 - cl.tb.tokens) / rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
