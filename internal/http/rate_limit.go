package httpx

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// ratePolicy bounds one class of routes.
type ratePolicy struct {
	limit  int
	window time.Duration
}

var (
	policyWrite    = ratePolicy{limit: 60, window: time.Minute}
	policyRead     = ratePolicy{limit: 120, window: time.Minute}
	policyRealtime = ratePolicy{limit: 30, window: 30 * time.Second}
	policyWebhook  = ratePolicy{limit: 60, window: time.Minute}
)

// memoryRateLimiter keeps counters in process. Expired windows are swept
// lazily from Allow.
type memoryRateLimiter struct {
	mu        sync.Mutex
	entries   map[string]rateDecision
	now       func() time.Time
	nextSweep time.Time
}

// NewMemoryRateLimiter returns a process-local limiter.
func NewMemoryRateLimiter() RateLimiter {
	return newMemoryRateLimiter(time.Now)
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{
		entries:   make(map[string]rateDecision),
		now:       now,
		nextSweep: now().Add(rateLimiterSweepInterval),
	}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.After(rl.nextSweep) {
		rl.sweepLocked(now)
	}

	entry, ok := rl.entries[key]
	if !ok || now.After(entry.windowEnd) {
		entry = rateDecision{windowEnd: now.Add(window)}
	}
	if entry.count >= limit {
		entry.allowed = false
		return entry
	}
	entry.count++
	entry.allowed = true
	rl.entries[key] = entry
	return entry
}

func (rl *memoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweepLocked(now)
}

func (rl *memoryRateLimiter) sweepLocked(now time.Time) {
	for key, entry := range rl.entries {
		if now.After(entry.windowEnd) {
			delete(rl.entries, key)
		}
	}
	rl.nextSweep = now.Add(rateLimiterSweepInterval)
}

func (rl *memoryRateLimiter) Close() {}

// withRateLimit rejects requests once keyFn's bucket for route is exhausted.
func (r *Router) withRateLimit(route string, policy ratePolicy, keyFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if policy.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := keyFn(req)
		if key == "" {
			key = rateLimitKeyIP(req)
		}
		decision := r.limiter.Allow(route+"|"+key, policy.limit, policy.window)
		applyRateHeaders(w, policy.limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(route, rateMetricKey(key))
			if !decision.windowEnd.IsZero() {
				wait := math.Ceil(time.Until(decision.windowEnd).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(max(int(wait), 1)))
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// handlerAuthRate authenticates first so the limiter can key on the user.
func (r *Router) handlerAuthRate(route string, policy ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(route, policy, rateLimitKeyUser, next))
}

func rateLimitKeyUser(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.UserID != "" {
		return "user:" + info.UserID
	}
	return ""
}

func rateLimitKeyIP(req *http.Request) string {
	host := clientIP(req)
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// rateMetricKey keeps only the key kind so metric labels stay bounded.
func rateMetricKey(key string) string {
	kind, _, found := strings.Cut(key, ":")
	switch {
	case key == "":
		return "unknown"
	case found && kind != "":
		return kind
	}
	return key
}

func applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(limit-decision.count, 0)))
	if !decision.windowEnd.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}
