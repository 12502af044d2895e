package httpx

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

func (d rateDecision) remaining(limit int) int {
	return max(limit-d.count, 0)
}

// rateRule is a per-route budget. subject picks who is counted.
type rateRule struct {
	route   string
	limit   int
	window  time.Duration
	subject func(*http.Request) string
}

func (rule rateRule) key(req *http.Request) string {
	subject := ""
	if rule.subject != nil {
		subject = rule.subject(req)
	}
	if subject == "" {
		subject = rateLimitKeyIP(req)
	}
	return rule.route + "|" + subject
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]rateDecision
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryRateLimiter keeps windows in process. Expired windows are swept periodically.
func NewMemoryRateLimiter() RateLimiter {
	return newMemoryRateLimiter(time.Now)
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	rl := &memoryRateLimiter{
		windows: make(map[string]rateDecision),
		now:     now,
		stopCh:  make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *memoryRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	current, ok := rl.windows[key]
	if !ok || !now.Before(current.windowEnd) {
		current = rateDecision{windowEnd: now.Add(window)}
	}
	if current.count >= limit {
		current.allowed = false
		return current
	}
	current.count++
	current.allowed = true
	rl.windows[key] = current
	return current
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *memoryRateLimiter) sweep() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if !now.Before(w.windowEnd) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}

// admit charges req against rule and writes the X-RateLimit headers. On
// rejection it answers 429 and returns false.
func (r *Router) admit(w http.ResponseWriter, req *http.Request, rule rateRule) bool {
	if rule.limit <= 0 || r.limiter == nil {
		return true
	}
	key := rule.key(req)
	decision := r.limiter.Allow(req.Context(), key, rule.limit, rule.window)

	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(rule.limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(decision.remaining(rule.limit)))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
	if decision.allowed {
		return true
	}
	if !decision.windowEnd.IsZero() {
		wait := max(time.Until(decision.windowEnd).Round(time.Second), time.Second)
		headers.Set("Retry-After", strconv.Itoa(int(wait/time.Second)))
	}
	r.recordRateLimitHit(rule.route, rateSubjectKind(key))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func (r *Router) withRateLimit(route string, limit int, window time.Duration, subject func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	rule := rateRule{route: route, limit: limit, window: window, subject: subject}
	return func(w http.ResponseWriter, req *http.Request) {
		if r.admit(w, req, rule) {
			next(w, req)
		}
	}
}

func (r *Router) handlerAuthRate(route string, limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(route, limit, window, r.rateLimitKeyUser, next))
}

func (r *Router) rateLimitKeyUser(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.UserID != "" {
		return "user:" + info.UserID
	}
	return ""
}

func rateLimitKeyIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// rateSubjectKind turns "route|ip:1.2.3.4" into "ip" for metric labels.
func rateSubjectKind(key string) string {
	if idx := strings.LastIndexByte(key, '|'); idx >= 0 {
		key = key[idx+1:]
	}
	kind, _, found := strings.Cut(key, ":")
	if !found || kind == "" {
		return "unknown"
	}
	return kind
}
