package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IngestLimiter rate-limits callers per client IP.
type IngestLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIngestLimiter allows rps sustained requests per second per caller
// with the given burst.
func NewIngestLimiter(rps, burst int) *IngestLimiter {
	l := &IngestLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go l.evictIdle()
	return l
}

func (l *IngestLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// evictIdle drops limiters for callers not seen recently.
func (l *IngestLimiter) evictIdle() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for ip, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, ip)
			}
		}
		l.mu.Unlock()
	}
}

// Middleware enforces the limit and answers 429 with Retry-After.
func (l *IngestLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.Trim(r.RemoteAddr, "[]")
		}
		if !l.limiterFor(ip).Allow() {
			w.Header().Set("Retry-After", "5")
			writeProblem(w, &ProblemDetail{
				Type:     "https://ransomeye.dev/errors/err_unavailable",
				Title:    http.StatusText(http.StatusTooManyRequests),
				Status:   http.StatusTooManyRequests,
				Detail:   "rate limit exceeded, retry after the indicated interval",
				Code:     "err_unavailable",
				Instance: r.URL.Path,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
