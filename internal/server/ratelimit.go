package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"homeescrow/internal/sigauth"
)

// callerLimiter throttles signed mutations per authenticated caller.
type callerLimiter struct {
	perSecond rate.Limit
	burst     int
	idleTTL   time.Duration
	now       func() time.Time
	onReject  func(r *http.Request)

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newCallerLimiter(requestsPerMinute, burst int) *callerLimiter {
	perSecond := float64(requestsPerMinute) / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &callerLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		idleTTL:   10 * time.Minute,
		now:       time.Now,
		visitors:  make(map[string]*visitor),
	}
}

func (l *callerLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.RemoteAddr
		if caller, ok := sigauth.CallerFrom(r.Context()); ok {
			id = strings.ToLower(caller.Hex())
		}
		if !l.allow(id) {
			if l.onReject != nil {
				l.onReject(r)
			}
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too Many Requests", "request rate exceeded for caller")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *callerLimiter) allow(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idleTTL {
			delete(l.visitors, key)
		}
	}

	v, ok := l.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}
