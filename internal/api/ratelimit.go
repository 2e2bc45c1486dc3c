package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/polyglot-sync/relay/pkg/protocol"
)

// admissionLimiter throttles stream admission per client IP. Each client gets
// its own rate.Limiter; clients idle for longer than the eviction age are
// forgotten.
type admissionLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimit
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type clientLimit struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newAdmissionLimiter(perSecond float64, burst int) *admissionLimiter {
	return &admissionLimiter{
		clients: make(map[string]*clientLimit),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

// reserve admits one request from ip. When the client is over its limit it
// returns false and how long until a token is available.
func (a *admissionLimiter) reserve(ip string) (bool, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	c, ok := a.clients[ip]
	if !ok {
		c = &clientLimit{lim: rate.NewLimiter(a.limit, a.burst)}
		a.clients[ip] = c
	}
	c.lastSeen = now

	r := c.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

func (a *admissionLimiter) evictIdle(maxAge time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.now().Add(-maxAge)
	for ip, c := range a.clients {
		if c.lastSeen.Before(cutoff) {
			delete(a.clients, ip)
		}
	}
}

func (a *admissionLimiter) tracked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.clients)
}

// StartEviction drops idle clients every interval until ctx is done.
func (a *admissionLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.evictIdle(maxAge)
			}
		}
	}()
}

// retryAfterSeconds rounds a wait up to whole seconds, at least one.
func retryAfterSeconds(wait time.Duration) string {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// admissionLimitMiddleware rejects stream requests from clients over their
// limit. RemoteAddr has already been rewritten by chi's RealIP middleware.
func admissionLimitMiddleware(a *admissionLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if ok, wait := a.reserve(ip); !ok {
				w.Header().Set("Retry-After", retryAfterSeconds(wait))
				writeError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "too many stream requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
