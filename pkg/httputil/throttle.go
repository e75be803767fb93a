package httputil

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gatehouse/gatehouse/pkg/errors"
	"github.com/gatehouse/gatehouse/pkg/logger"
)

// IPThrottle keeps one token-bucket limiter per client IP. It is the coarse
// edge throttle; the per-principal sliding windows live in the rate limiter
// component and are checked by the orchestrator.
type IPThrottle struct {
	limiters sync.Map
	rps      rate.Limit
	burst    int
	log      *logger.Logger
}

// NewIPThrottle creates an edge throttle allowing rps requests per second
// with the given burst per client IP.
func NewIPThrottle(rps float64, burst int, log *logger.Logger) *IPThrottle {
	t := &IPThrottle{
		rps:   rate.Limit(rps),
		burst: burst,
		log:   log,
	}
	go t.cleanupLoop()
	return t
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (t *IPThrottle) limiterFor(ip string) *rate.Limiter {
	now := time.Now()
	if v, ok := t.limiters.Load(ip); ok {
		entry := v.(*throttleEntry)
		entry.lastSeen = now
		return entry.limiter
	}
	entry := &throttleEntry{
		limiter:  rate.NewLimiter(t.rps, t.burst),
		lastSeen: now,
	}
	actual, _ := t.limiters.LoadOrStore(ip, entry)
	return actual.(*throttleEntry).limiter
}

func (t *IPThrottle) cleanupLoop() {
	for {
		time.Sleep(10 * time.Minute)
		cutoff := time.Now().Add(-30 * time.Minute)
		t.limiters.Range(func(key, value interface{}) bool {
			if value.(*throttleEntry).lastSeen.Before(cutoff) {
				t.limiters.Delete(key)
			}
			return true
		})
	}
}

// Middleware enforces the throttle per client IP.
func (t *IPThrottle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if !t.limiterFor(ip).Allow() {
			t.log.Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("edge throttle exceeded")
			Error(w, errors.RateLimited(1))
			return
		}
		next.ServeHTTP(w, r)
	})
}
