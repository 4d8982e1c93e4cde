package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"usq/observability"
)

// ThrottleConfig bounds request rates per client.
type ThrottleConfig struct {
	RequestsPerMinute float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle keeps one token bucket per client. Authenticated callers are keyed
// by token subject, anonymous callers by remote address.
type Throttle struct {
	cfg      ThrottleConfig
	mu       sync.Mutex
	visitors map[string]*visitor
	idleTTL  time.Duration
	lastGC   time.Time
	clockNow func() time.Time
}

// NewThrottle applies defaults to cfg.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return &Throttle{
		cfg:      cfg,
		visitors: make(map[string]*visitor),
		idleTTL:  5 * time.Minute,
		clockNow: time.Now,
	}
}

// Middleware rejects requests beyond the client's budget with 429.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.allow(clientKey(r)) {
			observability.API().RecordThrottle("rate_limit")
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests, "throttled", http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *Throttle) allow(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clockNow()
	if now.Sub(t.lastGC) > t.idleTTL {
		for key, v := range t.visitors {
			if now.Sub(v.lastSeen) > t.idleTTL {
				delete(t.visitors, key)
			}
		}
		t.lastGC = now
	}
	v, ok := t.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(t.cfg.RequestsPerMinute/60.0), t.cfg.Burst)}
		t.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func clientKey(r *http.Request) string {
	if principal, ok := PrincipalFrom(r.Context()); ok && principal.Subject != "" {
		return "sub:" + strings.ToLower(principal.Subject)
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
