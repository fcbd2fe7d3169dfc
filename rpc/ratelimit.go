package rpc

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WriteLimit throttles the devnet write routes per client address. A zero
// RequestsPerMinute disables throttling.
type WriteLimit struct {
	RequestsPerMinute float64
	Burst             int
}

const visitorIdle = 5 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type clientLimiter struct {
	limit    WriteLimit
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

func newClientLimiter(limit WriteLimit) *clientLimiter {
	return &clientLimiter{
		limit:    limit,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (c *clientLimiter) middleware(next http.Handler) http.Handler {
	if c == nil || c.limit.RequestsPerMinute <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.allow(clientID(r)) {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: http.StatusText(http.StatusTooManyRequests)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *clientLimiter) allow(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, v := range c.visitors {
		if now.Sub(v.lastSeen) > visitorIdle {
			delete(c.visitors, key)
		}
	}
	v, ok := c.visitors[id]
	if !ok {
		burst := c.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(c.limit.RequestsPerMinute/60.0), burst)}
		c.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
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
