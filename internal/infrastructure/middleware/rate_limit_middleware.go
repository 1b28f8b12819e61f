package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"genloop/pkg/config"
	apperrors "genloop/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long a client's limiter survives without requests.
const limiterIdleTTL = 10 * time.Minute

// unlimitedPaths are health and metrics endpoints that must keep answering under load.
var unlimitedPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters hands out one token bucket per client and forgets clients
// that went quiet.
type clientLimiters struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

func newClientLimiters(limit rate.Limit, burst int, now func() time.Time) *clientLimiters {
	return &clientLimiters{
		clients:   make(map[string]*clientLimiter),
		limit:     limit,
		burst:     burst,
		now:       now,
		lastSweep: now(),
	}
}

func (l *clientLimiters) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		l.sweepLocked(now)
	}

	c, ok := l.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (l *clientLimiters) sweepLocked(now time.Time) {
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > limiterIdleTTL {
			delete(l.clients, key)
		}
	}
	l.lastSweep = now
}

func (l *clientLimiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// clientIP extracts the IP part from the request's remote address.
func clientIP(r *http.Request) string {
	// Behind a proxy the first X-Forwarded-For entry is the client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware limits offers per client IP and caps the
// number of offers answered at once. Each answered offer holds a peer
// connection on the backend.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	limits := cfg.Backend.RateLimiting
	if !limits.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	clients := newClientLimiters(rate.Limit(limits.RequestsPerSecond), limits.Burst, time.Now)

	var inflight chan struct{}
	if limits.MaxConcurrent > 0 {
		inflight = make(chan struct{}, limits.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if unlimitedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		if inflight != nil {
			select {
			case inflight <- struct{}{}:
				defer func() { <-inflight }()
			default:
				appErr := apperrors.NewServiceUnavailableError("too many offers in progress")
				c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response())
				return
			}
		}

		if !clients.allow(clientIP(c.Request)) {
			appErr := apperrors.NewRateLimitError().WithContext("client", clientIP(c.Request))
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response())
			return
		}
		c.Next()
	}
}
