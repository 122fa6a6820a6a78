package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"rillmix/pkg/config"
	"rillmix/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an unused client limiter is kept.
const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore keeps one limiter per client key.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*clientLimiter
	rate      rate.Limit
	burstSize int
	lastSweep time.Time
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*clientLimiter),
		rate:      r,
		burstSize: burst,
		lastSweep: time.Now(),
	}
}

func (s *rateLimiterStore) getLimiter(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) > limiterIdleTTL {
		for k, cl := range s.limiters {
			if now.Sub(cl.lastSeen) > limiterIdleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	cl, exists := s.limiters[key]
	if !exists {
		cl = &clientLimiter{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func (s *rateLimiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// clientIP prefers the first X-Forwarded-For hop over the socket address.
func clientIP(r *http.Request) string {
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

// NewHTTPRateLimitMiddleware limits control API requests per client IP and,
// when configured, the number of requests in flight.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	rps := cfg.RateLimiting.HTTP.RequestsPerSecond
	store := newRateLimiterStore(rate.Limit(rps), cfg.RateLimiting.HTTP.Burst)
	retryAfter := time.Duration(float64(time.Second) / rps)

	var inflight chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		inflight = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inflight != nil {
			select {
			case inflight <- struct{}{}:
				defer func() { <-inflight }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":   string(errors.ErrCodeServiceUnavailable),
					"message": "too many concurrent requests",
				})
				return
			}
		}

		limiter := store.getLimiter(clientIP(c.Request), time.Now())
		if !limiter.Allow() {
			appErr := errors.NewRateLimitError()
			c.Header("Retry-After", retryAfterSeconds(retryAfter))
			c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
				"error":          string(appErr.Code),
				"message":        appErr.Message,
				"retry_after_ms": retryAfter.Milliseconds(),
			})
			return
		}
		c.Next()
	}
}

// retryAfterSeconds renders d for the Retry-After header, at least 1.
func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
