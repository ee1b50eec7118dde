package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ipLimiters hands out one token bucket per client address. Buckets are
// created on first sight and never expire; the registry's client population
// is bounded by its peer count.
type ipLimiters struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func (l *ipLimiters) get(addr string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[addr]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[addr] = bucket
	}
	return bucket
}

// requestAddr resolves the throttling key for a request: the first
// X-Forwarded-For entry when a proxy sits in front, the socket address
// otherwise.
func requestAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware throttles requests per client address and, when
// maxConcurrent is positive, caps in-flight requests across all clients.
func NewHTTPRateLimitMiddleware(requestsPerSecond float64, burst, maxConcurrent int) gin.HandlerFunc {
	limiters := &ipLimiters{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(requestsPerSecond),
		burst:   burst,
	}

	var inflight chan struct{}
	if maxConcurrent > 0 {
		inflight = make(chan struct{}, maxConcurrent)
	}

	return func(c *gin.Context) {
		if inflight != nil {
			select {
			case inflight <- struct{}{}:
				defer func() { <-inflight }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error": "too many concurrent requests",
				})
				return
			}
		}

		if !limiters.get(requestAddr(c.Request)).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}
