package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// IPRateLimiter implements per-IP rate limiting using token bucket algorithm
type IPRateLimiter struct {
	limits map[string]*tokenBucket
	mu     sync.Mutex
	rate   time.Duration // one token per rate
	burst  int
	now    func() time.Time
}

const maxTrackedIPs = 10000

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

func newIPRateLimiter(rate time.Duration, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		limits: make(map[string]*tokenBucket),
		rate:   rate,
		burst:  burst,
		now:    time.Now,
	}
}

// allow takes a token for ip. The bucket refills continuously up to burst.
func (l *IPRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bucket, exists := l.limits[ip]
	if !exists {
		if len(l.limits) >= maxTrackedIPs {
			l.pruneLocked(now)
		}
		l.limits[ip] = &tokenBucket{tokens: float64(l.burst) - 1, lastRefill: now}
		return true
	}

	elapsed := now.Sub(bucket.lastRefill)
	if elapsed > 0 {
		bucket.tokens = min(float64(l.burst), bucket.tokens+float64(elapsed)/float64(l.rate))
		bucket.lastRefill = now
	}

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true
	}
	return false
}

// pruneLocked drops buckets that have had time to refill completely. A full
// bucket behaves like a missing one, so nothing is lost.
func (l *IPRateLimiter) pruneLocked(now time.Time) int {
	cutoff := now.Add(-l.rate * time.Duration(l.burst))
	dropped := 0
	for ip, b := range l.limits {
		if b.lastRefill.Before(cutoff) {
			delete(l.limits, ip)
			dropped++
		}
	}
	return dropped
}

func rateLimitMiddleware(limiter *IPRateLimiter) gin.HandlerFunc {
	retryAfter := strconv.Itoa(max(1, int(limiter.rate.Round(time.Second)/time.Second)))
	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:   "rate limit exceeded",
				Message: "Too many requests. Please try again later.",
				Code:    http.StatusTooManyRequests,
			})
			return
		}
		c.Next()
	}
}

// bodyLimitMiddleware caps request bodies. Handlers see a read error past
// maxSize and answer 413.
func bodyLimitMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}

func corsMiddleware(origins, methods []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	allowMethods := "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	if len(methods) > 0 {
		allowMethods = strings.Join(methods, ", ")
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", allowMethods)
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Correlation-ID")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
