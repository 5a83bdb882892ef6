package middleware

import (
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// idle limiters are dropped after this long
const limiterIdle = 10 * time.Minute

type clientLimiter struct {
	*rate.Limiter
	lastUsage time.Time
}

// RateLimiter hands out one token bucket per client key.
type RateLimiter struct {
	limit     rate.Limit
	burst     int
	mx        sync.Mutex
	limiters  map[string]*clientLimiter
	lastSweep time.Time
}

// NewRateLimiter allows perMinute requests per client with a burst of the
// same size. A non-positive rate disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	l := &RateLimiter{
		limit:    rate.Inf,
		limiters: make(map[string]*clientLimiter),
	}
	if perMinute > 0 {
		l.limit = rate.Every(time.Minute / time.Duration(perMinute))
		l.burst = perMinute
	}
	return l
}

// Allow reports whether key may make another request now.
func (l *RateLimiter) Allow(key string) bool {
	if l.limit == rate.Inf {
		return true
	}
	return l.get(key).Allow()
}

// Exhausted reports whether key has no budget left, without spending any.
func (l *RateLimiter) Exhausted(key string) bool {
	if l.limit == rate.Inf {
		return false
	}
	return l.get(key).Tokens() < 1
}

func (l *RateLimiter) get(key string) *clientLimiter {
	l.mx.Lock()
	defer l.mx.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > limiterIdle {
		for k, lim := range l.limiters {
			if now.Sub(lim.lastUsage) > limiterIdle {
				delete(l.limiters, k)
			}
		}
		l.lastSweep = now
	}

	lim, ok := l.limiters[key]
	if !ok {
		lim = &clientLimiter{Limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = lim
	}
	lim.lastUsage = now
	return lim
}

// RateLimit rejects clients over their budget with 429. Every request is
// keyed by remote address, so fresh tokens do not buy a fresh budget.
func RateLimit(l *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			tooManyRequests(c)
			return
		}
		c.Next()
	}
}

// LimitFailures spends budget only on requests answered with one of the
// given statuses, and rejects the client with 429 once the budget is gone.
func LimitFailures(l *RateLimiter, failures ...int) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if l.Exhausted(key) {
			tooManyRequests(c)
			return
		}
		c.Next()
		if slices.Contains(failures, c.Writer.Status()) {
			l.Allow(key)
		}
	}
}

func tooManyRequests(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error": "Too many requests",
		"code":  "rate_limited",
	})
}
