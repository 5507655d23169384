package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// fixedWindow counts hits per key inside a fixed interval. When the
// window rolls over, all counts reset at once. Retry-After is the time
// remaining in the current window.
type fixedWindow struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	windowAt time.Time
	counts   map[string]int
	now      func() time.Time
}

func newFixedWindow(limit int, window time.Duration) *fixedWindow {
	return &fixedWindow{
		limit:  limit,
		window: window,
		counts: make(map[string]int),
		now:    time.Now,
	}
}

// allow reports whether the key may proceed, and if not, how long until
// the window resets.
func (f *fixedWindow) allow(key string) (bool, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	if now.Sub(f.windowAt) >= f.window {
		f.windowAt = now
		f.counts = make(map[string]int)
	}

	if f.counts[key] >= f.limit {
		return false, f.windowAt.Add(f.window).Sub(now)
	}
	f.counts[key]++
	return true, 0
}

// FixedWindowPerIP returns a Gin middleware enforcing a fixed-window
// per-IP limit. name labels the rejection metric.
func FixedWindowPerIP(name string, limit int, window time.Duration) gin.HandlerFunc {
	fw := newFixedWindow(limit, window)
	return func(c *gin.Context) {
		ok, retryIn := fw.allow(c.ClientIP())
		if !ok {
			recordRateLimitRejection(name)
			c.Header("Retry-After", strconv.Itoa(int(retryIn.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// keyedBuckets is a token-bucket limiter keyed by an arbitrary string
// (an endpoint uuid or a client IP). Stale entries are evicted lazily.
type keyedBuckets struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*keyedLimiter
}

func newKeyedBuckets(perMin int) *keyedBuckets {
	return &keyedBuckets{perMin: perMin, limiters: make(map[string]*keyedLimiter)}
}

func (k *keyedBuckets) allow(key string) bool {
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		l = &keyedLimiter{limiter: rate.NewLimiter(rate.Limit(float64(k.perMin)/60.0), k.perMin)}
		k.limiters[key] = l
	}
	l.lastSeen = time.Now()
	if len(k.limiters) > 4096 {
		for key, lim := range k.limiters {
			if time.Since(lim.lastSeen) > 10*time.Minute {
				delete(k.limiters, key)
			}
		}
	}
	k.mu.Unlock()
	return l.limiter.Allow()
}

// RelayRateLimiter returns a Gin middleware for the /mcp/* surface:
// authenticated requests share a token bucket per connection (keyed by
// the endpoint uuid), unauthenticated ones get a tighter per-IP bucket.
// Whether a request is authenticated is judged by the presence of a
// Bearer header; the relay handler does the real token check afterwards.
func RelayRateLimiter(perConnPerMin, perIPPerMin int) gin.HandlerFunc {
	conns := newKeyedBuckets(perConnPerMin)
	ips := newKeyedBuckets(perIPPerMin)

	return func(c *gin.Context) {
		var ok bool
		var name string
		if c.GetHeader("Authorization") != "" {
			ok = conns.allow(c.Param("endpointUuid"))
			name = "mcp_connection"
		} else {
			ok = ips.allow(c.ClientIP())
			name = "mcp_ip"
		}
		if !ok {
			recordRateLimitRejection(name)
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
