package middlewares

import (
	"net/http"
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/moyoez/chunkrecv/tool"
)

// limiterIdleTTL is how long an idle client keeps its token bucket.
const limiterIdleTTL = 10 * time.Minute

// RateLimit allows rps requests per second per client address with the given burst.
// A non-positive rps disables limiting.
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst < 1 {
		burst = 1
	}
	var mu sync.Mutex
	limiters := ttlworker.NewCache[string, *rate.Limiter](limiterIdleTTL)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		mu.Lock()
		limiter := limiters.Get(ip)
		if limiter == nil {
			limiter = rate.NewLimiter(rate.Limit(rps), burst)
			limiters.Set(ip, limiter)
		}
		mu.Unlock()

		if !limiter.Allow() {
			tool.DefaultLogger.Debugf("[RateLimit] Rejected request from %s", ip)
			tool.FastReturnRetry(c, http.StatusTooManyRequests, "Too many requests", time.Second)
			return
		}
		c.Next()
	}
}
