package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/yungbote/inferbridge-backend/internal/http/response"
	"github.com/yungbote/inferbridge-backend/internal/observability"
	"github.com/yungbote/inferbridge-backend/internal/platform/ctxutil"
)

const limiterIdleTTL = 10 * time.Minute

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per authenticated caller, keyed by
// email, or by client IP when the request is anonymous.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	callers map[string]*callerLimiter
	metrics *observability.Metrics
	now     func() time.Time
	swept   time.Time
}

// NewRateLimiter allows perMinute requests per caller with the given burst.
// perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute, burst int, metrics *observability.Metrics) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{
		burst:   burst,
		callers: make(map[string]*callerLimiter),
		metrics: metrics,
		now:     time.Now,
	}
	if perMinute > 0 {
		rl.limit = rate.Limit(float64(perMinute) / 60)
	}
	return rl
}

func (rl *RateLimiter) reserve(key string) *rate.Reservation {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if now.Sub(rl.swept) > limiterIdleTTL {
		for k, cl := range rl.callers {
			if now.Sub(cl.lastSeen) > limiterIdleTTL {
				delete(rl.callers, k)
			}
		}
		rl.swept = now
	}
	cl, ok := rl.callers[key]
	if !ok {
		cl = &callerLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.callers[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter.ReserveN(now, 1)
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	if rl == nil || rl.limit == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		key := c.ClientIP()
		if rd := ctxutil.GetRequestData(c.Request.Context()); rd != nil && rd.Email != "" {
			key = rd.Email
		}
		res := rl.reserve(key)
		if delay := res.DelayFrom(rl.now()); delay > 0 {
			res.CancelAt(rl.now())
			rl.metrics.IncRateLimited(c.FullPath())
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			response.AbortError(c, http.StatusTooManyRequests, "rate_limited", errors.New("too many requests"))
			return
		}
		c.Next()
	}
}
