package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/use-agent/shepherd/config"
	"github.com/use-agent/shepherd/models"
)

// idleLimiterTTL is how long an unused limiter is kept.
const idleLimiterTTL = time.Hour

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet holds one token bucket per caller identity.
type limiterSet struct {
	mu        sync.Mutex
	cfg       config.RateLimitConfig
	entries   map[string]*limiterEntry
	lastSweep time.Time
}

func (s *limiterSet) get(identity string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Evict idle callers at most once per TTL, on the request path.
	if now.Sub(s.lastSweep) > idleLimiterTTL {
		for id, e := range s.entries {
			if now.Sub(e.lastSeen) > idleLimiterTTL {
				delete(s.entries, id)
			}
		}
		s.lastSweep = now
	}

	e, ok := s.entries[identity]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.Burst)}
		s.entries[identity] = e
	}
	e.lastSeen = now
	return e.limiter
}

// RateLimit applies a token bucket per API key, or per client IP when the
// request is unauthenticated.
func RateLimit(cfg config.RateLimitConfig) gin.HandlerFunc {
	set := &limiterSet{cfg: cfg, entries: make(map[string]*limiterEntry), lastSweep: time.Now()}

	return func(c *gin.Context) {
		identity := c.GetString(ContextKeyAPIKey)
		if identity == "" {
			identity = c.ClientIP()
		}

		if !set.get(identity, time.Now()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
				Error: &models.ErrorDetail{
					Code:    models.ErrCodeRateLimited,
					Message: "rate limit exceeded, please slow down",
				},
			})
			return
		}
		c.Next()
	}
}
