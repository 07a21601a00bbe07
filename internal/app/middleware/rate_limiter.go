package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"pet-feeder-service/internal/error/response"
)

// RateLimiterConfig configures a limiter middleware.
type RateLimiterConfig struct {
	Rate       float64                   // requests per second
	Burst      int                       // bucket size
	ExpiryTime time.Duration             // idle keys are forgotten after this long
	LimitType  string                    // "ip", "path", "combined" or "custom"
	KeyFunc    func(*gin.Context) string // used when LimitType is "custom"
}

// DefaultRateLimiterConfig limits each client IP to 1 rps with bursts of 5.
var DefaultRateLimiterConfig = RateLimiterConfig{
	Rate:       1,
	Burst:      5,
	ExpiryTime: time.Hour,
	LimitType:  "ip",
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet holds one token bucket per key.
type limiterSet struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	expiry   time.Duration
	lastGC   time.Time
}

func newLimiterSet(cfg RateLimiterConfig) *limiterSet {
	return &limiterSet{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(cfg.Rate),
		burst:    cfg.Burst,
		expiry:   cfg.ExpiryTime,
		lastGC:   time.Now(),
	}
}

func (s *limiterSet) allow(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expiry > 0 && now.Sub(s.lastGC) > s.expiry {
		for k, v := range s.visitors {
			if now.Sub(v.lastSeen) > s.expiry {
				delete(s.visitors, k)
			}
		}
		s.lastGC = now
	}

	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (s *limiterSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visitors)
}

// RateLimiter returns a middleware that answers 429 once a key's bucket is empty.
func RateLimiter(config ...RateLimiterConfig) gin.HandlerFunc {
	cfg := DefaultRateLimiterConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRateLimiterConfig.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultRateLimiterConfig.Burst
	}
	if cfg.ExpiryTime <= 0 {
		cfg.ExpiryTime = DefaultRateLimiterConfig.ExpiryTime
	}
	if cfg.LimitType == "" {
		cfg.LimitType = DefaultRateLimiterConfig.LimitType
	}

	set := newLimiterSet(cfg)
	keyOf := keyFunc(cfg)

	return func(c *gin.Context) {
		if !set.allow(keyOf(c), time.Now()) {
			response.TooManyRequests(c)
			return
		}
		c.Next()
	}
}

func keyFunc(cfg RateLimiterConfig) func(*gin.Context) string {
	switch cfg.LimitType {
	case "path":
		return func(c *gin.Context) string { return c.Request.URL.Path }
	case "combined":
		return func(c *gin.Context) string { return c.ClientIP() + ":" + c.Request.URL.Path }
	case "custom":
		if cfg.KeyFunc != nil {
			return cfg.KeyFunc
		}
	}
	return func(c *gin.Context) string { return c.ClientIP() }
}

// IPRateLimiter limits per client IP.
func IPRateLimiter(r float64, burst int) gin.HandlerFunc {
	return RateLimiter(RateLimiterConfig{Rate: r, Burst: burst, LimitType: "ip"})
}

// PathRateLimiter limits per request path.
func PathRateLimiter(r float64, burst int) gin.HandlerFunc {
	return RateLimiter(RateLimiterConfig{Rate: r, Burst: burst, LimitType: "path"})
}

// CombinedRateLimiter limits per client IP and path.
func CombinedRateLimiter(r float64, burst int) gin.HandlerFunc {
	return RateLimiter(RateLimiterConfig{Rate: r, Burst: burst, LimitType: "combined"})
}
