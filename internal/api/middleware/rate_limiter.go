package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
	"github.com/saturnino-fabrica-de-software/netra/internal/metrics"
)

// RateLimiterConfig holds configuration for rate limiting
type RateLimiterConfig struct {
	// Sustained requests per second per key
	RPS float64
	// Burst size per key
	Burst int
	// Idle keys are forgotten after this long
	IdleTTL time.Duration
	// KeyGenerator returns the client key; the remote IP by default
	KeyGenerator func(c *fiber.Ctx) string
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RPS:     20,
		Burst:   40,
		IdleTTL: 10 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
	}
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a token bucket per client key.
type RateLimiter struct {
	config   RateLimiterConfig
	limiters map[string]*clientLimiter
	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	def := DefaultRateLimiterConfig()
	if config.RPS <= 0 {
		config.RPS = def.RPS
	}
	if config.Burst <= 0 {
		config.Burst = max(1, int(config.RPS))
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = def.IdleTTL
	}
	if config.KeyGenerator == nil {
		config.KeyGenerator = def.KeyGenerator
	}

	rl := &RateLimiter{
		config:   config,
		limiters: make(map[string]*clientLimiter),
		done:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

func (rl *RateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := rl.config.KeyGenerator(c)
		now := time.Now()

		rl.mu.Lock()
		cl, ok := rl.limiters[key]
		if !ok {
			cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.config.RPS), rl.config.Burst)}
			rl.limiters[key] = cl
		}
		cl.lastAccess = now
		rl.mu.Unlock()

		r := cl.limiter.ReserveN(now, 1)
		c.Set("X-RateLimit-Limit", strconv.FormatFloat(rl.config.RPS, 'f', -1, 64))
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			metrics.RateLimitRequestsTotal.WithLabelValues("throttled").Inc()
			c.Set("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
			return domain.ErrRateLimitExceeded
		}
		c.Set("X-RateLimit-Remaining", strconv.Itoa(max(0, int(cl.limiter.TokensAt(now)))))
		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
		return c.Next()
	}
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.IdleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.evict(now)
		}
	}
}

func (rl *RateLimiter) evict(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, cl := range rl.limiters {
		if now.Sub(cl.lastAccess) > rl.config.IdleTTL {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}
