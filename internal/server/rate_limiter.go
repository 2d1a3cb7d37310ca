package server

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/Tyrowin/flowsync/internal/config"
)

// rateLimiter throttles inbound frames per session. A full bucket of Burst
// tokens refills over RefillInterval.
type rateLimiter struct {
	limiter *rate.Limiter
	cfg     config.RateLimitConfig
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}

	every := cfg.RefillInterval / time.Duration(cfg.Burst)
	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Every(every), cfg.Burst),
		cfg:     cfg,
	}
}

func (rl *rateLimiter) allow() bool {
	return rl.allowAt(time.Now())
}

func (rl *rateLimiter) allowAt(now time.Time) bool {
	return rl.limiter.AllowN(now, 1)
}
