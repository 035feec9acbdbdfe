package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/hotelier/internal/config"
)

const keyProviderThrottle = "fiscal:provider:throttle:%s"

// ProviderThrottle caps outbound calls to a fiscal provider across replicas.
// A nil or unconfigured throttle allows everything.
type ProviderThrottle struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewProviderThrottle(bucket *TokenBucket, cfg config.Config) *ProviderThrottle {
	if bucket == nil || cfg.Taxxa.RateLimit <= 0 {
		return nil
	}
	burst := cfg.Taxxa.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &ProviderThrottle{bucket: bucket, rate: cfg.Taxxa.RateLimit, burst: burst}
}

// Allow reports whether a call to provider may proceed now and, if not, how
// long to wait. Redis errors fail open.
func (t *ProviderThrottle) Allow(ctx context.Context, provider string) (bool, time.Duration) {
	if t == nil {
		return true, 0
	}
	res, err := t.bucket.Allow(ctx, fmt.Sprintf(keyProviderThrottle, provider), t.rate, t.burst)
	if err != nil {
		return true, 0
	}
	return res.Allowed, res.RetryAfter
}
