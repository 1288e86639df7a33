package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/envelope"
)

// NameRateLimit is the registry name of the rate limiter.
const NameRateLimit = "rate_limit"

// RateLimit returns a reference that limits executions sharing key to perSecond
// with the given burst. Jobs over the limit are released until a token is due.
func RateLimit(key string, perSecond float64, burst int) envelope.MiddlewareRef {
	return envelope.MiddlewareRef{Name: NameRateLimit, Params: map[string]string{
		"key":   key,
		"rate":  strconv.FormatFloat(perSecond, 'f', -1, 64),
		"burst": strconv.Itoa(burst),
	}}
}

// Limiters holds process-local token buckets keyed by limiter name.
type Limiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLimiters returns an empty limiter set.
func NewLimiters() *Limiters {
	return &Limiters{limiters: make(map[string]*rate.Limiter)}
}

func (l *Limiters) get(key string, r rate.Limit, burst int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(r, burst)
		l.limiters[key] = lim
	}
	return lim
}

// Factory returns the rate_limit middleware factory.
func (l *Limiters) Factory() Factory {
	return func(ref envelope.MiddlewareRef) (Middleware, error) {
		perSecond, err := paramFloat(ref, "rate", 1)
		if err != nil {
			return nil, err
		}
		burst, err := paramInt(ref, "burst", 1)
		if err != nil {
			return nil, err
		}
		key := ref.Params["key"]

		return func(ctx context.Context, env *envelope.Envelope, next Handler) error {
			k := key
			if k == "" {
				k = env.Name
			}
			lim := l.get(k, rate.Limit(perSecond), max(burst, 1))
			if lim.Allow() {
				return next(ctx)
			}
			res := lim.Reserve()
			wait := res.Delay()
			res.Cancel()
			return neoqueue.Release(max(wait, time.Second), "rate limited")
		}, nil
	}
}
