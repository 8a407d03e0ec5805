package ratelimit

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"indicatorfeed/internal/provider"
)

// Limited wraps a provider and gates every Fetch on a token bucket.
// Concurrent calls wait for a token. A wait that cannot finish before the
// context deadline fails as a timeout; cancellation is returned as is.
type Limited struct {
	P       provider.Provider
	Limiter *rate.Limiter
}

// PerMinute allows n calls per minute with a burst of one.
func PerMinute(p provider.Provider, n int) *Limited {
	if n <= 0 {
		return &Limited{P: p}
	}
	return &Limited{P: p, Limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)}
}

// MinInterval enforces at least d between the start of two calls.
func MinInterval(p provider.Provider, d time.Duration) *Limited {
	if d <= 0 {
		return &Limited{P: p}
	}
	return &Limited{P: p, Limiter: rate.NewLimiter(rate.Every(d), 1)}
}

func (l *Limited) Name() string { return l.P.Name() }

func (l *Limited) Fetch(ctx context.Context, params provider.Params) ([]provider.Item, error) {
	if l.Limiter != nil {
		if err := l.Limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return nil, err
			}
			return nil, provider.Timeout("rate limited", err)
		}
	}
	return l.P.Fetch(ctx, params)
}
