package sender

import (
	"context"
	"math"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/drip/am"
	"github.com/teranos/drip/errors"
)

// RateLimited caps the send rate of a wrapped transport with a token bucket.
// Waiting honours ctx, so an invocation deadline turns a pending send into a failure.
type RateLimited struct {
	next    Sender
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond sends per second, bursting up to one second's worth.
// A perSecond of zero or less is unlimited.
func NewRateLimited(next Sender, perSecond float64) *RateLimited {
	limit, burst := limitFor(perSecond)
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// NewAdjustable builds the configured transport behind a RateLimited, even
// when no limit is set, so the rate can follow configuration reloads.
func NewAdjustable(cfg *am.Config, log *zap.SugaredLogger) (*RateLimited, error) {
	s, err := newTransport(cfg, log)
	if err != nil {
		return nil, err
	}
	return NewRateLimited(s, cfg.Transport.MaxSendsPerSecond), nil
}

// Send waits for a token then delegates
func (r *RateLimited) Send(ctx context.Context, to, subject, body string) Result {
	if err := r.limiter.Wait(ctx); err != nil {
		return Failed(errors.Wrap(err, "send rate limit"))
	}
	return r.next.Send(ctx, to, subject, body)
}

// SetRate changes the limit in place, used when configuration is reloaded.
// Zero or less lifts the limit.
func (r *RateLimited) SetRate(perSecond float64) {
	limit, burst := limitFor(perSecond)
	r.limiter.SetLimit(limit)
	r.limiter.SetBurst(burst)
}

func limitFor(perSecond float64) (rate.Limit, int) {
	if perSecond <= 0 {
		return rate.Inf, 1
	}
	burst := int(math.Ceil(perSecond))
	if burst < 1 {
		burst = 1
	}
	return rate.Limit(perSecond), burst
}
