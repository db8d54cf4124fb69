// Package ratelimit admits requests against per-credential window quotas
// and a concurrency ceiling.
//
// The counter store's atomicity is the only arbiter between racing
// admissions. The concurrency read in step one and the gauge increment in
// step four are not one atomic unit, so up to N racing admitters can slip
// past a full gauge together; the overshoot is bounded and accepted. Window
// counters are never rolled back after a rejection: the excess is absorbed
// when the window expires.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/relay/internal/apierr"
	"github.com/kelpejol/relay/internal/counter"
	"github.com/kelpejol/relay/internal/metrics"
	"github.com/kelpejol/relay/internal/schema"
)

// Window TTLs. The concurrency gauge carries no TTL: it is decremented by
// Release on every path that admitted.
const (
	minuteTTL = 60 * time.Second
	dayTTL    = 86400 * time.Second
	monthTTL  = 2592000 * time.Second
)

// Limiter performs admission control on a shared counter store.
type Limiter struct {
	counters counter.Store
	log      zerolog.Logger
	now      func() time.Time
}

// NewLimiter creates a Limiter. The now hook exists for window-boundary
// tests; production callers leave it nil.
func NewLimiter(counters counter.Store, logger zerolog.Logger) *Limiter {
	return &Limiter{
		counters: counters,
		log:      logger.With().Str("component", "rate_limiter").Logger(),
		now:      time.Now,
	}
}

// WithClock overrides the limiter's clock. Test hook.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func concurrentKey(apiKey string) string { return fmt.Sprintf("concurrent:%s", apiKey) }

// windowKeys returns the minute/day/month bucket keys for the given
// instant. Buckets are wall-clock aligned in UTC: the per-minute quota
// resets at minute boundaries, not on a rolling 60-second horizon.
func windowKeys(apiKey string, now time.Time) [3]string {
	now = now.UTC()
	return [3]string{
		fmt.Sprintf("minute:%s:%d", apiKey, now.Minute()),
		fmt.Sprintf("day:%s:%s", apiKey, now.Format("2006-01-02")),
		fmt.Sprintf("month:%s:%d-%d", apiKey, now.Year(), int(now.Month())),
	}
}

// Admit runs the admission sequence for one request:
//
//  1. reject if the concurrency gauge already sits at its ceiling,
//  2. atomically bump the minute/day/month windows and refresh TTLs,
//  3. reject if any post-increment value exceeds its quota,
//  4. reserve a concurrency slot.
//
// Every successful Admit must be paired with exactly one Release.
func (l *Limiter) Admit(ctx context.Context, apiKey string, limits schema.RateLimits) error {
	current, err := l.counters.Get(ctx, concurrentKey(apiKey))
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "rate limiter unavailable", err)
	}
	if current >= int64(limits.ConcurrentRequests) {
		l.log.Warn().
			Str("api_key", apiKey).
			Int64("current_concurrent", current).
			Int("limit", limits.ConcurrentRequests).
			Msg("concurrent request limit exceeded")
		metrics.RateLimitRejections.WithLabelValues("concurrent").Inc()
		return apierr.New(apierr.KindRateLimited, "Too many concurrent requests")
	}

	keys := windowKeys(apiKey, l.now())
	ttls := [3]time.Duration{minuteTTL, dayTTL, monthTTL}
	quotas := [3]int64{
		int64(limits.RequestsPerMinute),
		int64(limits.RequestsPerDay),
		int64(limits.RequestsPerMonth),
	}
	labels := [3]string{"minute", "day", "month"}
	messages := [3]string{
		"Rate limit exceeded (per minute)",
		"Rate limit exceeded (per day)",
		"Rate limit exceeded (per month)",
	}

	counts, err := l.incrementWindows(ctx, keys, ttls)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "rate limiter unavailable", err)
	}

	for i, count := range counts {
		if count > quotas[i] {
			l.log.Warn().
				Str("api_key", apiKey).
				Str("window", labels[i]).
				Int64("current_count", count).
				Int64("limit", quotas[i]).
				Msg("rate limit exceeded")
			metrics.RateLimitRejections.WithLabelValues(labels[i]).Inc()
			return apierr.New(apierr.KindRateLimited, messages[i])
		}
	}

	if _, err := l.counters.Increment(ctx, concurrentKey(apiKey)); err != nil {
		return apierr.Wrap(apierr.KindInternal, "rate limiter unavailable", err)
	}

	l.log.Debug().
		Str("api_key", apiKey).
		Int64("minute_count", counts[0]).
		Int64("day_count", counts[1]).
		Int64("month_count", counts[2]).
		Msg("admission granted")
	return nil
}

// incrementWindows uses the Redis pipeline round trip when the store
// offers one, falling back to sequential increments otherwise.
func (l *Limiter) incrementWindows(ctx context.Context, keys [3]string, ttls [3]time.Duration) ([3]int64, error) {
	var counts [3]int64
	if rs, ok := l.counters.(*counter.RedisStore); ok {
		vals, err := rs.IncrementWindows(ctx, keys[:], ttls[:])
		if err != nil {
			return counts, err
		}
		copy(counts[:], vals)
		return counts, nil
	}
	for i := range keys {
		v, err := l.counters.Increment(ctx, keys[i])
		if err != nil {
			return counts, err
		}
		if err := l.counters.Expire(ctx, keys[i], ttls[i]); err != nil {
			return counts, err
		}
		counts[i] = v
	}
	return counts, nil
}

// Release frees the concurrency slot taken by a successful Admit.
func (l *Limiter) Release(ctx context.Context, apiKey string) {
	if err := l.counters.Decrement(ctx, concurrentKey(apiKey)); err != nil {
		// A leaked slot throttles this credential until operator
		// intervention, so it gets error-level visibility.
		l.log.Error().Err(err).
			Str("api_key", apiKey).
			Msg("failed to release concurrency slot")
	}
}

// InFlight reports the credential's current concurrency gauge.
func (l *Limiter) InFlight(ctx context.Context, apiKey string) (int64, error) {
	return l.counters.Get(ctx, concurrentKey(apiKey))
}
