package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/resul067142/yenirr/internal/api"
	"github.com/resul067142/yenirr/internal/logger"
	"github.com/resul067142/yenirr/internal/metrics"
)

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts requests per key within a window
type Limiter interface {
	Take(ctx context.Context, key string) (Decision, error)
}

// RateLimiter implements a simple in-memory sliding window rate limiter
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a new rate limiter and starts its cleanup loop.
// Call Stop to end the loop.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	d, _ := rl.Take(context.Background(), key)
	return d.Allowed
}

// Take records a request for key when the window has room
func (rl *RateLimiter) Take(_ context.Context, key string) (Decision, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	valid := rl.prune(key, now)

	if len(valid) >= rl.limit {
		retry := valid[0].Add(rl.window).Sub(now)
		return Decision{Allowed: false, Limit: rl.limit, Remaining: 0, RetryAfter: retry}, nil
	}

	valid = append(valid, now)
	rl.requests[key] = valid
	return Decision{Allowed: true, Limit: rl.limit, Remaining: rl.limit - len(valid)}, nil
}

// Remaining returns the number of remaining requests for a key
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	remaining := rl.limit - len(rl.prune(key, rl.now()))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset returns the time when the oldest request in the window expires
func (rl *RateLimiter) Reset(key string) time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	valid := rl.prune(key, now)
	if len(valid) == 0 {
		return now
	}
	return valid[0].Add(rl.window)
}

// Stop ends the cleanup loop
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// prune drops timestamps outside the window. Caller holds mu.
func (rl *RateLimiter) prune(key string, now time.Time) []time.Time {
	windowStart := now.Add(-rl.window)
	requests := rl.requests[key]
	valid := requests[:0]
	for _, t := range requests {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(rl.requests, key)
		return nil
	}
	rl.requests[key] = valid
	return valid
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key := range rl.requests {
				rl.prune(key, now)
			}
			rl.mu.Unlock()
		}
	}
}

// RedisRateLimiter is a fixed window limiter shared by every API instance
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisRateLimiter creates a limiter storing counters under prefix
func NewRedisRateLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

func (l *RedisRateLimiter) key(key string) string {
	return l.prefix + ":" + key
}

// Take increments the counter for key. The first hit of a window sets its expiry.
func (l *RedisRateLimiter) Take(ctx context.Context, key string) (Decision, error) {
	k := l.key(key)
	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, k, l.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit expire: %w", err)
		}
	}

	if int(count) > l.limit {
		ttl, err := l.client.TTL(ctx, k).Result()
		if err != nil {
			return Decision{}, fmt.Errorf("rate limit ttl: %w", err)
		}
		if ttl < 0 {
			// counter lost its expiry; start a new window
			if err := l.client.Expire(ctx, k, l.window).Err(); err != nil {
				return Decision{}, fmt.Errorf("rate limit expire: %w", err)
			}
			ttl = l.window
		}
		return Decision{Allowed: false, Limit: l.limit, Remaining: 0, RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - int(count)}, nil
}

// KeyFunc derives the rate limit key of a request
type KeyFunc func(r *http.Request) string

// ClientIPKey keys requests by client IP address
func ClientIPKey(r *http.Request) string {
	return api.ClientIP(r)
}

// RateLimit returns middleware that rejects requests over the limiter's
// budget with 429. name labels the rejection metric. Limiter errors are
// logged and the request is let through.
func RateLimit(name string, limiter Limiter, keyFn KeyFunc, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := limiter.Take(r.Context(), key)
			if err != nil {
				logger.WithCorrelationID(r.Context(), log).Warn("rate limiter unavailable",
					slog.String("limiter", name), logger.Err(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				metrics.RateLimitedTotal.WithLabelValues(name).Inc()
				writeRateLimitError(w, d.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoginRateLimit throttles credential endpoints per client IP
func LoginRateLimit(limiter Limiter, log *slog.Logger) func(http.Handler) http.Handler {
	return RateLimit("login", limiter, ClientIPKey, log)
}

// writeRateLimitError writes a 429 Too Many Requests response
func writeRateLimitError(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int64((retryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	api.WriteError(w, http.StatusTooManyRequests, api.CodeTooManyRequests,
		"Too many requests. Please try again later.",
		map[string][]string{"retry_after": {strconv.FormatInt(seconds, 10)}})
}
