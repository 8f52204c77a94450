package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig holds per-client token bucket settings. A non-positive
// RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long an untouched client bucket is kept. Zero means
	// one minute.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns the settings used for write routes.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         20,
		IdleTTL:           time.Minute,
	}
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastSeen   time.Time
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastSeen:   now,
	}
}

// take refills the bucket for the time elapsed since the last call and
// consumes one token. When empty it returns the whole seconds until a token
// is available.
func (b *tokenBucket) take(now time.Time) (ok bool, retryAfter int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.lastSeen).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.refillRate <= 0 {
		return false, 1
	}
	return false, int((1-b.tokens)/b.refillRate) + 1
}

func (b *tokenBucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastSeen)
}

type bucketStore struct {
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	cfg       RateLimitConfig
	lastSweep time.Time
}

// newBucketStore raises BurstSize to at least 1; an empty bucket could never
// admit a request.
func newBucketStore(cfg RateLimitConfig) *bucketStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = time.Minute
	}
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	return &bucketStore{buckets: make(map[string]*tokenBucket), cfg: cfg}
}

// get returns the bucket for key, creating it if needed. Buckets idle for
// longer than IdleTTL are dropped at most once per IdleTTL.
func (s *bucketStore) get(key string, now time.Time) *tokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= s.cfg.IdleTTL {
		for k, b := range s.buckets {
			if b.idleSince(now) >= s.cfg.IdleTTL {
				delete(s.buckets, k)
			}
		}
		s.lastSweep = now
	}

	b, ok := s.buckets[key]
	if !ok {
		b = newTokenBucket(s.cfg.RequestsPerSecond, s.cfg.BurstSize, now)
		s.buckets[key] = b
	}
	return b
}

func (s *bucketStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// RateLimit limits requests per client IP. Rejected requests get a 429
// HTTPError with Retry-After set.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.RequestsPerSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	store := newBucketStore(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			now := time.Now()
			ok, retryAfter := store.get(c.RealIP(), now).take(now)
			if !ok {
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
