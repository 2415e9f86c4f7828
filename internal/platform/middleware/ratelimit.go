package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/meg/meg/internal/platform/auth"
	"github.com/meg/meg/internal/platform/db"
)

// RateLimitConfig sizes the per-caller limiter. Callers idle for longer than
// IdleTTL lose their limiter and start again with a full burst.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	IdleTTL           time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		IdleTTL:           10 * time.Minute,
	}
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type callerLimiters struct {
	cfg       RateLimitConfig
	now       func() time.Time
	mu        sync.Mutex
	callers   map[string]*callerLimiter
	lastSweep time.Time
}

func newCallerLimiters(cfg RateLimitConfig, now func() time.Time) *callerLimiters {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	return &callerLimiters{cfg: cfg, now: now, callers: map[string]*callerLimiter{}, lastSweep: now()}
}

// reserve takes one token for key. When none is available it returns how long
// the caller should wait.
func (l *callerLimiters) reserve(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.cfg.IdleTTL {
		for k, c := range l.callers {
			if now.Sub(c.lastSeen) >= l.cfg.IdleTTL {
				delete(l.callers, k)
			}
		}
		l.lastSweep = now
	}
	c, ok := l.callers[key]
	if !ok {
		c = &callerLimiter{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.callers[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	if c.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := c.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

func (l *callerLimiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}

// limitKey buckets authenticated callers by tenant and user, anonymous ones
// by address.
func limitKey(c echo.Context) string {
	ctx := c.Request().Context()
	if uid := auth.UserIDFromContext(ctx); uid != 0 {
		return db.TenantFromContext(ctx) + ":user:" + strconv.FormatInt(uid, 10)
	}
	return "ip:" + c.RealIP()
}

// RateLimit throttles each caller with its own limiter and answers 429 with
// Retry-After once the burst is spent.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(newCallerLimiters(cfg, time.Now))
}

func rateLimit(limiters *callerLimiters) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(limiters.cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			ok, wait := limiters.reserve(limitKey(c))
			if !ok {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
