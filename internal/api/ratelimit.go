package api

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig sets the per-user request budgets.
type RateLimiterConfig struct {
	GeneralRate     rate.Limit // all authenticated requests, per second
	GeneralBurst    int
	ContactRate     rate.Limit // contact messages, per second
	ContactBurst    int
	CleanupInterval time.Duration // how often idle limiters are dropped
}

// DefaultRateLimiterConfig allows 2 requests per second with bursts of 60 and
// 5 contact messages per minute.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    60,
		ContactRate:     rate.Limit(5.0 / 60.0),
		ContactBurst:    5,
		CleanupInterval: 5 * time.Minute,
	}
}

type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet holds one token bucket per user.
type limiterSet struct {
	name  string
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*userLimiter
}

func newLimiterSet(name string, limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{name: name, limit: limit, burst: burst, limiters: make(map[string]*userLimiter)}
}

func (s *limiterSet) get(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	ul, ok := s.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[userID] = ul
	}
	ul.lastAccess = time.Now()
	return ul.limiter
}

func (s *limiterSet) evictIdle(ttl time.Duration) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, ul := range s.limiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(s.limiters, userID)
		}
	}
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// middleware rejects requests of users whose bucket is empty. It must run
// after AuthMiddleware.
func (s *limiterSet) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := GetClaims(r.Context())
		if claims == nil {
			jsonError(w, http.StatusUnauthorized, kindAuth, "not authenticated")
			return
		}

		if !s.get(claims.UserID).Allow() {
			slog.Warn("rate limit exceeded", "user", claims.UserID, "limit_type", s.name)
			retry := int(math.Ceil(1 / float64(s.limit)))
			w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
			jsonError(w, http.StatusTooManyRequests, kindRateLimited, "too many requests, try again later")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimiter keeps per-user token buckets for all requests and for contact
// messages.
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterSet
	contact *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter starts a rate limiter. Stop releases its cleanup goroutine.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		general: newLimiterSet("general", config.GeneralRate, config.GeneralBurst),
		contact: newLimiterSet("contact", config.ContactRate, config.ContactBurst),
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware limits all authenticated requests.
func (rl *RateLimiter) GeneralMiddleware() func(http.Handler) http.Handler {
	return rl.general.middleware
}

// ContactMiddleware limits contact messages.
func (rl *RateLimiter) ContactMiddleware() func(http.Handler) http.Handler {
	return rl.contact.middleware
}

func (rl *RateLimiter) cleanupLoop() {
	interval := rl.config.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.general.evictIdle(2 * interval)
			rl.contact.evictIdle(2 * interval)
		case <-rl.stopCh:
			return
		}
	}
}
