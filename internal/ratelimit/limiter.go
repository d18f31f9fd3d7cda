package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"voice-orchestrator/internal/auth"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config sets the hourly request budget applied per API key.
type Config struct {
	// PerHour is the default budget for keys without their own limit.
	PerHour int
	// CleanupInterval is how often idle limiters are evicted.
	CleanupInterval time.Duration
	// MaxIdle is how long an unused limiter is kept.
	MaxIdle time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerHour <= 0 {
		c.PerHour = 100
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 2 * time.Hour
	}
	return c
}

type entry struct {
	limiter  *rate.Limiter
	perHour  int
	lastSeen time.Time
}

// KeyedLimiter is a token bucket per key. A key's full hourly budget is
// available as burst and refills evenly over the hour.
type KeyedLimiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	cfg     Config
	stopCh  chan struct{}
	once    sync.Once
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func New(cfg Config) *KeyedLimiter {
	return &KeyedLimiter{
		entries: map[string]*entry{},
		cfg:     cfg.withDefaults(),
		stopCh:  make(chan struct{}),
		clock:   time.Now,
	}
}

func newBucket(perHour int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(perHour)/3600.0), perHour)
}

// Allow spends one token for key. perHour <= 0 uses the configured default;
// a changed limit replaces the key's bucket.
func (l *KeyedLimiter) Allow(key string, perHour int) bool {
	if perHour <= 0 {
		perHour = l.cfg.PerHour
	}
	now := l.clock()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok || e.perHour != perHour {
		e = &entry{limiter: newBucket(perHour), perHour: perHour}
		l.entries[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Start runs the eviction loop until Stop.
func (l *KeyedLimiter) Start() {
	go func() {
		ticker := time.NewTicker(l.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.cleanup()
			case <-l.stopCh:
				return
			}
		}
	}()
}

func (l *KeyedLimiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

func (l *KeyedLimiter) cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock().Add(-l.cfg.MaxIdle)
	removed := 0
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("rate limiter cleanup", "removed", removed, "remaining", len(l.entries))
	}
	return removed
}

// Middleware limits requests per API key, using the account's own hourly
// limit when set. Unauthenticated requests are limited per client IP.
func (l *KeyedLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		perHour := 0
		if acct, ok := auth.AccountFrom(c); ok {
			key = "key:" + acct.ID
			perHour = acct.RateLimit
		}
		if !l.Allow(key, perHour) {
			if perHour <= 0 {
				perHour = l.cfg.PerHour
			}
			c.Header("X-RateLimit-Limit", strconv.Itoa(perHour))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "Too many requests from this API key, please try again later.",
			})
			return
		}
		c.Next()
	}
}
