// Package ratelimit implements adaptive per-source admission control: rolling
// per-second and per-minute windows plus error-driven cooldowns.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/venue-enrichment/internal/metrics"
)

const (
	secondWindow = time.Second
	minuteWindow = time.Minute
)

// Config holds one source's limits and cooldown schedule.
type Config struct {
	PerSecond            int
	PerMinute            int
	CooldownBase         time.Duration
	BackoffCap           int
	MaxCooldown          time.Duration
	ServerErrorStep      time.Duration
	ServerErrorMax       time.Duration
	ServerErrorThreshold int
	ServerDownCooldown   time.Duration
}

// DefaultConfig returns 10 requests/second, 60/minute and the stock cooldowns.
func DefaultConfig() Config {
	return Config{
		PerSecond:            10,
		PerMinute:            60,
		CooldownBase:         10 * time.Second,
		BackoffCap:           3,
		MaxCooldown:          60 * time.Second,
		ServerErrorStep:      5 * time.Second,
		ServerErrorMax:       15 * time.Second,
		ServerErrorThreshold: 5,
		ServerDownCooldown:   5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PerSecond <= 0 {
		c.PerSecond = d.PerSecond
	}
	if c.PerMinute <= 0 {
		c.PerMinute = d.PerMinute
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = d.CooldownBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = d.MaxCooldown
	}
	if c.ServerErrorStep <= 0 {
		c.ServerErrorStep = d.ServerErrorStep
	}
	if c.ServerErrorMax <= 0 {
		c.ServerErrorMax = d.ServerErrorMax
	}
	if c.ServerErrorThreshold <= 0 {
		c.ServerErrorThreshold = d.ServerErrorThreshold
	}
	if c.ServerDownCooldown <= 0 {
		c.ServerDownCooldown = d.ServerDownCooldown
	}
	return c
}

// Stats is a point-in-time view of a limiter.
type Stats struct {
	Source             string  `json:"source"`
	RequestsLastMinute int     `json:"requests_last_minute"`
	PerMinute          int     `json:"limit_per_minute"`
	PerSecond          int     `json:"limit_per_second"`
	ConsecutiveErrors  int     `json:"consecutive_errors"`
	CoolingDown        bool    `json:"is_cooling_down"`
	CooldownRemaining  float64 `json:"cooldown_remaining_seconds"`
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithSleeper injects the wait primitive.
func WithSleeper(sleep Sleeper) Option {
	return func(l *Limiter) {
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// WithLogger sets the logger used for cooldown notices.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Limiter admits requests for a single source. The history holds admission
// times in order; entries older than the minute window are pruned.
type Limiter struct {
	source string
	cfg    Config
	now    func() time.Time
	sleep  Sleeper
	logger *zap.Logger
	notice *rate.Sometimes

	mu            sync.Mutex
	history       []time.Time
	cooldownUntil time.Time
	consecutive   int
}

// New creates a Limiter for source.
func New(source string, cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		source: source,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		sleep:  sleepContext,
		logger: zap.NewNop(),
		notice: &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Source returns the source name this limiter guards.
func (l *Limiter) Source() string { return l.source }

// Acquire blocks the caller until a request is safe and records it.
func (l *Limiter) Acquire(ctx context.Context) error {
	var waited time.Duration
	for {
		wait := l.reserve()
		if wait <= 0 {
			break
		}
		if err := l.sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate limit wait for %s: %w", l.source, err)
		}
		waited += wait
	}
	if waited > 0 {
		metrics.ObserveRateLimitWait(l.source, waited)
	}
	return nil
}

// reserve records an admission and returns 0, or returns how long to wait.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	if now.Before(l.cooldownUntil) {
		return l.cooldownUntil.Sub(now)
	}
	if n := len(l.history); n >= l.cfg.PerMinute {
		return l.history[n-l.cfg.PerMinute].Add(minuteWindow).Sub(now)
	}
	if wait := l.secondWaitLocked(now); wait > 0 {
		return wait
	}
	l.history = append(l.history, now)
	return 0
}

func (l *Limiter) secondWaitLocked(now time.Time) time.Duration {
	inWindow := 0
	for i := len(l.history) - 1; i >= 0; i-- {
		if now.Sub(l.history[i]) >= secondWindow {
			break
		}
		inWindow++
	}
	if inWindow < l.cfg.PerSecond {
		return 0
	}
	oldest := l.history[len(l.history)-l.cfg.PerSecond]
	return oldest.Add(secondWindow).Sub(now)
}

func (l *Limiter) pruneLocked(now time.Time) {
	drop := 0
	for drop < len(l.history) && now.Sub(l.history[drop]) >= minuteWindow {
		drop++
	}
	if drop > 0 {
		l.history = append(l.history[:0], l.history[drop:]...)
	}
}

// HandleError adjusts the cooldown after an error response and returns the
// cooldown applied, or 0 when the status code carries no backoff signal.
func (l *Limiter) HandleError(statusCode int) time.Duration {
	l.mu.Lock()
	var (
		cooldown time.Duration
		reason   string
	)
	switch {
	case statusCode == http.StatusTooManyRequests:
		l.consecutive++
		exp := min(l.consecutive, l.cfg.BackoffCap)
		cooldown = min(l.cfg.CooldownBase*time.Duration(1<<exp), l.cfg.MaxCooldown)
		reason = "rate_limited"
	case statusCode >= 500 && statusCode < 600:
		l.consecutive++
		if l.consecutive >= l.cfg.ServerErrorThreshold {
			cooldown = l.cfg.ServerDownCooldown
			reason = "server_down"
		} else {
			cooldown = min(l.cfg.ServerErrorStep*time.Duration(l.consecutive), l.cfg.ServerErrorMax)
			reason = "server_error"
		}
	default:
		l.mu.Unlock()
		return 0
	}
	l.cooldownUntil = l.now().Add(cooldown)
	consecutive := l.consecutive
	l.mu.Unlock()

	metrics.ObserveCooldown(l.source, reason)
	l.notice.Do(func() {
		l.logger.Warn("source cooling down",
			zap.String("source", l.source),
			zap.Int("status_code", statusCode),
			zap.Int("consecutive_errors", consecutive),
			zap.Duration("cooldown", cooldown),
		)
	})
	return cooldown
}

// ResetErrors clears the consecutive error count after a success.
func (l *Limiter) ResetErrors() {
	l.mu.Lock()
	l.consecutive = 0
	l.mu.Unlock()
}

// Stats reports the limiter's current state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)
	s := Stats{
		Source:             l.source,
		RequestsLastMinute: len(l.history),
		PerMinute:          l.cfg.PerMinute,
		PerSecond:          l.cfg.PerSecond,
		ConsecutiveErrors:  l.consecutive,
	}
	if now.Before(l.cooldownUntil) {
		s.CoolingDown = true
		s.CooldownRemaining = l.cooldownUntil.Sub(now).Seconds()
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
