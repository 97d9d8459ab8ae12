// ABOUTME: Sliding-window admission limiter keyed by request class and client identity
// ABOUTME: Runs a background sweep that evicts windows idle past a threshold

package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Class partitions traffic into independently limited groups.
type Class string

const (
	// ClassChat covers requests that start a generation.
	ClassChat Class = "chat"
	// ClassAPI covers the remaining conversation endpoints.
	ClassAPI Class = "api"
)

// UnknownClient is the shared key used when no client identity can be derived.
// Every unidentified caller draws from the same budget.
const UnknownClient = "unknown"

// Rule is the window size and maximum admissions within it.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when Allowed
	ResetAt    time.Time     // when the oldest counted request leaves the window
}

// Store holds the windows. Hit must prune, decide, and record atomically per key.
type Store interface {
	Hit(key string, now time.Time, rule Rule) Decision
	Sweep(idleSince time.Time) int
	Len() int
}

// Config configures a Limiter.
type Config struct {
	Rules         map[Class]Rule
	IdleTTL       time.Duration // windows untouched this long are swept
	SweepInterval time.Duration // zero disables the background sweep
	Store         Store         // defaults to a MemoryStore
	Now           func() time.Time
}

// DefaultRules mirrors the production budgets: 10 generations and 100 API
// calls per client per minute.
func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassChat: {Limit: 10, Window: time.Minute},
		ClassAPI:  {Limit: 100, Window: time.Minute},
	}
}

// Limiter is the admission gate. It is safe for concurrent use.
type Limiter struct {
	store   Store
	rules   map[Class]Rule
	idleTTL time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// New creates a Limiter and starts its sweep goroutine when SweepInterval is set.
// Call Close to stop the goroutine.
func New(cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	st := cfg.Store
	if st == nil {
		st = NewMemoryStore()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = time.Hour
	}

	l := &Limiter{
		store:   st,
		rules:   rules,
		idleTTL: idle,
		now:     now,
		logger:  logger.With("component", "ratelimit"),
		done:    make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go l.sweepLoop(cfg.SweepInterval)
	}
	return l
}

// Allow checks and records one request from clientKey in class.
// A class without a rule is not limited.
func (l *Limiter) Allow(class Class, clientKey string) Decision {
	rule, ok := l.rules[class]
	if !ok {
		return Decision{Allowed: true}
	}
	if clientKey == "" {
		clientKey = UnknownClient
	}

	d := l.store.Hit(windowKey(class, clientKey), l.now(), rule)
	if !d.Allowed {
		l.logger.Debug("request denied",
			"class", string(class),
			"client", clientKey,
			"retry_after", d.RetryAfter)
	}
	return d
}

// Rule returns the rule configured for class.
func (l *Limiter) Rule(class Class) (Rule, bool) {
	r, ok := l.rules[class]
	return r, ok
}

// Sweep removes windows idle longer than the configured threshold and returns
// how many were removed.
func (l *Limiter) Sweep() int {
	removed := l.store.Sweep(l.now().Add(-l.idleTTL))
	if removed > 0 {
		l.logger.Debug("swept idle windows", "removed", removed, "remaining", l.store.Len())
	}
	return removed
}

func (l *Limiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.done:
			return
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}

func windowKey(class Class, clientKey string) string {
	return string(class) + "|" + clientKey
}
