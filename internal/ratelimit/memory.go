package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps an exact sliding log per key. Counters live in process
// memory, so each API instance enforces its own window.
type MemoryLimiter struct {
	cfg   Config
	clock func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
	lastGC time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:    cfg,
		clock:  time.Now,
		events: make(map[string][]time.Time),
	}
}

// WithClock overrides the time source.
func (l *MemoryLimiter) WithClock(clock func() time.Time) *MemoryLimiter {
	l.clock = clock
	return l
}

func (l *MemoryLimiter) Config() Config {
	return l.cfg
}

func (l *MemoryLimiter) Admit(_ context.Context, key string) (Decision, error) {
	key = normalizeKey(key)
	now := l.clock()
	cutoff := now.Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.collect(now, cutoff)

	log := trim(l.events[key], cutoff)
	if len(log) >= l.cfg.Max {
		l.events[key] = log
		return Decision{
			Allowed:    false,
			Limit:      l.cfg.Max,
			Remaining:  0,
			RetryAfter: log[0].Add(l.cfg.Window).Sub(now),
		}, nil
	}

	log = append(log, now)
	l.events[key] = log
	return Decision{
		Allowed:   true,
		Limit:     l.cfg.Max,
		Remaining: l.cfg.Max - len(log),
	}, nil
}

// collect drops idle keys at most once per window.
func (l *MemoryLimiter) collect(now, cutoff time.Time) {
	if now.Sub(l.lastGC) < l.cfg.Window {
		return
	}
	l.lastGC = now
	for key, log := range l.events {
		if log = trim(log, cutoff); len(log) == 0 {
			delete(l.events, key)
		} else {
			l.events[key] = log
		}
	}
}

// trim removes events at or before cutoff. Logs are in ascending order.
func trim(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0:0], log[i:]...)
}
