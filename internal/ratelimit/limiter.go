// Package ratelimit admits or rejects submissions per key using a sliding
// window: at most Max events are admitted within any trailing Window.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Scope names what a limiter keys on.
type Scope string

const (
	ScopeIP   Scope = "ip"
	ScopeUser Scope = "user"
)

// NullKey is shared by every caller whose key could not be resolved.
const NullKey = "null"

// Config describes one limiter instance.
type Config struct {
	Scope  Scope
	Max    int
	Window time.Duration
}

// Validate checks the limit parameters.
func (c Config) Validate() error {
	if c.Scope != ScopeIP && c.Scope != ScopeUser {
		return fmt.Errorf("unknown rate limit scope %q", c.Scope)
	}
	if c.Max <= 0 {
		return fmt.Errorf("rate limit max must be positive, got %d", c.Max)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", c.Window)
	}
	return nil
}

// Decision is the result of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether an event for key may proceed. Only admitted
// events are counted against the window.
type Limiter interface {
	Admit(ctx context.Context, key string) (Decision, error)
	Config() Config
}

func normalizeKey(key string) string {
	if key == "" {
		return NullKey
	}
	return key
}
