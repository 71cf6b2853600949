package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/types"
)

// RateLimitName is the configuration name of the rate limit stage.
const RateLimitName = "rate_limit"

// DefaultRateLimitPriority places rate limiting early in the input chain.
const DefaultRateLimitPriority = 100

// RateLimit drops messages once a sliding window fills up. Two windows are
// tracked: one global and one per user, so a single spammer cannot starve
// the global budget for everyone else.
//
// Options:
//
//	window_seconds  sliding window length (default 60)
//	global_rate     messages allowed per window across all users (default 60)
//	user_rate       messages allowed per window per user, 0 disables (default 10)
type RateLimit struct {
	window     time.Duration
	globalRate int
	userRate   int

	mu        sync.Mutex
	global    []time.Time
	users     map[string][]time.Time
	lastSweep time.Time

	now func() time.Time
}

var _ MessagePipeline = (*RateLimit)(nil)

// NewRateLimit builds a rate limit stage from its options block.
func NewRateLimit(opts map[string]any) *RateLimit {
	return &RateLimit{
		window:     provider.SecondsOption(opts, "window_seconds", time.Minute),
		globalRate: provider.IntOption(opts, "global_rate", 60),
		userRate:   provider.IntOption(opts, "user_rate", 10),
		users:      make(map[string][]time.Time),
		now:        time.Now,
	}
}

// Name implements [Pipeline].
func (rl *RateLimit) Name() string { return RateLimitName }

// Process admits msg when both windows have room, recording the admission.
// Over-budget messages are dropped by returning nil.
func (rl *RateLimit) Process(_ context.Context, msg *types.NormalizedMessage) (*types.NormalizedMessage, error) {
	now := rl.now()
	user := msg.UserID()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.global = pruneWindow(rl.global, now, rl.window)
	if rl.globalRate > 0 && len(rl.global) >= rl.globalRate {
		return nil, nil
	}

	if rl.userRate > 0 && user != "" {
		rl.users[user] = pruneWindow(rl.users[user], now, rl.window)
		if len(rl.users[user]) >= rl.userRate {
			return nil, nil
		}
		rl.users[user] = append(rl.users[user], now)
	}

	rl.global = append(rl.global, now)
	rl.sweepLocked(now)
	return msg, nil
}

// sweepLocked evicts users whose whole window has expired, at most once per
// window, so the user map does not grow with every drive-by chatter.
func (rl *RateLimit) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	rl.lastSweep = now
	for user, stamps := range rl.users {
		if len(pruneWindow(stamps, now, rl.window)) == 0 {
			delete(rl.users, user)
		}
	}
}

// pruneWindow returns the suffix of stamps that is still inside the window.
func pruneWindow(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}
