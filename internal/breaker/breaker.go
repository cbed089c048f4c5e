// Package breaker wraps sony/gobreaker's two-step circuit breaker for a
// single candidate node in the Delegation Manager's fallback chain: a
// consecutive-failure counter trips it open, and an open breaker allows
// exactly one half-open probe once its cooldown elapses.
//
// The two-step variant (Allow/done, rather than Execute) is used because
// the manager only learns an attempt's outcome after its own
// channel/timer race settles asynchronously — there is no single
// synchronous call to hand to Execute.
package breaker

import (
	"time"

	"github.com/sony/gobreaker"
)

// Config tunes a single breaker's threshold and cooldown.
type Config struct {
	// Threshold is the number of consecutive failures that trips the
	// breaker from closed to open. Default 5.
	Threshold int
	// Cooldown is how long an open breaker must sit before the next
	// caller is allowed a probe. Default 30s.
	Cooldown time.Duration
}

// DefaultConfig mirrors the gateway-wide circuit breaker defaults.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 30 * time.Second}
}

// Breaker is a single target's circuit breaker. Safe for concurrent use,
// though in the Delegation Manager's usage each target's breaker is only
// ever touched by one in-flight tryNode call at a time.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// New creates a Breaker with cfg. onOpen, if non-nil, is called exactly
// once each time the breaker trips from closed or half-open into open —
// gobreaker's cooldown clock is its own internal time.Now, not the
// manager's injectable clock.Clock, since TwoStepCircuitBreaker exposes
// no clock hook.
func New(cfg Config, onOpen func()) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	threshold := uint32(cfg.Threshold)

	settings := gobreaker.Settings{
		Name:    "node",
		Timeout: cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if onOpen != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				onOpen()
			}
		}
	}
	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker(settings)}
}

// Allow reports whether an attempt may proceed. When ok is false, the
// breaker is open (or already probing in half-open) and the caller must
// not contact the node. When ok is true, the caller has claimed the
// attempt's slot and must call done exactly once with its outcome.
func (b *Breaker) Allow() (done func(success bool), ok bool) {
	d, err := b.cb.Allow()
	if err != nil {
		return nil, false
	}
	return d, true
}

// IsOpen reports the breaker's current state. Observability only —
// callers deciding whether to contact a node should use Allow, which
// also accounts for the single half-open probe slot.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}
