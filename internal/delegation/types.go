package delegation

import (
	"encoding/json"
	"time"

	"github.com/templar-ai/gateway/internal/breaker"
)

// Request is the caller-supplied delegation request.
type Request struct {
	DelegationID    string
	FromNodeID      string
	ToNodeID        string
	Scope           string
	Intent          string
	Payload         json.RawMessage
	FallbackNodeIDs []string
	TimeoutMs       int64
}

// Status is the terminal status of a delegate() call.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusRefused   Status = "refused"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Result is the terminal outcome returned from Delegate. The Delegation
// Manager's public surface never returns an error — every call resolves
// to exactly one of these five statuses.
type Result struct {
	Status Status
	Result json.RawMessage
}

// EventKind names the lifecycle events the manager emits.
type EventKind string

const (
	EventStarted   EventKind = "delegation.started"
	EventAccepted  EventKind = "delegation.accepted"
	EventFailed    EventKind = "delegation.failed"
	EventCompleted EventKind = "delegation.completed"
	EventCancelled EventKind = "delegation.cancelled"
	EventExhausted EventKind = "delegation.exhausted"
)

// Event is delivered to subscribers for every lifecycle transition.
type Event struct {
	Kind         EventKind
	DelegationID string
	NodeID       string      // the target involved, where applicable
	Reason       string      // e.g. "timeout", "ttl_expired", "user"
	FailedNodes  []string    // populated on EventExhausted
}

// Config tunes manager-wide behaviour.
type Config struct {
	MaxActiveDelegations  int
	MaxPerNodeDelegations int
	MaxDelegationTTL      time.Duration
	SweepInterval         time.Duration
	MinNodeTimeout        time.Duration
	CircuitBreaker        breaker.Config
	StoreTimeout          time.Duration
}

// DefaultConfig returns the manager's out-of-the-box defaults.
func DefaultConfig() Config {
	return Config{
		MaxActiveDelegations:  100,
		MaxPerNodeDelegations: 10,
		MaxDelegationTTL:      10 * time.Minute,
		SweepInterval:         time.Minute,
		MinNodeTimeout:        3 * time.Second,
		CircuitBreaker:        breaker.DefaultConfig(),
		StoreTimeout:          2 * time.Second,
	}
}

// Metrics is the narrow observability surface the manager drives. Left
// unset (nil), every method is a no-op.
type Metrics interface {
	DelegationStarted()
	DelegationTerminal(status Status)
	DelegationUnknownFrame()
	BreakerOpened(nodeID string)
}

type nopMetrics struct{}

func (nopMetrics) DelegationStarted()       {}
func (nopMetrics) DelegationTerminal(Status) {}
func (nopMetrics) DelegationUnknownFrame()  {}
func (nopMetrics) BreakerOpened(string)     {}
