// Package store defines the optional Delegation Store: a write-only
// audit sink the Delegation Manager best-effort records delegation
// lifecycle transitions to. The gateway never reads back from it. Every
// call site bounds the call with its own timeout and swallows the
// failure — the store itself does not implement a timeout, it is a
// dumb sink.
package store

import (
	"context"
	"time"
)

// Status is the lifecycle status recorded against a DelegationRecord.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRefused   Status = "refused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// DelegationRecord is the persisted form of one delegation.
type DelegationRecord struct {
	DelegationID string    `json:"delegationId"`
	FromNodeID   string    `json:"fromNodeId"`
	ToNodeID     string    `json:"toNodeId"`
	Intent       string    `json:"intent"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store is the two-method capability the Delegation Manager depends on.
type Store interface {
	Create(ctx context.Context, rec DelegationRecord) error
	Update(ctx context.Context, delegationID string, status Status) error
}

// Nop is the default Store: discards everything, never fails the
// context (so callers never observe a timeout from it either).
type Nop struct{}

func (Nop) Create(context.Context, DelegationRecord) error { return nil }
func (Nop) Update(context.Context, string, Status) error   { return nil }
