// Package registry is the Node Registry: the authoritative directory of
// connected nodes, their capabilities, and their liveness flag.
//
// Capability sets are pre-computed at registration time and live inside
// the same RegisteredNode record rather than a side table, so the
// invariant "every registered node has a matching capability-sets
// record" holds by construction — there is nothing separate to
// desynchronise.
//
// The table is expected to be mutated from a single dispatch goroutine
// (the frame router) and read from that goroutine plus health sweeps;
// mutations go through copy-on-write map replacement (internal/immutable)
// so any reader holding an old snapshot never observes a half-updated
// node.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/templar-ai/gateway/internal/clock"
	"github.com/templar-ai/gateway/internal/gwerrors"
	"github.com/templar-ai/gateway/internal/immutable"
)

// NodeCapabilities describes what a node can do. Immutable once built.
type NodeCapabilities struct {
	AgentTypes     []string
	Tools          []string
	Channels       []string
	MaxConcurrency int

	agentTypeSet map[string]struct{}
	toolSet      map[string]struct{}
	channelSet   map[string]struct{}
}

// NewNodeCapabilities builds a NodeCapabilities, pre-computing its lookup
// sets. At least one agent type is required by Register, not here, so
// this constructor can also be used freely in tests.
func NewNodeCapabilities(agentTypes, tools, channels []string, maxConcurrency int) NodeCapabilities {
	c := NodeCapabilities{
		AgentTypes:     agentTypes,
		Tools:          tools,
		Channels:       channels,
		MaxConcurrency: maxConcurrency,
	}
	c.agentTypeSet = toSet(agentTypes)
	c.toolSet = toSet(tools)
	c.channelSet = toSet(channels)
	return c
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func (c NodeCapabilities) hasAgentType(t string) bool {
	_, ok := c.agentTypeSet[t]
	return ok
}

func (c NodeCapabilities) hasAllTools(tools []string) bool {
	for _, t := range tools {
		if _, ok := c.toolSet[t]; !ok {
			return false
		}
	}
	return true
}

func (c NodeCapabilities) hasChannel(ch string) bool {
	_, ok := c.channelSet[ch]
	return ok
}

// RegisteredNode is an immutable snapshot of a connected node. markAlive
// and markDead produce a new RegisteredNode rather than mutating in
// place, per the registry's copy-on-write discipline.
type RegisteredNode struct {
	NodeID       string
	Capabilities NodeCapabilities
	RegisteredAt time.Time
	IsAlive      bool
	LastPong     time.Time
}

// Requirements is the matching filter for FindByRequirements.
type Requirements struct {
	AgentType string
	Tools     []string
	Channel   string // empty means "don't filter by channel"
}

func (n RegisteredNode) matches(req Requirements) bool {
	if !n.IsAlive {
		return false
	}
	if !n.Capabilities.hasAgentType(req.AgentType) {
		return false
	}
	if len(req.Tools) > 0 && !n.Capabilities.hasAllTools(req.Tools) {
		return false
	}
	if req.Channel != "" && !n.Capabilities.hasChannel(req.Channel) {
		return false
	}
	return true
}

// Registry is the authoritative node directory.
type Registry struct {
	clk clock.Clock

	mu    sync.RWMutex
	nodes map[string]RegisteredNode
	order []string // registration order, for FindByRequirements ordering
}

// New creates an empty Registry. clk defaults to clock.Real if nil.
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real
	}
	return &Registry{clk: clk, nodes: make(map[string]RegisteredNode)}
}

// Register adds a new node. Fails with gwerrors.NodeAlreadyRegistered if
// nodeID is already present, and with gwerrors.ProtocolViolation if caps
// declares no agent type.
func (r *Registry) Register(nodeID string, caps NodeCapabilities) (RegisteredNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[nodeID]; exists {
		return RegisteredNode{}, gwerrors.New("registry.Register", gwerrors.NodeAlreadyRegistered)
	}
	if len(caps.AgentTypes) == 0 {
		return RegisteredNode{}, gwerrors.Wrap("registry.Register", gwerrors.ProtocolViolation,
			errors.New("at least one agent type is required"))
	}

	node := RegisteredNode{
		NodeID:       nodeID,
		Capabilities: caps,
		RegisteredAt: r.clk.Now(),
		IsAlive:      true,
		LastPong:     r.clk.Now(),
	}
	r.nodes = immutable.With(r.nodes, nodeID, node)
	r.order = append(r.order, nodeID)
	return node, nil
}

// Deregister removes a node. Fails with gwerrors.NodeNotFound if absent.
func (r *Registry) Deregister(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[nodeID]; !exists {
		return gwerrors.New("registry.Deregister", gwerrors.NodeNotFound)
	}
	r.nodes = immutable.Without(r.nodes, nodeID)
	r.removeFromOrder(nodeID)
	return nil
}

func (r *Registry) removeFromOrder(nodeID string) {
	for i, id := range r.order {
		if id == nodeID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Get returns the node and true if present.
func (r *Registry) Get(nodeID string) (RegisteredNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	return n, ok
}

// FindByRequirements returns alive nodes matching req, in registration
// order.
func (r *Registry) FindByRequirements(req Requirements) []RegisteredNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RegisteredNode, 0, len(r.order))
	for _, id := range r.order {
		n := r.nodes[id]
		if n.matches(req) {
			out = append(out, n)
		}
	}
	return out
}

// MarkAlive flips a node's IsAlive flag on. No-op if nodeID is unknown.
func (r *Registry) MarkAlive(nodeID string) {
	r.setAlive(nodeID, true)
}

// MarkDead flips a node's IsAlive flag off. No-op if nodeID is unknown.
func (r *Registry) MarkDead(nodeID string) {
	r.setAlive(nodeID, false)
}

func (r *Registry) setAlive(nodeID string, alive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	n.IsAlive = alive
	if alive {
		n.LastPong = r.clk.Now()
	}
	r.nodes = immutable.With(r.nodes, nodeID, n)
}

// All returns every registered node, in registration order.
func (r *Registry) All() []RegisteredNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegisteredNode, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id])
	}
	return out
}

// AliveNodes returns every node currently flagged alive, in registration
// order.
func (r *Registry) AliveNodes() []RegisteredNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegisteredNode, 0, len(r.order))
	for _, id := range r.order {
		if n := r.nodes[id]; n.IsAlive {
			out = append(out, n)
		}
	}
	return out
}

// Size returns the number of registered nodes.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Clear removes every node.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[string]RegisteredNode)
	r.order = nil
}
