// Package health implements the Health Monitor: a sweep-based liveness
// detector for registered nodes. Each tick runs a two-phase pass:
// declare dead any node that was already provisionally down from the
// previous tick, then flip every still-alive node to provisional and
// ping it — so a live node is pinged once per interval and only flips
// dead after missing one full cycle. The window
// between the provisional flip and a pong's arrival is intentionally
// conservative: readers must treat isAlive during that window as "maybe
// dead", never as a hard guarantee.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/templar-ai/gateway/internal/clock"
	"github.com/templar-ai/gateway/internal/events"
	"github.com/templar-ai/gateway/internal/registry"
	"github.com/templar-ai/gateway/internal/wire"
)

// DeadEvent is delivered to node.dead subscribers. Node is a snapshot
// taken at declaration time, not a live reference, so a cleanup handler
// (typically Delegation Manager.cleanupNode) sees a consistent record
// even if the registry mutates immediately after.
type DeadEvent struct {
	Node registry.RegisteredNode
}

// Monitor runs the periodic liveness sweep against a Registry.
type Monitor struct {
	reg    *registry.Registry
	sender wire.Sender
	clk    clock.Clock
	log    *zap.Logger

	interval time.Duration
	emitter  *events.Emitter[DeadEvent]

	mu      sync.Mutex
	running bool
	stopFn  func()
	// declared tracks node ids already reported dead, so a node left in
	// the registry past its death declaration is not re-reported on
	// every subsequent tick. Cleared when the node responds with a pong
	// or is removed from the registry entirely.
	declared map[string]bool
}

// New creates a Monitor. clk defaults to clock.Real if nil.
func New(reg *registry.Registry, sender wire.Sender, interval time.Duration, clk clock.Clock, log *zap.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		reg:      reg,
		sender:   sender,
		clk:      clk,
		log:      log,
		interval: interval,
		emitter:  events.NewEmitter[DeadEvent](log),
		declared: make(map[string]bool),
	}
}

// OnNodeDead subscribes to node-death notifications.
func (m *Monitor) OnNodeDead(fn func(DeadEvent)) (unsubscribe func()) {
	return m.emitter.Subscribe(fn)
}

// Start begins the periodic sweep on its own ticker. Safe to call once;
// a second call is a no-op until Stop.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	tickCh, stopTicker := m.clk.NewTicker(m.interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-tickCh:
				m.sweep()
			case <-done:
				return
			}
		}
	}()
	m.stopFn = func() {
		stopTicker()
		close(done)
	}
}

// Stop halts the sweep ticker and clears listeners.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	if m.stopFn != nil {
		m.stopFn()
		m.stopFn = nil
	}
	m.emitter.Clear()
}

// sweep runs one tick of the two-phase pass.
func (m *Monitor) sweep() {
	for _, n := range m.reg.All() {
		if n.IsAlive {
			continue
		}
		if m.declared[n.NodeID] {
			continue
		}
		m.declared[n.NodeID] = true
		m.log.Info("node declared dead", zap.String("nodeId", n.NodeID))
		m.emitter.Publish(DeadEvent{Node: n})
	}

	for _, n := range m.reg.All() {
		if !n.IsAlive {
			continue
		}
		m.reg.MarkDead(n.NodeID) // provisional: cleared by a pong, finalised next tick
		if m.sender != nil {
			if err := m.sender.Send(n.NodeID, wire.KindHeartbeatPing, wire.HeartbeatPing{
				TimestampMs: m.clk.Now().UnixMilli(),
			}); err != nil {
				m.log.Warn("ping send failed", zap.String("nodeId", n.NodeID), zap.Error(err))
			}
		}
	}
}

// HandlePong marks a node alive again and clears any prior death
// declaration, so a node that reconnects (re-registers under the same
// id only after a prior Deregister) can be tracked fresh.
func (m *Monitor) HandlePong(nodeID string) {
	m.reg.MarkAlive(nodeID)
	m.mu.Lock()
	delete(m.declared, nodeID)
	m.mu.Unlock()
}

// forget drops a node id from the internal declared-dead set, called
// when the node is deregistered so a future re-registration of the same
// id starts with a clean slate.
func (m *Monitor) forget(nodeID string) {
	m.mu.Lock()
	delete(m.declared, nodeID)
	m.mu.Unlock()
}

// Forget is the exported form of forget, for callers (the frame router)
// that deregister a node and want the monitor's bookkeeping cleaned up
// in lockstep.
func (m *Monitor) Forget(nodeID string) {
	m.forget(nodeID)
}
