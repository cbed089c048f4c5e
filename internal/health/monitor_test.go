package health

import (
	"sync"
	"testing"
	"time"

	"github.com/templar-ai/gateway/internal/clock"
	"github.com/templar-ai/gateway/internal/registry"
	"github.com/templar-ai/gateway/internal/wire"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []string
	after func(nodeID string, kind wire.Kind)
}

func (s *recordingSender) Send(nodeID string, kind wire.Kind, _ any) error {
	s.mu.Lock()
	s.sent = append(s.sent, nodeID+":"+string(kind))
	s.mu.Unlock()
	if s.after != nil {
		s.after(nodeID, kind)
	}
	return nil
}

func (s *recordingSender) count(nodeID string, kind wire.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	want := nodeID + ":" + string(kind)
	for _, e := range s.sent {
		if e == want {
			n++
		}
	}
	return n
}

func TestSweepPingsAliveNodeOncePerTick(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	reg := registry.New(fc)
	reg.Register("n1", registry.NewNodeCapabilities([]string{"high"}, nil, nil, 1))
	sender := &recordingSender{}

	mon := New(reg, sender, time.Second, fc, nil)
	mon.sweep()

	if got := sender.count("n1", wire.KindHeartbeatPing); got != 1 {
		t.Fatalf("expected exactly 1 ping after one sweep, got %d", got)
	}
}

func TestSweepDeclaresDeadAfterTwoMissedTicks(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	reg := registry.New(fc)
	reg.Register("n1", registry.NewNodeCapabilities([]string{"high"}, nil, nil, 1))
	sender := &recordingSender{}

	var dead []string
	mon := New(reg, sender, time.Second, fc, nil)
	mon.OnNodeDead(func(ev DeadEvent) { dead = append(dead, ev.Node.NodeID) })

	mon.sweep() // tick 1: marks n1 provisional, pings it
	if len(dead) != 0 {
		t.Fatalf("did not expect a dead declaration after only 1 tick")
	}

	mon.sweep() // tick 2: n1 is still provisional (no pong), declared dead
	if len(dead) != 1 || dead[0] != "n1" {
		t.Fatalf("expected n1 declared dead after 2 ticks, got %v", dead)
	}

	// No further pings should be sent to an already-dead node.
	if got := sender.count("n1", wire.KindHeartbeatPing); got != 1 {
		t.Fatalf("expected exactly 1 ping total, got %d", got)
	}
}

func TestHandlePongKeepsNodeAlive(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	reg := registry.New(fc)
	reg.Register("n1", registry.NewNodeCapabilities([]string{"high"}, nil, nil, 1))
	sender := &recordingSender{}

	var dead []string
	mon := New(reg, sender, time.Second, fc, nil)
	mon.OnNodeDead(func(ev DeadEvent) { dead = append(dead, ev.Node.NodeID) })

	mon.sweep() // tick 1: provisional, pinged
	mon.HandlePong("n1")
	mon.sweep() // tick 2: pong cleared the provisional flag, node stays alive

	if len(dead) != 0 {
		t.Fatalf("expected no dead declaration once a pong was observed, got %v", dead)
	}
	if got := sender.count("n1", wire.KindHeartbeatPing); got != 2 {
		t.Fatalf("expected 2 pings (one per tick) after a pong reset it to alive, got %d", got)
	}
}

func TestForgetClearsDeclaredState(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	reg := registry.New(fc)
	reg.Register("n1", registry.NewNodeCapabilities([]string{"high"}, nil, nil, 1))
	sender := &recordingSender{}

	var deadCount int
	mon := New(reg, sender, time.Second, fc, nil)
	mon.OnNodeDead(func(DeadEvent) { deadCount++ })

	mon.sweep()
	mon.sweep() // declares n1 dead once
	mon.Forget("n1")
	reg.MarkAlive("n1")
	mon.sweep()
	mon.sweep() // should be able to declare dead again after Forget + re-alive

	if deadCount != 2 {
		t.Fatalf("expected 2 dead declarations (before and after Forget), got %d", deadCount)
	}
}

func TestStartStopDrivesSweepOnTicker(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	reg := registry.New(fc)
	reg.Register("n1", registry.NewNodeCapabilities([]string{"high"}, nil, nil, 1))
	sender := &recordingSender{}

	mon := New(reg, sender, time.Second, fc, nil)
	mon.Start()
	defer mon.Stop()

	fc.Advance(time.Second)
	time.Sleep(30 * time.Millisecond) // let the sweep goroutine observe the tick

	if got := sender.count("n1", wire.KindHeartbeatPing); got != 1 {
		t.Fatalf("expected exactly 1 ping after advancing one interval, got %d", got)
	}
}
