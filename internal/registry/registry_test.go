package registry

import (
	"testing"
	"time"

	"github.com/templar-ai/gateway/internal/clock"
	"github.com/templar-ai/gateway/internal/gwerrors"
)

func TestRegisterAndGet(t *testing.T) {
	r := New(clock.NewFake(time.Unix(0, 0)))
	caps := NewNodeCapabilities([]string{"high"}, nil, nil, 4)

	node, err := r.Register("n1", caps)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !node.IsAlive {
		t.Fatalf("expected a freshly registered node to be alive")
	}

	got, ok := r.Get("n1")
	if !ok {
		t.Fatalf("expected Get to find n1")
	}
	if got.NodeID != "n1" {
		t.Fatalf("expected NodeID n1, got %q", got.NodeID)
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := New(nil)
	caps := NewNodeCapabilities([]string{"high"}, nil, nil, 1)
	if _, err := r.Register("dup", caps); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	_, err := r.Register("dup", caps)
	if !gwerrors.Is(err, gwerrors.NodeAlreadyRegistered) {
		t.Fatalf("expected NodeAlreadyRegistered, got %v", err)
	}
}

func TestDeregisterUnknownFails(t *testing.T) {
	r := New(nil)
	err := r.Deregister("ghost")
	if !gwerrors.Is(err, gwerrors.NodeNotFound) {
		t.Fatalf("expected NodeNotFound, got %v", err)
	}
}

func TestMarkDeadThenAliveRoundTrip(t *testing.T) {
	r := New(nil)
	caps := NewNodeCapabilities([]string{"high"}, nil, nil, 1)
	r.Register("n1", caps)

	r.MarkDead("n1")
	n, _ := r.Get("n1")
	if n.IsAlive {
		t.Fatalf("expected n1 to be dead after MarkDead")
	}

	r.MarkAlive("n1")
	n, _ = r.Get("n1")
	if !n.IsAlive {
		t.Fatalf("expected n1 to be alive after MarkAlive")
	}
}

func TestFindByRequirementsFiltersAndOrders(t *testing.T) {
	r := New(nil)
	r.Register("a", NewNodeCapabilities([]string{"high"}, []string{"search"}, []string{"slack"}, 1))
	r.Register("b", NewNodeCapabilities([]string{"low"}, nil, nil, 1))
	r.Register("c", NewNodeCapabilities([]string{"high"}, []string{"search", "calc"}, []string{"slack"}, 1))

	found := r.FindByRequirements(Requirements{AgentType: "high", Tools: []string{"search"}, Channel: "slack"})
	if len(found) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(found))
	}
	if found[0].NodeID != "a" || found[1].NodeID != "c" {
		t.Fatalf("expected registration order a, c; got %v", found)
	}
}

func TestFindByRequirementsExcludesDeadNodes(t *testing.T) {
	r := New(nil)
	r.Register("a", NewNodeCapabilities([]string{"high"}, nil, nil, 1))
	r.MarkDead("a")

	found := r.FindByRequirements(Requirements{AgentType: "high"})
	if len(found) != 0 {
		t.Fatalf("expected a dead node to be excluded from FindByRequirements, got %d matches", len(found))
	}
}

func TestDeregisterRemovesFromAllAndOrder(t *testing.T) {
	r := New(nil)
	r.Register("a", NewNodeCapabilities([]string{"high"}, nil, nil, 1))
	r.Register("b", NewNodeCapabilities([]string{"high"}, nil, nil, 1))

	if err := r.Deregister("a"); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	all := r.All()
	if len(all) != 1 || all[0].NodeID != "b" {
		t.Fatalf("expected only b to remain, got %v", all)
	}
	if r.Size() != 1 {
		t.Fatalf("expected Size 1, got %d", r.Size())
	}
}

func TestClearRemovesEveryNode(t *testing.T) {
	r := New(nil)
	r.Register("a", NewNodeCapabilities([]string{"high"}, nil, nil, 1))
	r.Clear()
	if r.Size() != 0 {
		t.Fatalf("expected Size 0 after Clear, got %d", r.Size())
	}
	if len(r.AliveNodes()) != 0 {
		t.Fatalf("expected no alive nodes after Clear")
	}
}
