// Package main — cmd/gatewaysim/main.go
//
// Gateway scenario simulator.
//
// Purpose: exercise the Node Registry, Health Monitor, and Delegation
// Manager against the seed scenarios without opening real sockets —
// every node "connection" is a scripted wire.Sender that records frames
// and lets the driver inject delegation.accept/delegation.result/pong
// frames by calling the manager directly, the same way a real connection's
// frame router would.
//
// Usage:
//   gatewaysim [-scenario S1]
//   gatewaysim            # runs every scenario, prints PASS/FAIL per line
//
// Output: one PASS/FAIL line per scenario to stdout; a summary to stderr.
// Exit code 0 if every scenario passed, 1 otherwise.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/templar-ai/gateway/internal/breaker"
	"github.com/templar-ai/gateway/internal/clock"
	"github.com/templar-ai/gateway/internal/delegation"
	"github.com/templar-ai/gateway/internal/health"
	"github.com/templar-ai/gateway/internal/registry"
	"github.com/templar-ai/gateway/internal/store"
	"github.com/templar-ai/gateway/internal/wire"
)

func main() {
	only := flag.String("scenario", "", "Run a single scenario by name (e.g. S1); empty runs all")
	flag.Parse()

	scenarios := []struct {
		name string
		run  func() result
	}{
		{"S1", scenarioS1},
		{"S2", scenarioS2},
		{"S3", scenarioS3},
		{"S4", scenarioS4},
		{"S5", scenarioS5},
		{"S6", scenarioS6},
		{"S7", scenarioS7},
		{"S8", scenarioS8},
		{"S9", scenarioS9},
	}

	failures := 0
	ran := 0
	for _, sc := range scenarios {
		if *only != "" && sc.name != *only {
			continue
		}
		ran++
		r := sc.run()
		status := "PASS"
		if !r.pass {
			status = "FAIL"
			failures++
		}
		fmt.Printf("%s\t%s\t%s\n", sc.name, status, r.detail)
	}

	fmt.Fprintf(os.Stderr, "\n=== SUMMARY ===\n%d/%d scenarios passed\n", ran-failures, ran)
	if failures > 0 {
		os.Exit(1)
	}
	os.Exit(0)
}

type result struct {
	pass   bool
	detail string
}

func pass(detail string) result { return result{pass: true, detail: detail} }
func fail(detail string) result { return result{pass: false, detail: detail} }

// ─── Scripted environment ───────────────────────────────────────────────

// sentFrame records one outbound frame observed by the scripted sender.
type sentFrame struct {
	nodeID  string
	kind    wire.Kind
	payload any
}

// scriptedSender is a wire.Sender that records every frame instead of
// writing to a socket, and fans every send out on a channel so a
// scenario driver can react to it synchronously.
type scriptedSender struct {
	mu   sync.Mutex
	sent []sentFrame
	ch   chan sentFrame
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{ch: make(chan sentFrame, 256)}
}

func (s *scriptedSender) Send(nodeID string, kind wire.Kind, payload any) error {
	s.mu.Lock()
	s.sent = append(s.sent, sentFrame{nodeID, kind, payload})
	s.mu.Unlock()
	s.ch <- sentFrame{nodeID, kind, payload}
	return nil
}

func (s *scriptedSender) trace() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentFrame, len(s.sent))
	copy(out, s.sent)
	return out
}

// waitFor blocks until a frame of the given kind addressed to nodeID
// arrives, or the deadline passes.
func (s *scriptedSender) waitFor(kind wire.Kind, nodeID string, timeout time.Duration) (sentFrame, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case f := <-s.ch:
			if f.kind == kind && (nodeID == "" || f.nodeID == nodeID) {
				return f, true
			}
		case <-deadline:
			return sentFrame{}, false
		}
	}
}

type env struct {
	clk    *clock.Fake
	reg    *registry.Registry
	sender *scriptedSender
	mon    *health.Monitor
	deleg  *delegation.Manager

	eventsMu sync.Mutex
	events   []delegation.Event
}

func newEnv(cfg delegation.Config) *env {
	return newEnvWithStore(cfg, nil)
}

func newEnvWithStore(cfg delegation.Config, st store.Store) *env {
	clk := clock.NewFake(time.Unix(0, 0))
	reg := registry.New(clk)
	sender := newScriptedSender()
	log := zap.NewNop()
	mon := health.New(reg, sender, time.Second, clk, log)
	deleg := delegation.New(reg, sender, st, cfg, clk, nil, log)
	e := &env{clk: clk, reg: reg, sender: sender, mon: mon, deleg: deleg}
	deleg.OnEvent(func(ev delegation.Event) {
		e.eventsMu.Lock()
		e.events = append(e.events, ev)
		e.eventsMu.Unlock()
	})
	return e
}

func (e *env) register(nodeID string) {
	_, _ = e.reg.Register(nodeID, registry.NewNodeCapabilities([]string{"general"}, nil, nil, 4))
}

func (e *env) hasEvent(kind delegation.EventKind) bool {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	for _, ev := range e.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func (e *env) eventKinds() []delegation.EventKind {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	out := make([]delegation.EventKind, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Kind
	}
	return out
}

func rawJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func (e *env) injectAccept(delegationID, nodeID string) {
	e.deleg.HandleDelegationFrame(wire.Frame{
		Kind:    wire.KindDelegationAccept,
		Payload: rawJSON(wire.DelegationAccept{DelegationID: delegationID, NodeID: nodeID}),
	})
}

func (e *env) injectResult(delegationID string, status wire.ResultStatus, result any) {
	e.deleg.HandleDelegationFrame(wire.Frame{
		Kind: wire.KindDelegationResult,
		Payload: rawJSON(wire.DelegationResult{
			DelegationID: delegationID,
			Status:       status,
			Result:       rawJSON(result),
		}),
	})
}

func defaultCfg() delegation.Config {
	cfg := delegation.DefaultConfig()
	cfg.StoreTimeout = 50 * time.Millisecond
	return cfg
}

// ─── Scenarios ───────────────────────────────────────────────────────────

func scenarioS1() result {
	e := newEnv(defaultCfg())
	e.register("A")
	e.register("P")

	resCh := make(chan delegation.Result, 1)
	go func() {
		resCh <- e.deleg.Delegate(delegation.Request{
			DelegationID: "d1", FromNodeID: "A", ToNodeID: "P", Intent: "answer", TimeoutMs: 5000,
		})
	}()

	if _, ok := e.sender.waitFor(wire.KindDelegationReq, "P", time.Second); !ok {
		return fail("no delegation.request sent to P")
	}
	e.injectAccept("d1", "P")
	e.injectResult("d1", wire.ResultCompleted, map[string]int{"answer": 42})

	res := <-resCh
	if res.Status != delegation.StatusCompleted {
		return fail(fmt.Sprintf("expected completed, got %s", res.Status))
	}
	var payload map[string]int
	_ = json.Unmarshal(res.Result, &payload)
	if payload["answer"] != 42 {
		return fail("result payload mismatch")
	}
	kinds := e.eventKinds()
	if len(kinds) < 3 || kinds[0] != delegation.EventStarted || !e.hasEvent(delegation.EventAccepted) || kinds[len(kinds)-1] != delegation.EventCompleted {
		return fail(fmt.Sprintf("unexpected event sequence %v", kinds))
	}
	return pass("completed via primary, started/accepted/completed observed")
}

func scenarioS2() result {
	e := newEnv(defaultCfg())
	e.register("A")
	e.register("P")
	e.register("F")

	resCh := make(chan delegation.Result, 1)
	go func() {
		resCh <- e.deleg.Delegate(delegation.Request{
			DelegationID: "d2", FromNodeID: "A", ToNodeID: "P", FallbackNodeIDs: []string{"F"},
			Intent: "answer", TimeoutMs: 5000,
		})
	}()

	if _, ok := e.sender.waitFor(wire.KindDelegationReq, "P", time.Second); !ok {
		return fail("no request to P")
	}
	e.injectResult("d2", wire.ResultRefused, nil)

	if _, ok := e.sender.waitFor(wire.KindDelegationReq, "F", time.Second); !ok {
		return fail("no request to F after refusal")
	}
	e.injectResult("d2", wire.ResultCompleted, map[string]int{"ok": 1})

	res := <-resCh
	if res.Status != delegation.StatusCompleted {
		return fail(fmt.Sprintf("expected completed, got %s", res.Status))
	}
	tr := e.sender.trace()
	if len(tr) < 2 || tr[0].nodeID != "P" || tr[1].nodeID != "F" {
		return fail("wire trace did not show request->P, request->F in order")
	}
	return pass("primary refused, fallback completed")
}

func scenarioS3() result {
	e := newEnv(defaultCfg())
	e.register("A")
	e.register("P")
	e.register("F1")
	e.register("F2")

	resCh := make(chan delegation.Result, 1)
	go func() {
		resCh <- e.deleg.Delegate(delegation.Request{
			DelegationID: "d3", FromNodeID: "A", ToNodeID: "P", FallbackNodeIDs: []string{"F1", "F2"},
			Intent: "answer", TimeoutMs: 30000,
		})
	}()

	order := []string{"P", "F1", "F2"}
	outcomes := []wire.ResultStatus{wire.ResultFailed, wire.ResultFailed, wire.ResultCompleted}
	for i, nodeID := range order {
		if _, ok := e.sender.waitFor(wire.KindDelegationReq, nodeID, time.Second); !ok {
			return fail(fmt.Sprintf("no request to %s", nodeID))
		}
		e.injectResult("d3", outcomes[i], map[string]int{"step": i})
	}

	res := <-resCh
	if res.Status != delegation.StatusCompleted {
		return fail(fmt.Sprintf("expected completed, got %s", res.Status))
	}
	if len(e.sender.trace()) != 3 {
		return fail("expected a 3-long fallback chain")
	}
	return pass("cascaded through two failures to a completion")
}

func scenarioS4() result {
	cfg := defaultCfg()
	cfg.MaxActiveDelegations = 1
	e := newEnv(cfg)
	e.register("A")
	e.register("P")

	go func() {
		_ = e.deleg.Delegate(delegation.Request{
			DelegationID: "d-a", FromNodeID: "A", ToNodeID: "P", Intent: "x", TimeoutMs: 60000,
		})
	}()
	if _, ok := e.sender.waitFor(wire.KindDelegationReq, "P", time.Second); !ok {
		return fail("d-a never reached the wire")
	}

	res := e.deleg.Delegate(delegation.Request{
		DelegationID: "d-b", FromNodeID: "A", ToNodeID: "P", Intent: "x", TimeoutMs: 5000,
	})
	if res.Status != delegation.StatusFailed {
		return fail(fmt.Sprintf("expected immediate failed, got %s", res.Status))
	}
	for _, f := range e.sender.trace() {
		if f.kind == wire.KindDelegationReq && f.nodeID == "P" {
			if req, ok := f.payload.(wire.DelegationRequest); ok && req.DelegationID == "d-b" {
				return fail("a request frame was emitted for the rejected delegation")
			}
		}
	}
	return pass("second delegation rejected at admission, no wire traffic")
}

func scenarioS5() result {
	cfg := defaultCfg()
	cfg.CircuitBreaker = breaker.Config{Threshold: 1, Cooldown: 60 * time.Second}
	e := newEnv(cfg)
	e.register("A")
	e.register("P")
	e.register("F")

	warmCh := make(chan delegation.Result, 1)
	go func() {
		warmCh <- e.deleg.Delegate(delegation.Request{
			DelegationID: "d-warm", FromNodeID: "A", ToNodeID: "P", Intent: "x", TimeoutMs: 5000,
		})
	}()
	if _, ok := e.sender.waitFor(wire.KindDelegationReq, "P", time.Second); !ok {
		return fail("warm-up request to P never sent")
	}
	e.injectResult("d-warm", wire.ResultFailed, nil)
	if res := <-warmCh; res.Status != delegation.StatusFailed {
		return fail(fmt.Sprintf("expected the warm-up delegation to fail, got %s", res.Status))
	}

	resCh := make(chan delegation.Result, 1)
	go func() {
		resCh <- e.deleg.Delegate(delegation.Request{
			DelegationID: "d5", FromNodeID: "A", ToNodeID: "P", FallbackNodeIDs: []string{"F"},
			Intent: "x", TimeoutMs: 5000,
		})
	}()
	if _, ok := e.sender.waitFor(wire.KindDelegationReq, "F", time.Second); !ok {
		return fail("expected request to go straight to F, breaker on P should have been open")
	}
	e.injectResult("d5", wire.ResultCompleted, nil)
	<-resCh

	for _, f := range e.sender.trace() {
		if f.kind == wire.KindDelegationReq && f.nodeID == "P" {
			if req, ok := f.payload.(wire.DelegationRequest); ok && req.DelegationID == "d5" {
				return fail("request->P was sent for d5 despite an open breaker")
			}
		}
	}
	return pass("open breaker skipped P, fallback F used directly")
}

func scenarioS6() result {
	e := newEnv(defaultCfg())
	e.register("A")
	e.register("P")

	resCh := make(chan delegation.Result, 1)
	go func() {
		resCh <- e.deleg.Delegate(delegation.Request{
			DelegationID: "d-c", FromNodeID: "A", ToNodeID: "P", Intent: "x", TimeoutMs: 30000,
		})
	}()
	if _, ok := e.sender.waitFor(wire.KindDelegationReq, "P", time.Second); !ok {
		return fail("d-c never reached the wire")
	}
	e.deleg.Cancel("d-c", "user")

	res := <-resCh
	if res.Status != delegation.StatusTimeout {
		return fail(fmt.Sprintf("expected timeout status on cancel, got %s", res.Status))
	}
	if !e.hasEvent(delegation.EventCancelled) {
		return fail("no cancelled event observed")
	}
	found := false
	for _, f := range e.sender.trace() {
		if f.kind == wire.KindDelegationCancel && f.nodeID == "P" {
			found = true
		}
	}
	if !found {
		return fail("no delegation.cancel frame observed on the wire")
	}
	return pass("cancel produced a cancel frame, cancelled event, timeout-shaped result")
}

func scenarioS7() result {
	e := newEnv(defaultCfg())
	e.register("N")

	var deadEvents []string
	e.mon.OnNodeDead(func(ev health.DeadEvent) {
		deadEvents = append(deadEvents, ev.Node.NodeID)
	})
	e.mon.Start()
	defer e.mon.Stop()

	e.clk.Advance(time.Second)
	time.Sleep(30 * time.Millisecond)
	pingsAfterTick1 := countPings(e.sender.trace())
	if pingsAfterTick1 != 1 {
		return fail(fmt.Sprintf("expected exactly 1 ping after tick 1, got %d", pingsAfterTick1))
	}
	if len(deadEvents) != 0 {
		return fail("node declared dead after only one missed tick")
	}

	e.clk.Advance(time.Second)
	time.Sleep(30 * time.Millisecond)
	if len(deadEvents) != 1 {
		return fail(fmt.Sprintf("expected exactly 1 node.dead after tick 2, got %d", len(deadEvents)))
	}
	pingsAfterTick2 := countPings(e.sender.trace())
	if pingsAfterTick2 != 1 {
		return fail(fmt.Sprintf("expected no additional ping once provisional, total pings %d", pingsAfterTick2))
	}
	return pass("one ping per live interval, dead declared after the second tick")
}

func countPings(tr []sentFrame) int {
	n := 0
	for _, f := range tr {
		if f.kind == wire.KindHeartbeatPing {
			n++
		}
	}
	return n
}

// hungStore never resolves Create, simulating a stuck store collaborator
// (S8). Its Create only returns once the caller's context is done, which
// the Delegation Manager bounds to cfg.StoreTimeout regardless of what
// the store itself does.
type hungStore struct{}

func (hungStore) Create(ctx context.Context, _ store.DelegationRecord) error {
	<-ctx.Done()
	return ctx.Err()
}

func (hungStore) Update(ctx context.Context, _ string, _ store.Status) error {
	<-ctx.Done()
	return ctx.Err()
}

func scenarioS8() result {
	cfg := defaultCfg()
	cfg.StoreTimeout = 50 * time.Millisecond
	e := newEnvWithStore(cfg, hungStore{})
	e.register("A")
	e.register("P")

	start := time.Now()
	resCh := make(chan delegation.Result, 1)
	go func() {
		resCh <- e.deleg.Delegate(delegation.Request{
			DelegationID: "d8", FromNodeID: "A", ToNodeID: "P", Intent: "x", TimeoutMs: 5000,
		})
	}()
	if _, ok := e.sender.waitFor(wire.KindDelegationReq, "P", 500*time.Millisecond); !ok {
		return fail("request frame was not sent within 500ms despite a bounded store timeout")
	}
	elapsed := time.Since(start)
	e.injectResult("d8", wire.ResultCompleted, nil)
	<-resCh
	if elapsed > 400*time.Millisecond {
		return fail(fmt.Sprintf("request frame delayed by %s, store degradation was not graceful", elapsed))
	}
	return pass(fmt.Sprintf("request frame sent in %s despite a non-resolving store", elapsed))
}

func scenarioS9() result {
	cfg := defaultCfg()
	cfg.MaxDelegationTTL = 100 * time.Millisecond
	e := newEnv(cfg)
	e.register("A")
	e.register("P")

	resCh := make(chan delegation.Result, 1)
	go func() {
		resCh <- e.deleg.Delegate(delegation.Request{
			DelegationID: "d9", FromNodeID: "A", ToNodeID: "P", Intent: "x", TimeoutMs: 30000,
		})
	}()
	if _, ok := e.sender.waitFor(wire.KindDelegationReq, "P", time.Second); !ok {
		return fail("d9 never reached the wire")
	}

	e.clk.Advance(200 * time.Millisecond)
	e.deleg.Sweep()

	res := <-resCh
	if res.Status != delegation.StatusTimeout {
		return fail(fmt.Sprintf("expected timeout-shaped result after ttl sweep, got %s", res.Status))
	}
	if !e.hasEvent(delegation.EventCancelled) {
		return fail("no cancelled event from the ttl sweep")
	}
	return pass("ttl sweep cancelled the stale delegation")
}
