// Package bench — delegatelatency/main.go
//
// Delegation latency measurement tool.
//
// Measures the wall-clock time of Manager.Delegate() calls against an
// in-process node that replies "completed" immediately, so the
// measurement isolates the manager's own bookkeeping (admission,
// breaker lookup, resolver registration, event publish, store call)
// from any real network or node-side processing time.
//
// Method:
//  1. Builds a Manager with a single always-alive node and a sender
//     that, on every delegation.request, synchronously feeds a
//     "completed" result back through HandleDelegationFrame.
//  2. Runs Delegate() in a tight loop, timing each call with
//     time.Now()/time.Since().
//  3. Results are written to a CSV file and summarised as p50/p95/p99.
//
// Output CSV columns: iteration, latency_us, status
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/templar-ai/gateway/internal/delegation"
	"github.com/templar-ai/gateway/internal/registry"
	"github.com/templar-ai/gateway/internal/wire"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of Delegate() calls to measure")
	outputFile := flag.String("output", "delegation_latency_raw.csv", "Output CSV file path")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	reg := registry.New(nil)
	reg.Register("bench-node", registry.NewNodeCapabilities([]string{"bench"}, nil, nil, 1))

	var mgr *delegation.Manager
	sender := &replyingSender{}
	cfg := delegation.DefaultConfig()
	cfg.MinNodeTimeout = 50 * time.Millisecond
	mgr = delegation.New(reg, sender, nil, cfg, nil, nil, nil)
	sender.mgr = mgr

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us", "status"})

	var bucket [10001]int // microsecond histogram, 0-10000us

	for i := 0; i < *iterations; i++ {
		req := delegation.Request{
			DelegationID: "bench-" + strconv.Itoa(i),
			FromNodeID:   "bench-caller",
			ToNodeID:     "bench-node",
			Intent:       "bench",
			TimeoutMs:    5000,
		}

		start := time.Now()
		result := mgr.Delegate(req)
		latency := time.Since(start)

		us := int(latency.Microseconds())
		if us < len(bucket) {
			bucket[us]++
		}
		_ = w.Write([]string{strconv.Itoa(i), strconv.Itoa(us), string(result.Status)})
	}

	p50, p95, p99 := computePercentiles(bucket[:], *iterations)

	fmt.Printf("Delegation Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  p50: %dus\n", p50)
	fmt.Printf("  p95: %dus\n", p95)
	fmt.Printf("  p99: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)
}

// replyingSender simulates a node that immediately completes every
// delegation routed to it (no delegation.accept frame is sent first),
// decoding the delegationId straight out
// of the outbound request payload rather than needing a parallel
// channel back to the benchmark loop.
type replyingSender struct {
	mgr *delegation.Manager
}

func (s *replyingSender) Send(nodeID string, kind wire.Kind, payload any) error {
	if kind != wire.KindDelegationReq {
		return nil
	}
	req, ok := payload.(wire.DelegationRequest)
	if !ok {
		return nil
	}
	resultPayload, _ := json.Marshal(map[string]string{"ok": "true"})
	data, _ := json.Marshal(wire.DelegationResult{
		DelegationID: req.DelegationID,
		Status:       wire.ResultCompleted,
		Result:       resultPayload,
	})
	s.mgr.HandleDelegationFrame(wire.Frame{Kind: wire.KindDelegationResult, Payload: data})
	return nil
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
