// Package delegation implements the Delegation Manager: the lifecycle
// engine that brokers a task from one node to another with
// fault-tolerant fallback, per-target circuit breaking, concurrency
// caps, and best-effort durable bookkeeping.
//
// The "register a resolver, await a three-way race" control flow maps
// directly onto a Go context: each delegation's abort token IS a
// context.CancelFunc, and the overall timeout is simply
// context.WithTimeout — context.Canceled vs context.DeadlineExceeded
// distinguishes an explicit Cancel() from the overall timer firing
// without the manager needing a separate flag for most of that
// distinction (cancelRequested still exists, see below, to decide
// whether the terminal "cancelled" event fires).
package delegation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/templar-ai/gateway/internal/breaker"
	"github.com/templar-ai/gateway/internal/clock"
	"github.com/templar-ai/gateway/internal/events"
	"github.com/templar-ai/gateway/internal/immutable"
	"github.com/templar-ai/gateway/internal/registry"
	"github.com/templar-ai/gateway/internal/store"
	"github.com/templar-ai/gateway/internal/wire"
)

// activeDelegation is the manager's record of one in-flight delegation.
// Exactly one exists per delegationId while present in the table; it,
// its resolver, and its nodeActiveCounts contribution are created and
// removed together.
type activeDelegation struct {
	req       Request
	createdAt time.Time

	ctx        context.Context
	cancelFunc context.CancelFunc

	mu              sync.Mutex
	currentNodeID   string
	cancelRequested bool
	finished        bool
}

// Manager is the process-wide Delegation Manager. Node identity is
// carried as a field in every frame; sender abstracts the one physical
// connection per node so the manager itself is transport-agnostic.
type Manager struct {
	reg    *registry.Registry
	sender wire.Sender
	st     store.Store
	clk    clock.Clock
	cfg    Config
	log    *zap.Logger
	metr   Metrics

	emitter *events.Emitter[Event]

	mu               sync.Mutex
	delegations      map[string]*activeDelegation
	nodeActiveCounts map[string]int
	breakers         map[string]*breaker.Breaker
	pendingResolvers map[string]chan wire.DelegationResult

	sweepStop func()
}

// New creates a Manager. st defaults to store.Nop{} if nil; clk defaults
// to clock.Real if nil; metr defaults to a no-op implementation if nil.
func New(reg *registry.Registry, sender wire.Sender, st store.Store, cfg Config, clk clock.Clock, metr Metrics, log *zap.Logger) *Manager {
	if st == nil {
		st = store.Nop{}
	}
	if clk == nil {
		clk = clock.Real
	}
	if metr == nil {
		metr = nopMetrics{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		reg:              reg,
		sender:           sender,
		st:               st,
		clk:              clk,
		cfg:              cfg,
		log:              log,
		metr:             metr,
		emitter:          events.NewEmitter[Event](log),
		delegations:      make(map[string]*activeDelegation),
		nodeActiveCounts: make(map[string]int),
		breakers:         make(map[string]*breaker.Breaker),
		pendingResolvers: make(map[string]chan wire.DelegationResult),
	}
}

// OnEvent subscribes to the manager's lifecycle event stream.
func (m *Manager) OnEvent(fn func(Event)) (unsubscribe func()) {
	return m.emitter.Subscribe(fn)
}

func (m *Manager) getBreaker(nodeID string) *breaker.Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[nodeID]
	if !ok {
		b = breaker.New(m.cfg.CircuitBreaker, func() { m.metr.BreakerOpened(nodeID) })
		m.breakers = immutable.With(m.breakers, nodeID, b)
	}
	return b
}

// Delegate runs one request through to a terminal Result. It never
// returns an error; every outcome is represented by Result.Status.
func (m *Manager) Delegate(req Request) Result {
	// 1. Admission.
	m.mu.Lock()
	if len(m.delegations) >= m.cfg.MaxActiveDelegations {
		m.mu.Unlock()
		return Result{Status: StatusFailed}
	}
	if m.nodeActiveCounts[req.FromNodeID] >= m.cfg.MaxPerNodeDelegations {
		m.mu.Unlock()
		return Result{Status: StatusFailed}
	}
	m.mu.Unlock()

	// 2. Optional store create, bounded, graceful on failure.
	m.storeCreate(req)

	// 3. Setup.
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(req.TimeoutMs)*time.Millisecond)
	ad := &activeDelegation{
		req:           req,
		createdAt:     m.clk.Now(),
		ctx:           ctx,
		cancelFunc:    cancel,
		currentNodeID: req.ToNodeID,
	}

	m.mu.Lock()
	m.delegations = immutable.With(m.delegations, req.DelegationID, ad)
	m.nodeActiveCounts = immutable.With(m.nodeActiveCounts, req.FromNodeID, m.nodeActiveCounts[req.FromNodeID]+1)
	m.mu.Unlock()

	m.metr.DelegationStarted()
	m.emitter.Publish(Event{Kind: EventStarted, DelegationID: req.DelegationID})

	finish := m.finisher(req.DelegationID, req.FromNodeID, ad)

	fallbackCount := len(req.FallbackNodeIDs)

	// 4. Try primary.
	if frame, ok := m.tryNode(req.ToNodeID, ad, fallbackCount); ok {
		cancel()
		finish()
		return Result{Status: StatusCompleted, Result: frame.Result}
	}

	// 5. Iterate fallbacks in order.
	failedNodes := []string{req.ToNodeID}
	for _, fb := range req.FallbackNodeIDs {
		if ad.ctx.Err() != nil {
			break
		}
		if frame, ok := m.tryNode(fb, ad, fallbackCount); ok {
			cancel()
			finish()
			return Result{Status: StatusCompleted, Result: frame.Result}
		}
		failedNodes = append(failedNodes, fb)
	}

	// 6. All failed.
	cancel()
	finish()

	ad.mu.Lock()
	wasCancelled := ad.cancelRequested
	ad.mu.Unlock()

	if wasCancelled {
		return Result{Status: StatusTimeout}
	}
	if errors.Is(ad.ctx.Err(), context.DeadlineExceeded) {
		m.metr.DelegationTerminal(StatusTimeout)
		return Result{Status: StatusTimeout}
	}

	m.metr.DelegationTerminal(StatusFailed)
	m.emitter.Publish(Event{Kind: EventExhausted, DelegationID: req.DelegationID, FailedNodes: failedNodes})
	return Result{Status: StatusFailed}
}

// finisher returns a once-only cleanup closure: removes the delegation
// record and its counter contribution together.
func (m *Manager) finisher(delegationID, fromNodeID string, ad *activeDelegation) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ad.mu.Lock()
			ad.finished = true
			ad.mu.Unlock()

			m.mu.Lock()
			m.delegations = immutable.Without(m.delegations, delegationID)
			if n := m.nodeActiveCounts[fromNodeID]; n > 1 {
				m.nodeActiveCounts = immutable.With(m.nodeActiveCounts, fromNodeID, n-1)
			} else {
				m.nodeActiveCounts = immutable.Without(m.nodeActiveCounts, fromNodeID)
			}
			delete(m.pendingResolvers, delegationID)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) storeCreate(req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
	defer cancel()
	if err := m.st.Create(ctx, store.DelegationRecord{
		DelegationID: req.DelegationID,
		FromNodeID:   req.FromNodeID,
		ToNodeID:     req.ToNodeID,
		Intent:       req.Intent,
		Status:       store.StatusPending,
		CreatedAt:    m.clk.Now(),
		UpdatedAt:    m.clk.Now(),
	}); err != nil {
		m.log.Warn("delegation store create failed, proceeding without persistence",
			zap.String("delegationId", req.DelegationID), zap.Error(err))
	}
}

func (m *Manager) storeUpdate(delegationID string, status store.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
	defer cancel()
	if err := m.st.Update(ctx, delegationID, status); err != nil {
		m.log.Warn("delegation store update failed", zap.String("delegationId", delegationID), zap.Error(err))
	}
}

// tryNode attempts one candidate target. It returns a
// non-nil frame with ok=true only when the target's result is
// "completed" — every other outcome (refused, failed, no budget,
// breaker open, timeout, abort) returns (nil, false), differing only in
// which breaker/event/store side effects it produced.
func (m *Manager) tryNode(nodeID string, ad *activeDelegation, fallbackCount int) (*wire.DelegationResult, bool) {
	br := m.getBreaker(nodeID)

	// 1. Breaker gate. Allow claims this attempt's slot (including the
	// single half-open probe slot); every exit below must resolve it via
	// done(...) exactly once.
	done, ok := br.Allow()
	if !ok {
		return nil, false
	}

	// 2. Signal gate.
	if ad.ctx.Err() != nil {
		done(false)
		return nil, false
	}

	// 3. Node liveness.
	node, ok := m.reg.Get(nodeID)
	if !ok || !node.IsAlive {
		done(false)
		m.emitter.Publish(Event{Kind: EventFailed, DelegationID: ad.req.DelegationID, NodeID: nodeID, Reason: "not_alive"})
		return nil, false
	}

	// 4. Per-target time budget.
	elapsed := m.clk.Now().Sub(ad.createdAt)
	remaining := time.Duration(ad.req.TimeoutMs)*time.Millisecond - elapsed
	if remaining < m.cfg.MinNodeTimeout {
		done(false)
		return nil, false
	}
	even := remaining / time.Duration(fallbackCount+1)
	perTarget := even
	if perTarget < m.cfg.MinNodeTimeout {
		perTarget = m.cfg.MinNodeTimeout
	}
	if perTarget > remaining {
		perTarget = remaining
	}

	// 5. Update currentNodeId.
	ad.mu.Lock()
	ad.currentNodeID = nodeID
	ad.mu.Unlock()

	// 6. Register resolver BEFORE sending, so a racing reply is never
	// dropped for lack of a listener.
	ch := make(chan wire.DelegationResult, 1)
	m.mu.Lock()
	m.pendingResolvers[ad.req.DelegationID] = ch
	m.mu.Unlock()

	// 7. Emit wire request.
	if err := m.sender.Send(nodeID, wire.KindDelegationReq, wire.DelegationRequest{
		DelegationID:    ad.req.DelegationID,
		FromNodeID:      ad.req.FromNodeID,
		ToNodeID:        nodeID,
		Scope:           ad.req.Scope,
		Intent:          ad.req.Intent,
		Payload:         ad.req.Payload,
		FallbackNodeIDs: nil,
		TimeoutMs:       perTarget.Milliseconds(),
	}); err != nil {
		m.mu.Lock()
		delete(m.pendingResolvers, ad.req.DelegationID)
		m.mu.Unlock()
		done(false)
		m.emitter.Publish(Event{Kind: EventFailed, DelegationID: ad.req.DelegationID, NodeID: nodeID, Reason: "send_error"})
		return nil, false
	}

	timerCh, stopTimer := m.clk.NewTimer(perTarget)
	defer stopTimer()

	select {
	case frame := <-ch:
		m.mu.Lock()
		delete(m.pendingResolvers, ad.req.DelegationID)
		m.mu.Unlock()
		return m.processResult(ad, nodeID, done, frame)

	case <-timerCh:
		m.mu.Lock()
		delete(m.pendingResolvers, ad.req.DelegationID)
		m.mu.Unlock()
		done(false)
		m.emitter.Publish(Event{Kind: EventFailed, DelegationID: ad.req.DelegationID, NodeID: nodeID, Reason: "timeout"})
		return nil, false

	case <-ad.ctx.Done():
		m.mu.Lock()
		delete(m.pendingResolvers, ad.req.DelegationID)
		m.mu.Unlock()
		done(false)
		m.emitter.Publish(Event{Kind: EventFailed, DelegationID: ad.req.DelegationID, NodeID: nodeID, Reason: "timeout"})
		return nil, false
	}
}

// processResult applies the result frame from a target.
func (m *Manager) processResult(ad *activeDelegation, nodeID string, done func(bool), frame wire.DelegationResult) (*wire.DelegationResult, bool) {
	switch frame.Status {
	case wire.ResultCompleted:
		done(true)
		m.metr.DelegationTerminal(StatusCompleted)
		m.emitter.Publish(Event{Kind: EventCompleted, DelegationID: ad.req.DelegationID, NodeID: nodeID})
		m.storeUpdate(ad.req.DelegationID, store.StatusCompleted)
		return &frame, true
	default: // refused, failed
		done(false)
		m.emitter.Publish(Event{Kind: EventFailed, DelegationID: ad.req.DelegationID, NodeID: nodeID, Reason: string(frame.Status)})
		m.storeUpdate(ad.req.DelegationID, store.Status(frame.Status))
		return nil, false
	}
}

// HandleDelegationFrame routes inbound delegation.accept and
// delegation.result frames.
func (m *Manager) HandleDelegationFrame(f wire.Frame) {
	switch f.Kind {
	case wire.KindDelegationAccept:
		var accept wire.DelegationAccept
		if err := wire.DecodePayload(f, &accept); err != nil {
			return
		}
		m.mu.Lock()
		_, exists := m.delegations[accept.DelegationID]
		m.mu.Unlock()
		if !exists {
			m.metr.DelegationUnknownFrame()
			return
		}
		m.emitter.Publish(Event{Kind: EventAccepted, DelegationID: accept.DelegationID, NodeID: accept.NodeID})
		m.storeUpdate(accept.DelegationID, store.StatusAccepted)

	case wire.KindDelegationResult:
		var result wire.DelegationResult
		if err := wire.DecodePayload(f, &result); err != nil {
			return
		}
		m.mu.Lock()
		ch, ok := m.pendingResolvers[result.DelegationID]
		if ok {
			delete(m.pendingResolvers, result.DelegationID)
		}
		m.mu.Unlock()

		if !ok {
			// Late arrival after cancel/timeout, or a reply to an
			// unknown id entirely. Dropped silently; counted for
			// operators since a worker replying to the wrong id is
			// otherwise invisible.
			m.metr.DelegationUnknownFrame()
			return
		}
		ch <- result
	}
}

// Cancel aborts a delegation. No-op if the id is unknown or already
// terminal.
func (m *Manager) Cancel(delegationID, reason string) {
	m.mu.Lock()
	ad, ok := m.delegations[delegationID]
	m.mu.Unlock()
	if !ok {
		return
	}

	ad.mu.Lock()
	if ad.finished || ad.cancelRequested {
		ad.mu.Unlock()
		return
	}
	ad.cancelRequested = true
	target := ad.currentNodeID
	ad.mu.Unlock()

	if m.sender != nil && target != "" {
		_ = m.sender.Send(target, wire.KindDelegationCancel, wire.DelegationCancel{
			DelegationID: delegationID,
			Reason:       reason,
		})
	}

	m.emitter.Publish(Event{Kind: EventCancelled, DelegationID: delegationID, Reason: reason})
	m.metr.DelegationTerminal(StatusCancelled)
	m.storeUpdate(delegationID, store.StatusCancelled)

	ad.cancelFunc()
}

// Sweep removes delegations older than MaxDelegationTTL.
func (m *Manager) Sweep() {
	cutoff := m.clk.Now().Add(-m.cfg.MaxDelegationTTL)
	var expired []string
	m.mu.Lock()
	for id, ad := range m.delegations {
		if ad.createdAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.Cancel(id, "ttl_expired")
	}
}

// CleanupNode cancels every delegation whose origin or current target is
// nodeID. Invoked from the Health Monitor's node.dead handler.
func (m *Manager) CleanupNode(nodeID string) {
	var affected []string
	m.mu.Lock()
	for id, ad := range m.delegations {
		ad.mu.Lock()
		matches := ad.req.FromNodeID == nodeID || ad.currentNodeID == nodeID
		ad.mu.Unlock()
		if matches {
			affected = append(affected, id)
		}
	}
	m.mu.Unlock()

	for _, id := range affected {
		m.Cancel(id, "node "+nodeID+" disconnected")
	}
}

// StartSweep begins the periodic TTL sweep on its own ticker.
func (m *Manager) StartSweep() {
	m.mu.Lock()
	if m.sweepStop != nil {
		m.mu.Unlock()
		return
	}
	tickCh, stopTicker := m.clk.NewTicker(m.cfg.SweepInterval)
	done := make(chan struct{})
	m.sweepStop = func() {
		stopTicker()
		close(done)
	}
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-tickCh:
				m.Sweep()
			case <-done:
				return
			}
		}
	}()
}

// Dispose stops the sweep timer, aborts every in-flight delegation, and
// clears all tables and listeners. Never throws.
func (m *Manager) Dispose() {
	m.mu.Lock()
	stop := m.sweepStop
	m.sweepStop = nil
	ids := make([]string, 0, len(m.delegations))
	for id := range m.delegations {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, id := range ids {
		m.Cancel(id, "disposed")
	}

	m.mu.Lock()
	m.delegations = make(map[string]*activeDelegation)
	m.nodeActiveCounts = make(map[string]int)
	m.pendingResolvers = make(map[string]chan wire.DelegationResult)
	m.mu.Unlock()

	m.emitter.Clear()
}
