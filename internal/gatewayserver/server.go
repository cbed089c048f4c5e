// Package gatewayserver is the frame router: it accepts persistent TCP
// connections from nodes, authenticates the connection with a bearer
// token preamble, and dispatches newline-delimited JSON frames to the
// Node Registry, Health Monitor, and Delegation Manager by kind. The
// Delegation Manager stays a process-wide singleton; this package is
// just the transport that feeds it.
//
// Grounded on the teacher's internal/operator/server.go: semaphore-
// bounded connection accept loop, one goroutine per connection,
// deadline-bounded reads. Generalised here from one-shot request/
// response to a long-lived duplex frame stream.
package gatewayserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/templar-ai/gateway/internal/delegation"
	"github.com/templar-ai/gateway/internal/health"
	"github.com/templar-ai/gateway/internal/registry"
	"github.com/templar-ai/gateway/internal/wire"
)

const authPreambleTimeout = 10 * time.Second

// Config tunes the listener.
type Config struct {
	ListenAddr     string
	AuthToken      string
	MaxConnections int
	MaxFrameBytes  int
}

// Server is the gateway's wire-protocol listener.
type Server struct {
	cfg    Config
	reg    *registry.Registry
	health *health.Monitor
	deleg  *delegation.Manager
	log    *zap.Logger

	sender *connSender
	sem    chan struct{}
}

// NewSender creates the connection-backed wire.Sender a Server will use.
// Callers construct this first and hand it to the Health Monitor and
// Delegation Manager constructors, then pass the same instance into New
// — all three components must share one sender so outbound frames reach
// whatever connection is actually live.
func NewSender(maxFrameBytes int) wire.Sender {
	if maxFrameBytes <= 0 {
		maxFrameBytes = wire.DefaultMaxFrameBytes
	}
	return newConnSender(maxFrameBytes)
}

// New creates a Server around a sender previously built with NewSender.
func New(cfg Config, sender wire.Sender, reg *registry.Registry, h *health.Monitor, d *delegation.Manager, log *zap.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 256
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = wire.DefaultMaxFrameBytes
	}
	if log == nil {
		log = zap.NewNop()
	}
	cs, ok := sender.(*connSender)
	if !ok {
		panic("gatewayserver: sender must be created with NewSender")
	}
	return &Server{
		cfg:    cfg,
		reg:    reg,
		health: h,
		deleg:  d,
		log:    log,
		sender: cs,
		sem:    make(chan struct{}, cfg.MaxConnections),
	}
}

// ListenAndServe accepts connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gatewayserver: listen %q: %w", s.cfg.ListenAddr, err)
	}
	defer lis.Close()

	s.log.Info("gateway listening", zap.String("addr", s.cfg.ListenAddr))

	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("gatewayserver: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("gatewayserver: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn authenticates the connection, learns its node id from the
// first node.register frame, and dispatches every subsequent frame by
// kind until the connection closes or a ProtocolViolation occurs.
func (s *Server) handleConn(conn net.Conn) {
	if !s.authenticate(conn) {
		return
	}

	reader := bufio.NewReader(conn)
	sc := wire.NewScanner(reader, s.cfg.MaxFrameBytes)

	var nodeID string
	defer func() {
		if nodeID != "" {
			s.sender.remove(nodeID)
			_ = s.reg.Deregister(nodeID)
			s.health.Forget(nodeID)
			s.deleg.CleanupNode(nodeID)
		}
	}()

	for sc.Scan() {
		_ = conn.SetReadDeadline(time.Time{})
		frame, err := wire.Decode(sc.Bytes(), s.cfg.MaxFrameBytes)
		if err != nil {
			s.log.Warn("gatewayserver: protocol violation, closing connection", zap.Error(err))
			return
		}

		switch frame.Kind {
		case wire.KindNodeRegister:
			id, ok := s.handleRegister(conn, frame)
			if !ok {
				return
			}
			nodeID = id

		case wire.KindNodeDeregister:
			var dereg wire.NodeDeregister
			if wire.DecodePayload(frame, &dereg) == nil {
				s.sender.remove(dereg.NodeID)
				_ = s.reg.Deregister(dereg.NodeID)
				s.health.Forget(dereg.NodeID)
			}
			return

		case wire.KindHeartbeatPong:
			var pong wire.HeartbeatPong
			if wire.DecodePayload(frame, &pong) == nil {
				s.health.HandlePong(pong.NodeID)
			}

		case wire.KindDelegationReq:
			s.handleDelegationRequest(frame)

		case wire.KindDelegationAccept, wire.KindDelegationResult:
			s.deleg.HandleDelegationFrame(frame)

		case wire.KindDelegationCancel:
			var cancel wire.DelegationCancel
			if wire.DecodePayload(frame, &cancel) == nil {
				s.deleg.Cancel(cancel.DelegationID, cancel.Reason)
			}

		case wire.KindLaneMessage:
			s.relayLaneMessage(frame)

		default:
			s.log.Warn("gatewayserver: unknown frame kind", zap.String("kind", string(frame.Kind)))
		}
	}
}

// authenticate reads the one-line "Authorization: Bearer <token>\n"
// preamble. The gateway trusts that a matching token means an
// authenticated transport; the comparison is constant-time to avoid
// leaking the token's length/prefix through timing.
func (s *Server) authenticate(conn net.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(authPreambleTimeout))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	want := []byte("Authorization: Bearer " + s.cfg.AuthToken)
	got := bytes.TrimRight([]byte(line), "\r\n")
	if subtle.ConstantTimeCompare(got, want) != 1 {
		s.log.Warn("gatewayserver: auth preamble rejected")
		return false
	}
	_ = conn.SetReadDeadline(time.Time{})
	return true
}

func (s *Server) handleRegister(conn net.Conn, frame wire.Frame) (string, bool) {
	var reg wire.NodeRegister
	if err := wire.DecodePayload(frame, &reg); err != nil {
		return "", false
	}
	caps := registry.NewNodeCapabilities(reg.AgentTypes, reg.Tools, reg.Channels, reg.MaxConcurrency)
	if _, err := s.reg.Register(reg.NodeID, caps); err != nil {
		data, _ := wire.Encode(wire.KindNodeRegisterAck, wire.NodeRegisterAck{
			NodeID: reg.NodeID, OK: false, Error: err.Error(),
		}, s.cfg.MaxFrameBytes)
		_, _ = conn.Write(data)
		return "", false
	}
	s.sender.register(reg.NodeID, conn)
	data, _ := wire.Encode(wire.KindNodeRegisterAck, wire.NodeRegisterAck{NodeID: reg.NodeID, OK: true}, s.cfg.MaxFrameBytes)
	_, _ = conn.Write(data)
	return reg.NodeID, true
}

// handleDelegationRequest treats an inbound delegation.request frame as
// a client's "please delegate this" submission: it calls the Delegation
// Manager synchronously on its own goroutine (Delegate blocks until
// terminal) and relays the Result back to the originating node as a
// delegation.result frame.
func (s *Server) handleDelegationRequest(frame wire.Frame) {
	var req wire.DelegationRequest
	if err := wire.DecodePayload(frame, &req); err != nil {
		return
	}
	go func() {
		result := s.deleg.Delegate(delegation.Request{
			DelegationID:    req.DelegationID,
			FromNodeID:      req.FromNodeID,
			ToNodeID:        req.ToNodeID,
			Scope:           req.Scope,
			Intent:          req.Intent,
			Payload:         req.Payload,
			FallbackNodeIDs: req.FallbackNodeIDs,
			TimeoutMs:       req.TimeoutMs,
		})
		_ = s.sender.Send(req.FromNodeID, wire.KindDelegationResult, wire.DelegationResult{
			DelegationID: req.DelegationID,
			Status:       wire.ResultStatus(result.Status),
			Result:       result.Result,
		})
	}()
}

func (s *Server) relayLaneMessage(frame wire.Frame) {
	var msg wire.LaneMessage
	if err := wire.DecodePayload(frame, &msg); err != nil {
		return
	}
	if err := s.sender.Send(msg.ToNodeID, wire.KindLaneMessage, msg); err != nil {
		s.log.Warn("gatewayserver: lane message relay failed", zap.String("to", msg.ToNodeID), zap.Error(err))
	}
}

// connSender implements wire.Sender over the set of live connections.
type connSender struct {
	mu            sync.RWMutex
	conns         map[string]net.Conn
	maxFrameBytes int
}

func newConnSender(maxFrameBytes int) *connSender {
	return &connSender{conns: make(map[string]net.Conn), maxFrameBytes: maxFrameBytes}
}

func (c *connSender) register(nodeID string, conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[nodeID] = conn
}

func (c *connSender) remove(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, nodeID)
}

func (c *connSender) Send(nodeID string, kind wire.Kind, payload any) error {
	c.mu.RLock()
	conn, ok := c.conns[nodeID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gatewayserver: no connection for node %q", nodeID)
	}
	data, err := wire.Encode(kind, payload, c.maxFrameBytes)
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}
