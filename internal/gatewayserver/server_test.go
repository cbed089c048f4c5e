package gatewayserver

import (
	"bufio"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/templar-ai/gateway/internal/delegation"
	"github.com/templar-ai/gateway/internal/health"
	"github.com/templar-ai/gateway/internal/registry"
	"github.com/templar-ai/gateway/internal/wire"
)

func TestAuthenticateAcceptsMatchingToken(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	srv := &Server{cfg: Config{AuthToken: "secret"}, log: zap.NewNop()}

	okCh := make(chan bool, 1)
	go func() { okCh <- srv.authenticate(serverConn) }()

	clientConn.Write([]byte("Authorization: Bearer secret\n"))

	if ok := <-okCh; !ok {
		t.Fatalf("expected a matching bearer token to authenticate")
	}
}

func TestAuthenticateRejectsWrongToken(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	srv := &Server{cfg: Config{AuthToken: "secret"}, log: zap.NewNop()}

	okCh := make(chan bool, 1)
	go func() { okCh <- srv.authenticate(serverConn) }()

	clientConn.Write([]byte("Authorization: Bearer wrong\n"))

	if ok := <-okCh; ok {
		t.Fatalf("expected a mismatched bearer token to be rejected")
	}
}

func TestConnSenderRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	cs := newConnSender(0)
	cs.register("n1", serverConn)

	go cs.Send("n1", wire.KindHeartbeatPing, wire.HeartbeatPing{TimestampMs: 7})

	line, err := bufio.NewReader(clientConn).ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	f, err := wire.Decode([]byte(line[:len(line)-1]), 0)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if f.Kind != wire.KindHeartbeatPing {
		t.Fatalf("expected heartbeat.ping, got %q", f.Kind)
	}

	cs.remove("n1")
	if err := cs.Send("n1", wire.KindHeartbeatPing, wire.HeartbeatPing{}); err == nil {
		t.Fatalf("expected Send to a removed node to fail")
	}
}

func TestHandleConnRegistersAndCleansUpOnClose(t *testing.T) {
	serverConn, clientConn := net.Pipe()

	reg := registry.New(nil)
	sender := NewSender(0)
	mon := health.New(reg, sender, time.Minute, nil, nil)
	mgr := delegation.New(reg, sender, nil, delegation.DefaultConfig(), nil, nil, nil)
	srv := New(Config{AuthToken: "secret", MaxConnections: 4}, sender, reg, mon, mgr, nil)

	done := make(chan struct{})
	go func() {
		srv.handleConn(serverConn)
		close(done)
	}()

	clientConn.Write([]byte("Authorization: Bearer secret\n"))

	regFrame, err := wire.Encode(wire.KindNodeRegister, wire.NodeRegister{
		NodeID:         "n1",
		AgentTypes:     []string{"high"},
		MaxConcurrency: 1,
	}, 0)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	clientConn.Write(regFrame)

	ackLine, err := bufio.NewReader(clientConn).ReadString('\n')
	if err != nil {
		t.Fatalf("reading ack failed: %v", err)
	}
	ackFrame, err := wire.Decode([]byte(ackLine[:len(ackLine)-1]), 0)
	if err != nil {
		t.Fatalf("decode ack failed: %v", err)
	}
	var ack wire.NodeRegisterAck
	if err := wire.DecodePayload(ackFrame, &ack); err != nil {
		t.Fatalf("decode ack payload failed: %v", err)
	}
	if !ack.OK || ack.NodeID != "n1" {
		t.Fatalf("expected a successful ack for n1, got %+v", ack)
	}

	if _, ok := reg.Get("n1"); !ok {
		t.Fatalf("expected n1 to be present in the registry after registration")
	}

	clientConn.Close()
	<-done

	if _, ok := reg.Get("n1"); ok {
		t.Fatalf("expected n1 to be deregistered once its connection closed")
	}
}

func TestNewPanicsWithoutSenderFromNewSender(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected New to panic when given a sender not built by NewSender")
		}
	}()
	New(Config{}, fakeWireSender{}, registry.New(nil), nil, nil, nil)
}

type fakeWireSender struct{}

func (fakeWireSender) Send(string, wire.Kind, any) error { return nil }
