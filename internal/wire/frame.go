// Package wire defines the gateway's wire protocol: a discriminated union
// of JSON frames exchanged over a persistent connection between the
// gateway and a node. Frames are newline-delimited JSON, UTF-8, with
// "kind" as the discriminator. Unknown fields in a payload
// are tolerated and ignored by encoding/json's default unmarshal
// behaviour. A frame whose encoded size exceeds MaxFrameBytes, or that
// fails to parse, is a ProtocolViolation: the connection is closed and
// the owning node is deregistered.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"

	"github.com/templar-ai/gateway/internal/gwerrors"
)

// Kind discriminates a Frame's payload.
type Kind string

const (
	KindNodeRegister     Kind = "node.register"
	KindNodeRegisterAck  Kind = "node.register.ack"
	KindNodeDeregister   Kind = "node.deregister"
	KindHeartbeatPing    Kind = "heartbeat.ping"
	KindHeartbeatPong    Kind = "heartbeat.pong"
	KindDelegationReq    Kind = "delegation.request"
	KindDelegationAccept Kind = "delegation.accept"
	KindDelegationResult Kind = "delegation.result"
	KindDelegationCancel Kind = "delegation.cancel"
	KindLaneMessage      Kind = "lane.message"
)

// DefaultMaxFrameBytes is the default oversize cutoff.
const DefaultMaxFrameBytes = 1 << 20 // 1 MiB

// Frame is the envelope every wire message travels in. Payload carries
// the kind-specific fields, decoded lazily via Decode* helpers below.
type Frame struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NodeRegister is the payload of a node.register frame.
type NodeRegister struct {
	NodeID         string   `json:"nodeId"`
	AgentTypes     []string `json:"agentTypes"`
	Tools          []string `json:"tools"`
	Channels       []string `json:"channels"`
	MaxConcurrency int      `json:"maxConcurrency"`
}

// NodeRegisterAck is the payload of a node.register.ack frame.
type NodeRegisterAck struct {
	NodeID string `json:"nodeId"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// NodeDeregister is the payload of a node.deregister frame.
type NodeDeregister struct {
	NodeID string `json:"nodeId"`
}

// HeartbeatPing is the payload of a heartbeat.ping frame.
type HeartbeatPing struct {
	TimestampMs int64 `json:"timestampMs"`
}

// HeartbeatPong is the payload of a heartbeat.pong frame.
type HeartbeatPong struct {
	NodeID      string `json:"nodeId"`
	TimestampMs int64  `json:"timestampMs"`
}

// DelegationRequest is the payload of a delegation.request frame.
type DelegationRequest struct {
	DelegationID    string          `json:"delegationId"`
	FromNodeID      string          `json:"fromNodeId"`
	ToNodeID        string          `json:"toNodeId"`
	Scope           string          `json:"scope,omitempty"`
	Intent          string          `json:"intent"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	FallbackNodeIDs []string        `json:"fallbackNodeIds"`
	TimeoutMs       int64           `json:"timeoutMs"`
}

// DelegationAccept is the payload of a delegation.accept frame.
type DelegationAccept struct {
	DelegationID string `json:"delegationId"`
	NodeID       string `json:"nodeId"`
}

// ResultStatus is the terminal status carried by a delegation.result frame
// as reported by the target node (distinct from the Delegation Manager's
// own Result.Status, which adds timeout/cancelled).
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultRefused   ResultStatus = "refused"
	ResultFailed    ResultStatus = "failed"
)

// DelegationResult is the payload of a delegation.result frame.
type DelegationResult struct {
	DelegationID string          `json:"delegationId"`
	Status       ResultStatus    `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// DelegationCancel is the payload of a delegation.cancel frame.
type DelegationCancel struct {
	DelegationID string `json:"delegationId"`
	Reason       string `json:"reason"`
}

// LaneMessage is the payload of a lane.message frame: an opaque
// user-level payload routed unchanged between nodes.
type LaneMessage struct {
	FromNodeID string          `json:"fromNodeId"`
	ToNodeID   string          `json:"toNodeId"`
	Payload    json.RawMessage `json:"payload"`
}

// Encode marshals kind and payload into a single newline-terminated JSON
// line, enforcing maxBytes. maxBytes <= 0 means DefaultMaxFrameBytes.
func Encode(kind Kind, payload any, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, gwerrors.Wrap("wire.Encode", gwerrors.ProtocolViolation, err)
	}
	f := Frame{Kind: kind, Payload: raw}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, gwerrors.Wrap("wire.Encode", gwerrors.ProtocolViolation, err)
	}
	if len(data) > maxBytes {
		return nil, gwerrors.Wrap("wire.Encode", gwerrors.ProtocolViolation,
			fmt.Errorf("frame of %d bytes exceeds max %d", len(data), maxBytes))
	}
	data = append(data, '\n')
	return data, nil
}

// Decode parses a single frame line, rejecting it as a ProtocolViolation
// if it is malformed or exceeds maxBytes. maxBytes <= 0 means
// DefaultMaxFrameBytes.
func Decode(line []byte, maxBytes int) (Frame, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	if len(line) > maxBytes {
		return Frame{}, gwerrors.Wrap("wire.Decode", gwerrors.ProtocolViolation,
			fmt.Errorf("frame of %d bytes exceeds max %d", len(line), maxBytes))
	}
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, gwerrors.Wrap("wire.Decode", gwerrors.ProtocolViolation, err)
	}
	return f, nil
}

// NewScanner wraps r in a bufio.Scanner whose buffer is sized for
// maxBytes, so a legitimate max-size frame is never cut off by the
// scanner itself. maxBytes <= 0 means DefaultMaxFrameBytes.
func NewScanner(r interface{ Read([]byte) (int, error) }, maxBytes int) *bufio.Scanner {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	sc := bufio.NewScanner(r)
	// The scanner's limit is the larger of maxBytes+1 and the 64 KiB
	// initial buffer. A line that fits in it together with its newline
	// reaches Decode, which rejects it as a ProtocolViolation if it is
	// over maxBytes; a longer line stops the scanner with
	// bufio.ErrTooLong instead. With maxBytes+1 above 64 KiB (as with the
	// 1 MiB default), every newline-terminated oversize line takes the
	// ErrTooLong path.
	sc.Buffer(make([]byte, 0, 64*1024), maxBytes+1)
	return sc
}

// Sender abstracts the per-node transport. The gateway is a process-wide
// singleton; node identity is encoded as a field in every frame, and the
// actual connection (one TCP socket per node) is looked up by nodeId at
// send time. Both the Health Monitor and the Delegation Manager depend
// only on this interface, never on a concrete connection type.
type Sender interface {
	Send(nodeID string, kind Kind, payload any) error
}

// DecodePayload unmarshals f.Payload into v.
func DecodePayload(f Frame, v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return gwerrors.Wrap("wire.DecodePayload", gwerrors.ProtocolViolation, err)
	}
	return nil
}
