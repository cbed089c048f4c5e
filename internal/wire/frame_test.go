package wire

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/templar-ai/gateway/internal/gwerrors"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data, err := Encode(KindHeartbeatPing, HeartbeatPing{TimestampMs: 42}, 0)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if data[len(data)-1] != '\n' {
		t.Fatalf("expected encoded frame to end in a newline")
	}

	f, err := Decode(bytes.TrimRight(data, "\n"), 0)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Kind != KindHeartbeatPing {
		t.Fatalf("expected kind %q, got %q", KindHeartbeatPing, f.Kind)
	}

	var ping HeartbeatPing
	if err := DecodePayload(f, &ping); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if ping.TimestampMs != 42 {
		t.Fatalf("expected timestampMs 42, got %d", ping.TimestampMs)
	}
}

func TestEncodeRejectsOversizeFrame(t *testing.T) {
	big := strings.Repeat("x", 1024)
	_, err := Encode(KindLaneMessage, LaneMessage{Payload: []byte(`"` + big + `"`)}, 64)
	if err == nil {
		t.Fatalf("expected an error for a frame exceeding maxBytes")
	}
	if !gwerrors.Is(err, gwerrors.ProtocolViolation) {
		t.Fatalf("expected a ProtocolViolation error, got %v", err)
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte("not json"), 0)
	if err == nil {
		t.Fatalf("expected an error for malformed JSON")
	}
	if !gwerrors.Is(err, gwerrors.ProtocolViolation) {
		t.Fatalf("expected a ProtocolViolation error, got %v", err)
	}
}

func TestDecodeRejectsOversizeLine(t *testing.T) {
	line := []byte(strings.Repeat("a", 100))
	_, err := Decode(line, 10)
	if !gwerrors.Is(err, gwerrors.ProtocolViolation) {
		t.Fatalf("expected a ProtocolViolation error for an oversize line")
	}
}

func TestNewScannerReadsNewlineDelimitedFrames(t *testing.T) {
	a, _ := Encode(KindHeartbeatPing, HeartbeatPing{TimestampMs: 1}, 0)
	b, _ := Encode(KindHeartbeatPing, HeartbeatPing{TimestampMs: 2}, 0)
	r := bufio.NewReader(bytes.NewReader(append(a, b...)))
	sc := NewScanner(r, 0)

	var lines [][]byte
	for sc.Scan() {
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 scanned lines, got %d", len(lines))
	}
}
