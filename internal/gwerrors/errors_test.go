package gwerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap("registry.Register", NodeAlreadyRegistered, cause)

	if !Is(err, NodeAlreadyRegistered) {
		t.Fatalf("expected Is to match NodeAlreadyRegistered")
	}
	if Is(err, NodeNotFound) {
		t.Fatalf("expected Is to not match an unrelated kind")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap("store.Create", StoreUnavailable, cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to see through Unwrap to the cause")
	}
}

func TestNewHasNoCause(t *testing.T) {
	err := New("registry.Deregister", NodeNotFound)
	if err.Unwrap() != nil {
		t.Fatalf("expected New() to carry no wrapped cause")
	}
	if err.Error() == "" {
		t.Fatalf("expected a non-empty Error() string")
	}
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	err := Wrap("wire.Decode", ProtocolViolation, fmt.Errorf("bad json"))
	msg := err.Error()
	if msg == "" {
		t.Fatalf("expected non-empty error message")
	}
}

func TestIsFalseOnPlainError(t *testing.T) {
	if Is(errors.New("plain"), NodeNotFound) {
		t.Fatalf("expected Is to report false for a non-gwerrors error")
	}
	if Is(nil, NodeNotFound) {
		t.Fatalf("expected Is to report false for a nil error")
	}
}
