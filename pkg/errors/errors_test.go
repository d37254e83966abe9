package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBackendUnreachable(t *testing.T) {
	cause := errors.New("connection refused")
	err := BackendUnreachable("http://localhost:8000/sse", cause)

	if err.Code() != CodeBackendUnreachable {
		t.Errorf("Expected code %d, got %d", CodeBackendUnreachable, err.Code())
	}
	if err.Category() != CategoryBackend {
		t.Errorf("Expected category %s, got %s", CategoryBackend, err.Category())
	}
	if err.Severity() != SeverityCritical {
		t.Errorf("Expected severity %s, got %s", SeverityCritical, err.Severity())
	}
	if !errors.Is(err, cause) {
		t.Error("Expected wrapped cause to be reachable via errors.Is")
	}

	data, ok := err.Data().(*BackendErrorData)
	if !ok {
		t.Fatalf("Expected *BackendErrorData, got %T", err.Data())
	}
	if data.Target != "http://localhost:8000/sse" {
		t.Errorf("Unexpected target %q", data.Target)
	}
	if !data.Retryable {
		t.Error("Expected connect failures to be marked retryable")
	}
}

func TestStreamErrorDistinctFromWriteError(t *testing.T) {
	cause := errors.New("unexpected EOF")
	writeErr := BackendWriteError("http://backend", cause)
	streamErr := BackendStreamError("http://backend", cause)

	if writeErr.Code() == streamErr.Code() {
		t.Error("Write and stream errors must carry distinct codes")
	}
	if !IsCategory(writeErr, CategoryBackend) || !IsCategory(streamErr, CategoryBackend) {
		t.Error("Both should classify as backend errors")
	}
}

func TestProtocolFramingIsWarning(t *testing.T) {
	err := ProtocolFraming("peer-1", fmt.Errorf("invalid JSON frame"))
	if err.Severity() != SeverityWarning {
		t.Errorf("Framing errors should be warnings, got %s", err.Severity())
	}
	if !IsCode(err, CodeProtocolFraming) {
		t.Error("Expected IsCode to match CodeProtocolFraming")
	}
}

func TestWithDetailDoesNotMutate(t *testing.T) {
	base := OverlayPublishError("org/ns/client", errors.New("attachment down"))
	detailed := base.WithDetail("while draining")

	if base.Error() == detailed.Error() {
		t.Error("Expected WithDetail to produce a different message")
	}
	if base.Code() != detailed.Code() {
		t.Error("WithDetail must preserve the code")
	}
}

func TestAsRelayError(t *testing.T) {
	if _, ok := AsRelayError(nil); ok {
		t.Error("nil error should not convert")
	}
	if _, ok := AsRelayError(errors.New("plain")); ok {
		t.Error("plain error should not convert")
	}
	if _, ok := AsRelayError(SessionClosed("p1")); !ok {
		t.Error("RelayError should convert")
	}
}

func TestErrorName(t *testing.T) {
	if got := ErrorName(SessionIdle("p1", 30*time.Second)); got != "SessionIdle" {
		t.Errorf("Expected SessionIdle, got %s", got)
	}
	if got := ErrorName(errors.New("plain")); got != "internal" {
		t.Errorf("Expected internal, got %s", got)
	}
	if got := CodeName(-1); got != "UnknownError" {
		t.Errorf("Expected UnknownError, got %s", got)
	}
}

func TestToJSON(t *testing.T) {
	err := BackendOpenTimeout("http://backend", 5*time.Second)
	m := err.ToJSON()

	if m["code"] != CodeOpenTimeout {
		t.Errorf("Unexpected code in JSON map: %v", m["code"])
	}
	if m["category"] != string(CategoryTimeout) {
		t.Errorf("Unexpected category in JSON map: %v", m["category"])
	}
	if _, ok := m["data"]; !ok {
		t.Error("Expected structured data in JSON map")
	}
}
