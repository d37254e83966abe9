package errors

import (
	"fmt"
	"time"
)

// BackendErrorData contains structured data for backend transport errors.
type BackendErrorData struct {
	Target    string        `json:"target,omitempty"`
	Operation string        `json:"operation,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Retryable bool          `json:"retryable"`
	Reason    string        `json:"reason,omitempty"`
}

// OverlayErrorData contains structured data for overlay attachment errors.
type OverlayErrorData struct {
	Endpoint    string `json:"endpoint,omitempty"`
	Destination string `json:"destination,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// SessionErrorData contains structured data for session lifecycle errors.
type SessionErrorData struct {
	SessionID string        `json:"session_id,omitempty"`
	State     string        `json:"state,omitempty"`
	Idle      time.Duration `json:"idle,omitempty"`
}

// BackendUnreachable creates an error for a failed backend connect. The
// session never reaches Active and the failure is reported exactly once.
func BackendUnreachable(target string, cause error) RelayError {
	message := fmt.Sprintf("failed to connect to backend %s", target)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return Wrap(cause, CodeBackendUnreachable, message, CategoryBackend, SeverityCritical).
		WithData(&BackendErrorData{
			Target:    target,
			Operation: "open",
			Retryable: true,
			Reason:    reason(cause),
		})
}

// BackendOpenTimeout creates an error for a backend connect that exceeded
// the configured open timeout.
func BackendOpenTimeout(target string, timeout time.Duration) RelayError {
	return New(
		CodeOpenTimeout,
		fmt.Sprintf("backend connect to %s timed out after %v", target, timeout),
		CategoryTimeout,
		SeverityError,
	).WithData(&BackendErrorData{
		Target:    target,
		Operation: "open",
		Timeout:   timeout,
		Retryable: true,
		Reason:    "open timeout",
	})
}

// BackendWriteError creates an error for an outbound message the backend
// rejected or that was lost because the connection is closed.
func BackendWriteError(target string, cause error) RelayError {
	message := fmt.Sprintf("failed to send message to backend %s", target)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return Wrap(cause, CodeBackendWriteError, message, CategoryBackend, SeverityError).
		WithData(&BackendErrorData{
			Target:    target,
			Operation: "send",
			Retryable: false,
			Reason:    reason(cause),
		})
}

// BackendStreamError creates an error for a backend response stream that
// failed mid-session. A clean server close is not an error and never
// produces one of these.
func BackendStreamError(target string, cause error) RelayError {
	message := fmt.Sprintf("backend stream from %s failed", target)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return Wrap(cause, CodeBackendStreamError, message, CategoryBackend, SeverityError).
		WithData(&BackendErrorData{
			Target:    target,
			Operation: "receive",
			Retryable: false,
			Reason:    reason(cause),
		})
}

// OverlayPublishError creates an error for a publish the overlay attachment
// could not deliver. Replies cannot reach the peer, so the caller closes the
// session.
func OverlayPublishError(destination string, cause error) RelayError {
	message := fmt.Sprintf("failed to publish envelope to %s", destination)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return Wrap(cause, CodeOverlayPublishError, message, CategoryOverlay, SeverityError).
		WithData(&OverlayErrorData{
			Destination: destination,
			Reason:      reason(cause),
		})
}

// OverlayDetached creates an error for an overlay attachment that is down.
// This is fatal to the whole relay, not to a single session.
func OverlayDetached(endpoint string, cause error) RelayError {
	message := fmt.Sprintf("overlay attachment %s is down", endpoint)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return Wrap(cause, CodeOverlayDetached, message, CategoryOverlay, SeverityCritical).
		WithData(&OverlayErrorData{
			Endpoint: endpoint,
			Reason:   reason(cause),
		})
}

// ProtocolFraming creates an error for a malformed message that cannot be
// translated. The offending message is dropped; the session survives.
func ProtocolFraming(sessionID string, cause error) RelayError {
	message := "malformed frame dropped"
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return Wrap(cause, CodeProtocolFraming, message, CategoryProtocol, SeverityWarning).
		WithData(&SessionErrorData{SessionID: sessionID})
}

// SessionClosed creates an error for an operation attempted on a session
// that has already been torn down.
func SessionClosed(sessionID string) RelayError {
	return New(
		CodeSessionClosed,
		fmt.Sprintf("session %s is closed", sessionID),
		CategorySession,
		SeverityWarning,
	).WithData(&SessionErrorData{SessionID: sessionID, State: "closed"})
}

// SessionIdle creates an error recording an idle-timeout eviction.
func SessionIdle(sessionID string, idle time.Duration) RelayError {
	return New(
		CodeSessionIdle,
		fmt.Sprintf("session %s idle for %v, evicting", sessionID, idle),
		CategoryTimeout,
		SeverityWarning,
	).WithData(&SessionErrorData{SessionID: sessionID, Idle: idle})
}

func reason(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}
