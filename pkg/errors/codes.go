package errors

// JSON-RPC 2.0 standard error codes.
const (
	// CodeParseError indicates invalid JSON was received.
	CodeParseError int = -32700

	// CodeInvalidRequest indicates the JSON is not a valid frame.
	CodeInvalidRequest int = -32600

	// CodeInternalError indicates an internal error.
	CodeInternalError int = -32603
)

// Relay-specific error codes.
const (
	// Backend transport errors (-32500 to -32599)
	CodeBackendError       int = -32500 // Generic backend transport error
	CodeBackendUnreachable int = -32501 // Failed to establish backend connection
	CodeBackendWriteError  int = -32502 // Backend rejected or lost an outbound message
	CodeBackendStreamError int = -32503 // Backend response stream failed mid-session
	CodeOpenTimeout        int = -32504 // Backend connect exceeded the open timeout

	// Overlay errors (-32550 to -32569)
	CodeOverlayPublishError int = -32550 // Overlay attachment rejected a publish
	CodeOverlayDetached     int = -32551 // Overlay attachment is down

	// Session errors (-32580 to -32599)
	CodeSessionClosed int = -32580 // Operation on a closed session
	CodeSessionIdle   int = -32581 // Session evicted after idle timeout

	// Protocol errors (-32900 to -32999)
	CodeProtocolFraming int = -32900 // Malformed frame that cannot be translated
)

// codeNames maps error codes to short names used in logs and metrics labels.
var codeNames = map[int]string{
	CodeParseError:          "ParseError",
	CodeInvalidRequest:      "InvalidRequest",
	CodeInternalError:       "InternalError",
	CodeBackendError:        "BackendError",
	CodeBackendUnreachable:  "BackendUnreachable",
	CodeBackendWriteError:   "BackendWriteError",
	CodeBackendStreamError:  "BackendStreamError",
	CodeOpenTimeout:         "OpenTimeout",
	CodeOverlayPublishError: "OverlayPublishError",
	CodeOverlayDetached:     "OverlayDetached",
	CodeSessionClosed:       "SessionClosed",
	CodeSessionIdle:         "SessionIdle",
	CodeProtocolFraming:     "ProtocolFraming",
}

// CodeName returns the short name of an error code.
func CodeName(code int) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return "UnknownError"
}

// ErrorName returns the short name for an error, or "internal" for errors
// that are not RelayErrors. Used as a low-cardinality metrics label.
func ErrorName(err error) string {
	if relayErr, ok := AsRelayError(err); ok {
		return CodeName(relayErr.Code())
	}
	return "internal"
}
