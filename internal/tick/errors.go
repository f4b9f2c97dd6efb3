package tick

import "errors"

// Code is a stable wire error code from §7.
type Code string

const (
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamLost        Code = "UPSTREAM_LOST"
	CodeInvalidTickType     Code = "INVALID_TICK_TYPE"
	CodeContractUnknown     Code = "CONTRACT_UNKNOWN"
	CodeStreamLimitReached  Code = "STREAM_LIMIT_REACHED"
	CodeStreamTimeout       Code = "STREAM_TIMEOUT"
	CodeSlowConsumer        Code = "SLOW_CONSUMER"
	CodeStorageWriteFailed  Code = "STORAGE_WRITE_FAILED"
	CodeOrphanTick          Code = "ORPHAN_TICK"
)

// WireError is the typed error surfaced to downstream subscribers and
// logged internally; Code is stable across versions per §7.
type WireError struct {
	Code        Code
	Message     string
	Recoverable bool
	Err         error
}

func (e *WireError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *WireError) Unwrap() error { return e.Err }

// NewWireError builds a WireError with a plain message.
func NewWireError(code Code, recoverable bool, msg string) *WireError {
	return &WireError{Code: code, Message: msg, Recoverable: recoverable}
}

// ErrInvalidTickType is returned by ParseType and wrapped into the wire
// INVALID_TICK_TYPE error at the registry boundary.
var ErrInvalidTickType = errors.New("invalid tick type")
