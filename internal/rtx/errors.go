package rtx

import "errors"

var (
	// ErrProtocolViolation reports an ack mismatch or an unexpected status,
	// update, or connection id from the gateway.
	ErrProtocolViolation = errors.New("gateway protocol violation")

	// ErrCallbackExpired is delivered when a pending call exceeds its budget.
	ErrCallbackExpired = errors.New("callback expired")

	// ErrResponseFailed is delivered to a pending response when its slot
	// fails mid-exchange.
	ErrResponseFailed = errors.New("gateway response failed")

	// ErrStatusFailed is delivered when the gateway reports a failed status
	// for a pending command.
	ErrStatusFailed = errors.New("gateway status failed")

	ErrTransportLost   = errors.New("gateway transport lost")
	ErrShutdown        = errors.New("gateway session shut down")
	ErrSymbolRejected  = errors.New("symbol rejected by gateway")
	ErrBarsUnavailable = errors.New("bar query failed")
	ErrUnknownLabel    = errors.New("unexpected result label")
	ErrBadRoute        = errors.New("cannot set order route")
)
